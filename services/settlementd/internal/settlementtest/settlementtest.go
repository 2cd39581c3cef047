// Package settlementtest holds fixtures shared by settlement package tests.
package settlementtest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fundledger/services/settlementd/models"
)

// OpenDB returns a migrated in-memory database private to the test. A single
// connection keeps sqlite's shared cache free of lock contention.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

// Campaign inserts a campaign paying out to account.
func Campaign(t testing.TB, db *gorm.DB, owner uuid.UUID, account string) models.Campaign {
	t.Helper()
	campaign := models.Campaign{
		ID:            uuid.New(),
		OwnerID:       owner,
		Title:         "Clean water wells",
		Asset:         "XLM",
		GoalAmount:    decimal.NewFromInt(10000),
		RaisedAmount:  decimal.Zero,
		PayoutAccount: account,
		Status:        "active",
	}
	if err := db.Create(&campaign).Error; err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return campaign
}

// Donor inserts a donor holding wallet account whose seed is stored under secretRef.
func Donor(t testing.TB, db *gorm.DB, account, secretRef, country string) models.Donor {
	t.Helper()
	donor := models.Donor{
		ID:            uuid.New(),
		WalletAccount: account,
		SecretRef:     secretRef,
		Country:       country,
		TotalDonated:  decimal.Zero,
	}
	if err := db.Create(&donor).Error; err != nil {
		t.Fatalf("create donor: %v", err)
	}
	return donor
}
