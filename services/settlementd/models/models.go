package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TxStatus represents a state in the ledger transaction lifecycle.
type TxStatus string

// Lifecycle states, in forward order.
const (
	TxPending    TxStatus = "pending"
	TxSubmitted  TxStatus = "submitted"
	TxConfirming TxStatus = "confirming"
	TxConfirmed  TxStatus = "confirmed"
	TxFailed     TxStatus = "failed"
	TxExpired    TxStatus = "expired"
)

// Terminal reports whether no further lifecycle transitions are allowed.
func (s TxStatus) Terminal() bool {
	return s == TxConfirmed || s == TxFailed || s == TxExpired
}

// Rank orders statuses along the forward path. Terminal states share the top rank.
func (s TxStatus) Rank() int {
	switch s {
	case TxPending:
		return 0
	case TxSubmitted:
		return 1
	case TxConfirming:
		return 2
	case TxConfirmed, TxFailed, TxExpired:
		return 3
	default:
		return -1
	}
}

// SourceType names the business purpose of a ledger transaction.
type SourceType string

// Supported source types.
const (
	SourceDonation        SourceType = "donation"
	SourceMilestone       SourceType = "milestone"
	SourceEscrow          SourceType = "escrow"
	SourceWithdrawal      SourceType = "withdrawal"
	SourceAccountCreation SourceType = "account_creation"
)

// Valid reports whether the source type is known.
func (s SourceType) Valid() bool {
	switch s {
	case SourceDonation, SourceMilestone, SourceEscrow, SourceWithdrawal, SourceAccountCreation:
		return true
	}
	return false
}

// LedgerTransaction tracks one ledger-bound money movement independent of its purpose.
type LedgerTransaction struct {
	ID                 uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Hash               *string         `gorm:"size:64;uniqueIndex"`
	EnvelopeHash       string          `gorm:"size:64;index"`
	SourceType         SourceType      `gorm:"size:32;index"`
	SourceID           uuid.UUID       `gorm:"type:uuid;index"`
	InitiatorID        uuid.UUID       `gorm:"type:uuid;index"`
	Status             TxStatus        `gorm:"size:16;index"`
	Amount             decimal.Decimal `gorm:"type:numeric(24,7)"`
	Asset              string          `gorm:"size:80"`
	SourceAccount      string          `gorm:"size:56"`
	DestinationAccount string          `gorm:"size:56"`
	LedgerSequence     int64
	ValidUntil         *time.Time
	LastChecked        *time.Time `gorm:"index"`
	ErrorCode          string     `gorm:"size:64"`
	ErrorMessage       string     `gorm:"size:512"`
	Attempts           int
	LeaseOwner         string     `gorm:"size:64"`
	LeaseExpiresAt     *time.Time `gorm:"index"`
	SubmittedAt        *time.Time
	ResolvedAt         *time.Time
	EffectsAppliedAt   *time.Time
	EffectsAttempts    int
	EffectsRetryAt     *time.Time
	CreatedAt          time.Time `gorm:"index"`
	UpdatedAt          time.Time
	History            []LedgerTransactionEvent `gorm:"foreignKey:TransactionID"`
}

// HashValue returns the assigned ledger hash or an empty string.
func (t *LedgerTransaction) HashValue() string {
	if t == nil || t.Hash == nil {
		return ""
	}
	return *t.Hash
}

// LedgerTransactionEvent is one entry of a transaction's status history.
type LedgerTransactionEvent struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	TransactionID uuid.UUID `gorm:"type:uuid;index"`
	Status        TxStatus  `gorm:"size:16"`
	Detail        string    `gorm:"size:512"`
	CreatedAt     time.Time `gorm:"index"`
}

// Campaign carries the funding aggregates owned by the campaign store.
type Campaign struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey"`
	OwnerID       uuid.UUID       `gorm:"type:uuid;index"`
	Title         string          `gorm:"size:255"`
	Asset         string          `gorm:"size:80"`
	GoalAmount    decimal.Decimal `gorm:"type:numeric(24,7)"`
	RaisedAmount  decimal.Decimal `gorm:"type:numeric(24,7)"`
	DonorCount    int
	PayoutAccount string `gorm:"size:56"`
	Status        string `gorm:"size:16"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DonationType classifies a donation or a donor's giving pattern.
type DonationType string

// Donation types.
const (
	DonationOneTime   DonationType = "one-time"
	DonationRecurring DonationType = "recurring"
	DonationMilestone DonationType = "milestone"
)

// Donor carries the donor aggregates and wallet identity. ID is the user ID.
type Donor struct {
	ID              uuid.UUID       `gorm:"type:uuid;primaryKey"`
	WalletAccount   string          `gorm:"size:56"`
	SecretRef       string          `gorm:"size:128"`
	Country         string          `gorm:"size:2"`
	TotalDonated    decimal.Decimal `gorm:"type:numeric(24,7)"`
	DonationCount   int
	DonationType    DonationType `gorm:"size:16"`
	FirstDonationAt *time.Time
	LastDonationAt  *time.Time
	// WalletFundingTxID is set while a sponsored account creation is in flight.
	WalletFundingTxID *uuid.UUID `gorm:"type:uuid"`
	WalletFundedAt    *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DonationStatus is the business-level state of a donation.
type DonationStatus string

// Donation states.
const (
	DonationPending    DonationStatus = "pending"
	DonationProcessing DonationStatus = "processing"
	DonationCompleted  DonationStatus = "completed"
	DonationFailed     DonationStatus = "failed"
	DonationRefunded   DonationStatus = "refunded"
)

// Donation is a single donor payment towards a campaign.
type Donation struct {
	ID                  uuid.UUID           `gorm:"type:uuid;primaryKey"`
	DonorID             uuid.UUID           `gorm:"type:uuid;index"`
	CampaignID          uuid.UUID           `gorm:"type:uuid;index"`
	Amount              decimal.Decimal     `gorm:"type:numeric(24,7)"`
	Asset               string              `gorm:"size:80"`
	FiatAmount          decimal.NullDecimal `gorm:"type:numeric(24,7)"`
	FiatCurrency        string              `gorm:"size:3"`
	Type                DonationType        `gorm:"size:16;index"`
	Status              DonationStatus      `gorm:"size:16;index"`
	Anonymous           bool
	Message             string     `gorm:"size:1024"`
	LedgerTransactionID *uuid.UUID `gorm:"type:uuid;index"`
	TransactionHash     string     `gorm:"size:64"`
	SubscriptionID      *uuid.UUID `gorm:"type:uuid;index"`
	FailureReason       string     `gorm:"size:512"`
	CompletedAt         *time.Time
	CreatedAt           time.Time `gorm:"index"`
	UpdatedAt           time.Time
}

// Frequency is a recurring donation cadence.
type Frequency string

// Supported cadences.
const (
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyYearly    Frequency = "yearly"
)

// Next returns the processing time following from, anchored on from's day of month.
func (f Frequency) Next(from time.Time) time.Time {
	return f.NextAnchored(from, from.Day())
}

// NextAnchored returns the processing time following from. Month based
// cadences land on anchorDay, clamped to the last day of shorter months, so a
// series started on the 31st runs on Feb 28 and returns to Mar 31.
func (f Frequency) NextAnchored(from time.Time, anchorDay int) time.Time {
	switch f {
	case FrequencyDaily:
		return from.AddDate(0, 0, 1)
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7)
	case FrequencyQuarterly:
		return addMonths(from, 3, anchorDay)
	case FrequencyYearly:
		return addMonths(from, 12, anchorDay)
	default:
		return addMonths(from, 1, anchorDay)
	}
}

func addMonths(from time.Time, months, anchorDay int) time.Time {
	if anchorDay < 1 || anchorDay > 31 {
		anchorDay = from.Day()
	}
	first := time.Date(from.Year(), from.Month(), 1, from.Hour(), from.Minute(), from.Second(), from.Nanosecond(), from.Location())
	target := first.AddDate(0, months, 0)
	if last := daysIn(target.Year(), target.Month()); anchorDay > last {
		anchorDay = last
	}
	return target.AddDate(0, 0, anchorDay-1)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Valid reports whether the cadence is supported.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly, FrequencyYearly:
		return true
	}
	return false
}

// SubscriptionStatus is the state of a recurring donation.
type SubscriptionStatus string

// Subscription states.
const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPaused    SubscriptionStatus = "paused"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// RecurringSubscription holds the recurring details of a donation series.
type RecurringSubscription struct {
	ID                  uuid.UUID          `gorm:"type:uuid;primaryKey"`
	DonorID             uuid.UUID          `gorm:"type:uuid;index"`
	CampaignID          uuid.UUID          `gorm:"type:uuid;index"`
	OriginDonationID    uuid.UUID          `gorm:"type:uuid;uniqueIndex"`
	Amount              decimal.Decimal    `gorm:"type:numeric(24,7)"`
	Asset               string             `gorm:"size:80"`
	Frequency           Frequency          `gorm:"size:16"`
	Status              SubscriptionStatus `gorm:"size:16;index"`
	NextProcessing      time.Time          `gorm:"index"`
	// AnchorDay is the day of month month-based cadences return to.
	AnchorDay           int
	TotalProcessed      int
	ConsecutiveFailures int
	Anonymous           bool
	Message             string `gorm:"size:1024"`
	LastProcessedAt     *time.Time
	PausedAt            *time.Time
	CancelledAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// DonorCampaign marks a donor's first confirmed donation to a campaign.
type DonorCampaign struct {
	DonorID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	CampaignID uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt  time.Time
}

// SettlementEffect records that the business effects of a ledger hash were applied.
type SettlementEffect struct {
	Hash                string     `gorm:"primaryKey;size:64"`
	LedgerTransactionID uuid.UUID  `gorm:"type:uuid;index"`
	SourceType          SourceType `gorm:"size:32"`
	AppliedAt           time.Time
}

// Escrow is the ledger account holding a campaign's milestone-gated funds.
type Escrow struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	CampaignID uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Account    string    `gorm:"size:56"`
	SecretRef  string    `gorm:"size:128"`
	Asset      string    `gorm:"size:80"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Milestones []Milestone `gorm:"foreignKey:EscrowID"`
}

// MilestoneStatus is the state of a milestone.
type MilestoneStatus string

// Milestone states.
const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneActive    MilestoneStatus = "active"
	MilestoneCompleted MilestoneStatus = "completed"
)

// Milestone is a release gate on an escrow.
type Milestone struct {
	ID                   uuid.UUID       `gorm:"type:uuid;primaryKey"`
	EscrowID             uuid.UUID       `gorm:"type:uuid;index"`
	CampaignID           uuid.UUID       `gorm:"type:uuid;index"`
	Title                string          `gorm:"size:255"`
	TargetAmount         decimal.Decimal `gorm:"type:numeric(24,7)"`
	Status               MilestoneStatus `gorm:"size:16;index"`
	ReleaseTransactionID *uuid.UUID      `gorm:"type:uuid;index"`
	ReleasedAmount       decimal.Decimal `gorm:"type:numeric(24,7)"`
	ReleasedBy           *uuid.UUID      `gorm:"type:uuid"`
	CompletedAt          *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Anomaly records an integrity problem for operator review.
type Anomaly struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Kind          string     `gorm:"size:64;index"`
	TransactionID *uuid.UUID `gorm:"type:uuid;index"`
	Hash          string     `gorm:"size:64"`
	Detail        string     `gorm:"type:text"`
	CreatedAt     time.Time  `gorm:"index"`
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key         string `gorm:"primaryKey;size:192"`
	Subject     string `gorm:"size:64"`
	RequestHash string `gorm:"size:64"`
	Method      string `gorm:"size:8"`
	Path        string `gorm:"size:255"`
	Status      int
	Response    string `gorm:"type:text"`
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&LedgerTransaction{},
		&LedgerTransactionEvent{},
		&Campaign{},
		&Donor{},
		&Donation{},
		&RecurringSubscription{},
		&DonorCampaign{},
		&SettlementEffect{},
		&Escrow{},
		&Milestone{},
		&Anomaly{},
		&IdempotencyKey{},
	)
}
