// Package risk scores users for compliance review from their KYC verdict,
// ledger activity and jurisdiction.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fundledger/services/settlementd/models"
)

// Level buckets a score.
type Level string

// Levels.
const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Factor weights sum to one.
const (
	weightKYC      = 0.4
	weightVelocity = 0.3
	weightCountry  = 0.3

	mediumThreshold = 0.3
	highThreshold   = 0.6
)

var (
	verdictWeights = map[VerdictStatus]float64{
		VerdictApproved: 0,
		VerdictPending:  0.6,
		VerdictRejected: 1,
		VerdictUnknown:  0.8,
	}
	classWeights = map[CountryClass]float64{
		CountryLow:    0.1,
		CountryMedium: 0.5,
		CountryHigh:   1,
	}
)

// Factor is one weighted input of a score.
type Factor struct {
	Name         string  `json:"name"`
	Value        string  `json:"value"`
	Risk         float64 `json:"risk"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// Score is a user's computed risk. It is never persisted.
type Score struct {
	UserID     uuid.UUID `json:"userId"`
	Level      Level     `json:"level"`
	Score      float64   `json:"score"`
	Factors    []Factor  `json:"factors"`
	ComputedAt time.Time `json:"computedAt"`
}

// VelocityCounter counts a user's ledger transactions since a cutoff.
type VelocityCounter interface {
	CountByInitiator(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error)
}

// Config tunes the scorer.
type Config struct {
	// Window is the trailing period counted for velocity.
	Window time.Duration `yaml:"velocity_window"`
	// VelocityCeiling is the transaction count at which velocity risk saturates.
	VelocityCeiling int64 `yaml:"velocity_ceiling"`
	// CountryTable is an optional TOML classification replacing the bundled one.
	CountryTable string `yaml:"country_table"`
}

// Service computes risk scores on demand.
type Service struct {
	db        *gorm.DB
	kyc       KYCProvider
	velocity  VelocityCounter
	countries *CountryTable
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger
}

// Option customises the service.
type Option func(*Service)

// WithCountries replaces the bundled country classification.
func WithCountries(table *CountryTable) Option {
	return func(s *Service) {
		if table != nil {
			s.countries = table
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService constructs a scorer. Donor rows supply the user's country.
func NewService(db *gorm.DB, kyc KYCProvider, velocity VelocityCounter, cfg Config, opts ...Option) *Service {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.VelocityCeiling <= 0 {
		cfg.VelocityCeiling = 15
	}
	s := &Service{
		db:        db,
		kyc:       kyc,
		velocity:  velocity,
		countries: DefaultCountryTable(),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = s.logger.With(slog.String("component", "risk"))
	return s
}

// CalculateRiskScore recomputes the user's score from current inputs.
func (s *Service) CalculateRiskScore(ctx context.Context, userID uuid.UUID) (*Score, error) {
	now := s.now()

	verdict, err := s.kyc.GetVerificationVerdict(ctx, userID)
	switch {
	case errors.Is(err, ErrNoVerdict):
		verdict = Verdict{Status: VerdictUnknown}
	case err != nil:
		return nil, fmt.Errorf("risk: kyc verdict: %w", err)
	}
	kycRisk, ok := verdictWeights[verdict.Status]
	if !ok {
		kycRisk = verdictWeights[VerdictUnknown]
	}

	count, err := s.velocity.CountByInitiator(ctx, userID, now.Add(-s.cfg.Window))
	if err != nil {
		return nil, fmt.Errorf("risk: velocity: %w", err)
	}
	velocityRisk := math.Min(float64(count)/float64(s.cfg.VelocityCeiling), 1)

	country, err := s.country(ctx, userID)
	if err != nil {
		return nil, err
	}
	class := s.countries.Classify(country)

	factors := []Factor{
		newFactor("kyc", string(verdict.Status), kycRisk, weightKYC),
		newFactor("velocity", fmt.Sprintf("%d in %s", count, s.cfg.Window), velocityRisk, weightVelocity),
		newFactor("country", fmt.Sprintf("%s (%s)", orUnknown(country), class), classWeights[class], weightCountry),
	}
	total := 0.0
	for _, f := range factors {
		total += f.Contribution
	}
	score := &Score{
		UserID:     userID,
		Score:      round(total),
		Level:      levelFor(total),
		Factors:    factors,
		ComputedAt: now,
	}
	s.logger.Debug("risk score computed",
		slog.String("user", userID.String()),
		slog.String("level", string(score.Level)),
		slog.Float64("score", score.Score))
	return score, nil
}

func (s *Service) country(ctx context.Context, userID uuid.UUID) (string, error) {
	var donor models.Donor
	err := s.db.WithContext(ctx).Select("id", "country").First(&donor, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("risk: load country: %w", err)
	}
	return donor.Country, nil
}

func newFactor(name, value string, risk, weight float64) Factor {
	return Factor{Name: name, Value: value, Risk: round(risk), Weight: weight, Contribution: round(risk * weight)}
}

func levelFor(score float64) Level {
	switch {
	case score >= highThreshold:
		return LevelHigh
	case score >= mediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

func round(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
