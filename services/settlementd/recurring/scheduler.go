// Package recurring runs due recurring donations on a schedule.
package recurring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fundledger/observability"
	"fundledger/services/settlementd/donations"
	"fundledger/services/settlementd/models"
)

// Processor lists due subscriptions and settles one instalment of each. A
// nil result with an error means nothing was recorded for the instalment.
type Processor interface {
	DueSubscriptions(ctx context.Context, now time.Time, limit int) ([]models.RecurringSubscription, error)
	ProcessSubscription(ctx context.Context, sub models.RecurringSubscription) (*donations.Result, error)
}

// Summary describes one scheduler pass.
type Summary struct {
	Due       int `json:"due"`
	Claimed   int `json:"claimed"`
	Submitted int `json:"submitted"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
	Paused    int `json:"paused"`
}

// Scheduler selects due subscriptions and hands each to the processor.
type Scheduler struct {
	db        *gorm.DB
	processor Processor
	interval  time.Duration
	batch     int
	now       func() time.Time
	logger    *slog.Logger
	metrics   *observability.SettlementMetrics
}

// Option customises the scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInterval sets the cadence of Run.
func WithInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithBatchSize bounds the subscriptions handled per pass.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithMetrics records outcomes on the supplied registry.
func WithMetrics(metrics *observability.SettlementMetrics) Option {
	return func(s *Scheduler) { s.metrics = metrics }
}

// NewScheduler constructs a scheduler.
func NewScheduler(db *gorm.DB, processor Processor, opts ...Option) *Scheduler {
	s := &Scheduler{
		db:        db,
		processor: processor,
		interval:  time.Minute,
		batch:     100,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = s.logger.With(slog.String("component", "recurring"))
	return s
}

// Run executes passes until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("recurring pass failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunDue processes every active subscription whose next run is due. Each
// subscription is claimed by advancing NextProcessing with a conditional
// update, so concurrent schedulers never run the same instalment twice. A
// failing subscription is counted and skipped; it never stops the pass.
func (s *Scheduler) RunDue(ctx context.Context) (Summary, error) {
	var summary Summary
	now := s.now()
	due, err := s.processor.DueSubscriptions(ctx, now, s.batch)
	if err != nil {
		return summary, fmt.Errorf("recurring: select due: %w", err)
	}
	summary.Due = len(due)
	for _, sub := range due {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		next, claimed, err := s.claim(ctx, sub, now)
		if err != nil {
			s.logger.Error("claim subscription", slog.String("subscription", sub.ID.String()), slog.Any("error", err))
			continue
		}
		if !claimed {
			continue
		}
		summary.Claimed++
		s.process(ctx, sub, next, &summary)
	}
	if summary.Due > 0 {
		s.logger.Info("recurring pass complete",
			slog.Int("due", summary.Due),
			slog.Int("submitted", summary.Submitted),
			slog.Int("failed", summary.Failed),
			slog.Int("deferred", summary.Deferred),
			slog.Int("paused", summary.Paused))
	}
	return summary, nil
}

// claim advances NextProcessing along the subscription's anchored cadence,
// skipping periods missed while the service was down.
func (s *Scheduler) claim(ctx context.Context, sub models.RecurringSubscription, now time.Time) (time.Time, bool, error) {
	next := sub.Frequency.NextAnchored(sub.NextProcessing, sub.AnchorDay)
	for i := 0; !next.After(now) && i < maxCatchUp; i++ {
		next = sub.Frequency.NextAnchored(next, sub.AnchorDay)
	}
	if !next.After(now) {
		next = sub.Frequency.NextAnchored(now, sub.AnchorDay)
	}
	res := s.db.WithContext(ctx).Model(&models.RecurringSubscription{}).
		Where("id = ? AND status = ? AND next_processing <= ?", sub.ID, models.SubscriptionActive, now).
		Updates(map[string]any{"next_processing": next, "updated_at": now})
	if res.Error != nil {
		return time.Time{}, false, res.Error
	}
	return next, res.RowsAffected == 1, nil
}

const maxCatchUp = 400

func (s *Scheduler) process(ctx context.Context, sub models.RecurringSubscription, next time.Time, summary *Summary) {
	res, err := s.processor.ProcessSubscription(ctx, sub)
	switch {
	case err == nil && res.Success:
		summary.Submitted++
		s.metrics.RecordRecurring("submitted")
		return
	case err == nil:
		summary.Pending++
		s.metrics.RecordRecurring("pending")
		return
	case res == nil:
		summary.Deferred++
		s.metrics.RecordRecurring("deferred")
		s.logger.Warn("recurring donation deferred",
			slog.String("subscription", sub.ID.String()),
			slog.Any("error", err))
		if relErr := s.release(ctx, sub, next); relErr != nil {
			s.logger.Error("release subscription claim", slog.String("subscription", sub.ID.String()), slog.Any("error", relErr))
		}
		return
	}
	summary.Failed++
	s.metrics.RecordRecurring("failed")
	s.logger.Warn("recurring donation failed",
		slog.String("subscription", sub.ID.String()),
		slog.String("donation", res.DonationID.String()),
		slog.Any("error", err))
	if s.paused(ctx, sub.ID) {
		summary.Paused++
	}
}

// release hands a claimed instalment back so the next pass runs it again.
// The update only applies while the claim is still the latest one.
func (s *Scheduler) release(ctx context.Context, sub models.RecurringSubscription, next time.Time) error {
	return s.db.WithContext(context.WithoutCancel(ctx)).Model(&models.RecurringSubscription{}).
		Where("id = ? AND next_processing = ?", sub.ID, next).
		Updates(map[string]any{"next_processing": sub.NextProcessing, "updated_at": s.now()}).Error
}

func (s *Scheduler) paused(ctx context.Context, id uuid.UUID) bool {
	var sub models.RecurringSubscription
	if err := s.db.WithContext(ctx).Select("id", "status").First(&sub, "id = ?", id).Error; err != nil {
		return false
	}
	return sub.Status == models.SubscriptionPaused
}
