package donations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fundledger/services/settlementd/domain"
	"fundledger/services/settlementd/models"
)

// CancelRecurringDonation stops the subscription the donation belongs to.
// Only the donor may cancel, only an active subscription can be cancelled,
// and cancellation is irreversible.
func (e *Engine) CancelRecurringDonation(ctx context.Context, donationID, requestedBy uuid.UUID) (*models.RecurringSubscription, error) {
	sub, err := e.subscriptionFor(ctx, donationID, requestedBy)
	if err != nil {
		return nil, err
	}
	now := e.tracker.Now()
	res := e.db.WithContext(ctx).Model(&models.RecurringSubscription{}).
		Where("id = ? AND status = ?", sub.ID, models.SubscriptionActive).
		Updates(map[string]any{
			"status":       models.SubscriptionCancelled,
			"cancelled_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("donations: cancel subscription: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, domain.InvalidStatef("recurring donation %s is %s", donationID, sub.Status)
	}
	sub.Status = models.SubscriptionCancelled
	sub.CancelledAt = &now
	e.logger.Info("recurring donation cancelled",
		slog.String("subscription", sub.ID.String()),
		slog.String("donor", requestedBy.String()))
	return sub, nil
}

// ResumeRecurringDonation reactivates a paused subscription and clears its failure count.
func (e *Engine) ResumeRecurringDonation(ctx context.Context, donationID, requestedBy uuid.UUID) (*models.RecurringSubscription, error) {
	sub, err := e.subscriptionFor(ctx, donationID, requestedBy)
	if err != nil {
		return nil, err
	}
	now := e.tracker.Now()
	next := sub.NextProcessing
	if next.Before(now) {
		next = now
	}
	res := e.db.WithContext(ctx).Model(&models.RecurringSubscription{}).
		Where("id = ? AND status = ?", sub.ID, models.SubscriptionPaused).
		Updates(map[string]any{
			"status":               models.SubscriptionActive,
			"consecutive_failures": 0,
			"paused_at":            nil,
			"next_processing":      next,
			"updated_at":           now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("donations: resume subscription: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, domain.InvalidStatef("recurring donation %s is %s", donationID, sub.Status)
	}
	sub.Status = models.SubscriptionActive
	sub.ConsecutiveFailures = 0
	sub.PausedAt = nil
	sub.NextProcessing = next
	return sub, nil
}

func (e *Engine) subscriptionFor(ctx context.Context, donationID, requestedBy uuid.UUID) (*models.RecurringSubscription, error) {
	db := e.db.WithContext(ctx)
	var donation models.Donation
	if err := db.First(&donation, "id = ?", donationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: donation %s", domain.ErrNotFound, donationID)
		}
		return nil, fmt.Errorf("donations: load donation: %w", err)
	}
	if donation.SubscriptionID == nil {
		return nil, domain.InvalidStatef("donation %s is not recurring", donationID)
	}
	var sub models.RecurringSubscription
	if err := db.First(&sub, "id = ?", *donation.SubscriptionID).Error; err != nil {
		return nil, fmt.Errorf("donations: load subscription: %w", err)
	}
	if sub.DonorID != requestedBy {
		return nil, fmt.Errorf("%w: only the donor may change recurring donation %s", domain.ErrUnauthorized, donationID)
	}
	return &sub, nil
}

// DueSubscriptions lists active subscriptions whose next run is at or before now.
func (e *Engine) DueSubscriptions(ctx context.Context, now time.Time, limit int) ([]models.RecurringSubscription, error) {
	if limit <= 0 {
		limit = 100
	}
	var subs []models.RecurringSubscription
	err := e.db.WithContext(ctx).
		Where("status = ? AND next_processing <= ?", models.SubscriptionActive, now).
		Order("next_processing ASC").Limit(limit).Find(&subs).Error
	return subs, err
}
