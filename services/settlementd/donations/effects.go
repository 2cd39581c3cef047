package donations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fundledger/observability"
	"fundledger/services/settlementd/models"
)

// OnConfirmed applies the funding effects of a confirmed donation payment.
// Effects are keyed by ledger hash, so replaying the same confirmation is a
// no-op.
func (e *Engine) OnConfirmed(ctx context.Context, row models.LedgerTransaction) error {
	hash := row.HashValue()
	if hash == "" {
		return fmt.Errorf("donations: confirmed transaction %s has no hash", row.ID)
	}
	now := e.tracker.Now()
	var donation models.Donation
	applied := false
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		effect := models.SettlementEffect{
			Hash:                hash,
			LedgerTransactionID: row.ID,
			SourceType:          row.SourceType,
			AppliedAt:           now,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&effect)
		if res.Error != nil {
			return fmt.Errorf("donations: record effect: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := tx.First(&donation, "id = ?", row.SourceID).Error; err != nil {
			return fmt.Errorf("donations: load donation %s: %w", row.SourceID, err)
		}
		// A failed donation can still complete when its expired payment is later found confirmed.
		res = tx.Model(&models.Donation{}).
			Where("id = ? AND status IN ?", donation.ID, []models.DonationStatus{
				models.DonationPending, models.DonationProcessing, models.DonationFailed,
			}).
			Updates(map[string]any{
				"status":           models.DonationCompleted,
				"transaction_hash": hash,
				"completed_at":     now,
				"failure_reason":   "",
				"updated_at":       now,
			})
		if res.Error != nil {
			return fmt.Errorf("donations: complete donation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		var campaign models.Campaign
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&campaign, "id = ?", donation.CampaignID).Error; err != nil {
			return fmt.Errorf("donations: load campaign: %w", err)
		}
		link := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.DonorCampaign{
			DonorID:    donation.DonorID,
			CampaignID: donation.CampaignID,
			CreatedAt:  now,
		})
		if link.Error != nil {
			return fmt.Errorf("donations: link donor: %w", link.Error)
		}
		campaignFields := map[string]any{
			"raised_amount": campaign.RaisedAmount.Add(donation.Amount),
			"updated_at":    now,
		}
		if link.RowsAffected > 0 {
			campaignFields["donor_count"] = campaign.DonorCount + 1
		}
		if err := tx.Model(&models.Campaign{}).Where("id = ?", campaign.ID).Updates(campaignFields).Error; err != nil {
			return fmt.Errorf("donations: update campaign: %w", err)
		}

		var donor models.Donor
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&donor, "id = ?", donation.DonorID).Error; err != nil {
			return fmt.Errorf("donations: load donor: %w", err)
		}
		donorFields := map[string]any{
			"total_donated":    donor.TotalDonated.Add(donation.Amount),
			"donation_count":   donor.DonationCount + 1,
			"last_donation_at": now,
			"updated_at":       now,
		}
		if donor.FirstDonationAt == nil {
			donorFields["first_donation_at"] = now
		}
		if donation.Type == models.DonationRecurring || donor.DonationType == "" {
			donorFields["donation_type"] = donation.Type
		}
		if err := tx.Model(&models.Donor{}).Where("id = ?", donor.ID).Updates(donorFields).Error; err != nil {
			return fmt.Errorf("donations: update donor: %w", err)
		}

		if donation.SubscriptionID != nil {
			if err := tx.Model(&models.RecurringSubscription{}).Where("id = ?", *donation.SubscriptionID).
				Updates(map[string]any{
					"total_processed":      gorm.Expr("total_processed + 1"),
					"consecutive_failures": 0,
					"last_processed_at":    now,
					"updated_at":           now,
				}).Error; err != nil {
				return fmt.Errorf("donations: update subscription: %w", err)
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		e.logger.Debug("donation effects already applied", slog.String("hash", hash))
		return nil
	}
	amount, _ := donation.Amount.Float64()
	observability.Events().RecordSettlement(string(models.SourceDonation), donation.Asset, amount)
	e.logger.Info("donation completed",
		slog.String("donation", donation.ID.String()),
		slog.String("campaign", donation.CampaignID.String()),
		slog.String("hash", hash))
	return nil
}

// OnFailed marks the donation failed and counts the failure against its
// subscription, pausing the subscription once the threshold is reached.
func (e *Engine) OnFailed(ctx context.Context, row models.LedgerTransaction) error {
	now := e.tracker.Now()
	reason := row.ErrorCode
	if row.ErrorMessage != "" {
		reason = row.ErrorCode + ": " + row.ErrorMessage
	}
	if reason == "" {
		reason = string(row.Status)
	}
	paused := false
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var donation models.Donation
		if err := tx.First(&donation, "id = ?", row.SourceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return fmt.Errorf("donations: load donation %s: %w", row.SourceID, err)
		}
		res := tx.Model(&models.Donation{}).
			Where("id = ? AND status IN ?", donation.ID, []models.DonationStatus{models.DonationPending, models.DonationProcessing}).
			Updates(map[string]any{
				"status":         models.DonationFailed,
				"failure_reason": truncate(reason, 512),
				"updated_at":     now,
			})
		if res.Error != nil {
			return fmt.Errorf("donations: fail donation: %w", res.Error)
		}
		if res.RowsAffected == 0 || donation.SubscriptionID == nil {
			return nil
		}
		var err error
		paused, err = e.countSubscriptionFailure(tx, *donation.SubscriptionID, now)
		return err
	})
	if err != nil {
		return err
	}
	if paused {
		e.logger.Warn("recurring donation paused after repeated failures",
			slog.String("donation", row.SourceID.String()),
			slog.Int("threshold", e.cfg.MaxConsecutiveFailures))
	}
	return nil
}

// countSubscriptionFailure bumps the subscription's failure streak inside tx
// and pauses it once the streak reaches the configured threshold.
func (e *Engine) countSubscriptionFailure(tx *gorm.DB, id uuid.UUID, now time.Time) (bool, error) {
	var sub models.RecurringSubscription
	if err := tx.First(&sub, "id = ?", id).Error; err != nil {
		return false, fmt.Errorf("donations: load subscription: %w", err)
	}
	fields := map[string]any{
		"consecutive_failures": sub.ConsecutiveFailures + 1,
		"updated_at":           now,
	}
	paused := false
	if sub.Status == models.SubscriptionActive && sub.ConsecutiveFailures+1 >= e.cfg.MaxConsecutiveFailures {
		fields["status"] = models.SubscriptionPaused
		fields["paused_at"] = now
		paused = true
	}
	if err := tx.Model(&models.RecurringSubscription{}).Where("id = ?", id).Updates(fields).Error; err != nil {
		return false, fmt.Errorf("donations: update subscription: %w", err)
	}
	return paused, nil
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
