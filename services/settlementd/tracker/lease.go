package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fundledger/services/settlementd/models"
)

// ClaimFilter selects rows for a reconciliation worker.
type ClaimFilter struct {
	Statuses []models.TxStatus
	// CreatedBefore keeps only rows recorded before the cutoff (grace periods).
	CreatedBefore time.Time
	// ResolvedAfter keeps only rows resolved after the cutoff (late sweeps).
	ResolvedAfter time.Time
	// RequireEnvelope keeps only rows with a candidate hash.
	RequireEnvelope bool
	Limit           int
}

// Claim leases up to filter.Limit unleased rows to owner. Each row is claimed
// with a conditional update on its status and lease, so a row is held by at
// most one worker until the lease lapses or is released.
func (t *Tracker) Claim(ctx context.Context, owner string, filter ClaimFilter, lease time.Duration) ([]models.LedgerTransaction, error) {
	if owner == "" {
		return nil, fmt.Errorf("tracker: claim owner required")
	}
	if lease <= 0 {
		lease = time.Minute
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	now := t.now()
	db := t.db.WithContext(ctx)

	query := db.Model(&models.LedgerTransaction{}).
		Where("status IN ?", filter.Statuses).
		Where("(lease_expires_at IS NULL OR lease_expires_at < ?)", now)
	if !filter.CreatedBefore.IsZero() {
		query = query.Where("created_at < ?", filter.CreatedBefore)
	}
	if !filter.ResolvedAfter.IsZero() {
		query = query.Where("resolved_at > ?", filter.ResolvedAfter)
	}
	if filter.RequireEnvelope {
		query = query.Where("envelope_hash <> ''")
	}
	var candidates []models.LedgerTransaction
	if err := query.Order("created_at ASC").Limit(limit).Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("tracker: select claim candidates: %w", err)
	}

	claimed := make([]models.LedgerTransaction, 0, len(candidates))
	expires := now.Add(lease)
	for _, candidate := range candidates {
		res := db.Model(&models.LedgerTransaction{}).
			Where("id = ? AND status = ?", candidate.ID, candidate.Status).
			Where("(lease_expires_at IS NULL OR lease_expires_at < ?)", now).
			Updates(map[string]any{
				"lease_owner":      owner,
				"lease_expires_at": expires,
				"last_checked":     now,
			})
		if res.Error != nil {
			return claimed, fmt.Errorf("tracker: claim %s: %w", candidate.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		candidate.LeaseOwner = owner
		candidate.LeaseExpiresAt = &expires
		candidate.LastChecked = &now
		claimed = append(claimed, candidate)
	}
	return claimed, nil
}

// Release drops owner's lease on a row.
func (t *Tracker) Release(ctx context.Context, id uuid.UUID, owner string) error {
	return t.db.WithContext(ctx).Model(&models.LedgerTransaction{}).
		Where("id = ? AND lease_owner = ?", id, owner).
		Updates(map[string]any{"lease_owner": "", "lease_expires_at": nil}).Error
}

// ListUnapplied returns terminal rows whose business effects were not yet
// dispatched, skipping rows whose last dispatch failed and is still backing off.
func (t *Tracker) ListUnapplied(ctx context.Context, limit int) ([]models.LedgerTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.LedgerTransaction
	err := t.db.WithContext(ctx).
		Where("status IN ? AND effects_applied_at IS NULL AND (effects_retry_at IS NULL OR effects_retry_at <= ?)",
			[]models.TxStatus{models.TxConfirmed, models.TxFailed, models.TxExpired}, t.now()).
		Order("effects_attempts ASC, resolved_at ASC").Limit(limit).Find(&rows).Error
	return rows, err
}

// DeferEffects records a failed effect dispatch and holds the row back for an
// exponentially growing delay capped at max.
func (t *Tracker) DeferEffects(ctx context.Context, id uuid.UUID, base, max time.Duration) error {
	var row models.LedgerTransaction
	db := t.db.WithContext(ctx)
	if err := db.Select("id", "effects_attempts").First(&row, "id = ?", id).Error; err != nil {
		return err
	}
	delay := base
	for i := 0; i < row.EffectsAttempts && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	now := t.now()
	return db.Model(&models.LedgerTransaction{}).
		Where("id = ? AND effects_applied_at IS NULL", id).
		Updates(map[string]any{
			"effects_attempts": row.EffectsAttempts + 1,
			"effects_retry_at": now.Add(delay),
			"updated_at":       now,
		}).Error
}
