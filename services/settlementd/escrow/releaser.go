// Package escrow releases milestone-gated campaign funds from escrow accounts.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fundledger/observability"
	"fundledger/services/settlementd/domain"
	"fundledger/services/settlementd/ledger"
	"fundledger/services/settlementd/models"
	"fundledger/services/settlementd/secrets"
	"fundledger/services/settlementd/tracker"
)

// ActionRelease is the capability checked before releasing milestone funds.
const ActionRelease = "milestone.release"

// ActionActivate is the capability checked before opening a milestone for release.
const ActionActivate = "milestone.activate"

// ErrReleaseInFlight marks a release attempted while another is unresolved.
var ErrReleaseInFlight = fmt.Errorf("%w: milestone release already in flight", domain.ErrInvalidState)

// Authorizer decides whether a user may perform action on a campaign.
type Authorizer interface {
	IsAuthorized(ctx context.Context, userID uuid.UUID, action string, campaignID uuid.UUID) (bool, error)
}

// Release requests the payout of a milestone. A zero Amount releases the
// milestone's target amount.
type Release struct {
	CampaignID   uuid.UUID
	MilestoneID  uuid.UUID
	AuthorizedBy uuid.UUID
	Amount       decimal.Decimal
}

// Result reports the submitted release.
type Result struct {
	MilestoneID     uuid.UUID              `json:"milestoneId"`
	TransactionID   uuid.UUID              `json:"transactionId"`
	TransactionHash string                 `json:"transactionHash,omitempty"`
	Amount          string                 `json:"amount"`
	Submitted       bool                   `json:"submitted"`
	Status          models.MilestoneStatus `json:"status"`
}

// Releaser moves escrowed funds to the campaign payout account.
type Releaser struct {
	db         *gorm.DB
	tracker    *tracker.Tracker
	submitter  *tracker.Submitter
	secrets    secrets.Store
	authorizer Authorizer
	logger     *slog.Logger
}

// Option customises the releaser.
type Option func(*Releaser)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Releaser) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithAuthorizer overrides the default owner-or-admin policy.
func WithAuthorizer(authorizer Authorizer) Option {
	return func(r *Releaser) {
		if authorizer != nil {
			r.authorizer = authorizer
		}
	}
}

// NewReleaser constructs a releaser.
func NewReleaser(db *gorm.DB, tr *tracker.Tracker, submitter *tracker.Submitter, store secrets.Store, opts ...Option) *Releaser {
	r := &Releaser{
		db:         db,
		tracker:    tr,
		submitter:  submitter,
		secrets:    store,
		authorizer: NewOwnerOrAdminAuthorizer(db, nil),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = r.logger.With(slog.String("component", "escrow"))
	return r
}

// ReleaseMilestoneFunding submits the escrow payout for a milestone. The
// milestone completes once reconciliation confirms the payment. A milestone
// is paid at most once: completed milestones and releases already in flight
// are refused without contacting the ledger.
func (r *Releaser) ReleaseMilestoneFunding(ctx context.Context, req Release) (*Result, error) {
	milestone, err := r.loadMilestone(ctx, req.CampaignID, req.MilestoneID)
	if err != nil {
		return nil, err
	}
	if err := checkReleasable(milestone); err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, req.AuthorizedBy, ActionRelease, req.CampaignID); err != nil {
		return nil, err
	}
	amount := req.Amount
	if amount.IsZero() {
		amount = milestone.TargetAmount
	}
	if err := domain.CheckAmount(amount); err != nil {
		return nil, err
	}

	db := r.db.WithContext(ctx)
	var escrow models.Escrow
	if err := db.First(&escrow, "id = ?", milestone.EscrowID).Error; err != nil {
		return nil, fmt.Errorf("escrow: load escrow: %w", err)
	}
	var campaign models.Campaign
	if err := db.First(&campaign, "id = ?", req.CampaignID).Error; err != nil {
		return nil, fmt.Errorf("escrow: load campaign: %w", err)
	}
	if campaign.PayoutAccount == "" {
		return nil, domain.InvalidStatef("campaign %s has no payout account", campaign.ID)
	}
	asset, err := ledger.ParseAsset(escrow.Asset)
	if err != nil {
		return nil, fmt.Errorf("%w: escrow asset: %v", domain.ErrValidation, err)
	}
	secret, err := r.secrets.GetSigningSecret(ctx, escrow.SecretRef)
	if err != nil {
		return nil, fmt.Errorf("escrow: load signing secret: %w", err)
	}

	var row *models.LedgerTransaction
	err = db.Transaction(func(tx *gorm.DB) error {
		recorded, err := r.tracker.WithTx(tx).RecordAttempt(ctx, tracker.Attempt{
			SourceType:         models.SourceMilestone,
			SourceID:           milestone.ID,
			InitiatorID:        req.AuthorizedBy,
			Amount:             amount,
			Asset:              asset.String(),
			SourceAccount:      escrow.Account,
			DestinationAccount: campaign.PayoutAccount,
		})
		if err != nil {
			return err
		}
		res := tx.Model(&models.Milestone{}).
			Where("id = ? AND release_transaction_id IS NULL AND status IN ?", milestone.ID,
				[]models.MilestoneStatus{models.MilestonePending, models.MilestoneActive}).
			Updates(map[string]any{
				"release_transaction_id": recorded.ID,
				"released_amount":        amount,
				"released_by":            req.AuthorizedBy,
				"updated_at":             r.tracker.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("escrow: claim milestone: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrReleaseInFlight
		}
		row = recorded
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &Result{
		MilestoneID:   milestone.ID,
		TransactionID: row.ID,
		Amount:        domain.FormatAmount(amount),
		Status:        milestone.Status,
	}
	outcome, err := r.submitter.Submit(ctx, row, ledger.Payment{
		Operation:   ledger.OpPayment,
		Source:      escrow.Account,
		Destination: campaign.PayoutAccount,
		Amount:      amount,
		Asset:       asset,
		Memo:        "milestone " + milestone.ID.String()[:8],
		Secret:      secret,
	})
	result.TransactionHash = outcome.Hash
	switch {
	case err == nil:
		result.Submitted = true
		r.logger.Info("milestone release submitted",
			slog.String("milestone", milestone.ID.String()),
			slog.String("campaign", req.CampaignID.String()),
			slog.String("hash", outcome.Hash),
			slog.String("amount", result.Amount))
		return result, nil
	case errors.Is(err, tracker.ErrUnresolved):
		r.logger.Warn("milestone release unresolved",
			slog.String("milestone", milestone.ID.String()),
			slog.Any("error", err))
		return result, nil
	}
	current, getErr := r.tracker.Get(context.WithoutCancel(ctx), row.ID)
	if getErr == nil && current.Status.Terminal() {
		if applyErr := r.OnFailed(context.WithoutCancel(ctx), *current); applyErr == nil {
			_ = r.tracker.MarkEffectsApplied(context.WithoutCancel(ctx), row.ID)
		}
	}
	return result, err
}

// ActivateMilestone opens a pending milestone for release.
func (r *Releaser) ActivateMilestone(ctx context.Context, campaignID, milestoneID, userID uuid.UUID) (*models.Milestone, error) {
	milestone, err := r.loadMilestone(ctx, campaignID, milestoneID)
	if err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, userID, ActionActivate, campaignID); err != nil {
		return nil, err
	}
	res := r.db.WithContext(ctx).Model(&models.Milestone{}).
		Where("id = ? AND status = ?", milestone.ID, models.MilestonePending).
		Updates(map[string]any{"status": models.MilestoneActive, "updated_at": r.tracker.Now()})
	if res.Error != nil {
		return nil, fmt.Errorf("escrow: activate milestone: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, domain.InvalidStatef("milestone %s is %s", milestone.ID, milestone.Status)
	}
	milestone.Status = models.MilestoneActive
	return milestone, nil
}

// OnConfirmed completes the milestone paid by row. Replays are no-ops.
func (r *Releaser) OnConfirmed(ctx context.Context, row models.LedgerTransaction) error {
	hash := row.HashValue()
	if hash == "" {
		return fmt.Errorf("escrow: confirmed transaction %s has no hash", row.ID)
	}
	now := r.tracker.Now()
	applied, conflict := false, false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.SettlementEffect{
			Hash:                hash,
			LedgerTransactionID: row.ID,
			SourceType:          row.SourceType,
			AppliedAt:           now,
		})
		if res.Error != nil {
			return fmt.Errorf("escrow: record effect: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		// A cleared claim is re-taken when an expired release is later found confirmed.
		res = tx.Model(&models.Milestone{}).
			Where("id = ? AND status <> ?", row.SourceID, models.MilestoneCompleted).
			Where("(release_transaction_id = ? OR release_transaction_id IS NULL)", row.ID).
			Updates(map[string]any{
				"status":                 models.MilestoneCompleted,
				"release_transaction_id": row.ID,
				"released_amount":        row.Amount,
				"released_by":            row.InitiatorID,
				"completed_at":           now,
				"updated_at":             now,
			})
		if res.Error != nil {
			return fmt.Errorf("escrow: complete milestone: %w", res.Error)
		}
		applied = res.RowsAffected > 0
		if !applied {
			conflict = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if conflict {
		r.tracker.RecordAnomaly(ctx, "milestone_release_conflict", &row.ID, hash,
			fmt.Sprintf("confirmed release for milestone %s does not own its claim", row.SourceID))
	}
	if applied {
		amount, _ := row.Amount.Float64()
		observability.Events().RecordSettlement(string(models.SourceMilestone), row.Asset, amount)
		r.logger.Info("milestone completed",
			slog.String("milestone", row.SourceID.String()),
			slog.String("hash", hash))
	}
	return nil
}

// OnFailed clears the in-flight claim so the release can be attempted again.
func (r *Releaser) OnFailed(ctx context.Context, row models.LedgerTransaction) error {
	res := r.db.WithContext(ctx).Model(&models.Milestone{}).
		Where("id = ? AND release_transaction_id = ? AND status <> ?", row.SourceID, row.ID, models.MilestoneCompleted).
		Updates(map[string]any{
			"release_transaction_id": nil,
			"released_amount":        decimal.Zero,
			"released_by":            nil,
			"updated_at":             r.tracker.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("escrow: clear release claim: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		r.logger.Warn("milestone release failed",
			slog.String("milestone", row.SourceID.String()),
			slog.String("code", row.ErrorCode))
	}
	return nil
}

func (r *Releaser) loadMilestone(ctx context.Context, campaignID, milestoneID uuid.UUID) (*models.Milestone, error) {
	var milestone models.Milestone
	err := r.db.WithContext(ctx).First(&milestone, "id = ? AND campaign_id = ?", milestoneID, campaignID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: milestone %s on campaign %s", domain.ErrNotFound, milestoneID, campaignID)
		}
		return nil, fmt.Errorf("escrow: load milestone: %w", err)
	}
	return &milestone, nil
}

func (r *Releaser) authorize(ctx context.Context, userID uuid.UUID, action string, campaignID uuid.UUID) error {
	ok, err := r.authorizer.IsAuthorized(ctx, userID, action, campaignID)
	if err != nil {
		return fmt.Errorf("escrow: authorize: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s may not %s on campaign %s", domain.ErrUnauthorized, userID, action, campaignID)
	}
	return nil
}

func checkReleasable(milestone *models.Milestone) error {
	switch {
	case milestone.Status == models.MilestoneCompleted:
		return domain.InvalidStatef("milestone %s already completed", milestone.ID)
	case milestone.ReleaseTransactionID != nil:
		return ErrReleaseInFlight
	case milestone.Status != models.MilestonePending && milestone.Status != models.MilestoneActive:
		return domain.InvalidStatef("milestone %s is %s", milestone.ID, milestone.Status)
	}
	return nil
}
