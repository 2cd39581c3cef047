// Package donations settles donor payments to campaigns on the ledger and
// applies their funding effects once the ledger confirms them.
package donations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"fundledger/observability/logging"
	"fundledger/services/settlementd/domain"
	"fundledger/services/settlementd/ledger"
	"fundledger/services/settlementd/models"
	"fundledger/services/settlementd/secrets"
	"fundledger/services/settlementd/tracker"
)

// AssetConfig describes a currency donors may give in.
type AssetConfig struct {
	Code   string `yaml:"code"`
	Issuer string `yaml:"issuer"`
	// Minimum is the smallest accepted donation. Native donations are also
	// held to the ledger's minimum balance reserve.
	Minimum decimal.Decimal `yaml:"minimum"`
}

// Config tunes the engine.
type Config struct {
	Assets                 []AssetConfig
	MaxConsecutiveFailures int
	BaseReserve            decimal.Decimal
}

// Options carries the optional parts of a donation request.
type Options struct {
	Recurring    bool
	Frequency    models.Frequency
	Anonymous    bool
	Message      string
	FiatAmount   decimal.NullDecimal
	FiatCurrency string
}

// Request is a donor's instruction to give Amount of Currency to a campaign.
type Request struct {
	DonorID    uuid.UUID
	CampaignID uuid.UUID
	Amount     decimal.Decimal
	Currency   string
	Options    Options
}

// Result is returned as soon as the ledger accepted (or refused) the payment.
type Result struct {
	Success         bool                  `json:"success"`
	TransactionHash string                `json:"transactionHash,omitempty"`
	DonationID      uuid.UUID             `json:"donationId"`
	TransactionID   uuid.UUID             `json:"transactionId"`
	SubscriptionID  *uuid.UUID            `json:"subscriptionId,omitempty"`
	Status          models.DonationStatus `json:"status"`
}

// Engine implements donation settlement.
type Engine struct {
	db        *gorm.DB
	tracker   *tracker.Tracker
	submitter *tracker.Submitter
	gateway   ledger.Gateway
	secrets   secrets.Store
	assets    map[string]AssetConfig
	cfg       Config
	logger    *slog.Logger
}

// Option customises the engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithConfig overrides the default asset table and failure threshold.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// New constructs an engine. The submitter must share tr.
func New(db *gorm.DB, tr *tracker.Tracker, submitter *tracker.Submitter, gateway ledger.Gateway, store secrets.Store, opts ...Option) *Engine {
	e := &Engine{
		db:        db,
		tracker:   tr,
		submitter: submitter,
		gateway:   gateway,
		secrets:   store,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.cfg.MaxConsecutiveFailures <= 0 {
		e.cfg.MaxConsecutiveFailures = 3
	}
	if !e.cfg.BaseReserve.IsPositive() {
		e.cfg.BaseReserve = ledger.BaseReserve
	}
	if len(e.cfg.Assets) == 0 {
		e.cfg.Assets = []AssetConfig{{Code: ledger.NativeCode, Minimum: ledger.MinimumBalance(e.cfg.BaseReserve, 0)}}
	}
	e.assets = make(map[string]AssetConfig, len(e.cfg.Assets))
	for _, asset := range e.cfg.Assets {
		code := strings.ToUpper(strings.TrimSpace(asset.Code))
		asset.Code = code
		e.assets[code] = asset
	}
	e.logger = e.logger.With(slog.String("component", "donations"))
	return e
}

// MaxConsecutiveFailures returns the auto-pause threshold for subscriptions.
func (e *Engine) MaxConsecutiveFailures() int { return e.cfg.MaxConsecutiveFailures }

// settlement is a validated donation ready to be recorded.
type settlement struct {
	req          Request
	kind         models.DonationType
	donor        models.Donor
	campaign     models.Campaign
	asset        ledger.Asset
	destination  string
	fiatCurrency string
	secret       domain.Secret
	subscription *models.RecurringSubscription
}

// ProcessDonation validates the request, records the attempt, submits the
// payment and returns without waiting for confirmation. Campaign and donor
// totals move only when reconciliation observes the payment confirmed.
func (e *Engine) ProcessDonation(ctx context.Context, req Request) (*Result, error) {
	plan, err := e.prepare(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, plan)
}

// ProcessSubscription settles the next instalment of a recurring donation.
func (e *Engine) ProcessSubscription(ctx context.Context, sub models.RecurringSubscription) (*Result, error) {
	req := Request{
		DonorID:    sub.DonorID,
		CampaignID: sub.CampaignID,
		Amount:     sub.Amount,
		Currency:   sub.Asset,
		Options: Options{
			Recurring: true,
			Frequency: sub.Frequency,
			Anonymous: sub.Anonymous,
			Message:   sub.Message,
		},
	}
	plan, err := e.prepare(ctx, req, &sub)
	if err != nil {
		if !refused(err) {
			// Transient: nothing is recorded and the scheduler retries the instalment.
			return nil, err
		}
		return e.refuseInstalment(ctx, sub, err)
	}
	return e.execute(ctx, plan)
}

// refused reports whether err is a business refusal rather than a dependency failure.
func refused(err error) bool {
	return errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrInvalidState) ||
		errors.Is(err, domain.ErrNotFound)
}

// refuseInstalment records a scheduled instalment that was refused before
// submission as a failed donation and counts it against the subscription.
func (e *Engine) refuseInstalment(ctx context.Context, sub models.RecurringSubscription, cause error) (*Result, error) {
	now := e.tracker.Now()
	donation := models.Donation{
		ID:             uuid.New(),
		DonorID:        sub.DonorID,
		CampaignID:     sub.CampaignID,
		Amount:         sub.Amount,
		Asset:          sub.Asset,
		Type:           models.DonationRecurring,
		Status:         models.DonationFailed,
		Anonymous:      sub.Anonymous,
		Message:        sub.Message,
		SubscriptionID: &sub.ID,
		FailureReason:  truncate(cause.Error(), 512),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	paused := false
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&donation).Error; err != nil {
			return fmt.Errorf("donations: record failed instalment: %w", err)
		}
		var err error
		paused, err = e.countSubscriptionFailure(tx, sub.ID, now)
		return err
	})
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	e.logger.Warn("recurring instalment refused",
		slog.String("subscription", sub.ID.String()),
		slog.String("donation", donation.ID.String()),
		slog.Bool("paused", paused),
		slog.Any("error", cause))
	return &Result{
		DonationID:     donation.ID,
		SubscriptionID: &sub.ID,
		Status:         models.DonationFailed,
	}, cause
}

// prepare runs every check that can refuse a donation before anything is persisted.
func (e *Engine) prepare(ctx context.Context, req Request, sub *models.RecurringSubscription) (*settlement, error) {
	if err := domain.CheckAmount(req.Amount); err != nil {
		return nil, err
	}
	code := strings.ToUpper(strings.TrimSpace(req.Currency))
	assetCfg, ok := e.assets[code]
	if !ok {
		return nil, domain.Validationf("currency %q is not supported", req.Currency)
	}
	asset := ledger.Asset{Code: assetCfg.Code, Issuer: assetCfg.Issuer}
	if assetCfg.Minimum.IsPositive() && req.Amount.LessThan(assetCfg.Minimum) {
		return nil, domain.Validationf("amount %s is below the %s minimum of %s",
			domain.FormatAmount(req.Amount), code, domain.FormatAmount(assetCfg.Minimum))
	}
	plan := &settlement{req: req, kind: models.DonationOneTime, asset: asset, subscription: sub}
	if req.Options.Recurring {
		plan.kind = models.DonationRecurring
		if sub == nil && !req.Options.Frequency.Valid() {
			return nil, domain.Validationf("frequency %q is not supported", req.Options.Frequency)
		}
	}
	if raw := strings.TrimSpace(req.Options.FiatCurrency); raw != "" || req.Options.FiatAmount.Valid {
		fiat, err := domain.NormalizeFiatCurrency(raw)
		if err != nil {
			return nil, err
		}
		if req.Options.FiatAmount.Valid && !req.Options.FiatAmount.Decimal.IsPositive() {
			return nil, domain.Validationf("fiat amount must be positive")
		}
		plan.fiatCurrency = fiat
	}
	if len(req.Options.Message) > 1024 {
		return nil, domain.Validationf("message exceeds 1024 characters")
	}

	db := e.db.WithContext(ctx)
	if err := db.First(&plan.campaign, "id = ?", req.CampaignID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: campaign %s", domain.ErrNotFound, req.CampaignID)
		}
		return nil, fmt.Errorf("donations: load campaign: %w", err)
	}
	if plan.campaign.Status != "" && plan.campaign.Status != "active" {
		return nil, domain.InvalidStatef("campaign %s is %s", plan.campaign.ID, plan.campaign.Status)
	}
	if !strings.EqualFold(plan.campaign.Asset, asset.Code) && !strings.EqualFold(plan.campaign.Asset, asset.String()) {
		return nil, domain.Validationf("campaign %s accepts %s, not %s", plan.campaign.ID, plan.campaign.Asset, code)
	}
	plan.destination = plan.campaign.PayoutAccount

	var escrow models.Escrow
	err := db.First(&escrow, "campaign_id = ?", req.CampaignID).Error
	switch {
	case err == nil:
		// Escrowed campaigns collect into the escrow account; milestones release it.
		plan.destination = escrow.Account
		if !req.Options.Recurring {
			plan.kind = models.DonationMilestone
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("donations: load escrow: %w", err)
	}
	if strings.TrimSpace(plan.destination) == "" {
		return nil, domain.InvalidStatef("campaign %s has no payout account", plan.campaign.ID)
	}

	if err := db.First(&plan.donor, "id = ?", req.DonorID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: donor %s", domain.ErrNotFound, req.DonorID)
		}
		return nil, fmt.Errorf("donations: load donor: %w", err)
	}
	if plan.donor.WalletAccount == "" || plan.donor.SecretRef == "" {
		return nil, domain.InvalidStatef("donor %s has no wallet", plan.donor.ID)
	}
	secret, err := e.secrets.GetSigningSecret(ctx, plan.donor.SecretRef)
	if err != nil {
		e.logger.Warn("donor signing secret unavailable",
			slog.String("donor", plan.donor.ID.String()),
			logging.MaskField("secret_ref", plan.donor.SecretRef),
			slog.Any("error", err))
		if errors.Is(err, secrets.ErrSecretNotFound) {
			return nil, domain.InvalidStatef("donor %s signing secret unavailable", plan.donor.ID)
		}
		return nil, fmt.Errorf("donations: load signing secret: %w", err)
	}
	plan.secret = secret

	if err := e.checkSpendable(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (e *Engine) checkSpendable(ctx context.Context, plan *settlement) error {
	account, err := e.gateway.Account(ctx, plan.donor.WalletAccount)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return domain.Validationf("donor wallet %s does not exist on the ledger", logging.MaskAccount(plan.donor.WalletAccount))
		}
		return err
	}
	spendable := account.Balance(plan.asset)
	if plan.asset.IsNative() {
		spendable = spendable.Sub(ledger.MinimumBalance(e.cfg.BaseReserve, account.SubentryCount))
	}
	if spendable.LessThan(plan.req.Amount) {
		return domain.Validationf("amount %s exceeds the spendable balance above the minimum reserve",
			domain.FormatAmount(plan.req.Amount))
	}
	return nil
}

func (e *Engine) execute(ctx context.Context, plan *settlement) (*Result, error) {
	now := e.tracker.Now()
	req := plan.req
	donation := models.Donation{
		ID:           uuid.New(),
		DonorID:      plan.donor.ID,
		CampaignID:   plan.campaign.ID,
		Amount:       req.Amount,
		Asset:        plan.asset.String(),
		FiatAmount:   req.Options.FiatAmount,
		FiatCurrency: plan.fiatCurrency,
		Type:         plan.kind,
		Status:       models.DonationPending,
		Anonymous:    req.Options.Anonymous,
		Message:      strings.TrimSpace(req.Options.Message),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	var row *models.LedgerTransaction
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		recorded, err := e.tracker.WithTx(tx).RecordAttempt(ctx, tracker.Attempt{
			SourceType:         models.SourceDonation,
			SourceID:           donation.ID,
			InitiatorID:        plan.donor.ID,
			Amount:             req.Amount,
			Asset:              donation.Asset,
			SourceAccount:      plan.donor.WalletAccount,
			DestinationAccount: plan.destination,
		})
		if err != nil {
			return err
		}
		row = recorded
		donation.LedgerTransactionID = &row.ID
		switch {
		case plan.subscription != nil:
			donation.SubscriptionID = &plan.subscription.ID
		case req.Options.Recurring:
			sub := models.RecurringSubscription{
				ID:               uuid.New(),
				DonorID:          plan.donor.ID,
				CampaignID:       plan.campaign.ID,
				OriginDonationID: donation.ID,
				Amount:           req.Amount,
				Asset:            donation.Asset,
				Frequency:        req.Options.Frequency,
				Status:           models.SubscriptionActive,
				NextProcessing:   req.Options.Frequency.Next(now),
				AnchorDay:        now.Day(),
				Anonymous:        req.Options.Anonymous,
				Message:          donation.Message,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := tx.Create(&sub).Error; err != nil {
				return fmt.Errorf("donations: create subscription: %w", err)
			}
			donation.SubscriptionID = &sub.ID
		}
		if err := tx.Create(&donation).Error; err != nil {
			return fmt.Errorf("donations: create donation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &Result{
		DonationID:     donation.ID,
		TransactionID:  row.ID,
		SubscriptionID: donation.SubscriptionID,
		Status:         models.DonationPending,
	}
	outcome, err := e.submitter.Submit(ctx, row, ledger.Payment{
		Operation:   ledger.OpPayment,
		Source:      plan.donor.WalletAccount,
		Destination: plan.destination,
		Amount:      req.Amount,
		Asset:       plan.asset,
		Memo:        "donation " + donation.ID.String()[:8],
		Secret:      plan.secret,
	})
	if err == nil {
		if err := e.db.WithContext(ctx).Model(&models.Donation{}).
			Where("id = ? AND status = ?", donation.ID, models.DonationPending).
			Updates(map[string]any{
				"status":           models.DonationProcessing,
				"transaction_hash": outcome.Hash,
				"updated_at":       e.tracker.Now(),
			}).Error; err != nil {
			// The ledger row carries the hash; reconciliation completes the donation.
			e.logger.Error("mark donation processing",
				slog.String("donation", donation.ID.String()),
				slog.String("hash", outcome.Hash),
				slog.Any("error", err))
		}
		result.Success = true
		result.TransactionHash = outcome.Hash
		result.Status = models.DonationProcessing
		e.logger.Info("donation submitted",
			slog.String("donation", donation.ID.String()),
			slog.String("campaign", plan.campaign.ID.String()),
			slog.String("hash", outcome.Hash),
			slog.String("amount", domain.FormatAmount(req.Amount)),
			slog.String("asset", donation.Asset))
		return result, nil
	}

	if errors.Is(err, tracker.ErrUnresolved) {
		// Reconciliation settles the row from its candidate hash.
		e.logger.Warn("donation outcome unresolved",
			slog.String("donation", donation.ID.String()),
			slog.String("hash", outcome.Hash),
			slog.Any("error", err))
		result.TransactionHash = outcome.Hash
		return result, nil
	}

	current, getErr := e.tracker.Get(context.WithoutCancel(ctx), row.ID)
	if getErr == nil && current.Status.Terminal() {
		if applyErr := e.OnFailed(context.WithoutCancel(ctx), *current); applyErr != nil {
			e.logger.Error("apply donation failure", slog.String("donation", donation.ID.String()), slog.Any("error", applyErr))
		} else if markErr := e.tracker.MarkEffectsApplied(context.WithoutCancel(ctx), row.ID); markErr != nil {
			e.logger.Error("mark failure applied", slog.String("donation", donation.ID.String()), slog.Any("error", markErr))
		}
		result.Status = models.DonationFailed
	}
	e.logger.Warn("donation refused",
		slog.String("donation", donation.ID.String()),
		slog.String("code", ledger.ErrorCode(err)),
		slog.Any("error", err))
	return result, err
}
