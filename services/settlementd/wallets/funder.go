// Package wallets opens donor wallets on the ledger from a sponsor account.
package wallets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fundledger/observability"
	"fundledger/observability/logging"
	"fundledger/services/settlementd/domain"
	"fundledger/services/settlementd/ledger"
	"fundledger/services/settlementd/models"
	"fundledger/services/settlementd/secrets"
	"fundledger/services/settlementd/tracker"
)

// ErrFundingInFlight marks a funding request while another is unresolved.
var ErrFundingInFlight = fmt.Errorf("%w: wallet funding already in flight", domain.ErrInvalidState)

// Config names the sponsor account that pays for new donor wallets.
type Config struct {
	SponsorAccount   string
	SponsorSecretRef string
	StartingBalance  decimal.Decimal
	BaseReserve      decimal.Decimal
}

// Result reports a submitted account creation.
type Result struct {
	DonorID         uuid.UUID `json:"donorId"`
	Account         string    `json:"account"`
	TransactionID   uuid.UUID `json:"transactionId"`
	TransactionHash string    `json:"transactionHash,omitempty"`
	StartingBalance string    `json:"startingBalance"`
	Submitted       bool      `json:"submitted"`
}

// Funder creates donor accounts on the ledger. A donor wallet is funded at
// most once; the account becomes usable after reconciliation confirms it.
type Funder struct {
	db        *gorm.DB
	tracker   *tracker.Tracker
	submitter *tracker.Submitter
	gateway   ledger.Gateway
	secrets   secrets.Store
	cfg       Config
	logger    *slog.Logger
}

// Option customises the funder.
type Option func(*Funder)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Funder) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFunder constructs a funder. A zero StartingBalance funds the ledger
// minimum plus one unit.
func NewFunder(db *gorm.DB, tr *tracker.Tracker, submitter *tracker.Submitter, gateway ledger.Gateway, store secrets.Store, cfg Config, opts ...Option) *Funder {
	if !cfg.BaseReserve.IsPositive() {
		cfg.BaseReserve = ledger.BaseReserve
	}
	if cfg.StartingBalance.IsZero() {
		cfg.StartingBalance = ledger.MinimumBalance(cfg.BaseReserve, 0).Add(decimal.NewFromInt(1))
	}
	cfg.SponsorAccount = strings.TrimSpace(cfg.SponsorAccount)
	f := &Funder{
		db:        db,
		tracker:   tr,
		submitter: submitter,
		gateway:   gateway,
		secrets:   store,
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	f.logger = f.logger.With(slog.String("component", "wallets"))
	return f
}

// FundDonorWallet creates the donor's wallet account with the configured
// starting balance, paid by the sponsor.
func (f *Funder) FundDonorWallet(ctx context.Context, donorID, requestedBy uuid.UUID) (*Result, error) {
	if f.cfg.SponsorAccount == "" || f.cfg.SponsorSecretRef == "" {
		return nil, domain.InvalidStatef("wallet sponsor is not configured")
	}
	if minimum := ledger.MinimumBalance(f.cfg.BaseReserve, 0); f.cfg.StartingBalance.LessThan(minimum) {
		return nil, domain.Validationf("starting balance %s is below the ledger minimum of %s",
			domain.FormatAmount(f.cfg.StartingBalance), domain.FormatAmount(minimum))
	}
	db := f.db.WithContext(ctx)
	var donor models.Donor
	if err := db.First(&donor, "id = ?", donorID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: donor %s", domain.ErrNotFound, donorID)
		}
		return nil, fmt.Errorf("wallets: load donor: %w", err)
	}
	switch {
	case donor.WalletAccount == "":
		return nil, domain.InvalidStatef("donor %s has no wallet account", donor.ID)
	case donor.WalletFundedAt != nil:
		return nil, domain.InvalidStatef("donor %s wallet already funded", donor.ID)
	case donor.WalletFundingTxID != nil:
		return nil, ErrFundingInFlight
	}
	_, err := f.gateway.Account(ctx, donor.WalletAccount)
	switch {
	case err == nil:
		return nil, domain.InvalidStatef("wallet %s already exists on the ledger", logging.MaskAccount(donor.WalletAccount))
	case !errors.Is(err, ledger.ErrAccountNotFound):
		return nil, err
	}
	secret, err := f.secrets.GetSigningSecret(ctx, f.cfg.SponsorSecretRef)
	if err != nil {
		f.logger.Error("sponsor signing secret unavailable",
			logging.MaskField("secret_ref", f.cfg.SponsorSecretRef),
			slog.Any("error", err))
		return nil, fmt.Errorf("wallets: load sponsor secret: %w", err)
	}

	amount := f.cfg.StartingBalance
	var row *models.LedgerTransaction
	err = db.Transaction(func(tx *gorm.DB) error {
		recorded, err := f.tracker.WithTx(tx).RecordAttempt(ctx, tracker.Attempt{
			SourceType:         models.SourceAccountCreation,
			SourceID:           donor.ID,
			InitiatorID:        requestedBy,
			Amount:             amount,
			Asset:              ledger.NativeCode,
			SourceAccount:      f.cfg.SponsorAccount,
			DestinationAccount: donor.WalletAccount,
		})
		if err != nil {
			return err
		}
		res := tx.Model(&models.Donor{}).
			Where("id = ? AND wallet_funding_tx_id IS NULL AND wallet_funded_at IS NULL", donor.ID).
			Updates(map[string]any{"wallet_funding_tx_id": recorded.ID, "updated_at": f.tracker.Now()})
		if res.Error != nil {
			return fmt.Errorf("wallets: claim donor: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrFundingInFlight
		}
		row = recorded
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &Result{
		DonorID:         donor.ID,
		Account:         donor.WalletAccount,
		TransactionID:   row.ID,
		StartingBalance: domain.FormatAmount(amount),
	}
	outcome, err := f.submitter.Submit(ctx, row, ledger.Payment{
		Operation:   ledger.OpCreateAccount,
		Source:      f.cfg.SponsorAccount,
		Destination: donor.WalletAccount,
		Amount:      amount,
		Asset:       ledger.Native(),
		Memo:        "wallet " + donor.ID.String()[:8],
		Secret:      secret,
	})
	result.TransactionHash = outcome.Hash
	switch {
	case err == nil:
		result.Submitted = true
		f.logger.Info("donor wallet funding submitted",
			slog.String("donor", donor.ID.String()),
			slog.String("account", logging.MaskAccount(donor.WalletAccount)),
			slog.String("hash", outcome.Hash))
		return result, nil
	case errors.Is(err, tracker.ErrUnresolved):
		f.logger.Warn("donor wallet funding unresolved",
			slog.String("donor", donor.ID.String()),
			slog.Any("error", err))
		return result, nil
	}
	current, getErr := f.tracker.Get(context.WithoutCancel(ctx), row.ID)
	if getErr == nil && current.Status.Terminal() {
		if applyErr := f.OnFailed(context.WithoutCancel(ctx), *current); applyErr == nil {
			_ = f.tracker.MarkEffectsApplied(context.WithoutCancel(ctx), row.ID)
		}
	}
	return result, err
}

// OnConfirmed marks the donor wallet funded. Replays are no-ops.
func (f *Funder) OnConfirmed(ctx context.Context, row models.LedgerTransaction) error {
	hash := row.HashValue()
	if hash == "" {
		return fmt.Errorf("wallets: confirmed transaction %s has no hash", row.ID)
	}
	now := f.tracker.Now()
	applied := false
	err := f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.SettlementEffect{
			Hash:                hash,
			LedgerTransactionID: row.ID,
			SourceType:          row.SourceType,
			AppliedAt:           now,
		})
		if res.Error != nil {
			return fmt.Errorf("wallets: record effect: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		res = tx.Model(&models.Donor{}).
			Where("id = ? AND wallet_funded_at IS NULL", row.SourceID).
			Updates(map[string]any{
				"wallet_funding_tx_id": row.ID,
				"wallet_funded_at":     now,
				"updated_at":           now,
			})
		if res.Error != nil {
			return fmt.Errorf("wallets: mark funded: %w", res.Error)
		}
		applied = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		amount, _ := row.Amount.Float64()
		observability.Events().RecordSettlement(string(models.SourceAccountCreation), row.Asset, amount)
		f.logger.Info("donor wallet funded",
			slog.String("donor", row.SourceID.String()),
			slog.String("hash", hash))
	}
	return nil
}

// OnFailed clears the in-flight claim so funding can be requested again.
func (f *Funder) OnFailed(ctx context.Context, row models.LedgerTransaction) error {
	res := f.db.WithContext(ctx).Model(&models.Donor{}).
		Where("id = ? AND wallet_funding_tx_id = ? AND wallet_funded_at IS NULL", row.SourceID, row.ID).
		Updates(map[string]any{"wallet_funding_tx_id": nil, "updated_at": f.tracker.Now()})
	if res.Error != nil {
		return fmt.Errorf("wallets: clear funding claim: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		f.logger.Warn("donor wallet funding failed",
			slog.String("donor", row.SourceID.String()),
			slog.String("code", row.ErrorCode))
	}
	return nil
}
