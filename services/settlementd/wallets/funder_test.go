package wallets

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"fundledger/services/settlementd/domain"
	"fundledger/services/settlementd/internal/settlementtest"
	"fundledger/services/settlementd/ledger"
	"fundledger/services/settlementd/models"
	"fundledger/services/settlementd/secrets"
	"fundledger/services/settlementd/tracker"
)

const (
	sponsorAccount = "GSPONSORACCOUNT"
	sponsorSeed    = "SSPONSORSEED"
	donorWallet    = "GNEWDONORWALLET"
)

type fixture struct {
	db      *gorm.DB
	fake    *ledger.Fake
	tracker *tracker.Tracker
	funder  *Funder
	donor   models.Donor
	admin   uuid.UUID
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db := settlementtest.OpenDB(t)
	clock := settlementtest.NewClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	fake := ledger.NewFake().WithClock(clock.Now)
	fake.Fund(sponsorAccount, ledger.Native(), decimal.NewFromInt(100))
	fake.SetSecret(sponsorAccount, sponsorSeed)

	tr := tracker.New(db, tracker.WithClock(clock.Now))
	sub := tracker.NewSubmitter(tr, fake, tracker.SubmitterConfig{
		CallTimeout: time.Second, RetryInitial: time.Millisecond, RetryMax: time.Millisecond, MaxRetries: 1,
	}, nil)
	funder := NewFunder(db, tr, sub, fake, secrets.Static{"wallets/sponsor": sponsorSeed}, cfg)
	return &fixture{
		db:      db,
		fake:    fake,
		tracker: tr,
		funder:  funder,
		donor:   settlementtest.Donor(t, db, donorWallet, "donor", "DE"),
		admin:   uuid.New(),
	}
}

func sponsored() Config {
	return Config{
		SponsorAccount:   sponsorAccount,
		SponsorSecretRef: "wallets/sponsor",
		StartingBalance:  decimal.NewFromInt(5),
	}
}

func (f *fixture) load(t *testing.T) models.Donor {
	t.Helper()
	var d models.Donor
	require.NoError(t, f.db.First(&d, "id = ?", f.donor.ID).Error)
	return d
}

func TestFundDonorWalletCreatesAccountOnConfirmation(t *testing.T) {
	f := newFixture(t, sponsored())
	ctx := context.Background()

	res, err := f.funder.FundDonorWallet(ctx, f.donor.ID, f.admin)
	require.NoError(t, err)
	require.True(t, res.Submitted)
	require.Equal(t, "5.0000000", res.StartingBalance)
	require.NotEmpty(t, res.TransactionHash)

	row, err := f.tracker.Get(ctx, res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, models.SourceAccountCreation, row.SourceType)
	require.Equal(t, f.donor.ID, row.SourceID)
	require.Equal(t, f.admin, row.InitiatorID)
	require.Equal(t, donorWallet, row.DestinationAccount)

	d := f.load(t)
	require.NotNil(t, d.WalletFundingTxID)
	require.Nil(t, d.WalletFundedAt, "funded only after confirmation")

	confirmed, err := f.tracker.MarkConfirmed(ctx, res.TransactionID, 4)
	require.NoError(t, err)
	require.NoError(t, f.funder.OnConfirmed(ctx, *confirmed))
	require.NoError(t, f.funder.OnConfirmed(ctx, *confirmed))

	d = f.load(t)
	require.NotNil(t, d.WalletFundedAt)
	var effects int64
	require.NoError(t, f.db.Model(&models.SettlementEffect{}).Where("ledger_transaction_id = ?", res.TransactionID).Count(&effects).Error)
	require.EqualValues(t, 1, effects)

	acct, err := f.fake.Account(ctx, donorWallet)
	require.NoError(t, err)
	require.True(t, acct.Balance(ledger.Native()).Equal(decimal.NewFromInt(5)))

	_, err = f.funder.FundDonorWallet(ctx, f.donor.ID, f.admin)
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestFundDonorWalletRefusesWhileInFlight(t *testing.T) {
	f := newFixture(t, sponsored())
	ctx := context.Background()
	f.fake.FailNextSubmit(&ledger.NetworkError{Op: "submit"})
	f.fake.FailNextSubmit(&ledger.NetworkError{Op: "submit"})

	res, err := f.funder.FundDonorWallet(ctx, f.donor.ID, f.admin)
	require.NoError(t, err)
	require.False(t, res.Submitted, "unresolved submission is reported as accepted")

	_, err = f.funder.FundDonorWallet(ctx, f.donor.ID, f.admin)
	require.ErrorIs(t, err, ErrFundingInFlight)

	var attempts int64
	require.NoError(t, f.db.Model(&models.LedgerTransaction{}).Where("source_type = ?", models.SourceAccountCreation).Count(&attempts).Error)
	require.EqualValues(t, 1, attempts)
}

func TestFundDonorWalletRejectsExistingAccount(t *testing.T) {
	f := newFixture(t, sponsored())
	f.fake.Fund(donorWallet, ledger.Native(), decimal.NewFromInt(3))

	_, err := f.funder.FundDonorWallet(context.Background(), f.donor.ID, f.admin)
	require.ErrorIs(t, err, domain.ErrInvalidState)
	require.Zero(t, f.fake.Submissions())
	require.Nil(t, f.load(t).WalletFundingTxID)
}

func TestRejectedFundingCanBeRetried(t *testing.T) {
	f := newFixture(t, sponsored())
	ctx := context.Background()
	f.fake.FailNextSubmit(ledger.Rejected("tx_failed", "sponsor underfunded", "op_underfunded"))

	_, err := f.funder.FundDonorWallet(ctx, f.donor.ID, f.admin)
	require.ErrorIs(t, err, ledger.ErrRejected)
	require.Nil(t, f.load(t).WalletFundingTxID, "claim cleared after rejection")

	res, err := f.funder.FundDonorWallet(ctx, f.donor.ID, f.admin)
	require.NoError(t, err)
	require.True(t, res.Submitted)
}

func TestFundDonorWalletPreconditions(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, Config{})
	_, err := f.funder.FundDonorWallet(ctx, f.donor.ID, f.admin)
	require.ErrorIs(t, err, domain.ErrInvalidState, "sponsor not configured")

	low := sponsored()
	low.StartingBalance = decimal.RequireFromString("0.5")
	f = newFixture(t, low)
	_, err = f.funder.FundDonorWallet(ctx, f.donor.ID, f.admin)
	require.ErrorIs(t, err, domain.ErrValidation)

	f = newFixture(t, sponsored())
	_, err = f.funder.FundDonorWallet(ctx, uuid.New(), f.admin)
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, f.db.Model(&models.Donor{}).Where("id = ?", f.donor.ID).Update("wallet_account", "").Error)
	_, err = f.funder.FundDonorWallet(ctx, f.donor.ID, f.admin)
	require.ErrorIs(t, err, domain.ErrInvalidState)
}
