package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"fundledger/services/settlementd/domain"
	"fundledger/services/settlementd/internal/settlementtest"
	"fundledger/services/settlementd/ledger"
	"fundledger/services/settlementd/models"
)

const (
	donorAccount    = "GDONOR"
	campaignAccount = "GCAMPAIGN"
	donorSeed       = "SDONORSEED"
)

type submitFixture struct {
	tracker   *Tracker
	fake      *ledger.Fake
	submitter *Submitter
	clock     *settlementtest.Clock
}

func newSubmitFixture(t *testing.T, retries int) submitFixture {
	t.Helper()
	db := settlementtest.OpenDB(t)
	clock := settlementtest.NewClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	fake := ledger.NewFake().WithClock(clock.Now)
	fake.Fund(donorAccount, ledger.Native(), decimal.NewFromInt(500))
	fake.Fund(campaignAccount, ledger.Native(), decimal.NewFromInt(5))
	fake.SetSecret(donorAccount, donorSeed)
	tr := New(db, WithClock(clock.Now))
	sub := NewSubmitter(tr, fake, SubmitterConfig{
		CallTimeout:  time.Second,
		RetryInitial: time.Millisecond,
		RetryMax:     2 * time.Millisecond,
		MaxRetries:   retries,
	}, nil)
	return submitFixture{tracker: tr, fake: fake, submitter: sub, clock: clock}
}

func (f submitFixture) attempt(t *testing.T, amount string) (*models.LedgerTransaction, ledger.Payment) {
	t.Helper()
	value := decimal.RequireFromString(amount)
	row, err := f.tracker.RecordAttempt(context.Background(), Attempt{
		SourceType:         models.SourceDonation,
		SourceID:           uuid.New(),
		InitiatorID:        uuid.New(),
		Amount:             value,
		Asset:              ledger.NativeCode,
		SourceAccount:      donorAccount,
		DestinationAccount: campaignAccount,
	})
	require.NoError(t, err)
	return row, ledger.Payment{
		Operation:   ledger.OpPayment,
		Source:      donorAccount,
		Destination: campaignAccount,
		Amount:      value,
		Asset:       ledger.Native(),
		Secret:      domain.NewSecret(donorSeed),
	}
}

func TestSubmitterMarksSubmitted(t *testing.T) {
	f := newSubmitFixture(t, 2)
	row, payment := f.attempt(t, "25")

	outcome, err := f.submitter.Submit(context.Background(), row, payment)
	require.NoError(t, err)
	require.True(t, outcome.Submitted)
	require.Equal(t, 1, outcome.Attempts)

	loaded, err := f.tracker.Get(context.Background(), row.ID)
	require.NoError(t, err)
	require.Equal(t, models.TxSubmitted, loaded.Status)
	require.Equal(t, outcome.Hash, loaded.HashValue())
	require.Equal(t, outcome.Hash, loaded.EnvelopeHash)
	require.NotNil(t, loaded.ValidUntil)
}

func TestSubmitterRejectionMarksFailed(t *testing.T) {
	f := newSubmitFixture(t, 2)
	row, payment := f.attempt(t, "5000")

	_, err := f.submitter.Submit(context.Background(), row, payment)
	require.ErrorIs(t, err, ledger.ErrRejected)
	require.Equal(t, "op_underfunded", ledger.ErrorCode(err))
	require.Equal(t, 1, f.fake.Submissions())

	loaded, err := f.tracker.Get(context.Background(), row.ID)
	require.NoError(t, err)
	require.Equal(t, models.TxFailed, loaded.Status)
	require.Equal(t, "op_underfunded", loaded.ErrorCode)
}

func TestSubmitterBadSecretFailsBeforeSubmit(t *testing.T) {
	f := newSubmitFixture(t, 2)
	row, payment := f.attempt(t, "1")
	payment.Secret = domain.NewSecret("SWRONG")

	_, err := f.submitter.Submit(context.Background(), row, payment)
	require.ErrorIs(t, err, ledger.ErrRejected)
	require.Zero(t, f.fake.Submissions())

	loaded, err := f.tracker.Get(context.Background(), row.ID)
	require.NoError(t, err)
	require.Equal(t, models.TxFailed, loaded.Status)
}

func TestSubmitterPollsBeforeRetrying(t *testing.T) {
	f := newSubmitFixture(t, 3)
	row, payment := f.attempt(t, "10")
	f.fake.FailNextSubmitAfterApply(&ledger.NetworkError{Op: "submit", Err: errors.New("connection reset")})

	outcome, err := f.submitter.Submit(context.Background(), row, payment)
	require.NoError(t, err)
	require.True(t, outcome.Submitted)
	require.Equal(t, 1, f.fake.SubmissionsFor(outcome.Hash), "accepted envelope must not be resubmitted")

	acct, err := f.fake.Account(context.Background(), campaignAccount)
	require.NoError(t, err)
	require.True(t, acct.Balance(ledger.Native()).Equal(decimal.NewFromInt(15)))
}

func TestSubmitterRetriesNetworkFailure(t *testing.T) {
	f := newSubmitFixture(t, 3)
	row, payment := f.attempt(t, "10")
	f.fake.FailNextSubmit(&ledger.NetworkError{Op: "submit", Err: errors.New("timeout")})

	outcome, err := f.submitter.Submit(context.Background(), row, payment)
	require.NoError(t, err)
	require.Equal(t, 2, outcome.Attempts)
	require.Equal(t, 2, f.fake.SubmissionsFor(outcome.Hash))
}

func TestSubmitterLeavesUnresolvedRowPending(t *testing.T) {
	f := newSubmitFixture(t, 1)
	row, payment := f.attempt(t, "10")
	netErr := &ledger.NetworkError{Op: "submit", Err: errors.New("unreachable")}
	f.fake.FailNextSubmit(netErr)
	f.fake.FailNextSubmit(netErr)

	outcome, err := f.submitter.Submit(context.Background(), row, payment)
	require.ErrorIs(t, err, ErrUnresolved)
	require.ErrorIs(t, err, ledger.ErrNetwork)
	require.False(t, outcome.Submitted)

	loaded, err := f.tracker.Get(context.Background(), row.ID)
	require.NoError(t, err)
	require.Equal(t, models.TxPending, loaded.Status)
	require.Equal(t, outcome.Hash, loaded.EnvelopeHash)
	require.Empty(t, loaded.HashValue())
}
