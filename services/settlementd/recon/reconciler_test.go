package recon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"fundledger/services/settlementd/donations"
	"fundledger/services/settlementd/internal/settlementtest"
	"fundledger/services/settlementd/ledger"
	"fundledger/services/settlementd/models"
	"fundledger/services/settlementd/secrets"
	"fundledger/services/settlementd/tracker"
)

var errReset = &ledger.NetworkError{Op: "submit", Err: errors.New("connection reset by peer")}

type fixture struct {
	db       *gorm.DB
	clock    *settlementtest.Clock
	fake     *ledger.Fake
	tracker  *tracker.Tracker
	engine   *donations.Engine
	campaign models.Campaign
	donor    models.Donor
}

// newFixture wires a donation engine whose submitter never retries. The fake
// ledger keeps its own clock so envelopes stay valid while the service clock moves.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := settlementtest.OpenDB(t)
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := settlementtest.NewClock(start)
	ledgerClock := settlementtest.NewClock(start)
	fake := ledger.NewFake().WithClock(ledgerClock.Now)
	fake.Fund("GDONOR", ledger.Native(), decimal.NewFromInt(500))
	fake.Fund("GCAMPAIGN", ledger.Native(), decimal.NewFromInt(5))
	fake.SetSecret("GDONOR", "SDONORSEED")
	tr := tracker.New(db, tracker.WithClock(clock.Now))
	sub := tracker.NewSubmitter(tr, fake, tracker.SubmitterConfig{
		CallTimeout: time.Second, RetryInitial: time.Millisecond, RetryMax: time.Millisecond, MaxRetries: 0,
	}, nil)
	engine := donations.New(db, tr, sub, fake, secrets.Static{"donor": "SDONORSEED"})
	return &fixture{
		db:       db,
		clock:    clock,
		fake:     fake,
		tracker:  tr,
		engine:   engine,
		campaign: settlementtest.Campaign(t, db, uuid.New(), "GCAMPAIGN"),
		donor:    settlementtest.Donor(t, db, "GDONOR", "donor", "DE"),
	}
}

func (f *fixture) reconciler(t *testing.T, minConfirmations int64) *Reconciler {
	t.Helper()
	r, err := NewReconciler(Config{
		Tracker:          f.tracker,
		Gateway:          f.fake,
		Handlers:         map[models.SourceType]Handler{models.SourceDonation: f.engine},
		Owner:            "recon-test",
		MinConfirmations: minConfirmations,
		Workers:          2,
		Now:              f.clock.Now,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) donate(t *testing.T, amount int64) *donations.Result {
	t.Helper()
	res, err := f.engine.ProcessDonation(context.Background(), donations.Request{
		DonorID:    f.donor.ID,
		CampaignID: f.campaign.ID,
		Amount:     decimal.NewFromInt(amount),
		Currency:   "XLM",
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) donation(t *testing.T, id uuid.UUID) models.Donation {
	t.Helper()
	var d models.Donation
	require.NoError(t, f.db.First(&d, "id = ?", id).Error)
	return d
}

func (f *fixture) raised(t *testing.T) decimal.Decimal {
	t.Helper()
	var c models.Campaign
	require.NoError(t, f.db.First(&c, "id = ?", f.campaign.ID).Error)
	return c.RaisedAmount
}

func TestNewReconcilerRequiresDependencies(t *testing.T) {
	_, err := NewReconciler(Config{})
	require.Error(t, err)
}

func TestRunOnceConfirmsAndAppliesEffects(t *testing.T) {
	f := newFixture(t)
	res := f.donate(t, 10)
	require.True(t, res.Success)

	r := f.reconciler(t, 1)
	out, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, out.Confirmed)
	require.Equal(t, 1, out.EffectsApplied)

	require.Equal(t, models.DonationCompleted, f.donation(t, res.DonationID).Status)
	require.True(t, f.raised(t).Equal(decimal.NewFromInt(10)))

	out, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, out.EffectsApplied)
	require.True(t, f.raised(t).Equal(decimal.NewFromInt(10)), "effects apply once")
}

func TestRunOnceWaitsForConfirmationDepth(t *testing.T) {
	f := newFixture(t)
	res := f.donate(t, 4)
	r := f.reconciler(t, 3)

	out, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, out.Confirming)
	row, err := f.tracker.Get(context.Background(), res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, models.TxConfirming, row.Status)
	require.True(t, f.raised(t).IsZero())

	f.fake.AdvanceLedger(2)
	out, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, out.Confirmed)
	require.Equal(t, models.DonationCompleted, f.donation(t, res.DonationID).Status)
}

func TestRunOnceRecordsLedgerFailure(t *testing.T) {
	f := newFixture(t)
	res := f.donate(t, 7)
	f.fake.Forget(res.TransactionHash)
	f.fake.FailOnLedger(res.TransactionHash, "tx_insufficient_fee")

	out, err := f.reconciler(t, 1).RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, out.Failed)

	row, err := f.tracker.Get(context.Background(), res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, models.TxFailed, row.Status)
	require.Equal(t, "tx_insufficient_fee", row.ErrorCode)
	require.NotNil(t, row.EffectsAppliedAt)

	d := f.donation(t, res.DonationID)
	require.Equal(t, models.DonationFailed, d.Status)
	require.Contains(t, d.FailureReason, "tx_insufficient_fee")
	require.True(t, f.raised(t).IsZero())
}

func TestRunOnceRecoversUnresolvedSubmission(t *testing.T) {
	f := newFixture(t)
	f.fake.FailNextSubmitAfterApply(errReset)
	res := f.donate(t, 12)
	require.False(t, res.Success)
	require.NotEmpty(t, res.TransactionHash)

	row, err := f.tracker.Get(context.Background(), res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, models.TxPending, row.Status)

	r := f.reconciler(t, 1)
	out, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, out.Recovered, "fresh pending rows belong to their submitter")

	f.clock.Advance(3 * time.Minute)
	out, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, out.Recovered)
	require.Equal(t, 1, out.Confirmed)

	row, err = f.tracker.Get(context.Background(), res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, models.TxConfirmed, row.Status)
	require.Equal(t, res.TransactionHash, row.HashValue())
	require.Equal(t, 1, f.fake.SubmissionsFor(res.TransactionHash), "recovery never resubmits")
	require.Equal(t, models.DonationCompleted, f.donation(t, res.DonationID).Status)
}

func TestRunOnceExpiresAndRevivesLateConfirmation(t *testing.T) {
	f := newFixture(t)
	f.fake.FailNextSubmit(errReset)
	res := f.donate(t, 20)
	require.False(t, res.Success)

	r := f.reconciler(t, 1)
	f.clock.Advance(4 * time.Minute)
	out, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, out.Expired, "envelope still inside its time bound")

	f.clock.Advance(3 * time.Minute)
	out, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, out.Expired)
	require.Equal(t, models.DonationFailed, f.donation(t, res.DonationID).Status)

	_, err = f.fake.Submit(context.Background(), ledger.Envelope{Hash: res.TransactionHash})
	require.NoError(t, err)

	out, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, out.Revived)
	require.Equal(t, 1, out.EffectsApplied)

	row, err := f.tracker.Get(context.Background(), res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, models.TxConfirmed, row.Status)
	require.Equal(t, models.DonationCompleted, f.donation(t, res.DonationID).Status)
	require.True(t, f.raised(t).Equal(decimal.NewFromInt(20)))

	var anomalies int64
	require.NoError(t, f.db.Model(&models.Anomaly{}).Where("kind = ?", "late_confirmation").Count(&anomalies).Error)
	require.EqualValues(t, 1, anomalies)
}

func TestRunOnceExpiresRowsThatNeverReachedTheLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	orphan, err := f.tracker.RecordAttempt(ctx, tracker.Attempt{
		SourceType:  models.SourceDonation,
		SourceID:    uuid.New(),
		InitiatorID: f.donor.ID,
		Amount:      decimal.NewFromInt(1),
		Asset:       "XLM",
	})
	require.NoError(t, err)

	ghost, err := f.tracker.RecordAttempt(ctx, tracker.Attempt{
		SourceType:  models.SourceWithdrawal,
		SourceID:    uuid.New(),
		InitiatorID: f.donor.ID,
		Amount:      decimal.NewFromInt(1),
		Asset:       "XLM",
	})
	require.NoError(t, err)
	require.NoError(t, f.tracker.AttachEnvelope(ctx, ghost.ID, "ghost-hash", f.clock.Now().Add(time.Minute)))
	require.NoError(t, f.tracker.MarkSubmitted(ctx, ghost.ID, "ghost-hash"))

	f.clock.Advance(31 * time.Minute)
	out, err := f.reconciler(t, 1).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, out.Expired)
	require.Equal(t, 2, out.EffectsApplied)

	for _, id := range []uuid.UUID{orphan.ID, ghost.ID} {
		row, err := f.tracker.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, models.TxExpired, row.Status)
		require.NotNil(t, row.EffectsAppliedAt)
	}
}

func TestRunOnceSkipsRowsLeasedElsewhere(t *testing.T) {
	f := newFixture(t)
	res := f.donate(t, 3)
	_, err := f.tracker.Claim(context.Background(), "other-node", tracker.ClaimFilter{
		Statuses: []models.TxStatus{models.TxSubmitted},
	}, time.Hour)
	require.NoError(t, err)

	out, err := f.reconciler(t, 1).RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, out.Polled)

	row, err := f.tracker.Get(context.Background(), res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, models.TxSubmitted, row.Status)
}

type flakyHandler struct {
	Handler
	failing func(models.LedgerTransaction) bool
}

func (h flakyHandler) OnConfirmed(ctx context.Context, row models.LedgerTransaction) error {
	if h.failing(row) {
		return errors.New("campaign store unavailable")
	}
	return h.Handler.OnConfirmed(ctx, row)
}

func TestFailingEffectsBackOffWithoutStarvingNewerRows(t *testing.T) {
	f := newFixture(t)
	var poisoned uuid.UUID
	healed := false
	r, err := NewReconciler(Config{
		Tracker: f.tracker,
		Gateway: f.fake,
		Handlers: map[models.SourceType]Handler{models.SourceDonation: flakyHandler{
			Handler: f.engine,
			failing: func(row models.LedgerTransaction) bool { return !healed && row.SourceID == poisoned },
		}},
		Owner:           "recon-test",
		BatchSize:       1,
		EffectsRetry:    30 * time.Second,
		EffectsRetryMax: 45 * time.Second,
		Now:             f.clock.Now,
	})
	require.NoError(t, err)

	poisoned = f.donate(t, 3).DonationID
	out, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, out.Confirmed)
	require.Equal(t, 1, out.Errors)

	healthy := f.donate(t, 4)
	out, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, out.EffectsApplied)
	require.Equal(t, models.DonationCompleted, f.donation(t, healthy.DonationID).Status)
	require.Equal(t, models.DonationProcessing, f.donation(t, poisoned).Status)

	f.clock.Advance(31 * time.Second)
	out, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, out.Errors)
	var row models.LedgerTransaction
	require.NoError(t, f.db.First(&row, "source_id = ?", poisoned).Error)
	require.Equal(t, 2, row.EffectsAttempts)
	require.NotNil(t, row.EffectsRetryAt)
	require.WithinDuration(t, f.clock.Now().Add(45*time.Second), *row.EffectsRetryAt, time.Second, "delay is capped")

	healed = true
	out, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, out.EffectsApplied, "still backing off")

	f.clock.Advance(46 * time.Second)
	out, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, out.EffectsApplied)
	require.Equal(t, models.DonationCompleted, f.donation(t, poisoned).Status)
	require.True(t, f.raised(t).Equal(decimal.NewFromInt(7)))
}
