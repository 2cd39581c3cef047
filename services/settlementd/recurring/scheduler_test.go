package recurring

import (
	"context"
	"sync"
	"sync/atomic"
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

type fixture struct {
	db       *gorm.DB
	clock    *settlementtest.Clock
	fake     *ledger.Fake
	tracker  *tracker.Tracker
	engine   *donations.Engine
	campaign models.Campaign
	donor    models.Donor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithGateway(t, nil)
}

// newFixtureWithGateway lets a test wrap the engine's view of the ledger.
// Submission always goes straight to the fake.
func newFixtureWithGateway(t *testing.T, wrap func(*ledger.Fake) ledger.Gateway) *fixture {
	t.Helper()
	db := settlementtest.OpenDB(t)
	clock := settlementtest.NewClock(time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC))
	fake := ledger.NewFake().WithClock(clock.Now)
	fake.Fund("GDONOR", ledger.Native(), decimal.NewFromInt(100))
	fake.Fund("GPAYOUT", ledger.Native(), decimal.NewFromInt(2))
	fake.SetSecret("GDONOR", "SDONOR")
	tr := tracker.New(db, tracker.WithClock(clock.Now))
	sub := tracker.NewSubmitter(tr, fake, tracker.SubmitterConfig{
		CallTimeout: time.Second, RetryInitial: time.Millisecond, RetryMax: time.Millisecond, MaxRetries: 1,
	}, nil)
	var gateway ledger.Gateway = fake
	if wrap != nil {
		gateway = wrap(fake)
	}
	engine := donations.New(db, tr, sub, gateway, secrets.Static{"donor": "SDONOR"})
	return &fixture{
		db:       db,
		clock:    clock,
		fake:     fake,
		tracker:  tr,
		engine:   engine,
		campaign: settlementtest.Campaign(t, db, uuid.New(), "GPAYOUT"),
		donor:    settlementtest.Donor(t, db, "GDONOR", "donor", "GB"),
	}
}

func (f *fixture) scheduler() *Scheduler {
	return NewScheduler(f.db, f.engine, WithClock(f.clock.Now))
}

func (f *fixture) confirmAll(t *testing.T) {
	t.Helper()
	var rows []models.LedgerTransaction
	require.NoError(t, f.db.Where("status = ?", models.TxSubmitted).Find(&rows).Error)
	for _, row := range rows {
		confirmed, err := f.tracker.MarkConfirmed(context.Background(), row.ID, 9)
		require.NoError(t, err)
		require.NoError(t, f.engine.OnConfirmed(context.Background(), *confirmed))
	}
}

func TestRunDueProcessesMonthlyInstalments(t *testing.T) {
	f := newFixture(t)
	origin, err := f.engine.ProcessDonation(context.Background(), donations.Request{
		DonorID: f.donor.ID, CampaignID: f.campaign.ID,
		Amount: decimal.NewFromInt(5), Currency: "XLM",
		Options: donations.Options{Recurring: true, Frequency: models.FrequencyMonthly},
	})
	require.NoError(t, err)
	f.confirmAll(t)

	s := f.scheduler()
	summary, err := s.RunDue(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Due, "not due before the first interval")

	for i := 0; i < 2; i++ {
		f.clock.Advance(31 * 24 * time.Hour)
		summary, err = s.RunDue(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, summary.Submitted)
		f.confirmAll(t)

		summary, err = s.RunDue(context.Background())
		require.NoError(t, err)
		require.Zero(t, summary.Claimed, "instalment runs once per period")
	}

	var sub models.RecurringSubscription
	require.NoError(t, f.db.First(&sub, "id = ?", *origin.SubscriptionID).Error)
	require.Equal(t, 3, sub.TotalProcessed)
	require.True(t, sub.NextProcessing.After(f.clock.Now()))

	var completed int64
	require.NoError(t, f.db.Model(&models.Donation{}).Where("status = ?", models.DonationCompleted).Count(&completed).Error)
	require.EqualValues(t, 3, completed)

	var donor models.Donor
	require.NoError(t, f.db.First(&donor, "id = ?", f.donor.ID).Error)
	require.Equal(t, models.DonationRecurring, donor.DonationType)
}

func TestFailingSubscriptionIsIsolatedAndPaused(t *testing.T) {
	f := newFixture(t)
	healthy, err := f.engine.ProcessDonation(context.Background(), donations.Request{
		DonorID: f.donor.ID, CampaignID: f.campaign.ID,
		Amount: decimal.NewFromInt(2), Currency: "XLM",
		Options: donations.Options{Recurring: true, Frequency: models.FrequencyDaily},
	})
	require.NoError(t, err)

	broken := settlementtest.Donor(t, f.db, "GBROKEN", "missing-secret", "GB")
	brokenSub := models.RecurringSubscription{
		ID:               uuid.New(),
		DonorID:          broken.ID,
		CampaignID:       f.campaign.ID,
		OriginDonationID: uuid.New(),
		Amount:           decimal.NewFromInt(2),
		Asset:            "XLM",
		Frequency:        models.FrequencyDaily,
		Status:           models.SubscriptionActive,
		NextProcessing:   f.clock.Now(),
	}
	require.NoError(t, f.db.Create(&brokenSub).Error)

	s := f.scheduler()
	for i := 0; i < f.engine.MaxConsecutiveFailures(); i++ {
		f.clock.Advance(25 * time.Hour)
		summary, err := s.RunDue(context.Background())
		require.NoError(t, err)
		require.Equal(t, 2, summary.Claimed)
		require.Equal(t, 1, summary.Submitted)
		require.Equal(t, 1, summary.Failed)
	}

	var stored models.RecurringSubscription
	require.NoError(t, f.db.First(&stored, "id = ?", brokenSub.ID).Error)
	require.Equal(t, models.SubscriptionPaused, stored.Status)
	require.Equal(t, f.engine.MaxConsecutiveFailures(), stored.ConsecutiveFailures)

	var healthySub models.RecurringSubscription
	require.NoError(t, f.db.First(&healthySub, "id = ?", *healthy.SubscriptionID).Error)
	require.Equal(t, models.SubscriptionActive, healthySub.Status)
	require.Zero(t, healthySub.ConsecutiveFailures)

	var failed int64
	require.NoError(t, f.db.Model(&models.Donation{}).
		Where("subscription_id = ? AND status = ?", brokenSub.ID, models.DonationFailed).
		Count(&failed).Error)
	require.EqualValues(t, f.engine.MaxConsecutiveFailures(), failed)

	f.clock.Advance(25 * time.Hour)
	summary, err := s.RunDue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Due, "paused subscriptions are skipped")
}

func TestConcurrentSchedulersClaimOnce(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ProcessDonation(context.Background(), donations.Request{
		DonorID: f.donor.ID, CampaignID: f.campaign.ID,
		Amount: decimal.NewFromInt(3), Currency: "XLM",
		Options: donations.Options{Recurring: true, Frequency: models.FrequencyWeekly},
	})
	require.NoError(t, err)
	f.clock.Advance(8 * 24 * time.Hour)
	before := f.fake.Submissions()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			summary, err := f.scheduler().RunDue(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			claimed += summary.Claimed
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 1, claimed)
	require.Equal(t, before+1, f.fake.Submissions())
}

func TestRefusedInstalmentIsRecordedAsFailedDonation(t *testing.T) {
	f := newFixture(t)
	origin, err := f.engine.ProcessDonation(context.Background(), donations.Request{
		DonorID: f.donor.ID, CampaignID: f.campaign.ID,
		Amount: decimal.NewFromInt(60), Currency: "XLM",
		Options: donations.Options{Recurring: true, Frequency: models.FrequencyDaily},
	})
	require.NoError(t, err)
	f.confirmAll(t)

	f.clock.Advance(25 * time.Hour)
	summary, err := f.scheduler().RunDue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, f.fake.Submissions(), "refused before submission")

	var failed []models.Donation
	require.NoError(t, f.db.Where("subscription_id = ? AND status = ?", *origin.SubscriptionID, models.DonationFailed).
		Find(&failed).Error)
	require.Len(t, failed, 1)
	require.Contains(t, failed[0].FailureReason, "spendable balance")
	require.Nil(t, failed[0].LedgerTransactionID)

	details, err := f.engine.GetTransactionDetails(context.Background(), failed[0].ID)
	require.NoError(t, err)
	require.Equal(t, models.DonationFailed, details.Donation.Status)
	require.Nil(t, details.Transaction)

	var sub models.RecurringSubscription
	require.NoError(t, f.db.First(&sub, "id = ?", *origin.SubscriptionID).Error)
	require.Equal(t, 1, sub.ConsecutiveFailures)
	require.Equal(t, models.SubscriptionActive, sub.Status)
}

func TestNetworkFailureDefersInstalment(t *testing.T) {
	var down atomic.Bool
	f := newFixtureWithGateway(t, func(fake *ledger.Fake) ledger.Gateway {
		return ledger.FuncGateway{
			AccountFunc: func(ctx context.Context, id string) (ledger.Account, error) {
				if down.Load() {
					return ledger.Account{}, &ledger.NetworkError{Op: "account"}
				}
				return fake.Account(ctx, id)
			},
			PrepareFunc: fake.Prepare,
			SubmitFunc:  fake.Submit,
			PollFunc:    fake.PollStatus,
		}
	})
	origin, err := f.engine.ProcessDonation(context.Background(), donations.Request{
		DonorID: f.donor.ID, CampaignID: f.campaign.ID,
		Amount: decimal.NewFromInt(5), Currency: "XLM",
		Options: donations.Options{Recurring: true, Frequency: models.FrequencyWeekly},
	})
	require.NoError(t, err)
	f.confirmAll(t)

	var before models.RecurringSubscription
	require.NoError(t, f.db.First(&before, "id = ?", *origin.SubscriptionID).Error)

	f.clock.Advance(8 * 24 * time.Hour)
	down.Store(true)
	s := f.scheduler()
	summary, err := s.RunDue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Deferred)
	require.Zero(t, summary.Failed)

	var sub models.RecurringSubscription
	require.NoError(t, f.db.First(&sub, "id = ?", *origin.SubscriptionID).Error)
	require.Zero(t, sub.ConsecutiveFailures)
	require.True(t, sub.NextProcessing.Equal(before.NextProcessing), "period is not consumed")

	down.Store(false)
	summary, err = s.RunDue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Submitted)
	var donationsForSub int64
	require.NoError(t, f.db.Model(&models.Donation{}).Where("subscription_id = ?", sub.ID).Count(&donationsForSub).Error)
	require.EqualValues(t, 2, donationsForSub)
}

func TestMonthlySeriesFromMonthEndKeepsFebruary(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(time.Date(2025, 1, 31, 10, 0, 0, 0, time.UTC))
	origin, err := f.engine.ProcessDonation(context.Background(), donations.Request{
		DonorID: f.donor.ID, CampaignID: f.campaign.ID,
		Amount: decimal.NewFromInt(5), Currency: "XLM",
		Options: donations.Options{Recurring: true, Frequency: models.FrequencyMonthly},
	})
	require.NoError(t, err)
	f.confirmAll(t)

	s := f.scheduler()
	for _, want := range []string{"2025-02-28", "2025-03-31", "2025-04-30"} {
		var sub models.RecurringSubscription
		require.NoError(t, f.db.First(&sub, "id = ?", *origin.SubscriptionID).Error)
		require.Equal(t, want, sub.NextProcessing.UTC().Format(time.DateOnly))

		f.clock.Set(sub.NextProcessing.UTC().Add(time.Minute))
		summary, err := s.RunDue(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, summary.Submitted)
		f.confirmAll(t)
	}
}
