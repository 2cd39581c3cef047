package donations

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"fundledger/services/settlementd/domain"
	"fundledger/services/settlementd/models"
)

func loadSubscription(t *testing.T, f *fixture, id uuid.UUID) models.RecurringSubscription {
	t.Helper()
	var sub models.RecurringSubscription
	require.NoError(t, f.db.First(&sub, "id = ?", id).Error)
	return sub
}

func TestRecurringDonationCreatesSubscription(t *testing.T) {
	f := newFixture(t)
	res := f.donate(t, "5", Options{Recurring: true, Frequency: models.FrequencyMonthly})
	require.NotNil(t, res.SubscriptionID)

	sub := loadSubscription(t, f, *res.SubscriptionID)
	require.Equal(t, models.SubscriptionActive, sub.Status)
	require.Equal(t, res.DonationID, sub.OriginDonationID)
	require.True(t, sub.NextProcessing.Equal(f.clock.Now().AddDate(0, 1, 0)))
}

func TestRecurringRequiresKnownFrequency(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ProcessDonation(context.Background(), Request{
		DonorID: f.donor.ID, CampaignID: f.campaign.ID,
		Amount: mustAmount("5"), Currency: "XLM",
		Options: Options{Recurring: true, Frequency: "fortnightly"},
	})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestRecurringProcessedThreeTimes(t *testing.T) {
	f := newFixture(t)
	origin := f.donate(t, "5", Options{Recurring: true, Frequency: models.FrequencyMonthly})
	f.confirm(t, origin.TransactionID)

	for i := 0; i < 2; i++ {
		sub := loadSubscription(t, f, *origin.SubscriptionID)
		res, err := f.engine.ProcessSubscription(context.Background(), sub)
		require.NoError(t, err)
		require.Equal(t, origin.SubscriptionID, res.SubscriptionID)
		f.confirm(t, res.TransactionID)
	}

	sub := loadSubscription(t, f, *origin.SubscriptionID)
	require.Equal(t, 3, sub.TotalProcessed)
	require.Zero(t, sub.ConsecutiveFailures)

	var completed int64
	require.NoError(t, f.db.Model(&models.Donation{}).
		Where("subscription_id = ? AND status = ?", sub.ID, models.DonationCompleted).
		Count(&completed).Error)
	require.EqualValues(t, 3, completed)

	campaign, donor := f.reload(t)
	require.Equal(t, models.DonationRecurring, donor.DonationType)
	require.True(t, campaign.RaisedAmount.Equal(mustAmount("15")))
	require.Equal(t, 1, campaign.DonorCount)
}

func TestCancelRecurringDonation(t *testing.T) {
	f := newFixture(t)
	res := f.donate(t, "5", Options{Recurring: true, Frequency: models.FrequencyWeekly})

	_, err := f.engine.CancelRecurringDonation(context.Background(), res.DonationID, uuid.New())
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	sub, err := f.engine.CancelRecurringDonation(context.Background(), res.DonationID, f.donor.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubscriptionCancelled, sub.Status)
	require.NotNil(t, sub.CancelledAt)

	_, err = f.engine.CancelRecurringDonation(context.Background(), res.DonationID, f.donor.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = f.engine.ResumeRecurringDonation(context.Background(), res.DonationID, f.donor.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState, "cancellation is irreversible")

	stored := loadSubscription(t, f, sub.ID)
	require.Equal(t, models.SubscriptionCancelled, stored.Status)
}

func TestCancelOneTimeDonationIsInvalid(t *testing.T) {
	f := newFixture(t)
	res := f.donate(t, "5", Options{})
	_, err := f.engine.CancelRecurringDonation(context.Background(), res.DonationID, f.donor.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestFailuresPauseSubscriptionAndResumeClears(t *testing.T) {
	f := newFixture(t)
	origin := f.donate(t, "5", Options{Recurring: true, Frequency: models.FrequencyDaily})
	f.confirm(t, origin.TransactionID)

	for i := 0; i < f.engine.MaxConsecutiveFailures(); i++ {
		sub := loadSubscription(t, f, *origin.SubscriptionID)
		res, err := f.engine.ProcessSubscription(context.Background(), sub)
		require.NoError(t, err)
		row, err := f.tracker.MarkFailed(context.Background(), res.TransactionID, "tx_failed", "failed on ledger")
		require.NoError(t, err)
		require.NoError(t, f.engine.OnFailed(context.Background(), *row))
		require.NoError(t, f.engine.OnFailed(context.Background(), *row), "replay does not double count")
	}

	sub := loadSubscription(t, f, *origin.SubscriptionID)
	require.Equal(t, models.SubscriptionPaused, sub.Status)
	require.Equal(t, f.engine.MaxConsecutiveFailures(), sub.ConsecutiveFailures)
	require.NotNil(t, sub.PausedAt)

	resumed, err := f.engine.ResumeRecurringDonation(context.Background(), origin.DonationID, f.donor.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubscriptionActive, resumed.Status)
	require.Zero(t, resumed.ConsecutiveFailures)
}
