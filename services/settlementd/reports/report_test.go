package reports

import (
	"context"
	"encoding/csv"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"gorm.io/gorm"

	"fundledger/services/settlementd/domain"
	"fundledger/services/settlementd/internal/settlementtest"
	"fundledger/services/settlementd/models"
)

func addDonation(t *testing.T, db *gorm.DB, campaignID, donorID uuid.UUID, amount string, kind models.DonationType, anonymous bool, status models.DonationStatus, at time.Time) {
	t.Helper()
	d := models.Donation{
		ID:         uuid.New(),
		DonorID:    donorID,
		CampaignID: campaignID,
		Amount:     decimal.RequireFromString(amount),
		Asset:      "XLM",
		Type:       kind,
		Status:     status,
		Anonymous:  anonymous,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	if status == models.DonationCompleted {
		d.CompletedAt = &at
	}
	require.NoError(t, db.Create(&d).Error)
}

func seed(t *testing.T) (*gorm.DB, models.Campaign) {
	t.Helper()
	db := settlementtest.OpenDB(t)
	campaign := settlementtest.Campaign(t, db, uuid.New(), "GCAMPAIGN")
	alice, bob := uuid.New(), uuid.New()
	day := func(d int) time.Time { return time.Date(2025, 5, d, 14, 0, 0, 0, time.UTC) }

	addDonation(t, db, campaign.ID, alice, "10.5", models.DonationOneTime, false, models.DonationCompleted, day(5))
	addDonation(t, db, campaign.ID, alice, "5", models.DonationRecurring, false, models.DonationCompleted, day(6))
	addDonation(t, db, campaign.ID, bob, "20", models.DonationOneTime, true, models.DonationCompleted, day(6))
	addDonation(t, db, campaign.ID, bob, "7", models.DonationMilestone, false, models.DonationCompleted, day(14))
	addDonation(t, db, campaign.ID, bob, "99", models.DonationOneTime, false, models.DonationFailed, day(14))
	addDonation(t, db, uuid.New(), bob, "50", models.DonationOneTime, false, models.DonationCompleted, day(14))
	return db, campaign
}

func TestCreateCampaignDonationReport(t *testing.T) {
	db, campaign := seed(t)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc := NewService(db, func() time.Time { return now }, nil)

	report, err := svc.CreateCampaignDonationReport(context.Background(), campaign.ID, Options{Bucket: BucketWeek})
	require.NoError(t, err)
	require.True(t, report.TotalAmount.Equal(decimal.RequireFromString("42.5")))
	require.Equal(t, 4, report.DonationCount)
	require.Equal(t, 2, report.DonorCount)
	require.Equal(t, TypeCounts{OneTime: 2, Recurring: 1, Milestone: 1}, report.ByType)
	require.Equal(t, 1, report.Anonymous)
	require.Equal(t, 3, report.Public)

	require.Len(t, report.Series, 2)
	require.Equal(t, time.Date(2025, 5, 5, 0, 0, 0, 0, time.UTC), report.Series[0].Start)
	require.True(t, report.Series[0].Amount.Equal(decimal.RequireFromString("35.5")))
	require.Equal(t, 3, report.Series[0].Donations)
	require.Equal(t, 2, report.Series[0].Donors)
	require.Equal(t, time.Date(2025, 5, 12, 0, 0, 0, 0, time.UTC), report.Series[1].Start)
}

func TestReportWindowAndValidation(t *testing.T) {
	db, campaign := seed(t)
	svc := NewService(db, nil, nil)

	report, err := svc.CreateCampaignDonationReport(context.Background(), campaign.ID, Options{
		From: time.Date(2025, 5, 6, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 5, 7, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Equal(t, BucketDay, report.Bucket)
	require.Equal(t, 2, report.DonationCount)
	require.Len(t, report.Series, 1)

	_, err = svc.CreateCampaignDonationReport(context.Background(), campaign.ID, Options{Bucket: "hour"})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.CreateCampaignDonationReport(context.Background(), uuid.New(), Options{})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExportWritesCSVAndParquet(t *testing.T) {
	db, campaign := seed(t)
	svc := NewService(db, nil, nil)
	report, err := svc.CreateCampaignDonationReport(context.Background(), campaign.ID, Options{Bucket: BucketMonth})
	require.NoError(t, err)

	files, err := Export(report, t.TempDir())
	require.NoError(t, err)

	f, err := os.Open(files.CSV)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "42.5000000", records[1][4])

	fr, err := local.NewLocalFileReader(files.Parquet)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(parquetRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.EqualValues(t, 1, pr.GetNumRows())
	rows := make([]parquetRow, 1)
	require.NoError(t, pr.Read(&rows))
	require.Equal(t, campaign.ID.String(), rows[0].CampaignID)
	require.Equal(t, "42.5000000", rows[0].Amount)
	require.Equal(t, records[1][5], strconv.Itoa(int(rows[0].Donations)))
}
