// Package reports aggregates confirmed donations for campaign reporting.
package reports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"fundledger/services/settlementd/domain"
	"fundledger/services/settlementd/models"
)

// Bucket is the width of a time series point.
type Bucket string

// Supported buckets.
const (
	BucketDay   Bucket = "day"
	BucketWeek  Bucket = "week"
	BucketMonth Bucket = "month"
)

// Start truncates t to the start of its bucket in UTC. Weeks start on Monday.
func (b Bucket) Start(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch b {
	case BucketWeek:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case BucketMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

// Options bounds a report. A zero From includes every donation; a zero To means now.
type Options struct {
	From   time.Time
	To     time.Time
	Bucket Bucket
}

// TypeCounts splits donations by kind.
type TypeCounts struct {
	OneTime   int `json:"oneTime"`
	Recurring int `json:"recurring"`
	Milestone int `json:"milestone"`
}

// Point is one bucket of the time series.
type Point struct {
	Start     time.Time       `json:"start"`
	Amount    decimal.Decimal `json:"amount"`
	Donations int             `json:"donations"`
	Donors    int             `json:"donors"`
}

// Report summarises completed donations to a campaign.
type Report struct {
	CampaignID    uuid.UUID       `json:"campaignId"`
	Title         string          `json:"title"`
	Asset         string          `json:"asset"`
	From          *time.Time      `json:"from,omitempty"`
	To            time.Time       `json:"to"`
	Bucket        Bucket          `json:"bucket"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	DonationCount int             `json:"donationCount"`
	DonorCount    int             `json:"donorCount"`
	ByType        TypeCounts      `json:"byType"`
	Anonymous     int             `json:"anonymous"`
	Public        int             `json:"public"`
	Series        []Point         `json:"series"`
	GeneratedAt   time.Time       `json:"generatedAt"`
}

// Service builds campaign reports.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *slog.Logger
}

// NewService constructs a report service.
func NewService(db *gorm.DB, now func() time.Time, logger *slog.Logger) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, now: now, logger: logger.With(slog.String("component", "reports"))}
}

// CreateCampaignDonationReport aggregates completed donations in the window.
func (s *Service) CreateCampaignDonationReport(ctx context.Context, campaignID uuid.UUID, opts Options) (*Report, error) {
	if opts.Bucket == "" {
		opts.Bucket = BucketDay
	}
	switch opts.Bucket {
	case BucketDay, BucketWeek, BucketMonth:
	default:
		return nil, domain.Validationf("unsupported bucket %q", opts.Bucket)
	}
	now := s.now()
	if opts.To.IsZero() {
		opts.To = now
	}
	if !opts.From.IsZero() && !opts.From.Before(opts.To) {
		return nil, domain.Validationf("report window is empty")
	}

	db := s.db.WithContext(ctx)
	var campaign models.Campaign
	if err := db.First(&campaign, "id = ?", campaignID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: campaign %s", domain.ErrNotFound, campaignID)
		}
		return nil, fmt.Errorf("reports: load campaign: %w", err)
	}

	query := db.Model(&models.Donation{}).
		Select("id", "donor_id", "amount", "type", "anonymous", "completed_at").
		Where("campaign_id = ? AND status = ?", campaignID, models.DonationCompleted).
		Where("completed_at < ?", opts.To)
	if !opts.From.IsZero() {
		query = query.Where("completed_at >= ?", opts.From)
	}
	var donations []models.Donation
	if err := query.Order("completed_at ASC").Find(&donations).Error; err != nil {
		return nil, fmt.Errorf("reports: load donations: %w", err)
	}

	report := &Report{
		CampaignID:  campaign.ID,
		Title:       campaign.Title,
		Asset:       campaign.Asset,
		To:          opts.To,
		Bucket:      opts.Bucket,
		TotalAmount: decimal.Zero,
		GeneratedAt: now,
	}
	if !opts.From.IsZero() {
		from := opts.From
		report.From = &from
	}

	donors := make(map[uuid.UUID]struct{})
	points := make(map[time.Time]*Point)
	pointDonors := make(map[time.Time]map[uuid.UUID]struct{})
	for _, d := range donations {
		report.TotalAmount = report.TotalAmount.Add(d.Amount)
		report.DonationCount++
		donors[d.DonorID] = struct{}{}
		switch d.Type {
		case models.DonationRecurring:
			report.ByType.Recurring++
		case models.DonationMilestone:
			report.ByType.Milestone++
		default:
			report.ByType.OneTime++
		}
		if d.Anonymous {
			report.Anonymous++
		} else {
			report.Public++
		}
		if d.CompletedAt == nil {
			continue
		}
		start := opts.Bucket.Start(*d.CompletedAt)
		point, ok := points[start]
		if !ok {
			point = &Point{Start: start, Amount: decimal.Zero}
			points[start] = point
			pointDonors[start] = make(map[uuid.UUID]struct{})
		}
		point.Amount = point.Amount.Add(d.Amount)
		point.Donations++
		pointDonors[start][d.DonorID] = struct{}{}
	}
	report.DonorCount = len(donors)
	report.Series = make([]Point, 0, len(points))
	for start, point := range points {
		point.Donors = len(pointDonors[start])
		report.Series = append(report.Series, *point)
	}
	sort.Slice(report.Series, func(i, j int) bool { return report.Series[i].Start.Before(report.Series[j].Start) })

	s.logger.Debug("campaign report built",
		slog.String("campaign", campaignID.String()),
		slog.Int("donations", report.DonationCount),
		slog.String("bucket", string(opts.Bucket)))
	return report, nil
}
