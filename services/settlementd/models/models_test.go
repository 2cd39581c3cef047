package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMonthlyCadenceClampsToShortMonths(t *testing.T) {
	start := time.Date(2025, 1, 31, 9, 30, 0, 0, time.UTC)
	want := []string{"2025-02-28", "2025-03-31", "2025-04-30", "2025-05-31"}
	next := start
	for _, day := range want {
		next = FrequencyMonthly.NextAnchored(next, start.Day())
		require.Equal(t, day, next.Format(time.DateOnly))
		require.Equal(t, 9, next.Hour())
	}
}

func TestQuarterlyAndYearlyCadenceKeepAnchor(t *testing.T) {
	q := FrequencyQuarterly.NextAnchored(time.Date(2024, 11, 30, 0, 0, 0, 0, time.UTC), 30)
	require.Equal(t, "2025-02-28", q.Format(time.DateOnly))
	q = FrequencyQuarterly.NextAnchored(q, 30)
	require.Equal(t, "2025-05-30", q.Format(time.DateOnly))

	leap := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	y := FrequencyYearly.NextAnchored(leap, 29)
	require.Equal(t, "2025-02-28", y.Format(time.DateOnly))
	for i := 0; i < 3; i++ {
		y = FrequencyYearly.NextAnchored(y, 29)
	}
	require.Equal(t, "2028-02-29", y.Format(time.DateOnly))
}

func TestNextWithoutAnchorUsesStartDay(t *testing.T) {
	from := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	require.Equal(t, "2025-04-15", FrequencyMonthly.Next(from).Format(time.DateOnly))
	require.Equal(t, "2025-04-15", FrequencyMonthly.NextAnchored(from, 0).Format(time.DateOnly))
	require.Equal(t, "2025-03-16", FrequencyDaily.Next(from).Format(time.DateOnly))
	require.Equal(t, "2025-03-22", FrequencyWeekly.Next(from).Format(time.DateOnly))
	require.Equal(t, "2025-06-15", FrequencyQuarterly.Next(from).Format(time.DateOnly))
}
