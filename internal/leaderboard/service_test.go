package leaderboard_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velotype/velotype/internal/domain"
	"github.com/velotype/velotype/internal/leaderboard"
)

func TestWindowStart(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// Wednesday 2025-03-12, mid-afternoon.
	now := time.Date(2025, 3, 12, 15, 30, 45, 0, loc)

	tests := map[string]struct {
		period domain.Period
		want   time.Time
	}{
		"daily is midnight today": {
			period: domain.PeriodDaily,
			want:   time.Date(2025, 3, 12, 0, 0, 0, 0, loc),
		},
		"weekly is the most recent Sunday midnight": {
			period: domain.PeriodWeekly,
			want:   time.Date(2025, 3, 9, 0, 0, 0, 0, loc),
		},
		"monthly is the first of the month": {
			period: domain.PeriodMonthly,
			want:   time.Date(2025, 3, 1, 0, 0, 0, 0, loc),
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got := leaderboard.WindowStart(tt.period, now)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestWindowStart_OnSunday(t *testing.T) {
	// A Sunday is its own week start.
	now := time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC)

	got := leaderboard.WindowStart(domain.PeriodWeekly, now)
	assert.Equal(t, time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC), got)
}
