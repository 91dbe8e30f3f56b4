// Package scoring holds the pure arithmetic shared by match recording and
// leaderboards: the points formula, the running-average stats update, and
// rank ordering. It keeps no state of its own.
package scoring

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/velotype/velotype/internal/domain"
)

var difficultyMultipliers = map[string]decimal.Decimal{
	"beginner": decimal.NewFromFloat(1.0),
	"easy":     decimal.NewFromFloat(1.5),
	"medium":   decimal.NewFromFloat(2.0),
	"hard":     decimal.NewFromFloat(3.0),
}

// Points computes the authoritative points for one completed session:
// round(wpm * accuracy/100 * duration/60 * multiplier). Unrecognized
// difficulties fall back to a 1.0 multiplier.
func Points(wpm, accuracy float64, durationSeconds int, difficulty string) int {
	mult, ok := difficultyMultipliers[difficulty]
	if !ok {
		mult = decimal.NewFromInt(1)
	}

	p := decimal.NewFromFloat(wpm).
		Mul(decimal.NewFromFloat(accuracy)).Div(decimal.NewFromInt(100)).
		Mul(decimal.NewFromInt(int64(durationSeconds))).Div(decimal.NewFromInt(60)).
		Mul(mult)

	return int(p.Round(0).IntPart())
}

// Sample is one completed session as seen by the stats update.
type Sample struct {
	WPM             float64
	Accuracy        float64
	DurationSeconds int
	Points          int
}

// ApplySample folds one new sample into cumulative stats with a
// running-average update: newAvg = (oldAvg*oldCount + sample) / (oldCount+1).
// It must be applied exactly once per match record; it is not idempotent.
func ApplySample(s domain.UserStats, sample Sample) domain.UserStats {
	n := float64(s.TotalMatches)

	return domain.UserStats{
		TotalMatches:   s.TotalMatches + 1,
		AvgWPM:         math.Round((s.AvgWPM*n + sample.WPM) / (n + 1)),
		AvgAccuracy:    math.Round((s.AvgAccuracy*n+sample.Accuracy)/(n+1)*100) / 100,
		BestWPM:        math.Max(s.BestWPM, sample.WPM),
		TotalTimeTyped: s.TotalTimeTyped + sample.DurationSeconds,
		TotalPoints:    s.TotalPoints + sample.Points,
	}
}

// effectiveScore is the all-time sort key: total points when the user has
// any, average WPM otherwise. The WPM fallback therefore only decides order
// between users who both have zero points.
func effectiveScore(e domain.LeaderboardEntry) float64 {
	if e.TotalPoints > 0 {
		return float64(e.TotalPoints)
	}
	return e.AvgWPM
}

// RankAllTime orders entries for the all-time leaderboard and assigns
// 1-based ranks in place.
func RankAllTime(entries []domain.LeaderboardEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return effectiveScore(entries[i]) > effectiveScore(entries[j])
	})
	assignRanks(entries)
}

// RankWindow orders entries for a time-windowed leaderboard by windowed
// points and assigns 1-based ranks in place.
func RankWindow(entries []domain.LeaderboardEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].TotalPoints > entries[j].TotalPoints
	})
	assignRanks(entries)
}

func assignRanks(entries []domain.LeaderboardEntry) {
	for i := range entries {
		entries[i].Rank = i + 1
	}
}
