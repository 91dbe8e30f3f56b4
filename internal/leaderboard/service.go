// Package leaderboard answers ranked queries: all-time from the cumulative
// user stats, time-windowed by replaying the match log for the window.
package leaderboard

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velotype/velotype/internal/domain"
	"github.com/velotype/velotype/internal/scoring"
)

const defaultLimit = 100

type Config struct {
	DB *pgxpool.Pool
	// Location is the reference time zone for window boundaries. Defaults
	// to the server's local zone.
	Location *time.Location
}

type Service struct {
	db  *pgxpool.Pool
	loc *time.Location
}

func NewService(c Config) *Service {
	loc := c.Location
	if loc == nil {
		loc = time.Local
	}

	return &Service{
		db:  c.DB,
		loc: loc,
	}
}

// AllTime ranks users by cumulative points (average WPM deciding only
// between pointless users), truncated to limit. This is a best-effort read
// path: a store failure yields an empty leaderboard.
func (s *Service) AllTime(ctx context.Context, limit int) []domain.LeaderboardEntry {
	if limit <= 0 || limit > defaultLimit {
		limit = defaultLimit
	}

	const stmt = `
SELECT user_id, COALESCE(display_name, 'Anonymous'), total_points, avg_wpm, best_wpm, avg_accuracy, total_matches
FROM users
WHERE total_points > 0 OR avg_wpm > 0;`

	rows, err := s.db.Query(ctx, stmt)
	if err != nil {
		slog.ErrorContext(ctx, "leaderboard: all-time query failed", "error", err)
		return []domain.LeaderboardEntry{}
	}

	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		slog.ErrorContext(ctx, "leaderboard: all-time scan failed", "error", err)
		return []domain.LeaderboardEntry{}
	}

	scoring.RankAllTime(entries)
	return truncate(entries, limit)
}

// Windowed replays the match log from the window start, grouping per user.
// The full replay trades a scan for exactness against the immutable log.
func (s *Service) Windowed(ctx context.Context, period domain.Period, limit int) []domain.LeaderboardEntry {
	if limit <= 0 || limit > defaultLimit {
		limit = defaultLimit
	}

	start := WindowStart(period, time.Now().In(s.loc))

	const stmt = `
SELECT m.user_id,
       COALESCE(u.display_name, 'Anonymous'),
       SUM(m.points)::bigint,
       ROUND(AVG(m.wpm)),
       MAX(m.wpm),
       ROUND(AVG(m.accuracy)::numeric, 2)::double precision,
       COUNT(*)::bigint
FROM matches m
LEFT JOIN users u ON u.user_id = m.user_id
WHERE m.recorded_at >= $1
GROUP BY m.user_id, u.display_name
HAVING SUM(m.points) > 0;`

	rows, err := s.db.Query(ctx, stmt, start)
	if err != nil {
		slog.ErrorContext(ctx, "leaderboard: windowed query failed", "period", period, "error", err)
		return []domain.LeaderboardEntry{}
	}

	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		slog.ErrorContext(ctx, "leaderboard: windowed scan failed", "period", period, "error", err)
		return []domain.LeaderboardEntry{}
	}

	scoring.RankWindow(entries)
	return truncate(entries, limit)
}

// WindowStart computes the inclusive lower bound of a leaderboard window in
// now's time zone: midnight today, the most recent Sunday midnight, or the
// first of the current month.
func WindowStart(period domain.Period, now time.Time) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch period {
	case domain.PeriodWeekly:
		return midnight.AddDate(0, 0, -int(now.Weekday()))
	case domain.PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	default:
		return midnight
	}
}

func scanEntry(r pgx.CollectableRow) (domain.LeaderboardEntry, error) {
	var e domain.LeaderboardEntry
	err := r.Scan(&e.UserID, &e.DisplayName, &e.TotalPoints, &e.AvgWPM, &e.BestWPM, &e.AvgAccuracy, &e.TotalMatches)
	return e, err
}

func truncate(entries []domain.LeaderboardEntry, limit int) []domain.LeaderboardEntry {
	if len(entries) > limit {
		return entries[:limit]
	}
	return entries
}
