// Package match appends completed sessions to the immutable match log and
// folds them into the cumulative per-user stats.
package match

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velotype/velotype/internal/domain"
	"github.com/velotype/velotype/internal/errors"
	"github.com/velotype/velotype/internal/event"
	"github.com/velotype/velotype/internal/scoring"
)

type Config struct {
	EventBus *event.Bus
	DB       *pgxpool.Pool
}

type Service struct {
	eb *event.Bus
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	s := &Service{
		eb: c.EventBus,
		db: c.DB,
	}

	s.eb.Subscribe(domain.EventNameRaceFinished, func(ctx context.Context, e event.Event) error {
		return s.recordRace(ctx, e.(domain.EventRaceFinished))
	})

	return s
}

// recordRace appends one match record per player that reported progress in
// a finished race. Races carry no lesson difficulty, so points use the
// neutral multiplier.
func (s *Service) recordRace(ctx context.Context, e domain.EventRaceFinished) error {
	var errs []error
	for _, st := range e.Standings {
		_, err := s.Record(ctx, RecordRequest{
			UserID:          st.PlayerID,
			Mode:            "race",
			Category:        "race",
			WPM:             st.WPM,
			Accuracy:        st.Accuracy,
			DurationSeconds: e.Duration,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("player %s: %w", st.PlayerID, err))
		}
	}
	return stderrors.Join(errs...)
}

type RecordRequest struct {
	UserID          string
	Mode            string
	Category        string
	Difficulty      string
	WPM             float64
	Accuracy        float64
	DurationSeconds int
}

// Record appends one match record and applies the running-average stats
// update in the same transaction: the log entry and the stats move together
// or not at all. The record's points are computed server-side and are the
// authoritative value.
func (s *Service) Record(ctx context.Context, req RecordRequest) (*domain.MatchRecord, error) {
	if req.UserID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("user id is required"))
	}
	if req.WPM < 0 || req.Accuracy < 0 || req.Accuracy > 100 || req.DurationSeconds <= 0 {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("wpm, accuracy or duration out of range"))
	}

	rec := domain.MatchRecord{
		UserID:          req.UserID,
		Mode:            req.Mode,
		Category:        req.Category,
		Difficulty:      req.Difficulty,
		WPM:             req.WPM,
		Accuracy:        req.Accuracy,
		DurationSeconds: req.DurationSeconds,
		Points:          scoring.Points(req.WPM, req.Accuracy, req.DurationSeconds, req.Difficulty),
		Timestamp:       time.Now().UTC(),
	}

	stats, err := s.insertMatch(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("record match: %w", err)
	}

	s.eb.Publish(ctx, domain.EventMatchRecorded{
		Match: rec,
		Stats: stats,
	})

	return &rec, nil
}

func (s *Service) insertMatch(ctx context.Context, rec domain.MatchRecord) (stats domain.UserStats, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return domain.UserStats{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const insMatchStmt = `
INSERT INTO matches (user_id, mode, category, difficulty, wpm, accuracy, duration_seconds, points, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`

	_, err = tx.Exec(ctx, insMatchStmt,
		rec.UserID, rec.Mode, rec.Category, rec.Difficulty,
		rec.WPM, rec.Accuracy, rec.DurationSeconds, rec.Points, rec.Timestamp)
	if err != nil {
		return domain.UserStats{}, fmt.Errorf("insert match: %w", err)
	}

	stats, err = s.applyStats(ctx, tx, rec)
	if err != nil {
		return domain.UserStats{}, fmt.Errorf("update stats: %w", err)
	}

	return stats, tx.Commit(ctx)
}

// applyStats folds the match into the user's cumulative stats under a row
// lock, creating the row for first-time users. The update is applied
// exactly once per record; it is not safe to blindly retry.
func (s *Service) applyStats(ctx context.Context, tx pgx.Tx, rec domain.MatchRecord) (domain.UserStats, error) {
	const ensureStmt = `INSERT INTO users (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING;`
	if _, err := tx.Exec(ctx, ensureStmt, rec.UserID); err != nil {
		return domain.UserStats{}, fmt.Errorf("ensure user: %w", err)
	}

	const selStmt = `
SELECT total_matches, avg_wpm, avg_accuracy, best_wpm, total_time_typed, total_points
FROM users WHERE user_id = $1 FOR UPDATE;`

	var old domain.UserStats
	err := tx.QueryRow(ctx, selStmt, rec.UserID).Scan(
		&old.TotalMatches, &old.AvgWPM, &old.AvgAccuracy,
		&old.BestWPM, &old.TotalTimeTyped, &old.TotalPoints)
	if err != nil {
		return domain.UserStats{}, fmt.Errorf("read stats: %w", err)
	}

	stats := scoring.ApplySample(old, scoring.Sample{
		WPM:             rec.WPM,
		Accuracy:        rec.Accuracy,
		DurationSeconds: rec.DurationSeconds,
		Points:          rec.Points,
	})

	const updStmt = `
UPDATE users
SET total_matches = $2, avg_wpm = $3, avg_accuracy = $4, best_wpm = $5, total_time_typed = $6, total_points = $7
WHERE user_id = $1;`

	_, err = tx.Exec(ctx, updStmt, rec.UserID,
		stats.TotalMatches, stats.AvgWPM, stats.AvgAccuracy,
		stats.BestWPM, stats.TotalTimeTyped, stats.TotalPoints)
	if err != nil {
		return domain.UserStats{}, fmt.Errorf("write stats: %w", err)
	}

	return stats, nil
}

type ListRequest struct {
	UserID string
	Limit  int
}

// List returns a user's recent matches, newest first.
func (s *Service) List(ctx context.Context, req ListRequest) ([]domain.MatchRecord, error) {
	limit := req.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	const stmt = `
SELECT user_id, mode, category, difficulty, wpm, accuracy, duration_seconds, points, recorded_at
FROM matches
WHERE user_id = $1
ORDER BY recorded_at DESC
LIMIT $2;`

	rows, err := s.db.Query(ctx, stmt, req.UserID, limit)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.MatchRecord, error) {
		var rec domain.MatchRecord
		err := r.Scan(&rec.UserID, &rec.Mode, &rec.Category, &rec.Difficulty,
			&rec.WPM, &rec.Accuracy, &rec.DurationSeconds, &rec.Points, &rec.Timestamp)
		return rec, err
	})
}
