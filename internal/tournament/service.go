// Package tournament orchestrates longer-lived competitive sessions over
// the document store: registration, a single authorized start, concurrent
// score submission, and auto-detected completion.
package tournament

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/velotype/velotype/internal/domain"
	"github.com/velotype/velotype/internal/errors"
	"github.com/velotype/velotype/internal/event"
)

// maxCASAttempts bounds the optimistic-concurrency retry loop. Every lost
// attempt means some other writer committed, so a full field of concurrent
// submitters still settles within the bound; a mutation losing this many
// rounds surfaces as a store conflict instead.
const maxCASAttempts = 10

var knownDifficulties = map[string]bool{
	"beginner": true,
	"easy":     true,
	"medium":   true,
	"hard":     true,
}

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
}

type Service struct {
	eb     *event.Bus
	redis  redis.UniversalClient
	prefix string
}

func NewService(c Config) *Service {
	return &Service{
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.Prefix,
	}
}

type CreateRequest struct {
	Name      string
	CreatedBy string
	Config    domain.TournamentConfig
}

// Create persists a new waiting tournament with the creator as its first
// participant.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Tournament, error) {
	if req.Name == "" || req.CreatedBy == "" {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("tournament name and creator are required"))
	}
	if req.Config.DurationSeconds <= 0 {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("duration must be positive"))
	}
	if !knownDifficulties[req.Config.Difficulty] {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown difficulty %q", req.Config.Difficulty))
	}
	if req.Config.MaxPlayers < 0 {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("negative max players"))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate tournament ID: %w", err)
	}

	t := &domain.Tournament{
		ID:           id.String(),
		Name:         req.Name,
		CreatedBy:    req.CreatedBy,
		Config:       req.Config,
		Status:       domain.TournamentWaiting,
		Participants: []string{req.CreatedBy},
		Results:      []domain.TournamentResult{},
		CreatedAt:    time.Now().UTC(),
	}

	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal tournament: %w", err)
	}

	if _, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(t.ID), b, 0)
		pipe.SAdd(ctx, s.indexKey(), t.ID)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("store tournament: %w", err)
	}

	return t, nil
}

// Get returns the tournament document by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Tournament, error) {
	b, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("tournament %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("get tournament: %w", err)
	}

	var t domain.Tournament
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("unmarshal tournament: %w", err)
	}

	return &t, nil
}

// List returns tournaments newest first, optionally filtered by status.
// This is a best-effort read path: store failures yield an empty list.
func (s *Service) List(ctx context.Context, status domain.TournamentStatus) []domain.Tournament {
	ids, err := s.redis.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		slog.ErrorContext(ctx, "tournament: list index failed", "error", err)
		return []domain.Tournament{}
	}

	out := make([]domain.Tournament, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if err != nil {
			slog.ErrorContext(ctx, "tournament: list read failed", "tournament", id, "error", err)
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, *t)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Join appends a user to a waiting tournament's participants. Joining is
// append-only: there is no leave operation.
func (s *Service) Join(ctx context.Context, id, userID string) (*domain.Tournament, error) {
	if userID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("user id is required"))
	}

	return s.update(ctx, id, func(t *domain.Tournament) error {
		if t.Status != domain.TournamentWaiting {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("tournament %s is %s, registration closed", id, t.Status))
		}
		if t.HasParticipant(userID) {
			return errors.New(errors.CodeAlreadyExists,
				errors.WithMessagef("user %s already joined tournament %s", userID, id))
		}
		if t.Config.MaxPlayers > 0 && len(t.Participants) >= t.Config.MaxPlayers {
			return errors.New(errors.CodeResourceExhausted,
				errors.WithMessagef("tournament %s is full", id))
		}

		t.Participants = append(t.Participants, userID)
		return nil
	})
}

// Start moves a waiting tournament to active. Only the creator may start,
// and only with at least two participants registered.
func (s *Service) Start(ctx context.Context, id, requesterID string) (*domain.Tournament, error) {
	return s.update(ctx, id, func(t *domain.Tournament) error {
		if requesterID != t.CreatedBy {
			return errors.New(errors.CodePermissionDenied,
				errors.WithMessagef("only the creator can start tournament %s", id))
		}
		if t.Status != domain.TournamentWaiting {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("tournament %s already started or completed", id))
		}
		if len(t.Participants) < 2 {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("tournament %s needs at least 2 participants", id))
		}

		t.Status = domain.TournamentActive
		t.StartedAt = time.Now().UTC()
		return nil
	})
}

type SubmitScoreRequest struct {
	TournamentID string
	UserID       string
	WPM          float64
	Accuracy     float64
}

// SubmitScore upserts the caller's result and, if every participant now has
// one, completes the tournament in the same conditional write. The
// read-modify-write runs as one optimistic transaction so concurrent
// submitters can neither drop a result nor complete the tournament twice.
func (s *Service) SubmitScore(ctx context.Context, req SubmitScoreRequest) (*domain.Tournament, error) {
	if req.UserID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("user id is required"))
	}
	if req.WPM < 0 || req.Accuracy < 0 || req.Accuracy > 100 {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("wpm and accuracy out of range"))
	}

	completed := false
	t, err := s.update(ctx, req.TournamentID, func(t *domain.Tournament) error {
		completed = false

		if t.Status != domain.TournamentActive {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("tournament %s is %s, not accepting scores", req.TournamentID, t.Status))
		}
		if !t.HasParticipant(req.UserID) {
			return errors.New(errors.CodePermissionDenied,
				errors.WithMessagef("user %s is not a participant of tournament %s", req.UserID, req.TournamentID))
		}

		result := domain.TournamentResult{
			UserID:      req.UserID,
			WPM:         req.WPM,
			Accuracy:    req.Accuracy,
			SubmittedAt: time.Now().UTC(),
		}

		replaced := false
		for i, r := range t.Results {
			if r.UserID == req.UserID {
				t.Results[i] = result
				replaced = true
				break
			}
		}
		if !replaced {
			t.Results = append(t.Results, result)
		}

		if len(t.Results) == len(t.Participants) {
			t.Status = domain.TournamentCompleted
			t.CompletedAt = time.Now().UTC()
			t.FinalStandings = finalStandings(t.Results)
			completed = true
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if completed && s.eb != nil {
		s.eb.Publish(ctx, domain.EventTournamentCompleted{Tournament: *t})
		slog.InfoContext(ctx, "tournament: completed", "tournament", t.ID, "participants", len(t.Participants))
	}

	return t, nil
}

// finalStandings freezes a copy of results ordered by wpm descending,
// stable by submission order for ties.
func finalStandings(results []domain.TournamentResult) []domain.TournamentResult {
	standings := make([]domain.TournamentResult, len(results))
	copy(standings, results)
	sort.SliceStable(standings, func(i, j int) bool {
		return standings[i].WPM > standings[j].WPM
	})
	return standings
}

// Delete removes the tournament record. Creator-only, mirroring Start.
func (s *Service) Delete(ctx context.Context, id, requesterID string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if requesterID != t.CreatedBy {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("only the creator can delete tournament %s", id))
	}

	if _, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(id))
		pipe.SRem(ctx, s.indexKey(), id)
		return nil
	}); err != nil {
		return fmt.Errorf("delete tournament: %w", err)
	}

	return nil
}

// update runs one mutation as a compare-and-swap against the stored
// document: read under WATCH, mutate, write inside MULTI/EXEC. A concurrent
// write aborts the transaction and the mutation is retried from a fresh
// read, a bounded number of times.
func (s *Service) update(ctx context.Context, id string, mutate func(t *domain.Tournament) error) (*domain.Tournament, error) {
	key := s.key(id)

	var t domain.Tournament
	txn := func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if stderrors.Is(err, redis.Nil) {
			return errors.New(errors.CodeNotFound,
				errors.WithMessagef("tournament %s not found", id))
		}
		if err != nil {
			return fmt.Errorf("read tournament: %w", err)
		}

		t = domain.Tournament{}
		if err := json.Unmarshal(b, &t); err != nil {
			return fmt.Errorf("unmarshal tournament: %w", err)
		}

		if err := mutate(&t); err != nil {
			return err
		}

		out, err := json.Marshal(&t)
		if err != nil {
			return fmt.Errorf("marshal tournament: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := s.redis.Watch(ctx, txn, key)
		if err == nil {
			return &t, nil
		}
		if stderrors.Is(err, redis.TxFailedErr) {
			slog.WarnContext(ctx, "tournament: conditional update lost, retrying",
				"tournament", id, "attempt", attempt+1)
			continue
		}
		return nil, err
	}

	return nil, errors.New(errors.CodeAborted,
		errors.WithMessagef("tournament %s: too many concurrent updates", id))
}

func (s *Service) key(id string) string {
	return fmt.Sprintf("%s:tournament:%s", s.prefix, id)
}

func (s *Service) indexKey() string {
	return fmt.Sprintf("%s:tournaments", s.prefix)
}
