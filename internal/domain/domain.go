package domain

import (
	"time"
)

// RoomStatus is the lifecycle state of a race room.
type RoomStatus string

const (
	RoomWaiting   RoomStatus = "waiting"
	RoomCountdown RoomStatus = "countdown"
	RoomRacing    RoomStatus = "racing"
	RoomFinished  RoomStatus = "finished"
)

// TournamentStatus only moves forward: waiting -> active -> completed.
type TournamentStatus string

const (
	TournamentWaiting   TournamentStatus = "waiting"
	TournamentActive    TournamentStatus = "active"
	TournamentCompleted TournamentStatus = "completed"
)

// RaceConfig describes one multiplayer race.
type RaceConfig struct {
	Passage         string `json:"passage"`
	DurationSeconds int    `json:"durationSeconds"`
	MaxPlayers      int    `json:"maxPlayers"`
}

// ProgressSample is one live progress report from a racing player.
type ProgressSample struct {
	Percent  float64 `json:"percent"`
	WPM      float64 `json:"wpm"`
	Accuracy float64 `json:"accuracy"`
}

// Standing is one row of a finished race's final standings.
type Standing struct {
	PlayerID   string  `json:"playerId"`
	Name       string  `json:"name"`
	Percent    float64 `json:"percent"`
	WPM        float64 `json:"wpm"`
	Accuracy   float64 `json:"accuracy"`
	Finished   bool    `json:"finished"`
	FinishRank int     `json:"finishRank,omitempty"`
}

// TournamentConfig describes a tournament's rules.
type TournamentConfig struct {
	DurationSeconds int    `json:"durationSeconds"`
	Difficulty      string `json:"difficulty"`
	MaxPlayers      int    `json:"maxPlayers"`
}

// TournamentResult is one participant's submitted score.
type TournamentResult struct {
	UserID      string    `json:"userId"`
	WPM         float64   `json:"wpm"`
	Accuracy    float64   `json:"accuracy"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Tournament is the stored tournament document. Participants is append-only
// and never contains duplicates; the creator is always its first entry.
// Results are kept in submission order so ties stay stable.
type Tournament struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	CreatedBy      string             `json:"createdBy"`
	Config         TournamentConfig   `json:"config"`
	Status         TournamentStatus   `json:"status"`
	Participants   []string           `json:"participants"`
	Results        []TournamentResult `json:"results"`
	CreatedAt      time.Time          `json:"createdAt"`
	StartedAt      time.Time          `json:"startedAt,omitempty"`
	CompletedAt    time.Time          `json:"completedAt,omitempty"`
	FinalStandings []TournamentResult `json:"finalStandings,omitempty"`
}

// Result returns the submitted result for userID, if any.
func (t *Tournament) Result(userID string) (TournamentResult, bool) {
	for _, r := range t.Results {
		if r.UserID == userID {
			return r, true
		}
	}
	return TournamentResult{}, false
}

// HasParticipant reports whether userID has joined the tournament.
func (t *Tournament) HasParticipant(userID string) bool {
	for _, p := range t.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// MatchRecord is an immutable record of one completed typing session. It is
// the sole source of truth for time-windowed leaderboards.
type MatchRecord struct {
	UserID          string
	Mode            string // "single", "race" or "tournament"
	Category        string
	Difficulty      string
	WPM             float64
	Accuracy        float64
	DurationSeconds int
	Points          int
	Timestamp       time.Time
}

// UserStats is the cumulative per-user summary, maintained by a
// running-average update per match rather than recomputed from the log.
type UserStats struct {
	TotalMatches   int
	AvgWPM         float64
	AvgAccuracy    float64
	BestWPM        float64
	TotalTimeTyped int
	TotalPoints    int
}

// LeaderboardEntry is one ranked row of a leaderboard.
type LeaderboardEntry struct {
	Rank         int     `json:"rank"`
	UserID       string  `json:"userId"`
	DisplayName  string  `json:"displayName"`
	TotalPoints  int     `json:"totalPoints"`
	AvgWPM       float64 `json:"avgWPM"`
	BestWPM      float64 `json:"bestWPM"`
	AvgAccuracy  float64 `json:"avgAccuracy"`
	TotalMatches int     `json:"totalMatches"`
}

// Period selects the time window of a leaderboard query.
type Period string

const (
	PeriodAllTime Period = "allTime"
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)
