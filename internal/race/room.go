// Package race owns live multiplayer races: each Room is the single owner
// of its roster and progress state, and the Manager is the registry routing
// client messages to rooms.
package race

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/velotype/velotype/internal/domain"
	"github.com/velotype/velotype/internal/errors"
	"github.com/velotype/velotype/internal/event"
)

const (
	MessageRosterUpdate      = "ROSTER_UPDATE"
	MessageStartSignal       = "START_SIGNAL"
	MessageProgressBroadcast = "PROGRESS_BROADCAST"
	MessageMatchFinished     = "MATCH_FINISHED"
	MessageError             = "ERROR"
)

// Message is one outbound frame pushed to a connected client.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Sender delivers outbound frames to one connected client. Send must not
// block: rooms broadcast while holding their own lock, so a slow client has
// to be dropped or buffered by the Sender, never waited on.
type Sender interface {
	Send(msg Message)
}

// Player identifies one connected participant. The Sender is a non-owning
// handle: replacing or losing it removes the player, never the room.
type Player struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Sender Sender `json:"-"`
}

type playerState struct {
	Player

	sample     domain.ProgressSample
	hasSample  bool
	finished   bool
	finishRank int
}

// RosterEntry is the public view of one roster member.
type RosterEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// StartSignal carries the shared start timestamp so every client begins
// timing identically.
type StartSignal struct {
	StartAt int64  `json:"startAt"` // unix millis
	Passage string `json:"passage"`
}

// ProgressBroadcast is one opponent's live position.
type ProgressBroadcast struct {
	PlayerID string  `json:"playerId"`
	Percent  float64 `json:"percent"`
	WPM      float64 `json:"wpm"`
	Accuracy float64 `json:"accuracy"`
}

// Room is one multiplayer race. All state behind mu; the mutex is the
// room's serialization point for completion checks and rank assignment.
type Room struct {
	ID     string
	Name   string
	Config domain.RaceConfig

	countdown time.Duration
	bus       *event.Bus

	mu         sync.Mutex
	hostID     string
	status     domain.RoomStatus
	players    map[string]*playerState
	joinOrder  []string
	nextRank   int
	createdAt  time.Time
	finishedAt time.Time
}

func newRoom(id, name, hostID string, cfg domain.RaceConfig, countdown time.Duration, bus *event.Bus) *Room {
	return &Room{
		ID:        id,
		Name:      name,
		Config:    cfg,
		countdown: countdown,
		bus:       bus,
		hostID:    hostID,
		status:    domain.RoomWaiting,
		players:   make(map[string]*playerState),
		nextRank:  1,
		createdAt: time.Now(),
	}
}

// Status returns the room's current lifecycle state.
func (r *Room) Status() domain.RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// HostID returns the current host, which can change if the original host
// leaves before the race starts.
func (r *Room) HostID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostID
}

// Roster returns the roster in join order.
func (r *Room) Roster() []RosterEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterLocked()
}

func (r *Room) rosterLocked() []RosterEntry {
	roster := make([]RosterEntry, 0, len(r.joinOrder))
	for _, id := range r.joinOrder {
		p := r.players[id]
		roster = append(roster, RosterEntry{ID: p.ID, Name: p.Name})
	}
	return roster
}

// AddPlayer adds a player to a waiting room and broadcasts the updated
// roster. Re-adding a known player id only replaces its channel handle.
func (r *Room) AddPlayer(p Player) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.players[p.ID]; ok {
		existing.Name = p.Name
		existing.Sender = p.Sender
		r.broadcastLocked(Message{Type: MessageRosterUpdate, Payload: r.rosterLocked()}, "")
		return nil
	}

	if r.status != domain.RoomWaiting {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("room %s is %s, not accepting players", r.ID, r.status))
	}

	if len(r.players) >= r.Config.MaxPlayers {
		return errors.New(errors.CodeResourceExhausted,
			errors.WithMessagef("room %s is full", r.ID))
	}

	r.players[p.ID] = &playerState{Player: p}
	r.joinOrder = append(r.joinOrder, p.ID)
	r.broadcastLocked(Message{Type: MessageRosterUpdate, Payload: r.rosterLocked()}, "")
	return nil
}

// Start begins the race: only the host may trigger it, only from waiting,
// and only with at least one player on the roster. All clients receive the
// same start timestamp; progress is accepted once the countdown elapses.
func (r *Room) Start(playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if playerID != r.hostID {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("only the host can start room %s", r.ID))
	}

	if r.status != domain.RoomWaiting {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("room %s already started", r.ID))
	}

	if len(r.players) < 1 {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("room %s has no players", r.ID))
	}

	r.status = domain.RoomCountdown
	startAt := time.Now().Add(r.countdown)
	r.broadcastLocked(Message{Type: MessageStartSignal, Payload: StartSignal{
		StartAt: startAt.UnixMilli(),
		Passage: r.Config.Passage,
	}}, "")

	time.AfterFunc(r.countdown, r.beginRacing)
	return nil
}

func (r *Room) beginRacing() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != domain.RoomCountdown {
		return
	}

	r.status = domain.RoomRacing
	time.AfterFunc(time.Duration(r.Config.DurationSeconds)*time.Second, r.timeUp)
}

func (r *Room) timeUp() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == domain.RoomRacing {
		r.finishLocked()
	}
}

// UpdateProgress stores a player's latest sample and rebroadcasts it to the
// other players. A sample reaching 100% marks the player finished and hands
// out the next finish rank in arrival order; when every player is finished
// the room ends and emits final standings.
func (r *Room) UpdateProgress(playerID string, sample domain.ProgressSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != domain.RoomRacing {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("room %s is %s, not racing", r.ID, r.status))
	}

	p, ok := r.players[playerID]
	if !ok {
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("player %s is not in room %s", playerID, r.ID))
	}

	p.sample = sample
	p.hasSample = true

	r.broadcastLocked(Message{Type: MessageProgressBroadcast, Payload: ProgressBroadcast{
		PlayerID: playerID,
		Percent:  sample.Percent,
		WPM:      sample.WPM,
		Accuracy: sample.Accuracy,
	}}, playerID)

	if sample.Percent >= 100 && !p.finished {
		p.finished = true
		p.finishRank = r.nextRank
		r.nextRank++
	}

	if r.allFinishedLocked() {
		r.finishLocked()
	}

	return nil
}

func (r *Room) allFinishedLocked() bool {
	for _, p := range r.players {
		if !p.finished {
			return false
		}
	}
	return len(r.players) > 0
}

// finishLocked transitions to finished and emits final standings: finishers
// by rank first, then unfinished players by percent descending. Only
// players that ever reported progress appear.
func (r *Room) finishLocked() {
	r.status = domain.RoomFinished
	r.finishedAt = time.Now()

	standings := r.standingsLocked()
	r.broadcastLocked(Message{Type: MessageMatchFinished, Payload: standings}, "")

	if r.bus != nil {
		r.bus.Publish(context.Background(), domain.EventRaceFinished{
			RoomID:    r.ID,
			Passage:   r.Config.Passage,
			Duration:  r.Config.DurationSeconds,
			Standings: standings,
		})
	}

	slog.Info("race: room finished", "room", r.ID, "players", len(standings))
}

func (r *Room) standingsLocked() []domain.Standing {
	standings := make([]domain.Standing, 0, len(r.players))
	for _, id := range r.joinOrder {
		p := r.players[id]
		if !p.hasSample {
			continue
		}
		standings = append(standings, domain.Standing{
			PlayerID:   p.ID,
			Name:       p.Name,
			Percent:    p.sample.Percent,
			WPM:        p.sample.WPM,
			Accuracy:   p.sample.Accuracy,
			Finished:   p.finished,
			FinishRank: p.finishRank,
		})
	}

	sort.SliceStable(standings, func(i, j int) bool {
		a, b := standings[i], standings[j]
		if a.Finished != b.Finished {
			return a.Finished
		}
		if a.Finished {
			return a.FinishRank < b.FinishRank
		}
		return a.Percent > b.Percent
	})

	return standings
}

// Standings returns the final standings of a finished room.
func (r *Room) Standings() []domain.Standing {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.standingsLocked()
}

// removePlayer drops a roster entry and reports whether the room is now
// empty. If the host leaves before the race starts, the host role moves to
// the earliest-joined remaining player.
func (r *Room) removePlayer(playerID string) (empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.players[playerID]; !ok {
		return len(r.players) == 0
	}

	delete(r.players, playerID)
	for i, id := range r.joinOrder {
		if id == playerID {
			r.joinOrder = append(r.joinOrder[:i], r.joinOrder[i+1:]...)
			break
		}
	}

	if len(r.players) == 0 {
		return true
	}

	if playerID == r.hostID && r.status == domain.RoomWaiting {
		r.hostID = r.joinOrder[0]
	}

	r.broadcastLocked(Message{Type: MessageRosterUpdate, Payload: r.rosterLocked()}, "")

	if r.status == domain.RoomRacing && r.allFinishedLocked() {
		r.finishLocked()
	}

	return false
}

// broadcastLocked fans a frame out to every player except the one named by
// exclude. Callers hold r.mu; Sender.Send is non-blocking by contract.
func (r *Room) broadcastLocked(msg Message, exclude string) {
	for id, p := range r.players {
		if id == exclude || p.Sender == nil {
			continue
		}
		p.Sender.Send(msg)
	}
}
