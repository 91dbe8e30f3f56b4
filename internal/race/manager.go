package race

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velotype/velotype/internal/domain"
	"github.com/velotype/velotype/internal/errors"
	"github.com/velotype/velotype/internal/event"
)

const (
	defaultCountdown  = 3 * time.Second
	defaultDuration   = 60
	defaultMaxPlayers = 4
)

type ManagerConfig struct {
	EventBus *event.Bus
	// Countdown overrides the pre-roll between the start signal and the
	// racing state. Zero means the default.
	Countdown time.Duration
}

// Manager is the registry of active race rooms, safe for concurrent
// create/join/remove from different connections. Rooms are exclusively
// owned by the registry and evicted once empty.
type Manager struct {
	bus       *event.Bus
	countdown time.Duration

	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewManager(c ManagerConfig) *Manager {
	countdown := c.Countdown
	if countdown == 0 {
		countdown = defaultCountdown
	}

	return &Manager{
		bus:       c.EventBus,
		countdown: countdown,
		rooms:     make(map[string]*Room),
	}
}

// CreateRoom registers a fresh waiting room with the host as its first
// player.
func (m *Manager) CreateRoom(host Player, name string, cfg domain.RaceConfig) (*Room, error) {
	if host.ID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("host id is required"))
	}
	if cfg.Passage == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("passage is required"))
	}
	if cfg.DurationSeconds < 0 || cfg.MaxPlayers < 0 {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("negative duration or capacity"))
	}
	if cfg.DurationSeconds == 0 {
		cfg.DurationSeconds = defaultDuration
	}
	if cfg.MaxPlayers == 0 {
		cfg.MaxPlayers = defaultMaxPlayers
	}

	r := newRoom(uuid.NewString(), name, host.ID, cfg, m.countdown, m.bus)
	if err := r.AddPlayer(host); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.rooms[r.ID] = r
	m.mu.Unlock()

	slog.Info("race: room created", "room", r.ID, "host", host.ID)
	return r, nil
}

// JoinRoom adds a player to an existing waiting room.
func (m *Manager) JoinRoom(roomID string, p Player) (*Room, error) {
	r, err := m.GetRoom(roomID)
	if err != nil {
		return nil, err
	}

	if err := r.AddPlayer(p); err != nil {
		return nil, err
	}

	return r, nil
}

func (m *Manager) GetRoom(roomID string) (*Room, error) {
	m.mu.RLock()
	r, ok := m.rooms[roomID]
	m.mu.RUnlock()

	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("room %s not found", roomID))
	}

	return r, nil
}

// RemovePlayer delegates to the room and evicts the room from the registry
// once it is empty.
func (m *Manager) RemovePlayer(roomID, playerID string) {
	r, err := m.GetRoom(roomID)
	if err != nil {
		return
	}

	if r.removePlayer(playerID) {
		m.evict(roomID)
	}
}

func (m *Manager) evict(roomID string) {
	m.mu.Lock()
	delete(m.rooms, roomID)
	m.mu.Unlock()

	slog.Info("race: room removed", "room", roomID)
}

// RoomInfo is the public listing view of a joinable room.
type RoomInfo struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	HostID     string            `json:"hostId"`
	Status     domain.RoomStatus `json:"status"`
	Players    int               `json:"players"`
	MaxPlayers int               `json:"maxPlayers"`
}

// WaitingRooms lists rooms still accepting players.
func (m *Manager) WaitingRooms() []RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]RoomInfo, 0, len(m.rooms))
	for _, r := range m.rooms {
		r.mu.Lock()
		if r.status == domain.RoomWaiting {
			infos = append(infos, RoomInfo{
				ID:         r.ID,
				Name:       r.Name,
				HostID:     r.hostID,
				Status:     r.status,
				Players:    len(r.players),
				MaxPlayers: r.Config.MaxPlayers,
			})
		}
		r.mu.Unlock()
	}
	return infos
}

// Sweep evicts rooms that are done or abandoned: finished rooms, empty
// rooms, and waiting rooms older than maxAge that never started.
func (m *Manager) Sweep(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	now := time.Now()
	for id, r := range m.rooms {
		r.mu.Lock()
		stale := len(r.players) == 0 ||
			r.status == domain.RoomFinished ||
			(r.status == domain.RoomWaiting && now.Sub(r.createdAt) > maxAge)
		r.mu.Unlock()

		if stale {
			delete(m.rooms, id)
			evicted++
		}
	}

	if evicted > 0 {
		slog.Info("race: swept stale rooms", "count", evicted)
	}
	return evicted
}
