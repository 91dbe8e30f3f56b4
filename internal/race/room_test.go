package race_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velotype/velotype/internal/domain"
	"github.com/velotype/velotype/internal/errors"
	"github.com/velotype/velotype/internal/race"
)

// fakeSender records broadcast frames; Send never blocks, matching the
// Sender contract.
type fakeSender struct {
	mu   sync.Mutex
	msgs []race.Message
}

func (s *fakeSender) Send(msg race.Message) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
}

func (s *fakeSender) byType(t string) []race.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []race.Message
	for _, m := range s.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func makeManager() *race.Manager {
	return race.NewManager(race.ManagerConfig{Countdown: time.Millisecond})
}

func defaultConfig() domain.RaceConfig {
	return domain.RaceConfig{Passage: "the quick brown fox", DurationSeconds: 60, MaxPlayers: 4}
}

func player(id string) race.Player {
	return race.Player{ID: id, Name: id, Sender: &fakeSender{}}
}

func startRacing(t *testing.T, r *race.Room, hostID string) {
	t.Helper()

	require.NoError(t, r.Start(hostID))
	require.Eventually(t, func() bool {
		return r.Status() == domain.RoomRacing
	}, time.Second, time.Millisecond, "room should reach racing after the countdown")
}

func TestRoom_AddPlayer(t *testing.T) {
	t.Run("roster size equals distinct player ids", func(t *testing.T) {
		m := makeManager()
		r, err := m.CreateRoom(player("host"), "r1", defaultConfig())
		require.NoError(t, err)

		require.NoError(t, r.AddPlayer(player("p2")))
		require.NoError(t, r.AddPlayer(player("p3")))

		assert.Len(t, r.Roster(), 3)
	})

	t.Run("re-adding a player id replaces the handle, not the entry", func(t *testing.T) {
		m := makeManager()
		r, err := m.CreateRoom(player("host"), "r1", defaultConfig())
		require.NoError(t, err)

		require.NoError(t, r.AddPlayer(player("p2")))
		require.NoError(t, r.AddPlayer(player("p2")))

		assert.Len(t, r.Roster(), 2)
	})

	t.Run("full room rejects a new player", func(t *testing.T) {
		m := makeManager()
		cfg := defaultConfig()
		cfg.MaxPlayers = 2

		r, err := m.CreateRoom(player("host"), "r1", cfg)
		require.NoError(t, err)
		require.NoError(t, r.AddPlayer(player("p2")))

		err = r.AddPlayer(player("p3"))
		assert.True(t, errors.IsCode(err, errors.CodeResourceExhausted))
		assert.Len(t, r.Roster(), 2)
	})

	t.Run("roster updates are broadcast to everyone", func(t *testing.T) {
		m := makeManager()
		host := player("host")
		r, err := m.CreateRoom(host, "r1", defaultConfig())
		require.NoError(t, err)

		require.NoError(t, r.AddPlayer(player("p2")))

		got := host.Sender.(*fakeSender).byType(race.MessageRosterUpdate)
		require.NotEmpty(t, got)
	})
}

func TestRoom_Start(t *testing.T) {
	t.Run("non-host cannot start and status stays waiting", func(t *testing.T) {
		m := makeManager()
		r, err := m.CreateRoom(player("host"), "r1", defaultConfig())
		require.NoError(t, err)
		require.NoError(t, r.AddPlayer(player("p2")))

		err = r.Start("p2")
		assert.True(t, errors.IsCode(err, errors.CodePermissionDenied))
		assert.Equal(t, domain.RoomWaiting, r.Status())
	})

	t.Run("start broadcasts one shared start timestamp", func(t *testing.T) {
		m := makeManager()
		host := player("host")
		p2 := player("p2")
		r, err := m.CreateRoom(host, "r1", defaultConfig())
		require.NoError(t, err)
		require.NoError(t, r.AddPlayer(p2))

		startRacing(t, r, "host")

		hostSignals := host.Sender.(*fakeSender).byType(race.MessageStartSignal)
		p2Signals := p2.Sender.(*fakeSender).byType(race.MessageStartSignal)
		require.Len(t, hostSignals, 1)
		require.Len(t, p2Signals, 1)
		assert.Equal(t, hostSignals[0].Payload, p2Signals[0].Payload)
	})

	t.Run("a started room cannot start twice", func(t *testing.T) {
		m := makeManager()
		r, err := m.CreateRoom(player("host"), "r1", defaultConfig())
		require.NoError(t, err)

		startRacing(t, r, "host")

		err = r.Start("host")
		assert.True(t, errors.IsCode(err, errors.CodeFailedPrecondition))
	})

	t.Run("joining after start is rejected", func(t *testing.T) {
		m := makeManager()
		r, err := m.CreateRoom(player("host"), "r1", defaultConfig())
		require.NoError(t, err)

		startRacing(t, r, "host")

		err = r.AddPlayer(player("late"))
		assert.True(t, errors.IsCode(err, errors.CodeFailedPrecondition))
	})
}

func TestRoom_UpdateProgress(t *testing.T) {
	t.Run("rejected while waiting", func(t *testing.T) {
		m := makeManager()
		r, err := m.CreateRoom(player("host"), "r1", defaultConfig())
		require.NoError(t, err)

		err = r.UpdateProgress("host", domain.ProgressSample{Percent: 10})
		assert.True(t, errors.IsCode(err, errors.CodeFailedPrecondition))
	})

	t.Run("samples are rebroadcast to opponents only", func(t *testing.T) {
		m := makeManager()
		host := player("host")
		p2 := player("p2")
		r, err := m.CreateRoom(host, "r1", defaultConfig())
		require.NoError(t, err)
		require.NoError(t, r.AddPlayer(p2))

		startRacing(t, r, "host")

		require.NoError(t, r.UpdateProgress("host", domain.ProgressSample{Percent: 42, WPM: 70, Accuracy: 98}))

		assert.Empty(t, host.Sender.(*fakeSender).byType(race.MessageProgressBroadcast))
		got := p2.Sender.(*fakeSender).byType(race.MessageProgressBroadcast)
		require.Len(t, got, 1)
		assert.Equal(t, race.ProgressBroadcast{PlayerID: "host", Percent: 42, WPM: 70, Accuracy: 98}, got[0].Payload)
	})

	t.Run("room finishes when all players reach 100", func(t *testing.T) {
		m := makeManager()
		host := player("host")
		p2 := player("p2")
		r, err := m.CreateRoom(host, "r1", defaultConfig())
		require.NoError(t, err)
		require.NoError(t, r.AddPlayer(p2))

		startRacing(t, r, "host")

		require.NoError(t, r.UpdateProgress("p2", domain.ProgressSample{Percent: 100, WPM: 80, Accuracy: 99}))
		assert.Equal(t, domain.RoomRacing, r.Status())

		require.NoError(t, r.UpdateProgress("host", domain.ProgressSample{Percent: 100, WPM: 65, Accuracy: 97}))
		assert.Equal(t, domain.RoomFinished, r.Status())

		standings := r.Standings()
		require.Len(t, standings, 2)
		// Finish ranks follow arrival order, not score: p2 typed out
		// first despite host's higher showing being irrelevant here.
		assert.Equal(t, "p2", standings[0].PlayerID)
		assert.Equal(t, 1, standings[0].FinishRank)
		assert.Equal(t, "host", standings[1].PlayerID)
		assert.Equal(t, 2, standings[1].FinishRank)

		require.Len(t, host.Sender.(*fakeSender).byType(race.MessageMatchFinished), 1)
	})

	t.Run("unfinished players rank below finishers, by percent", func(t *testing.T) {
		m := makeManager()
		cfg := defaultConfig()
		cfg.DurationSeconds = 1

		host := player("host")
		p2 := player("p2")
		p3 := player("p3")
		r, err := m.CreateRoom(host, "r1", cfg)
		require.NoError(t, err)
		require.NoError(t, r.AddPlayer(p2))
		require.NoError(t, r.AddPlayer(p3))

		startRacing(t, r, "host")

		require.NoError(t, r.UpdateProgress("p3", domain.ProgressSample{Percent: 100, WPM: 90, Accuracy: 99}))
		require.NoError(t, r.UpdateProgress("host", domain.ProgressSample{Percent: 40, WPM: 50, Accuracy: 95}))
		require.NoError(t, r.UpdateProgress("p2", domain.ProgressSample{Percent: 70, WPM: 60, Accuracy: 96}))

		require.Eventually(t, func() bool {
			return r.Status() == domain.RoomFinished
		}, 3*time.Second, 10*time.Millisecond, "duration elapsing should end the race")

		standings := r.Standings()
		require.Len(t, standings, 3)
		assert.Equal(t, []string{"p3", "p2", "host"},
			[]string{standings[0].PlayerID, standings[1].PlayerID, standings[2].PlayerID})
		assert.True(t, standings[0].Finished)
		assert.False(t, standings[1].Finished)
	})

	t.Run("concurrent finishers get distinct ranks and one finish broadcast", func(t *testing.T) {
		m := makeManager()
		cfg := defaultConfig()
		cfg.MaxPlayers = 8

		host := player("host")
		r, err := m.CreateRoom(host, "r1", cfg)
		require.NoError(t, err)

		players := []race.Player{host}
		for _, id := range []string{"p2", "p3", "p4", "p5"} {
			p := player(id)
			players = append(players, p)
			require.NoError(t, r.AddPlayer(p))
		}

		startRacing(t, r, "host")

		var wg sync.WaitGroup
		for _, p := range players {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_ = r.UpdateProgress(id, domain.ProgressSample{Percent: 100, WPM: 60, Accuracy: 95})
			}(p.ID)
		}
		wg.Wait()

		require.Equal(t, domain.RoomFinished, r.Status())

		standings := r.Standings()
		require.Len(t, standings, len(players))
		seen := make(map[int]bool)
		for _, s := range standings {
			require.True(t, s.Finished)
			require.GreaterOrEqual(t, s.FinishRank, 1)
			require.LessOrEqual(t, s.FinishRank, len(players))
			require.False(t, seen[s.FinishRank], "finish rank %d assigned twice", s.FinishRank)
			seen[s.FinishRank] = true
		}

		finished := 0
		for _, p := range players {
			finished += len(p.Sender.(*fakeSender).byType(race.MessageMatchFinished))
		}
		assert.Equal(t, len(players), finished, "each player should see exactly one finish broadcast")
	})
}

func TestRoom_RemovePlayer(t *testing.T) {
	t.Run("host leaving before start hands the room to the next joiner", func(t *testing.T) {
		m := makeManager()
		r, err := m.CreateRoom(player("host"), "r1", defaultConfig())
		require.NoError(t, err)
		require.NoError(t, r.AddPlayer(player("p2")))
		require.NoError(t, r.AddPlayer(player("p3")))

		m.RemovePlayer(r.ID, "host")

		assert.Equal(t, "p2", r.HostID())
		assert.Len(t, r.Roster(), 2)
	})

	t.Run("empty room is evicted from the registry", func(t *testing.T) {
		m := makeManager()
		r, err := m.CreateRoom(player("host"), "r1", defaultConfig())
		require.NoError(t, err)

		m.RemovePlayer(r.ID, "host")

		_, err = m.GetRoom(r.ID)
		assert.True(t, errors.IsCode(err, errors.CodeNotFound))
	})

	t.Run("a racer leaving lets the rest finish the room", func(t *testing.T) {
		m := makeManager()
		host := player("host")
		r, err := m.CreateRoom(host, "r1", defaultConfig())
		require.NoError(t, err)
		require.NoError(t, r.AddPlayer(player("p2")))

		startRacing(t, r, "host")

		require.NoError(t, r.UpdateProgress("host", domain.ProgressSample{Percent: 100, WPM: 70, Accuracy: 98}))
		m.RemovePlayer(r.ID, "p2")

		assert.Equal(t, domain.RoomFinished, r.Status())
	})
}
