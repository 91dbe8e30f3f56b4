package ws_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velotype/velotype/internal/domain"
	"github.com/velotype/velotype/internal/errors"
	"github.com/velotype/velotype/internal/race"
	"github.com/velotype/velotype/internal/ws"
)

func TestDecodeEvent(t *testing.T) {
	tests := map[string]struct {
		raw      string
		wantKind string
		want     any
		wantErr  bool
	}{
		"create room": {
			raw:      `{"type":"CREATE_ROOM","payload":{"hostId":"u1","name":"sprint","config":{"passage":"abc","durationSeconds":60,"maxPlayers":4}}}`,
			wantKind: "CREATE_ROOM",
			want: &ws.CreateRoomPayload{
				HostID: "u1",
				Name:   "sprint",
				Config: ws.CreateRoomConfig{Passage: "abc", DurationSeconds: 60, MaxPlayers: 4},
			},
		},
		"join room": {
			raw:      `{"type":"JOIN_ROOM","payload":{"roomId":"r1","player":{"id":"u2","name":"bob"}}}`,
			wantKind: "JOIN_ROOM",
			want: &ws.JoinRoomPayload{
				RoomID: "r1",
				Player: ws.PlayerInfo{ID: "u2", Name: "bob"},
			},
		},
		"start game": {
			raw:      `{"type":"START_GAME","payload":{}}`,
			wantKind: "START_GAME",
			want:     struct{}{},
		},
		"update progress": {
			raw:      `{"type":"UPDATE_PROGRESS","payload":{"percent":42.5,"wpm":71,"accuracy":96}}`,
			wantKind: "UPDATE_PROGRESS",
			want:     &ws.UpdateProgressPayload{Percent: 42.5, WPM: 71, Accuracy: 96},
		},
		"unknown kind": {
			raw:      `{"type":"SELF_DESTRUCT","payload":{}}`,
			wantKind: "SELF_DESTRUCT",
			wantErr:  true,
		},
		"malformed json": {
			raw:     `{"type":`,
			wantErr: true,
		},
		"create room without host id": {
			raw:      `{"type":"CREATE_ROOM","payload":{"name":"sprint","config":{"passage":"abc"}}}`,
			wantKind: "CREATE_ROOM",
			wantErr:  true,
		},
		"join room without room id": {
			raw:      `{"type":"JOIN_ROOM","payload":{"player":{"id":"u2"}}}`,
			wantKind: "JOIN_ROOM",
			wantErr:  true,
		},
		"progress out of range": {
			raw:      `{"type":"UPDATE_PROGRESS","payload":{"percent":250}}`,
			wantKind: "UPDATE_PROGRESS",
			wantErr:  true,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			kind, payload, err := ws.DecodeEvent([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsCode(err, errors.CodeInvalidArgument),
					"boundary rejections are validation errors")
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.want, payload)
		})
	}
}

func newTestGateway(t *testing.T) (*race.Manager, *httptest.Server) {
	t.Helper()

	mgr := race.NewManager(race.ManagerConfig{Countdown: time.Millisecond})
	srv := httptest.NewServer(http.HandlerFunc(ws.NewGateway(ws.Config{Manager: mgr}).Handle))
	t.Cleanup(srv.Close)
	return mgr, srv
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// session is one dialed-in client with its received frames recorded.
type session struct {
	t    *testing.T
	conn *websocket.Conn

	mu     sync.Mutex
	frames []frame
}

func dialSession(t *testing.T, srv *httptest.Server) *session {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	s := &session{t: t, conn: conn}
	go func() {
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			s.mu.Lock()
			s.frames = append(s.frames, f)
			s.mu.Unlock()
		}
	}()
	return s
}

func (s *session) send(kind string, payload any) {
	s.t.Helper()
	require.NoError(s.t, s.conn.WriteJSON(map[string]any{"type": kind, "payload": payload}))
}

func (s *session) received(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, f := range s.frames {
		if f.Type == kind {
			n++
		}
	}
	return n
}

func createRoomPayload(hostID string, durationSeconds int) map[string]any {
	return map[string]any{
		"hostId": hostID,
		"name":   hostID,
		"config": map[string]any{
			"passage":         "the quick brown fox",
			"durationSeconds": durationSeconds,
			"maxPlayers":      4,
		},
	}
}

func waitingRoomID(t *testing.T, mgr *race.Manager) string {
	t.Helper()

	var id string
	require.Eventually(t, func() bool {
		rooms := mgr.WaitingRooms()
		if len(rooms) != 1 {
			return false
		}
		id = rooms[0].ID
		return true
	}, time.Second, 5*time.Millisecond, "the created room should appear in the registry")
	return id
}

func TestGateway_DisconnectLeavesTheRoom(t *testing.T) {
	mgr, srv := newTestGateway(t)

	a := dialSession(t, srv)
	a.send("CREATE_ROOM", createRoomPayload("alice", 60))
	roomID := waitingRoomID(t, mgr)

	b := dialSession(t, srv)
	b.send("JOIN_ROOM", map[string]any{"roomId": roomID, "player": map[string]any{"id": "bob", "name": "bob"}})

	room, err := mgr.GetRoom(roomID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(room.Roster()) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.conn.Close())

	require.Eventually(t, func() bool {
		return room.HostID() == "bob" && len(room.Roster()) == 1
	}, time.Second, 5*time.Millisecond, "disconnect should remove the player and hand off the host role")
}

func TestGateway_SwitchingRoomsLeavesThePreviousOne(t *testing.T) {
	mgr, srv := newTestGateway(t)

	a := dialSession(t, srv)
	a.send("CREATE_ROOM", createRoomPayload("alice", 1))
	firstID := waitingRoomID(t, mgr)
	first, err := mgr.GetRoom(firstID)
	require.NoError(t, err)

	b := dialSession(t, srv)
	b.send("JOIN_ROOM", map[string]any{"roomId": firstID, "player": map[string]any{"id": "bob", "name": "bob"}})
	require.Eventually(t, func() bool {
		return len(first.Roster()) == 2
	}, time.Second, 5*time.Millisecond)

	a.send("START_GAME", map[string]any{})
	require.Eventually(t, func() bool {
		return first.Status() == domain.RoomRacing
	}, time.Second, 5*time.Millisecond)

	b.send("UPDATE_PROGRESS", map[string]any{"percent": 50, "wpm": 55, "accuracy": 96})

	// Alice abandons the race for a fresh room, then drops entirely.
	a.send("CREATE_ROOM", createRoomPayload("alice", 60))
	require.Eventually(t, func() bool {
		return len(first.Roster()) == 1
	}, time.Second, 5*time.Millisecond, "creating a new room should leave the old one")
	require.NoError(t, a.conn.Close())

	// The first room's clock running out must still reach bob, not the
	// dead session.
	require.Eventually(t, func() bool {
		return b.received("MATCH_FINISHED") == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.RoomFinished, first.Status())
}

func TestGateway_UnknownKindsAnswerTheSenderOnly(t *testing.T) {
	_, srv := newTestGateway(t)

	a := dialSession(t, srv)
	a.send("SELF_DESTRUCT", map[string]any{})

	require.Eventually(t, func() bool {
		return a.received("ERROR") == 1
	}, time.Second, 5*time.Millisecond)

	// Rejected frames land under one fixed label, never under the
	// caller-chosen type string.
	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	invalid := 0.0
	for _, mf := range mfs {
		if mf.GetName() != "velotype_ws_messages_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				assert.NotEqual(t, "SELF_DESTRUCT", l.GetValue())
				if l.GetValue() == "invalid" {
					invalid = m.GetCounter().GetValue()
				}
			}
		}
	}
	assert.GreaterOrEqual(t, invalid, 1.0)
}
