// Package ws is the persistent bidirectional client channel: one websocket
// per client carrying typed room events in, and room broadcasts out.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/velotype/velotype/internal/domain"
	"github.com/velotype/velotype/internal/errors"
	"github.com/velotype/velotype/internal/race"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "velotype_ws_connections",
		Help: "Currently connected websocket clients.",
	})
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "velotype_ws_messages_total",
		Help: "Inbound websocket messages by type.",
	}, []string{"type"})
	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "velotype_ws_dropped_frames_total",
		Help: "Outbound frames dropped because a client could not keep up.",
	})
)

// Inbound event kinds. The set is closed: anything else is rejected at the
// boundary.
const (
	eventCreateRoom     = "CREATE_ROOM"
	eventJoinRoom       = "JOIN_ROOM"
	eventStartGame      = "START_GAME"
	eventUpdateProgress = "UPDATE_PROGRESS"
)

type CreateRoomPayload struct {
	HostID string           `json:"hostId"`
	Name   string           `json:"name"`
	Config CreateRoomConfig `json:"config"`
}

type CreateRoomConfig struct {
	Passage         string `json:"passage"`
	DurationSeconds int    `json:"durationSeconds"`
	MaxPlayers      int    `json:"maxPlayers"`
}

type JoinRoomPayload struct {
	RoomID string     `json:"roomId"`
	Player PlayerInfo `json:"player"`
}

type PlayerInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type UpdateProgressPayload struct {
	Percent  float64 `json:"percent"`
	WPM      float64 `json:"wpm"`
	Accuracy float64 `json:"accuracy"`
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeEvent validates one raw inbound frame against the closed event
// union and returns its typed payload: *CreateRoomPayload, *JoinRoomPayload,
// struct{} for START_GAME, or *UpdateProgressPayload.
func DecodeEvent(raw []byte) (string, any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("malformed message"), errors.WithCause(err))
	}

	switch env.Type {
	case eventCreateRoom:
		var p CreateRoomPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return env.Type, nil, errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("malformed %s payload", env.Type), errors.WithCause(err))
		}
		if p.HostID == "" {
			return env.Type, nil, errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("%s requires hostId", env.Type))
		}
		return env.Type, &p, nil

	case eventJoinRoom:
		var p JoinRoomPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return env.Type, nil, errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("malformed %s payload", env.Type), errors.WithCause(err))
		}
		if p.RoomID == "" || p.Player.ID == "" {
			return env.Type, nil, errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("%s requires roomId and player.id", env.Type))
		}
		return env.Type, &p, nil

	case eventStartGame:
		return env.Type, struct{}{}, nil

	case eventUpdateProgress:
		var p UpdateProgressPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return env.Type, nil, errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("malformed %s payload", env.Type), errors.WithCause(err))
		}
		if p.Percent < 0 || p.Percent > 100 {
			return env.Type, nil, errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("percent must be within [0, 100]"))
		}
		return env.Type, &p, nil

	default:
		return env.Type, nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown message type %q", env.Type))
	}
}

type Config struct {
	Manager *race.Manager
}

// Gateway upgrades connections and runs one session per client.
type Gateway struct {
	manager  *race.Manager
	upgrader websocket.Upgrader
}

func NewGateway(c Config) *Gateway {
	return &Gateway{
		manager: c.Manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The browser client is served from another origin; identity
			// is out of scope here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handle upgrades the request and serves the session until disconnect.
func (g *Gateway) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws: upgrade failed", "error", err)
		return
	}

	c := &client{
		gateway: g,
		conn:    conn,
		out:     make(chan race.Message, sendBuffer),
	}

	connectionsGauge.Inc()
	go c.writePump()
	c.readPump()
}

// client is one connected session. roomID and playerID are the routing
// state established at CREATE/JOIN time and torn down when the session
// switches rooms or disconnects; only the read loop touches them.
type client struct {
	gateway *Gateway
	conn    *websocket.Conn

	mu     sync.Mutex
	closed bool
	out    chan race.Message

	roomID   string
	playerID string
}

// Send queues an outbound frame. It never blocks: rooms broadcast under
// their own lock, so a client that cannot drain its buffer loses frames
// instead of stalling the race. Frames for a torn-down session are
// dropped.
func (c *client) Send(msg race.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.out <- msg:
	default:
		droppedTotal.Inc()
	}
}

// leaveRoom detaches the session from its current room, if any. Every path
// away from a room goes through here so no room keeps a stale handle.
func (c *client) leaveRoom() {
	if c.roomID != "" && c.playerID != "" {
		c.gateway.manager.RemovePlayer(c.roomID, c.playerID)
	}
	c.roomID, c.playerID = "", ""
}

func (c *client) closeOut() {
	c.mu.Lock()
	c.closed = true
	close(c.out)
	c.mu.Unlock()
}

func (c *client) readPump() {
	defer func() {
		c.leaveRoom()
		c.closeOut()
		connectionsGauge.Dec()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws: read failed", "error", err)
			}
			return
		}

		kind, payload, err := DecodeEvent(raw)
		if err != nil {
			// Rejected frames share one label so the counter's cardinality
			// stays bounded by the closed event union.
			messagesTotal.WithLabelValues("invalid").Inc()
			c.sendError(err)
			continue
		}
		messagesTotal.WithLabelValues(kind).Inc()

		// A bad or out-of-state message only answers the sender; it never
		// touches the other participants.
		if err := c.dispatch(kind, payload); err != nil {
			c.sendError(err)
		}
	}
}

func (c *client) dispatch(kind string, payload any) error {
	switch p := payload.(type) {
	case *CreateRoomPayload:
		room, err := c.gateway.manager.CreateRoom(race.Player{
			ID:     p.HostID,
			Name:   p.Name,
			Sender: c,
		}, p.Name, domain.RaceConfig{
			Passage:         p.Config.Passage,
			DurationSeconds: p.Config.DurationSeconds,
			MaxPlayers:      p.Config.MaxPlayers,
		})
		if err != nil {
			return err
		}
		c.setRoom(room.ID, p.HostID)
		return nil

	case *JoinRoomPayload:
		room, err := c.gateway.manager.JoinRoom(p.RoomID, race.Player{
			ID:     p.Player.ID,
			Name:   p.Player.Name,
			Sender: c,
		})
		if err != nil {
			return err
		}
		c.setRoom(room.ID, p.Player.ID)
		return nil

	case *UpdateProgressPayload:
		room, err := c.currentRoom()
		if err != nil {
			return err
		}
		return room.UpdateProgress(c.playerID, domain.ProgressSample{
			Percent:  p.Percent,
			WPM:      p.WPM,
			Accuracy: p.Accuracy,
		})

	default: // START_GAME
		room, err := c.currentRoom()
		if err != nil {
			return err
		}
		return room.Start(c.playerID)
	}
}

// setRoom re-points the session at a room after a successful create or
// join, detaching it from the previous room first. Re-joining the current
// room is a handle refresh, not a move.
func (c *client) setRoom(roomID, playerID string) {
	if c.roomID != "" && c.roomID != roomID {
		c.gateway.manager.RemovePlayer(c.roomID, c.playerID)
	}
	c.roomID, c.playerID = roomID, playerID
}

func (c *client) currentRoom() (*race.Room, error) {
	if c.roomID == "" {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("not in a room"))
	}
	return c.gateway.manager.GetRoom(c.roomID)
}

func (c *client) sendError(err error) {
	e := errors.Convert(err)
	c.Send(race.Message{
		Type:    race.MessageError,
		Payload: map[string]string{"message": e.Message},
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

