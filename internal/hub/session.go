package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jcolano/hiveboard/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second // Under pongWait.
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// controlMessage is a client-sent subscribe/unsubscribe frame. Control
// messages mutate the session's channel set and filters without
// disconnecting.
type controlMessage struct {
	Type     string   `json:"type"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
	Filters  *Filters `json:"filters,omitempty"`
}

// Filters narrow an events subscription. Zero fields match everything.
type Filters struct {
	ProjectID *uuid.UUID `json:"project_id,omitempty"`
	AgentID   string     `json:"agent_id,omitempty"`
}

// Session is one live WebSocket subscriber. The read pump owns channel/filter
// mutations (guarded for concurrent publishes); the write pump owns the
// connection's write side.
type Session struct {
	hub      *Hub
	conn     *websocket.Conn
	tenantID uuid.UUID
	logger   *slog.Logger

	mu       sync.Mutex // Guards channels and filters.
	channels map[string]bool
	filters  Filters

	out  chan Message
	done chan struct{}
}

// Serve upgrades the request and runs the session until the client
// disconnects. The session starts subscribed to the events channel with no
// filters; unregistration happens synchronously before Serve returns.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, tenantID uuid.UUID) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	s := &Session{
		hub:      h,
		conn:     conn,
		tenantID: tenantID,
		logger:   h.logger,
		channels: map[string]bool{ChannelEvents: true},
		out:      make(chan Message, h.queueSize),
		done:     make(chan struct{}),
	}
	h.Register(s)
	defer func() {
		h.Unregister(s)
		close(s.done)
		conn.Close()
	}()

	go s.writePump()
	s.readPump()
}

// send enqueues without blocking: when the queue is full the oldest message
// is dropped to make room.
func (s *Session) send(m Message) {
	for {
		select {
		case s.out <- m:
			return
		case <-s.done:
			return
		default:
		}
		select {
		case <-s.out:
		default:
		}
	}
}

// wantsEvent reports whether an event passes the session's subscription.
func (s *Session) wantsEvent(e model.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.channels[ChannelEvents] {
		return false
	}
	if s.filters.AgentID != "" && e.AgentID != s.filters.AgentID {
		return false
	}
	if s.filters.ProjectID != nil {
		if e.ProjectID == nil || *e.ProjectID != *s.filters.ProjectID {
			return false
		}
	}
	return true
}

func (s *Session) wantsAgent(agent model.Agent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.channels[ChannelAgents] {
		return false
	}
	if s.filters.AgentID != "" && agent.AgentID != s.filters.AgentID {
		return false
	}
	return true
}

// readPump consumes control messages until the connection drops.
func (s *Session) readPump() {
	s.conn.SetReadLimit(4096)
	s.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg controlMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read", slog.String("error", err.Error()))
			}
			return
		}
		s.handleControl(msg)
	}
}

func (s *Session) handleControl(msg controlMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch msg.Type {
	case "subscribe":
		for _, ch := range msg.Channels {
			if ch == ChannelEvents || ch == ChannelAgents {
				s.channels[ch] = true
			}
		}
		if msg.Filters != nil {
			s.filters = *msg.Filters
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(s.channels, ch)
		}
	}
}

// writePump drains the outbound queue and keeps the connection alive with
// pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case m := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			raw, err := json.Marshal(m)
			if err != nil {
				s.logger.Warn("websocket encode", slog.String("error", err.Error()))
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
