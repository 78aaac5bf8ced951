// Package hub fans ingestion-triggered notifications out to live WebSocket
// subscribers. Delivery is best-effort: a slow subscriber loses its oldest
// queued messages, never the ingestor's time.
package hub

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jcolano/hiveboard/internal/model"
)

// Subscription channels.
const (
	ChannelEvents = "events"
	ChannelAgents = "agents"
)

// Message is one typed push to a subscriber.
type Message struct {
	Type    string `json:"type"` // "event" or "agent_status"
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

// Message types pushed to subscribers.
const (
	TypeEvent       = "event"
	TypeAgentStatus = "agent_status"
)

// DefaultQueueSize is the per-session outbound queue depth.
const DefaultQueueSize = 256

// Hub is the session registry. Sessions are added on connect and removed on
// disconnect; all access goes through Register/Unregister/Publish.
type Hub struct {
	logger    *slog.Logger
	queueSize int

	mu       sync.RWMutex
	sessions map[*Session]struct{}
}

// New creates a Hub. queueSize <= 0 selects DefaultQueueSize.
func New(logger *slog.Logger, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		logger:    logger,
		queueSize: queueSize,
		sessions:  map[*Session]struct{}{},
	}
}

// Register adds a session to the registry.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = struct{}{}
}

// Unregister removes a session. Synchronous: once it returns the session
// receives no further messages and its queue may be released.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s)
}

// Sessions reports the number of live sessions.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// PublishEvents pushes accepted events to matching events-channel
// subscribers of the tenant. Never blocks.
func (h *Hub) PublishEvents(tenantID uuid.UUID, events []model.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		if s.tenantID != tenantID {
			continue
		}
		for _, e := range events {
			if s.wantsEvent(e) {
				s.send(Message{Type: TypeEvent, Channel: ChannelEvents, Data: e})
			}
		}
	}
}

// PublishAgent pushes an agent status transition to matching agents-channel
// subscribers of the tenant. Never blocks.
func (h *Hub) PublishAgent(tenantID uuid.UUID, agent model.Agent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		if s.tenantID != tenantID {
			continue
		}
		if s.wantsAgent(agent) {
			s.send(Message{Type: TypeAgentStatus, Channel: ChannelAgents, Data: agent})
		}
	}
}
