package hiveboard

import (
	"time"

	"github.com/google/uuid"
)

// Event is the public representation of an ingested event.
// It is a curated view of the internal event record for use in extension
// interfaces. No internal package imports, so it is safe to use from outside
// the module.
type Event struct {
	ID         int64
	TenantID   uuid.UUID
	ProjectID  *uuid.UUID
	AgentID    string
	EventType  string
	Timestamp  time.Time
	ReceivedAt time.Time
	Payload    map[string]any
	Test       bool
}

// AlertFiring is the public representation of a recorded alert firing.
type AlertFiring struct {
	ID       uuid.UUID
	RuleID   uuid.UUID
	TenantID uuid.UUID
	RuleName string
	// Condition is the rule condition that fired
	// (agent_offline | error_rate | task_stuck | cost_spike | custom_event).
	Condition string
	// Subject is the agent or task the condition fired for.
	Subject  string
	FiredAt  time.Time
	Evidence map[string]any
}
