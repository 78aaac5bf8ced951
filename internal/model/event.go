package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of an agent lifecycle event.
type EventType string

const (
	// Task lifecycle events.
	EventTaskStarted   EventType = "task_started"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"

	// Action events (short units of work inside a task).
	EventActionStarted   EventType = "action_started"
	EventActionCompleted EventType = "action_completed"

	// Approval flow events.
	EventWaitingApproval  EventType = "waiting_approval"
	EventApprovalReceived EventType = "approval_received"

	// Error flow events. Corrections are new events, never edits.
	EventError         EventType = "error"
	EventErrorResolved EventType = "error_resolved"

	// Liveness.
	EventHeartbeat EventType = "heartbeat"

	// Generic events carrying a payload kind discriminator.
	EventLog       EventType = "log"
	EventMilestone EventType = "milestone"
	EventCustom    EventType = "custom"
)

// EventTypes lists all recognized event types.
var EventTypes = []EventType{
	EventTaskStarted, EventTaskCompleted, EventTaskFailed,
	EventActionStarted, EventActionCompleted,
	EventWaitingApproval, EventApprovalReceived,
	EventError, EventErrorResolved,
	EventHeartbeat,
	EventLog, EventMilestone, EventCustom,
}

// Valid reports whether t is a recognized event type.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Generic reports whether events of this type carry a payload "kind"
// discriminator instead of a type-specific schema.
func (t EventType) Generic() bool {
	return t == EventLog || t == EventMilestone || t == EventCustom
}

// PayloadKind discriminates the payload shape of generic event types.
type PayloadKind string

const (
	KindLLMCall       PayloadKind = "llm_call"
	KindPlan          PayloadKind = "plan"
	KindPlanStep      PayloadKind = "plan_step"
	KindQueueSnapshot PayloadKind = "queue_snapshot"
	KindTodo          PayloadKind = "todo"
	KindScheduled     PayloadKind = "scheduled"
	KindReportIssue   PayloadKind = "report_issue"
	KindToolCall      PayloadKind = "tool_call"
	KindCustom        PayloadKind = "custom"
)

// WellKnownKinds is the dictionary of recognized payload kinds for generic
// event types. Payloads tagged with any other kind are rejected unless the
// kind is exactly "custom".
var WellKnownKinds = map[PayloadKind]bool{
	KindLLMCall:       true,
	KindPlan:          true,
	KindPlanStep:      true,
	KindQueueSnapshot: true,
	KindTodo:          true,
	KindScheduled:     true,
	KindReportIssue:   true,
	KindToolCall:      true,
	KindCustom:        true,
}

// MaxEventPayloadBytes is the maximum encoded payload size for one event.
const MaxEventPayloadBytes = 32 * 1024

// Event is the atomic unit of the append-only log. The ID is server-assigned
// and strictly increasing within a tenant; it doubles as the pagination cursor
// position. Immutable once stored.
type Event struct {
	ID         int64          `json:"id"`
	TenantID   uuid.UUID      `json:"tenant_id"`
	ProjectID  *uuid.UUID     `json:"project_id,omitempty"`
	AgentID    string         `json:"agent_id"`
	EventType  EventType      `json:"event_type"`
	Timestamp  time.Time      `json:"timestamp"`   // Client-supplied.
	ReceivedAt time.Time      `json:"received_at"` // Server receipt time.
	Payload    map[string]any `json:"payload,omitempty"`
	Test       bool           `json:"test,omitempty"` // Written through a read_write_test key.
}

// Kind returns the payload kind of a generic event, or "" for typed events
// and events without a kind field.
func (e Event) Kind() PayloadKind {
	if !e.EventType.Generic() {
		return ""
	}
	if k, ok := e.Payload["kind"].(string); ok {
		return PayloadKind(k)
	}
	return ""
}

// TaskID returns the task_id payload field, or "" when absent.
func (e Event) TaskID() string {
	if v, ok := e.Payload["task_id"].(string); ok {
		return v
	}
	return ""
}

// PayloadString returns a string payload field, or "" when absent or not a string.
func (e Event) PayloadString(field string) string {
	if v, ok := e.Payload[field].(string); ok {
		return v
	}
	return ""
}

// PayloadNumber returns a numeric payload field as float64. JSON decoding
// yields float64 for all numbers; integers stored natively are converted.
func (e Event) PayloadNumber(field string) (float64, bool) {
	switch v := e.Payload[field].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Batch envelope limits. Envelopes over either limit are rejected whole with
// a single batch-level validation error; nothing is persisted.
const (
	MaxBatchEvents = 500
	MaxBatchBytes  = 1 * 1024 * 1024
)

// AgentMeta is the agent metadata block sent once per envelope and expanded
// onto every contained event server-side.
type AgentMeta struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

// EventInput is a single client-submitted event inside an envelope.
type EventInput struct {
	EventType EventType      `json:"event_type"`
	ProjectID *uuid.UUID     `json:"project_id,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// BatchEnvelope is the client-submitted ingestion unit. It is a transport and
// validation boundary only; persisted state is the expanded Event rows.
type BatchEnvelope struct {
	Agent  AgentMeta    `json:"agent"`
	Events []EventInput `json:"events"`
}
