package hiveboard

import (
	"time"

	"github.com/google/uuid"
)

// AgentMeta identifies the reporting agent in an ingest envelope.
type AgentMeta struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

// EventInput is one event in an ingest envelope. Timestamp defaults to the
// server receipt time when nil.
type EventInput struct {
	EventType string         `json:"event_type"`
	ProjectID *uuid.UUID     `json:"project_id,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// BatchEnvelope is the request body for POST /v1/ingest.
type BatchEnvelope struct {
	Agent  AgentMeta    `json:"agent"`
	Events []EventInput `json:"events"`
}

// EventResult is the per-event outcome inside an IngestResult. Index refers
// to the event's position in the submitted envelope.
type EventResult struct {
	Index   int    `json:"index"`
	EventID int64  `json:"event_id,omitempty"`
	Error   string `json:"error,omitempty"`
	Field   string `json:"field,omitempty"`
}

// IngestResult reports partial-success accounting for one envelope.
// Status is "accepted", "partial_success", or "rejected". Clients retry only
// the rejected subset.
type IngestResult struct {
	Status   string        `json:"status"`
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Results  []EventResult `json:"results"`
}

// Event is a stored event returned by read endpoints.
type Event struct {
	ID         int64          `json:"id"`
	TenantID   uuid.UUID      `json:"tenant_id"`
	ProjectID  *uuid.UUID     `json:"project_id,omitempty"`
	AgentID    string         `json:"agent_id"`
	EventType  string         `json:"event_type"`
	Timestamp  time.Time      `json:"timestamp"`
	ReceivedAt time.Time      `json:"received_at"`
	Payload    map[string]any `json:"payload,omitempty"`
	Test       bool           `json:"test,omitempty"`
}

// Agent is an agent registration with its derived status.
type Agent struct {
	AgentID   string         `json:"agent_id"`
	TenantID  uuid.UUID      `json:"tenant_id"`
	ProjectID *uuid.UUID     `json:"project_id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Type      string         `json:"type,omitempty"`
	LastSeen  time.Time      `json:"last_seen"`
	Status    string         `json:"status,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Task is a derived task with its lifecycle status.
type Task struct {
	TaskID      string     `json:"task_id"`
	TenantID    uuid.UUID  `json:"tenant_id"`
	AgentID     string     `json:"agent_id"`
	ProjectID   *uuid.UUID `json:"project_id,omitempty"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    int64      `json:"duration_seconds,omitempty"`
	Name        string     `json:"name,omitempty"`
}

// PlanProgress summarizes plan step completion for an agent.
type PlanProgress struct {
	PlanID     string  `json:"plan_id"`
	TotalSteps int     `json:"total_steps"`
	DoneSteps  int     `json:"done_steps"`
	Ratio      float64 `json:"ratio"`
}

// PipelineItem is one todo, scheduled item, or issue in an agent pipeline.
type PipelineItem struct {
	Key       string         `json:"key"`
	EventID   int64          `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Pipeline is an agent's derived work pipeline.
type Pipeline struct {
	AgentID   string         `json:"agent_id"`
	Queue     []any          `json:"queue,omitempty"`
	Todos     []PipelineItem `json:"todos,omitempty"`
	Scheduled []PipelineItem `json:"scheduled,omitempty"`
	Issues    []PipelineItem `json:"issues,omitempty"`
	Plan      *PlanProgress  `json:"plan,omitempty"`
}

// Project is a grouping for agents and events.
type Project struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Name      string    `json:"name"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AlertRule is a configured alert condition.
type AlertRule struct {
	ID         uuid.UUID   `json:"id"`
	TenantID   uuid.UUID   `json:"tenant_id"`
	Name       string      `json:"name"`
	Condition  string      `json:"condition"`
	Params     AlertParams `json:"params"`
	ProjectID  *uuid.UUID  `json:"project_id,omitempty"`
	AgentID    string      `json:"agent_id,omitempty"`
	Enabled    bool        `json:"enabled"`
	WebhookURL string      `json:"webhook_url,omitempty"`
}

// AlertParams are the condition-specific thresholds of an alert rule.
type AlertParams struct {
	Window       string  `json:"window,omitempty"`
	Ratio        float64 `json:"ratio,omitempty"`
	WindowEvents int     `json:"window_events,omitempty"`
	ThresholdUSD float64 `json:"threshold_usd,omitempty"`
	Pattern      string  `json:"pattern,omitempty"`
}

// CreateAlertRuleRequest is the request body for POST /v1/alerts/rules.
type CreateAlertRuleRequest struct {
	Name            string      `json:"name"`
	Condition       string      `json:"condition"`
	Params          AlertParams `json:"params"`
	ProjectID       *uuid.UUID  `json:"project_id,omitempty"`
	AgentID         string      `json:"agent_id,omitempty"`
	Enabled         *bool       `json:"enabled,omitempty"`
	WebhookURL      string      `json:"webhook_url,omitempty"`
	CooldownSeconds int         `json:"cooldown_seconds,omitempty"`
}

// AlertFiring is one recorded firing from the alert history.
type AlertFiring struct {
	ID             uuid.UUID      `json:"id"`
	RuleID         uuid.UUID      `json:"rule_id"`
	TenantID       uuid.UUID      `json:"tenant_id"`
	Subject        string         `json:"subject"`
	FiredAt        time.Time      `json:"fired_at"`
	Evidence       map[string]any `json:"evidence,omitempty"`
	DispatchStatus string         `json:"dispatch_status"`
	DispatchError  string         `json:"dispatch_error,omitempty"`
}

// MetricBucket is one grouped aggregate row from the metrics endpoint.
type MetricBucket struct {
	EventType string `json:"event_type"`
	Count     int64  `json:"count"`
}

// CostSummary aggregates LLM-call spend.
type CostSummary struct {
	TotalUSD     float64            `json:"total_usd"`
	InputTokens  int64              `json:"input_tokens"`
	OutputTokens int64              `json:"output_tokens"`
	Calls        int64              `json:"calls"`
	ByModel      map[string]float64 `json:"by_model,omitempty"`
}

// Health is the server health report.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Storage string `json:"storage"`
	Hub     int    `json:"hub_sessions"`
	Uptime  int64  `json:"uptime_seconds"`
}
