package model

import (
	"time"

	"github.com/google/uuid"
)

// AlertCondition is the condition type of an alert rule.
type AlertCondition string

const (
	CondAgentStuck       AlertCondition = "agent_stuck"
	CondTaskDuration     AlertCondition = "task_duration"
	CondErrorRate        AlertCondition = "error_rate"
	CondCustomEvent      AlertCondition = "custom_event"
	CondHeartbeatMissing AlertCondition = "heartbeat_missing"
	CondCostThreshold    AlertCondition = "cost_threshold"
)

// Valid reports whether c is a recognized condition type.
func (c AlertCondition) Valid() bool {
	switch c {
	case CondAgentStuck, CondTaskDuration, CondErrorRate,
		CondCustomEvent, CondHeartbeatMissing, CondCostThreshold:
		return true
	}
	return false
}

// AlertParams holds the condition parameters of a rule. Which fields apply
// depends on the condition type; unused fields are zero.
type AlertParams struct {
	// Duration threshold for agent_stuck, task_duration, heartbeat_missing.
	Duration time.Duration `json:"duration,omitempty"`
	// Ratio threshold (0..1] and trailing window size for error_rate.
	Ratio        float64 `json:"ratio,omitempty"`
	WindowEvents int     `json:"window_events,omitempty"`
	// Payload kind / event name matcher for custom_event.
	Pattern string `json:"pattern,omitempty"`
	// Cost threshold in USD and trailing window for cost_threshold.
	CostUSD    float64       `json:"cost_usd,omitempty"`
	CostWindow time.Duration `json:"cost_window,omitempty"`
}

// AlertRule belongs to a tenant and scopes to an optional project and/or
// agent. Disabled rules are never evaluated.
type AlertRule struct {
	ID         uuid.UUID      `json:"id"`
	TenantID   uuid.UUID      `json:"tenant_id"`
	Name       string         `json:"name"`
	Condition  AlertCondition `json:"condition"`
	Params     AlertParams    `json:"params"`
	ProjectID  *uuid.UUID     `json:"project_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Enabled    bool           `json:"enabled"`
	WebhookURL string         `json:"webhook_url,omitempty"`
	Cooldown   time.Duration  `json:"cooldown,omitempty"` // Minimum interval between firings per subject.
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Dispatch outcome values for AlertFiring.DispatchStatus.
const (
	DispatchPending   = "pending"
	DispatchDelivered = "delivered"
	DispatchFailed    = "failed"
	DispatchSkipped   = "skipped" // No webhook configured.
)

// AlertFiring is one append-only alert history record.
type AlertFiring struct {
	ID             uuid.UUID      `json:"id"`
	RuleID         uuid.UUID      `json:"rule_id"`
	TenantID       uuid.UUID      `json:"tenant_id"`
	Subject        string         `json:"subject"` // Agent or task the condition fired for.
	FiredAt        time.Time      `json:"fired_at"`
	Evidence       map[string]any `json:"evidence,omitempty"` // Event ids or aggregate snapshot.
	DispatchStatus string         `json:"dispatch_status"`
	DispatchError  string         `json:"dispatch_error,omitempty"`
}
