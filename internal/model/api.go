package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints. Cursor
// is the opaque token for the next page; an absent cursor means end of results.
type ListResponse struct {
	Data   any          `json:"data"`
	Cursor string       `json:"cursor,omitempty"`
	Limit  int          `json:"limit"`
	Meta   ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeStorageError  = "STORAGE_ERROR"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// Overall batch status values for IngestResult.Status.
const (
	IngestAccepted = "accepted"         // All events persisted.
	IngestPartial  = "partial_success"  // Some events rejected individually.
	IngestRejected = "rejected"         // No event persisted.
)

// EventResult is the per-event outcome inside an IngestResult. Index refers
// to the event's position in the submitted envelope.
type EventResult struct {
	Index   int    `json:"index"`
	EventID int64  `json:"event_id,omitempty"` // Assigned id when accepted.
	Error   string `json:"error,omitempty"`    // Validation failure when rejected.
	Field   string `json:"field,omitempty"`    // Payload field path of the failure.
}

// IngestResult reports partial-success accounting for one envelope. Clients
// retry only the rejected subset.
type IngestResult struct {
	Status   string        `json:"status"`
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Results  []EventResult `json:"results"`
}

// CreateProjectRequest is the request body for POST /v1/projects.
type CreateProjectRequest struct {
	Name string `json:"name"`
}

// UpdateProjectRequest is the request body for PATCH /v1/projects/{id}.
type UpdateProjectRequest struct {
	Name *string `json:"name,omitempty"`
}

// CreateAlertRuleRequest is the request body for POST /v1/alerts/rules.
type CreateAlertRuleRequest struct {
	Name            string         `json:"name"`
	Condition       AlertCondition `json:"condition"`
	Params          AlertParams    `json:"params"`
	ProjectID       *uuid.UUID     `json:"project_id,omitempty"`
	AgentID         string         `json:"agent_id,omitempty"`
	Enabled         *bool          `json:"enabled,omitempty"`
	WebhookURL      string         `json:"webhook_url,omitempty"`
	CooldownSeconds int            `json:"cooldown_seconds,omitempty"`
}

// UpdateAlertRuleRequest is the request body for PATCH /v1/alerts/rules/{id}.
type UpdateAlertRuleRequest struct {
	Name            *string      `json:"name,omitempty"`
	Params          *AlertParams `json:"params,omitempty"`
	Enabled         *bool        `json:"enabled,omitempty"`
	WebhookURL      *string      `json:"webhook_url,omitempty"`
	CooldownSeconds *int         `json:"cooldown_seconds,omitempty"`
}

// MetricBucket is one grouped aggregate row from the metrics endpoint.
type MetricBucket struct {
	EventType EventType `json:"event_type"`
	Count     int64     `json:"count"`
}

// CostSummary aggregates LLM-call spend for a tenant scope.
type CostSummary struct {
	TotalUSD     float64            `json:"total_usd"`
	InputTokens  int64              `json:"input_tokens"`
	OutputTokens int64              `json:"output_tokens"`
	Calls        int64              `json:"calls"`
	ByModel      map[string]float64 `json:"by_model,omitempty"`
}

// CostPoint is one bucket of a cost timeseries.
type CostPoint struct {
	Bucket time.Time `json:"bucket"`
	USD    float64   `json:"usd"`
	Calls  int64     `json:"calls"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Storage string `json:"storage"`
	Hub     int    `json:"hub_sessions"`
	Uptime  int64  `json:"uptime_seconds"`
}
