// Package storage defines the backend-agnostic persistence contract for
// Hiveboard: the append-only event log plus the entity tables (tenants, api
// keys, projects, agents, alert rules and history).
//
// Every operation takes explicit filter/sort/pagination parameters rather
// than an opaque filter object, so any relational backend can translate a
// call into
// one indexed query. Two implementations exist: sqlite (embedded) and
// postgres. Both must pass the storagetest contract suite.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jcolano/hiveboard/internal/model"
)

// EventFilter selects events from a tenant's log. Zero fields are ignored.
// Cursor is the decoded numeric position (exclusive lower bound on event id);
// the opaque API token is handled by EncodeCursor/DecodeCursor.
type EventFilter struct {
	ProjectID   *uuid.UUID
	AgentID     string
	EventType   model.EventType
	Since       *time.Time
	Until       *time.Time
	IncludeTest bool
	Limit       int
	Cursor      int64
}

// EventPage is one page of a cursor-paginated event listing. NextCursor is
// zero when the page exhausted the result set.
type EventPage struct {
	Events     []model.Event
	NextCursor int64
	HasMore    bool
}

// AgentFilter selects agents from a tenant. Zero fields are ignored.
type AgentFilter struct {
	ProjectID *uuid.UUID
	Type      string
	Limit     int
	Offset    int
}

// MetricFilter scopes a grouped aggregate over the event log.
type MetricFilter struct {
	ProjectID   *uuid.UUID
	AgentID     string
	Since       *time.Time
	Until       *time.Time
	IncludeTest bool
}

// FiringFilter selects alert history records, newest first.
type FiringFilter struct {
	RuleID *uuid.UUID
	Limit  int
	Offset int
}

// Store is the storage engine contract. Writes are serialized per tenant at
// minimum (the per-tenant id allocation row is the serialization point), and
// a batch insert is atomic from any reader's perspective.
type Store interface {
	// InsertEvents appends a batch to the tenant's log, assigning strictly
	// increasing per-tenant ids that preserve submission order within the
	// batch. The whole batch commits or none of it does.
	InsertEvents(ctx context.Context, tenantID uuid.UUID, events []model.Event) ([]int64, error)

	// GetEvents returns a page of events in ascending id order.
	GetEvents(ctx context.Context, tenantID uuid.UUID, f EventFilter) (EventPage, error)

	// RecentAgentEvents returns the newest limit events for one agent in
	// ascending id order. This is the derive package's read path.
	RecentAgentEvents(ctx context.Context, tenantID uuid.UUID, agentID string, limit int) ([]model.Event, error)

	// TaskEvents returns task lifecycle events (task_started/completed/failed)
	// in ascending id order, optionally scoped by project or agent.
	TaskEvents(ctx context.Context, tenantID uuid.UUID, f EventFilter) ([]model.Event, error)

	// TimelineEvents returns all events whose payload task_id matches, in
	// ascending id order.
	TimelineEvents(ctx context.Context, tenantID uuid.UUID, taskID string, limit int) ([]model.Event, error)

	// PipelineEvents returns the newest limit generic events carrying pipeline
	// kinds (plan, plan_step, queue_snapshot, todo, scheduled, report_issue)
	// for one agent, ascending.
	PipelineEvents(ctx context.Context, tenantID uuid.UUID, agentID string, limit int) ([]model.Event, error)

	// AggregateMetrics returns per-event-type counts over the filter window.
	AggregateMetrics(ctx context.Context, tenantID uuid.UUID, f MetricFilter) ([]model.MetricBucket, error)

	// CostSummary aggregates llm_call payload fields over the filter window.
	CostSummary(ctx context.Context, tenantID uuid.UUID, f MetricFilter) (model.CostSummary, error)

	// CostTimeseries buckets llm_call cost by the given interval.
	CostTimeseries(ctx context.Context, tenantID uuid.UUID, f MetricFilter, bucket time.Duration) ([]model.CostPoint, error)

	// UpsertAgent creates or refreshes an agent row. Idempotent: re-applying
	// identical metadata must not create a duplicate. last_seen only moves
	// forward.
	UpsertAgent(ctx context.Context, agent model.Agent) error
	GetAgent(ctx context.Context, tenantID uuid.UUID, agentID string) (model.Agent, error)
	ListAgents(ctx context.Context, tenantID uuid.UUID, f AgentFilter) ([]model.Agent, error)

	CreateTenant(ctx context.Context, t model.Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (model.Tenant, error)

	CreateAPIKey(ctx context.Context, k model.APIKey) error
	// APIKeysByPrefix returns unrevoked keys matching a raw key's prefix; the
	// caller verifies the hash.
	APIKeysByPrefix(ctx context.Context, prefix string) ([]model.APIKey, error)
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]model.APIKey, error)
	RevokeAPIKey(ctx context.Context, tenantID, id uuid.UUID) error

	CreateProject(ctx context.Context, p model.Project) error
	GetProject(ctx context.Context, tenantID, id uuid.UUID) (model.Project, error)
	// ListProjects excludes archived projects unless includeArchived is set.
	ListProjects(ctx context.Context, tenantID uuid.UUID, includeArchived bool, limit, offset int) ([]model.Project, error)
	UpdateProject(ctx context.Context, p model.Project) error
	ArchiveProject(ctx context.Context, tenantID, id uuid.UUID) error

	CreateAlertRule(ctx context.Context, r model.AlertRule) error
	GetAlertRule(ctx context.Context, tenantID, id uuid.UUID) (model.AlertRule, error)
	// ListAlertRules returns enabled rules only when enabledOnly is set.
	ListAlertRules(ctx context.Context, tenantID uuid.UUID, enabledOnly bool) ([]model.AlertRule, error)
	UpdateAlertRule(ctx context.Context, r model.AlertRule) error
	DeleteAlertRule(ctx context.Context, tenantID, id uuid.UUID) error

	InsertAlertFiring(ctx context.Context, f model.AlertFiring) error
	// UpdateFiringDispatch records the webhook delivery outcome for a firing.
	UpdateFiringDispatch(ctx context.Context, id uuid.UUID, status, dispatchErr string) error
	ListAlertFirings(ctx context.Context, tenantID uuid.UUID, f FiringFilter) ([]model.AlertFiring, error)
	// LatestFiring returns the most recent firing time for (rule, subject),
	// or ErrNotFound. Backs the alert cooldown across restarts.
	LatestFiring(ctx context.Context, ruleID uuid.UUID, subject string) (time.Time, error)

	Ping(ctx context.Context) error
	Close() error
}
