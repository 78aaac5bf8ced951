package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Tenant is the isolation boundary. It owns projects, agents, api keys, and
// alert rules. The id is immutable and assigned at provisioning.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Permission is the capability class carried by an API key.
type Permission string

const (
	PermReadWriteLive Permission = "read_write_live"
	PermReadWriteTest Permission = "read_write_test"
	PermReadOnly      Permission = "read_only"
)

// Valid reports whether p is a recognized permission class.
func (p Permission) Valid() bool {
	switch p {
	case PermReadWriteLive, PermReadWriteTest, PermReadOnly:
		return true
	}
	return false
}

// CanWrite reports whether keys with this permission may ingest events.
func (p Permission) CanWrite() bool {
	return p == PermReadWriteLive || p == PermReadWriteTest
}

// Test reports whether data written through this permission is logically
// isolated test data. Test data shares the schema with live data.
func (p Permission) Test() bool {
	return p == PermReadWriteTest
}

// APIKey belongs to exactly one tenant. It is resolved once per request to
// (tenant_id, permission) and never mutated by ingestion.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	Prefix     string     `json:"prefix"`
	KeyHash    string     `json:"-"` // Never serialized.
	Permission Permission `json:"permission"`
	Label      string     `json:"label,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Project groups agents under a tenant. Archiving is a soft delete: archived
// projects are excluded from default listings but retained for history.
type Project struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Name      string    `json:"name"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentStatus is the derived operational state of an agent. It is never
// stored as ground truth; see the derive package.
type AgentStatus string

const (
	StatusIdle            AgentStatus = "idle"
	StatusProcessing      AgentStatus = "processing"
	StatusWaitingApproval AgentStatus = "waiting_approval"
	StatusError           AgentStatus = "error"
	StatusStuck           AgentStatus = "stuck"
	StatusOffline         AgentStatus = "offline"
)

// Agent is created implicitly on the first event referencing an unseen agent
// id (idempotent upsert) and never explicitly deleted. Status is computed
// from the event log plus a staleness threshold, not read from this struct's
// stored row.
type Agent struct {
	AgentID   string         `json:"agent_id"`
	TenantID  uuid.UUID      `json:"tenant_id"`
	ProjectID *uuid.UUID     `json:"project_id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Type      string         `json:"type,omitempty"`
	LastSeen  time.Time      `json:"last_seen"`
	Status    AgentStatus    `json:"status,omitempty"` // Populated by the derive package on read paths.
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// TaskStatus is the derived state of a task.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskAbandoned TaskStatus = "abandoned" // Agent went offline mid-task.
)

// Task is a derived entity: a task_started event paired with its latest
// terminal event by task_id.
type Task struct {
	TaskID      string        `json:"task_id"`
	TenantID    uuid.UUID     `json:"tenant_id"`
	AgentID     string        `json:"agent_id"`
	ProjectID   *uuid.UUID    `json:"project_id,omitempty"`
	Status      TaskStatus    `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"-"`
	Name        string        `json:"name,omitempty"`
}

// MarshalJSON reports Duration in whole seconds; a raw time.Duration would
// serialize as nanoseconds.
func (t Task) MarshalJSON() ([]byte, error) {
	type alias Task
	return json.Marshal(struct {
		alias
		DurationSeconds int64 `json:"duration_seconds,omitempty"`
	}{alias(t), int64(t.Duration.Seconds())})
}

// PlanProgress is the ratio of completed to total steps under the agent's
// most recent plan event.
type PlanProgress struct {
	PlanID     string  `json:"plan_id"`
	TotalSteps int     `json:"total_steps"`
	DoneSteps  int     `json:"done_steps"`
	Ratio      float64 `json:"ratio"`
}

// PipelineItem is one entry of a pipeline snapshot (todo, scheduled entry, or
// open issue). Latest wins per Key.
type PipelineItem struct {
	Key       string         `json:"key"`
	EventID   int64          `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Pipeline is the queue/todo/scheduled/issue snapshot for one agent. Each
// section is latest-wins per logical key, not an aggregate.
type Pipeline struct {
	AgentID   string         `json:"agent_id"`
	Queue     []any          `json:"queue,omitempty"` // Items of the latest queue_snapshot.
	Todos     []PipelineItem `json:"todos,omitempty"`
	Scheduled []PipelineItem `json:"scheduled,omitempty"`
	Issues    []PipelineItem `json:"issues,omitempty"`
	Plan      *PlanProgress  `json:"plan,omitempty"`
}
