package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jcolano/hiveboard/internal/derive"
	"github.com/jcolano/hiveboard/internal/model"
	"github.com/jcolano/hiveboard/internal/storage"
)

// ErrReadOnly is returned when the resolved key lacks write capability. The
// whole request fails; nothing is persisted.
var ErrReadOnly = errors.New("ingest: key lacks write permission")

// BatchError is a batch-level violation (oversized envelope, missing agent
// block). The whole envelope is rejected with no per-event accounting.
type BatchError struct {
	Msg string
}

func (e *BatchError) Error() string { return e.Msg }

// Publisher receives accepted events and agent status transitions for
// real-time fan-out. Implementations must not block.
type Publisher interface {
	PublishEvents(tenantID uuid.UUID, events []model.Event)
	PublishAgent(tenantID uuid.UUID, agent model.Agent)
}

// Evaluator is the alert engine hook, called after a batch commits.
// Implementations must keep webhook dispatch off the caller's path.
type Evaluator interface {
	Evaluate(ctx context.Context, tenantID uuid.UUID, events []model.Event)
}

// EventHookFunc receives accepted events after a batch commits. Hooks run in
// their own goroutine with a bounded timeout; a hook failure is logged and
// never fails the originating request.
type EventHookFunc func(ctx context.Context, tenantID uuid.UUID, events []model.Event) error

// Ingestor orchestrates envelope validation, persistence, and the post-commit
// triggers. Side effects are ordered: persistence completes before the
// derive/alert/broadcast triggers observe the batch.
type Ingestor struct {
	store  storage.Store
	hub    Publisher
	alerts Evaluator
	derive derive.Config
	logger *slog.Logger
	hooks  []EventHookFunc
	now    func() time.Time
}

// New creates an Ingestor. hub and alerts may be nil in tests.
func New(store storage.Store, hub Publisher, alerts Evaluator, cfg derive.Config, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		store:  store,
		hub:    hub,
		alerts: alerts,
		derive: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// AddHook registers fn to run after each committed batch. Register hooks
// before serving traffic; AddHook is not safe to call concurrently with
// Ingest.
func (ing *Ingestor) AddHook(fn EventHookFunc) {
	ing.hooks = append(ing.hooks, fn)
}

// Ingest runs one envelope through the pipeline and reports per-event
// outcomes. A batch is never atomic across events: invalid events are
// rejected individually and valid ones persist. A storage failure rejects
// the whole batch instead (no partial persistence).
func (ing *Ingestor) Ingest(ctx context.Context, tenantID uuid.UUID, perm model.Permission, env model.BatchEnvelope) (model.IngestResult, error) {
	if !perm.CanWrite() {
		return model.IngestResult{}, ErrReadOnly
	}
	if env.Agent.ID == "" {
		return model.IngestResult{}, &BatchError{Msg: "agent.id is required"}
	}
	if len(env.Events) == 0 {
		return model.IngestResult{}, &BatchError{Msg: "envelope contains no events"}
	}
	if len(env.Events) > model.MaxBatchEvents {
		return model.IngestResult{}, &BatchError{
			Msg: fmt.Sprintf("envelope has %d events, limit is %d", len(env.Events), model.MaxBatchEvents),
		}
	}
	// The HTTP body cap is configurable and may sit above the envelope
	// limit, so the wire size is re-measured here.
	if n := encodedSize(env); n > model.MaxBatchBytes {
		return model.IngestResult{}, &BatchError{
			Msg: fmt.Sprintf("envelope is %d bytes, limit is %d", n, model.MaxBatchBytes),
		}
	}

	projects, err := ing.knownProjects(ctx, tenantID)
	if err != nil {
		return model.IngestResult{}, fmt.Errorf("ingest: load projects: %w", err)
	}

	now := ing.now().UTC()
	result := model.IngestResult{Results: make([]model.EventResult, len(env.Events))}
	accepted := make([]model.Event, 0, len(env.Events))
	acceptedIdx := make([]int, 0, len(env.Events))
	var agentProject *uuid.UUID

	for i, in := range env.Events {
		result.Results[i].Index = i

		if in.ProjectID != nil && !projects[*in.ProjectID] {
			result.Results[i].Error = fmt.Sprintf("unknown project %s", in.ProjectID)
			result.Results[i].Field = "project_id"
			result.Rejected++
			continue
		}
		if verr := Validate(in); verr != nil {
			result.Results[i].Error = verr.Msg
			result.Results[i].Field = verr.Field
			result.Rejected++
			continue
		}

		ts := now
		if in.Timestamp != nil {
			ts = in.Timestamp.UTC()
		}
		accepted = append(accepted, model.Event{
			TenantID:   tenantID,
			ProjectID:  in.ProjectID,
			AgentID:    env.Agent.ID,
			EventType:  in.EventType,
			Timestamp:  ts,
			ReceivedAt: now,
			Payload:    in.Payload,
			Test:       perm.Test(),
		})
		acceptedIdx = append(acceptedIdx, i)
		if in.ProjectID != nil {
			agentProject = in.ProjectID
		}
	}

	// Prior status, for transition detection after the batch lands.
	prevStatus := ing.agentStatus(ctx, tenantID, env.Agent.ID, now)

	if len(accepted) > 0 {
		ids, err := ing.store.InsertEvents(ctx, tenantID, accepted)
		if err != nil {
			return model.IngestResult{}, fmt.Errorf("ingest: persist batch: %w", err)
		}
		for i, id := range ids {
			accepted[i].ID = id
			result.Results[acceptedIdx[i]].EventID = id
		}
		result.Accepted = len(ids)

		if err := ing.store.UpsertAgent(ctx, model.Agent{
			AgentID:   env.Agent.ID,
			TenantID:  tenantID,
			ProjectID: agentProject,
			Name:      env.Agent.Name,
			Type:      env.Agent.Type,
			LastSeen:  now,
		}); err != nil {
			// The batch is committed; a failed liveness refresh is not worth
			// failing the request over.
			ing.logger.WarnContext(ctx, "agent upsert failed",
				slog.String("agent_id", env.Agent.ID),
				slog.String("error", err.Error()))
		}

		ing.afterCommit(ctx, tenantID, env.Agent.ID, accepted, prevStatus)
	}

	switch {
	case result.Rejected == 0:
		result.Status = model.IngestAccepted
	case result.Accepted == 0:
		result.Status = model.IngestRejected
	default:
		result.Status = model.IngestPartial
	}
	return result, nil
}

// afterCommit runs the post-persistence triggers: alert evaluation, event
// fan-out, and an agent status transition notification when the batch moved
// the derived status.
func (ing *Ingestor) afterCommit(ctx context.Context, tenantID uuid.UUID, agentID string, events []model.Event, prevStatus model.AgentStatus) {
	if ing.alerts != nil {
		ing.alerts.Evaluate(ctx, tenantID, events)
	}
	if len(ing.hooks) > 0 {
		hooks := ing.hooks
		logger := ing.logger
		go func() {
			hookCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			for _, h := range hooks {
				if err := h(hookCtx, tenantID, events); err != nil {
					logger.Warn("event hook failed", "error", err)
				}
			}
		}()
	}
	if ing.hub == nil {
		return
	}
	ing.hub.PublishEvents(tenantID, events)

	agent, err := ing.store.GetAgent(ctx, tenantID, agentID)
	if err != nil {
		return
	}
	agent.Status = ing.agentStatus(ctx, tenantID, agentID, ing.now().UTC())
	if agent.Status != prevStatus {
		ing.hub.PublishAgent(tenantID, agent)
	}
}

// agentStatus derives the agent's current status from its recent events.
// Unknown agents are idle.
func (ing *Ingestor) agentStatus(ctx context.Context, tenantID uuid.UUID, agentID string, now time.Time) model.AgentStatus {
	agent, err := ing.store.GetAgent(ctx, tenantID, agentID)
	if err != nil {
		return model.StatusIdle
	}
	recent, err := ing.store.RecentAgentEvents(ctx, tenantID, agentID, 500)
	if err != nil {
		return model.StatusIdle
	}
	return derive.Status(recent, agent.LastSeen, now, ing.derive)
}

// encodedSize is the envelope's JSON wire size. Marshaling cannot fail for a
// value that was itself decoded from JSON.
func encodedSize(env model.BatchEnvelope) int {
	b, err := json.Marshal(env)
	if err != nil {
		return 0
	}
	return len(b)
}

// knownProjects returns the ids of the tenant's active projects, paging
// through the listing so membership checks stay correct past the page size.
// Archived projects reject new events.
func (ing *Ingestor) knownProjects(ctx context.Context, tenantID uuid.UUID) (map[uuid.UUID]bool, error) {
	const pageSize = 1000
	known := make(map[uuid.UUID]bool)
	for offset := 0; ; offset += pageSize {
		projects, err := ing.store.ListProjects(ctx, tenantID, false, pageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, p := range projects {
			known[p.ID] = true
		}
		if len(projects) < pageSize {
			return known, nil
		}
	}
}
