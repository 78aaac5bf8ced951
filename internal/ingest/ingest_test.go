package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcolano/hiveboard/internal/derive"
	"github.com/jcolano/hiveboard/internal/model"
	"github.com/jcolano/hiveboard/internal/storage"
	"github.com/jcolano/hiveboard/internal/storage/sqlite"
)

type capturingHub struct {
	mu     sync.Mutex
	events []model.Event
	agents []model.Agent
}

func (h *capturingHub) PublishEvents(_ uuid.UUID, events []model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, events...)
}

func (h *capturingHub) PublishAgent(_ uuid.UUID, agent model.Agent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.agents = append(h.agents, agent)
}

type capturingEvaluator struct {
	mu      sync.Mutex
	batches [][]model.Event
}

func (e *capturingEvaluator) Evaluate(_ context.Context, _ uuid.UUID, events []model.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batches = append(e.batches, events)
}

type fixture struct {
	store  storage.Store
	hub    *capturingHub
	alerts *capturingEvaluator
	ing    *Ingestor
	tenant uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := sqlite.Open(t.Context(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tenant := uuid.New()
	require.NoError(t, store.CreateTenant(context.Background(), model.Tenant{ID: tenant, Name: "acme"}))

	hub := &capturingHub{}
	alerts := &capturingEvaluator{}
	return &fixture{
		store:  store,
		hub:    hub,
		alerts: alerts,
		ing:    New(store, hub, alerts, derive.Config{}, logger),
		tenant: tenant,
	}
}

func envelope(agentID string, events ...model.EventInput) model.BatchEnvelope {
	return model.BatchEnvelope{
		Agent:  model.AgentMeta{ID: agentID, Name: "worker", Type: "scraper"},
		Events: events,
	}
}

func taskInput(et model.EventType, taskID string) model.EventInput {
	return model.EventInput{EventType: et, Payload: map[string]any{"task_id": taskID}}
}

func TestIngestAllAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.ing.Ingest(ctx, f.tenant, model.PermReadWriteLive, envelope("agent-1",
		taskInput(model.EventTaskStarted, "t1"),
		model.EventInput{EventType: model.EventHeartbeat},
		taskInput(model.EventTaskCompleted, "t1"),
	))
	require.NoError(t, err)
	assert.Equal(t, model.IngestAccepted, res.Status)
	assert.Equal(t, 3, res.Accepted)
	assert.Zero(t, res.Rejected)
	require.Len(t, res.Results, 3)
	for i, r := range res.Results {
		assert.Equal(t, i, r.Index)
		assert.NotZero(t, r.EventID)
		assert.Empty(t, r.Error)
	}
	assert.Greater(t, res.Results[1].EventID, res.Results[0].EventID)

	// Persisted in submission order.
	page, err := f.store.GetEvents(ctx, f.tenant, storage.EventFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Events, 3)
	assert.Equal(t, model.EventTaskStarted, page.Events[0].EventType)
	assert.Equal(t, "agent-1", page.Events[0].AgentID)

	// Agent upserted with metadata from the envelope.
	agent, err := f.store.GetAgent(ctx, f.tenant, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "worker", agent.Name)
	assert.Equal(t, "scraper", agent.Type)
	assert.False(t, agent.LastSeen.IsZero())

	// Post-commit triggers observed the batch.
	assert.Len(t, f.hub.events, 3)
	require.Len(t, f.alerts.batches, 1)
	assert.Len(t, f.alerts.batches[0], 3)
}

func TestIngestPartialSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.ing.Ingest(ctx, f.tenant, model.PermReadWriteLive, envelope("agent-1",
		taskInput(model.EventTaskStarted, "t1"),
		model.EventInput{EventType: "bogus_type"},
		model.EventInput{EventType: model.EventLog, Payload: map[string]any{"kind": "nonsense"}},
		model.EventInput{EventType: model.EventHeartbeat},
	))
	require.NoError(t, err)
	assert.Equal(t, model.IngestPartial, res.Status)
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, 2, res.Rejected)

	assert.NotZero(t, res.Results[0].EventID)
	assert.Equal(t, "event_type", res.Results[1].Field)
	assert.Equal(t, "kind", res.Results[2].Field)
	assert.NotZero(t, res.Results[3].EventID)

	// Only the valid events persisted.
	page, err := f.store.GetEvents(ctx, f.tenant, storage.EventFilter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, page.Events, 2)
	assert.Len(t, f.hub.events, 2)
}

func TestIngestAllRejected(t *testing.T) {
	f := newFixture(t)

	res, err := f.ing.Ingest(context.Background(), f.tenant, model.PermReadWriteLive, envelope("agent-1",
		model.EventInput{EventType: model.EventTaskStarted},
		model.EventInput{EventType: "nope"},
	))
	require.NoError(t, err)
	assert.Equal(t, model.IngestRejected, res.Status)
	assert.Zero(t, res.Accepted)
	assert.Equal(t, 2, res.Rejected)

	page, err := f.store.GetEvents(context.Background(), f.tenant, storage.EventFilter{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Events)
	assert.Empty(t, f.hub.events)
	assert.Empty(t, f.alerts.batches)

	// Nothing persisted, so the agent was never created either.
	_, err = f.store.GetAgent(context.Background(), f.tenant, "agent-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIngestReadOnlyKey(t *testing.T) {
	f := newFixture(t)

	_, err := f.ing.Ingest(context.Background(), f.tenant, model.PermReadOnly, envelope("agent-1",
		model.EventInput{EventType: model.EventHeartbeat},
	))
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestIngestBatchLevelRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("oversized batch", func(t *testing.T) {
		events := make([]model.EventInput, model.MaxBatchEvents+1)
		for i := range events {
			events[i] = model.EventInput{EventType: model.EventHeartbeat}
		}
		_, err := f.ing.Ingest(ctx, f.tenant, model.PermReadWriteLive, envelope("agent-1", events...))
		var batchErr *BatchError
		require.ErrorAs(t, err, &batchErr)

		page, err := f.store.GetEvents(ctx, f.tenant, storage.EventFilter{Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, page.Events, "nothing persists from a rejected batch")
	})

	t.Run("oversized envelope bytes", func(t *testing.T) {
		// Each payload is under the per-event cap; together they push the
		// envelope past the byte limit.
		events := make([]model.EventInput, 40)
		for i := range events {
			events[i] = model.EventInput{
				EventType: model.EventHeartbeat,
				Payload:   map[string]any{"state": strings.Repeat("x", 30_000)},
			}
		}
		_, err := f.ing.Ingest(ctx, f.tenant, model.PermReadWriteLive, envelope("agent-1", events...))
		var batchErr *BatchError
		require.ErrorAs(t, err, &batchErr)
		assert.Contains(t, batchErr.Msg, "bytes")

		page, err := f.store.GetEvents(ctx, f.tenant, storage.EventFilter{Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, page.Events, "nothing persists from a rejected batch")
	})

	t.Run("missing agent id", func(t *testing.T) {
		_, err := f.ing.Ingest(ctx, f.tenant, model.PermReadWriteLive, model.BatchEnvelope{
			Events: []model.EventInput{{EventType: model.EventHeartbeat}},
		})
		var batchErr *BatchError
		require.ErrorAs(t, err, &batchErr)
	})

	t.Run("empty envelope", func(t *testing.T) {
		_, err := f.ing.Ingest(ctx, f.tenant, model.PermReadWriteLive, envelope("agent-1"))
		var batchErr *BatchError
		require.ErrorAs(t, err, &batchErr)
	})
}

func TestIngestProjectValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	project := uuid.New()
	require.NoError(t, f.store.CreateProject(ctx, model.Project{ID: project, TenantID: f.tenant, Name: "crawler"}))
	archived := uuid.New()
	require.NoError(t, f.store.CreateProject(ctx, model.Project{ID: archived, TenantID: f.tenant, Name: "old"}))
	require.NoError(t, f.store.ArchiveProject(ctx, f.tenant, archived))
	unknown := uuid.New()

	res, err := f.ing.Ingest(ctx, f.tenant, model.PermReadWriteLive, envelope("agent-1",
		model.EventInput{EventType: model.EventHeartbeat, ProjectID: &project},
		model.EventInput{EventType: model.EventHeartbeat, ProjectID: &unknown},
		model.EventInput{EventType: model.EventHeartbeat, ProjectID: &archived},
	))
	require.NoError(t, err)
	assert.Equal(t, model.IngestPartial, res.Status)
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, 2, res.Rejected)
	assert.Equal(t, "project_id", res.Results[1].Field)
	assert.Equal(t, "project_id", res.Results[2].Field)

	// The accepted project association lands on the agent.
	agent, err := f.store.GetAgent(ctx, f.tenant, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, agent.ProjectID)
	assert.Equal(t, project, *agent.ProjectID)
}

func TestIngestProjectLookupPastPageSize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The membership check pages through the project listing; a project past
	// the first page must still validate.
	var last uuid.UUID
	for i := 0; i < 1001; i++ {
		last = uuid.New()
		require.NoError(t, f.store.CreateProject(ctx, model.Project{
			ID: last, TenantID: f.tenant, Name: fmt.Sprintf("project-%04d", i),
		}))
	}

	res, err := f.ing.Ingest(ctx, f.tenant, model.PermReadWriteLive, envelope("agent-1",
		model.EventInput{EventType: model.EventHeartbeat, ProjectID: &last},
	))
	require.NoError(t, err)
	assert.Equal(t, model.IngestAccepted, res.Status)
	assert.Equal(t, 1, res.Accepted)
}

func TestIngestTestKeyIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ing.Ingest(ctx, f.tenant, model.PermReadWriteTest, envelope("agent-1",
		model.EventInput{EventType: model.EventHeartbeat},
	))
	require.NoError(t, err)
	_, err = f.ing.Ingest(ctx, f.tenant, model.PermReadWriteLive, envelope("agent-1",
		model.EventInput{EventType: model.EventHeartbeat},
	))
	require.NoError(t, err)

	live, err := f.store.GetEvents(ctx, f.tenant, storage.EventFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, live.Events, 1)
	assert.False(t, live.Events[0].Test)

	all, err := f.store.GetEvents(ctx, f.tenant, storage.EventFilter{IncludeTest: true, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, all.Events, 2)
}

func TestIngestAgentUpsertIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.ing.Ingest(ctx, f.tenant, model.PermReadWriteLive, envelope("agent-1",
			model.EventInput{EventType: model.EventHeartbeat},
		))
		require.NoError(t, err)
	}

	agents, err := f.store.ListAgents(ctx, f.tenant, storage.AgentFilter{})
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-1", agents[0].AgentID)
}

func TestIngestPublishesStatusTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// idle -> processing on task start.
	_, err := f.ing.Ingest(ctx, f.tenant, model.PermReadWriteLive, envelope("agent-1",
		taskInput(model.EventTaskStarted, "t1"),
	))
	require.NoError(t, err)
	require.Len(t, f.hub.agents, 1)
	assert.Equal(t, model.StatusProcessing, f.hub.agents[0].Status)

	// Still processing: no duplicate transition broadcast.
	_, err = f.ing.Ingest(ctx, f.tenant, model.PermReadWriteLive, envelope("agent-1",
		model.EventInput{EventType: model.EventHeartbeat},
	))
	require.NoError(t, err)
	assert.Len(t, f.hub.agents, 1)

	// processing -> idle on completion.
	_, err = f.ing.Ingest(ctx, f.tenant, model.PermReadWriteLive, envelope("agent-1",
		taskInput(model.EventTaskCompleted, "t1"),
	))
	require.NoError(t, err)
	require.Len(t, f.hub.agents, 2)
	assert.Equal(t, model.StatusIdle, f.hub.agents[1].Status)
}

func TestIngestClientTimestampPreserved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	clientTS := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	res, err := f.ing.Ingest(ctx, f.tenant, model.PermReadWriteLive, envelope("agent-1",
		model.EventInput{EventType: model.EventHeartbeat, Timestamp: &clientTS},
	))
	require.NoError(t, err)
	require.Equal(t, 1, res.Accepted)

	page, err := f.store.GetEvents(ctx, f.tenant, storage.EventFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, clientTS, page.Events[0].Timestamp)
	assert.True(t, page.Events[0].ReceivedAt.After(clientTS))
}
