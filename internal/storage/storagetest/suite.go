// Package storagetest holds the contract suite every storage backend must
// pass. Backends register a factory that returns a fresh, empty store for
// each subtest.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcolano/hiveboard/internal/model"
	"github.com/jcolano/hiveboard/internal/storage"
)

// Factory returns a fresh, empty store. Cleanup is the caller's job: register
// it on t.
type Factory func(t *testing.T) storage.Store

// Run exercises the full storage contract against the given backend.
func Run(t *testing.T, newStore Factory) {
	t.Run("Tenants", func(t *testing.T) { testTenants(t, newStore(t)) })
	t.Run("InsertEvents", func(t *testing.T) { testInsertEvents(t, newStore(t)) })
	t.Run("EventPagination", func(t *testing.T) { testEventPagination(t, newStore(t)) })
	t.Run("EventFilters", func(t *testing.T) { testEventFilters(t, newStore(t)) })
	t.Run("RecentAgentEvents", func(t *testing.T) { testRecentAgentEvents(t, newStore(t)) })
	t.Run("TaskAndTimelineEvents", func(t *testing.T) { testTaskAndTimelineEvents(t, newStore(t)) })
	t.Run("PipelineEvents", func(t *testing.T) { testPipelineEvents(t, newStore(t)) })
	t.Run("Metrics", func(t *testing.T) { testMetrics(t, newStore(t)) })
	t.Run("Costs", func(t *testing.T) { testCosts(t, newStore(t)) })
	t.Run("Agents", func(t *testing.T) { testAgents(t, newStore(t)) })
	t.Run("APIKeys", func(t *testing.T) { testAPIKeys(t, newStore(t)) })
	t.Run("Projects", func(t *testing.T) { testProjects(t, newStore(t)) })
	t.Run("AlertRules", func(t *testing.T) { testAlertRules(t, newStore(t)) })
	t.Run("AlertHistory", func(t *testing.T) { testAlertHistory(t, newStore(t)) })
}

func seedTenant(t *testing.T, s storage.Store) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, s.CreateTenant(context.Background(), model.Tenant{ID: id, Name: "acme"}))
	return id
}

func mkEvent(tenantID uuid.UUID, agentID string, et model.EventType, payload map[string]any) model.Event {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return model.Event{
		TenantID:   tenantID,
		AgentID:    agentID,
		EventType:  et,
		Timestamp:  now,
		ReceivedAt: now,
		Payload:    payload,
	}
}

func insertAll(t *testing.T, s storage.Store, tenantID uuid.UUID, events ...model.Event) []int64 {
	t.Helper()
	ids, err := s.InsertEvents(context.Background(), tenantID, events)
	require.NoError(t, err)
	require.Len(t, ids, len(events))
	return ids
}

func testTenants(t *testing.T, s storage.Store) {
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, s.CreateTenant(ctx, model.Tenant{ID: id, Name: "acme"}))

	got, err := s.GetTenant(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Name)
	assert.False(t, got.CreatedAt.IsZero())

	err = s.CreateTenant(ctx, model.Tenant{ID: id, Name: "dup"})
	assert.ErrorIs(t, err, storage.ErrConflict)

	_, err = s.GetTenant(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testInsertEvents(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)

	ids := insertAll(t, s, tenant,
		mkEvent(tenant, "agent-1", model.EventTaskStarted, map[string]any{"task_id": "t1"}),
		mkEvent(tenant, "agent-1", model.EventLog, map[string]any{"kind": "custom", "msg": "hi"}),
		mkEvent(tenant, "agent-1", model.EventTaskCompleted, map[string]any{"task_id": "t1"}),
	)
	for i := 1; i < len(ids); i++ {
		assert.Equal(t, ids[i-1]+1, ids[i], "batch ids must be contiguous and increasing")
	}

	// A second batch continues the tenant sequence.
	more := insertAll(t, s, tenant, mkEvent(tenant, "agent-1", model.EventHeartbeat, nil))
	assert.Greater(t, more[0], ids[len(ids)-1])

	// Distinct tenants get independent sequences.
	other := seedTenant(t, s)
	otherIDs := insertAll(t, s, other, mkEvent(other, "agent-9", model.EventHeartbeat, nil))
	assert.Equal(t, int64(1), otherIDs[0])

	// Empty batch is a no-op.
	none, err := s.InsertEvents(ctx, tenant, nil)
	require.NoError(t, err)
	assert.Empty(t, none)

	// Read back: submission order, payload round-trip, no cross-tenant leakage.
	page, err := s.GetEvents(ctx, tenant, storage.EventFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Events, 4)
	assert.Equal(t, model.EventTaskStarted, page.Events[0].EventType)
	assert.Equal(t, "hi", page.Events[1].Payload["msg"])
	assert.Equal(t, "t1", page.Events[2].TaskID())
	for _, e := range page.Events {
		assert.Equal(t, tenant, e.TenantID)
	}
}

func testEventPagination(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)

	events := make([]model.Event, 25)
	for i := range events {
		events[i] = mkEvent(tenant, "agent-1", model.EventHeartbeat, nil)
	}
	insertAll(t, s, tenant, events...)

	var seen []int64
	var cursor int64
	pages := 0
	for {
		page, err := s.GetEvents(ctx, tenant, storage.EventFilter{Limit: 10, Cursor: cursor})
		require.NoError(t, err)
		for _, e := range page.Events {
			seen = append(seen, e.ID)
		}
		pages++
		if !page.HasMore {
			break
		}
		require.NotZero(t, page.NextCursor)
		cursor = page.NextCursor
	}
	assert.Equal(t, 3, pages)
	require.Len(t, seen, 25)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}

	// A cursor past the end yields an empty page with no next cursor.
	page, err := s.GetEvents(ctx, tenant, storage.EventFilter{Limit: 10, Cursor: seen[len(seen)-1]})
	require.NoError(t, err)
	assert.Empty(t, page.Events)
	assert.False(t, page.HasMore)
	assert.Zero(t, page.NextCursor)
}

func testEventFilters(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	project := uuid.New()
	base := time.Now().UTC().Truncate(time.Millisecond)

	evts := []model.Event{
		mkEvent(tenant, "agent-a", model.EventTaskStarted, nil),
		mkEvent(tenant, "agent-b", model.EventError, nil),
		mkEvent(tenant, "agent-a", model.EventHeartbeat, nil),
	}
	evts[0].ProjectID = &project
	evts[0].Timestamp = base.Add(-2 * time.Hour)
	evts[1].Timestamp = base.Add(-1 * time.Hour)
	evts[2].Timestamp = base
	testEvt := mkEvent(tenant, "agent-a", model.EventLog, map[string]any{"kind": "custom"})
	testEvt.Test = true
	evts = append(evts, testEvt)
	insertAll(t, s, tenant, evts...)

	// By agent.
	page, err := s.GetEvents(ctx, tenant, storage.EventFilter{AgentID: "agent-b", Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, model.EventError, page.Events[0].EventType)

	// By type.
	page, err = s.GetEvents(ctx, tenant, storage.EventFilter{EventType: model.EventHeartbeat, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)

	// By project.
	page, err = s.GetEvents(ctx, tenant, storage.EventFilter{ProjectID: &project, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, model.EventTaskStarted, page.Events[0].EventType)

	// Time window: since is inclusive, until is inclusive.
	since := base.Add(-90 * time.Minute)
	until := base.Add(-30 * time.Minute)
	page, err = s.GetEvents(ctx, tenant, storage.EventFilter{Since: &since, Until: &until, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, model.EventError, page.Events[0].EventType)

	// Test data is excluded unless asked for.
	page, err = s.GetEvents(ctx, tenant, storage.EventFilter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, page.Events, 3)
	page, err = s.GetEvents(ctx, tenant, storage.EventFilter{IncludeTest: true, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, page.Events, 4)
}

func testRecentAgentEvents(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)

	var evts []model.Event
	for i := 0; i < 8; i++ {
		evts = append(evts, mkEvent(tenant, "agent-1", model.EventHeartbeat, map[string]any{"n": float64(i)}))
	}
	evts = append(evts, mkEvent(tenant, "agent-2", model.EventError, nil))
	insertAll(t, s, tenant, evts...)

	got, err := s.RecentAgentEvents(ctx, tenant, "agent-1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// The newest three, returned oldest first.
	assert.Equal(t, float64(5), got[0].Payload["n"])
	assert.Equal(t, float64(7), got[2].Payload["n"])

	got, err = s.RecentAgentEvents(ctx, tenant, "agent-unknown", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testTaskAndTimelineEvents(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)

	insertAll(t, s, tenant,
		mkEvent(tenant, "agent-1", model.EventTaskStarted, map[string]any{"task_id": "t1"}),
		mkEvent(tenant, "agent-1", model.EventActionStarted, map[string]any{"task_id": "t1", "action": "fetch"}),
		mkEvent(tenant, "agent-1", model.EventActionCompleted, map[string]any{"task_id": "t1", "action": "fetch"}),
		mkEvent(tenant, "agent-1", model.EventTaskCompleted, map[string]any{"task_id": "t1"}),
		mkEvent(tenant, "agent-2", model.EventTaskStarted, map[string]any{"task_id": "t2"}),
		mkEvent(tenant, "agent-1", model.EventHeartbeat, nil),
	)

	tasks, err := s.TaskEvents(ctx, tenant, storage.EventFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, e := range tasks {
		assert.Contains(t, []model.EventType{
			model.EventTaskStarted, model.EventTaskCompleted, model.EventTaskFailed,
		}, e.EventType)
	}

	tasks, err = s.TaskEvents(ctx, tenant, storage.EventFilter{AgentID: "agent-2"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	timeline, err := s.TimelineEvents(ctx, tenant, "t1", 0)
	require.NoError(t, err)
	require.Len(t, timeline, 4)
	for i := 1; i < len(timeline); i++ {
		assert.Greater(t, timeline[i].ID, timeline[i-1].ID)
	}
	assert.Equal(t, model.EventTaskStarted, timeline[0].EventType)
	assert.Equal(t, model.EventTaskCompleted, timeline[3].EventType)
}

func testPipelineEvents(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)

	insertAll(t, s, tenant,
		mkEvent(tenant, "agent-1", model.EventLog, map[string]any{"kind": "plan", "plan_id": "p1", "total_steps": float64(4)}),
		mkEvent(tenant, "agent-1", model.EventLog, map[string]any{"kind": "todo", "key": "todo-1"}),
		mkEvent(tenant, "agent-1", model.EventLog, map[string]any{"kind": "llm_call", "cost_usd": 0.02}),
		mkEvent(tenant, "agent-1", model.EventHeartbeat, nil),
		mkEvent(tenant, "agent-1", model.EventCustom, map[string]any{"kind": "queue_snapshot", "items": []any{"a", "b"}}),
		mkEvent(tenant, "agent-2", model.EventLog, map[string]any{"kind": "todo", "key": "todo-x"}),
	)

	got, err := s.PipelineEvents(ctx, tenant, "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, model.KindPlan, got[0].Kind())
	assert.Equal(t, model.KindTodo, got[1].Kind())
	assert.Equal(t, model.KindQueueSnapshot, got[2].Kind())
}

func testMetrics(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)

	insertAll(t, s, tenant,
		mkEvent(tenant, "agent-1", model.EventTaskStarted, nil),
		mkEvent(tenant, "agent-1", model.EventTaskStarted, nil),
		mkEvent(tenant, "agent-1", model.EventError, nil),
		mkEvent(tenant, "agent-2", model.EventHeartbeat, nil),
	)

	buckets, err := s.AggregateMetrics(ctx, tenant, storage.MetricFilter{})
	require.NoError(t, err)
	counts := map[model.EventType]int64{}
	for _, b := range buckets {
		counts[b.EventType] = b.Count
	}
	assert.Equal(t, int64(2), counts[model.EventTaskStarted])
	assert.Equal(t, int64(1), counts[model.EventError])
	assert.Equal(t, int64(1), counts[model.EventHeartbeat])

	buckets, err = s.AggregateMetrics(ctx, tenant, storage.MetricFilter{AgentID: "agent-2"})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, model.EventHeartbeat, buckets[0].EventType)
}

func testCosts(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	base := time.Now().UTC().Truncate(time.Hour)

	call := func(name string, usd float64, in, out float64, at time.Time) model.Event {
		e := mkEvent(tenant, "agent-1", model.EventLog, map[string]any{
			"kind": "llm_call", "model": name, "cost_usd": usd,
			"input_tokens": in, "output_tokens": out,
		})
		e.Timestamp = at
		return e
	}
	insertAll(t, s, tenant,
		call("gpt-x", 0.10, 1000, 200, base),
		call("gpt-x", 0.30, 2000, 400, base.Add(10*time.Minute)),
		call("small", 0.05, 500, 50, base.Add(65*time.Minute)),
		mkEvent(tenant, "agent-1", model.EventLog, map[string]any{"kind": "custom"}),
	)

	sum, err := s.CostSummary(ctx, tenant, storage.MetricFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), sum.Calls)
	assert.InDelta(t, 0.45, sum.TotalUSD, 1e-9)
	assert.Equal(t, int64(3500), sum.InputTokens)
	assert.Equal(t, int64(650), sum.OutputTokens)
	assert.InDelta(t, 0.40, sum.ByModel["gpt-x"], 1e-9)
	assert.InDelta(t, 0.05, sum.ByModel["small"], 1e-9)

	points, err := s.CostTimeseries(ctx, tenant, storage.MetricFilter{}, time.Hour)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.InDelta(t, 0.40, points[0].USD, 1e-9)
	assert.Equal(t, int64(2), points[0].Calls)
	assert.InDelta(t, 0.05, points[1].USD, 1e-9)
	assert.True(t, points[1].Bucket.After(points[0].Bucket))
}

func testAgents(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	project := uuid.New()
	first := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)

	agent := model.Agent{
		AgentID:  "agent-1",
		TenantID: tenant,
		Name:     "scraper",
		Type:     "worker",
		LastSeen: first,
	}
	require.NoError(t, s.UpsertAgent(ctx, agent))

	got, err := s.GetAgent(ctx, tenant, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "scraper", got.Name)
	assert.WithinDuration(t, first, got.LastSeen, time.Millisecond)

	// Re-upsert moves last_seen forward, fills the project, and keeps the
	// name when the update carries an empty one.
	later := first.Add(30 * time.Minute)
	require.NoError(t, s.UpsertAgent(ctx, model.Agent{
		AgentID: "agent-1", TenantID: tenant, ProjectID: &project, LastSeen: later,
	}))
	got, err = s.GetAgent(ctx, tenant, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "scraper", got.Name)
	assert.WithinDuration(t, later, got.LastSeen, time.Millisecond)
	require.NotNil(t, got.ProjectID)
	assert.Equal(t, project, *got.ProjectID)

	// A stale upsert never moves last_seen backwards.
	require.NoError(t, s.UpsertAgent(ctx, model.Agent{
		AgentID: "agent-1", TenantID: tenant, LastSeen: first,
	}))
	got, err = s.GetAgent(ctx, tenant, "agent-1")
	require.NoError(t, err)
	assert.WithinDuration(t, later, got.LastSeen, time.Millisecond)

	_, err = s.GetAgent(ctx, tenant, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.UpsertAgent(ctx, model.Agent{
		AgentID: "agent-2", TenantID: tenant, Type: "cron", LastSeen: later.Add(time.Minute),
	}))

	agents, err := s.ListAgents(ctx, tenant, storage.AgentFilter{})
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "agent-2", agents[0].AgentID, "newest last_seen first")

	agents, err = s.ListAgents(ctx, tenant, storage.AgentFilter{ProjectID: &project})
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-1", agents[0].AgentID)
}

func testAPIKeys(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)

	key := model.APIKey{
		ID:         uuid.New(),
		TenantID:   tenant,
		Prefix:     "hb_live_abc1",
		KeyHash:    "$argon2id$fake",
		Permission: model.PermReadWriteLive,
		Label:      "ci",
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	found, err := s.APIKeysByPrefix(ctx, "hb_live_abc1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, key.ID, found[0].ID)
	assert.Equal(t, "$argon2id$fake", found[0].KeyHash)

	listed, err := s.ListAPIKeys(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.NoError(t, s.RevokeAPIKey(ctx, tenant, key.ID))

	// Revoked keys no longer resolve by prefix but still list.
	found, err = s.APIKeysByPrefix(ctx, "hb_live_abc1")
	require.NoError(t, err)
	assert.Empty(t, found)
	listed, err = s.ListAPIKeys(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.NotNil(t, listed[0].RevokedAt)

	// Revoking twice is fine; revoking a missing key is not.
	require.NoError(t, s.RevokeAPIKey(ctx, tenant, key.ID))
	err = s.RevokeAPIKey(ctx, tenant, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testProjects(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)

	p := model.Project{ID: uuid.New(), TenantID: tenant, Name: "crawler"}
	require.NoError(t, s.CreateProject(ctx, p))

	got, err := s.GetProject(ctx, tenant, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "crawler", got.Name)
	assert.False(t, got.Archived)

	p.Name = "crawler-v2"
	require.NoError(t, s.UpdateProject(ctx, p))
	got, err = s.GetProject(ctx, tenant, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "crawler-v2", got.Name)

	other := model.Project{ID: uuid.New(), TenantID: tenant, Name: "billing"}
	require.NoError(t, s.CreateProject(ctx, other))

	require.NoError(t, s.ArchiveProject(ctx, tenant, p.ID))

	// Archived projects drop out of the default listing but stay readable.
	projects, err := s.ListProjects(ctx, tenant, false, 0, 0)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "billing", projects[0].Name)

	projects, err = s.ListProjects(ctx, tenant, true, 0, 0)
	require.NoError(t, err)
	assert.Len(t, projects, 2)

	got, err = s.GetProject(ctx, tenant, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Archived)

	err = s.UpdateProject(ctx, model.Project{ID: uuid.New(), TenantID: tenant, Name: "x"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	err = s.ArchiveProject(ctx, tenant, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testAlertRules(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)

	rule := model.AlertRule{
		ID:        uuid.New(),
		TenantID:  tenant,
		Name:      "stuck agents",
		Condition: model.CondAgentStuck,
		Params:    model.AlertParams{Duration: 10 * time.Minute},
		Enabled:   true,
		Cooldown:  15 * time.Minute,
	}
	require.NoError(t, s.CreateAlertRule(ctx, rule))

	got, err := s.GetAlertRule(ctx, tenant, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CondAgentStuck, got.Condition)
	assert.Equal(t, 10*time.Minute, got.Params.Duration)
	assert.Equal(t, 15*time.Minute, got.Cooldown)

	disabled := model.AlertRule{
		ID:        uuid.New(),
		TenantID:  tenant,
		Name:      "error rate",
		Condition: model.CondErrorRate,
		Params:    model.AlertParams{Ratio: 0.5, WindowEvents: 5},
		Enabled:   false,
	}
	require.NoError(t, s.CreateAlertRule(ctx, disabled))

	all, err := s.ListAlertRules(ctx, tenant, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	enabled, err := s.ListAlertRules(ctx, tenant, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, rule.ID, enabled[0].ID)

	rule.Enabled = false
	rule.Cooldown = time.Hour
	require.NoError(t, s.UpdateAlertRule(ctx, rule))
	got, err = s.GetAlertRule(ctx, tenant, rule.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, time.Hour, got.Cooldown)

	require.NoError(t, s.DeleteAlertRule(ctx, tenant, rule.ID))
	_, err = s.GetAlertRule(ctx, tenant, rule.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	err = s.DeleteAlertRule(ctx, tenant, rule.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testAlertHistory(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tenant := seedTenant(t, s)
	ruleID := uuid.New()

	_, err := s.LatestFiring(ctx, ruleID, "agent-1")
	require.True(t, errors.Is(err, storage.ErrNotFound))

	first := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)
	f1 := model.AlertFiring{
		ID: uuid.New(), RuleID: ruleID, TenantID: tenant,
		Subject: "agent-1", FiredAt: first,
		Evidence:       map[string]any{"event_ids": []any{float64(3), float64(4)}},
		DispatchStatus: model.DispatchPending,
	}
	require.NoError(t, s.InsertAlertFiring(ctx, f1))
	f2 := model.AlertFiring{
		ID: uuid.New(), RuleID: ruleID, TenantID: tenant,
		Subject: "agent-1", FiredAt: first.Add(30 * time.Minute),
		DispatchStatus: model.DispatchSkipped,
	}
	require.NoError(t, s.InsertAlertFiring(ctx, f2))

	latest, err := s.LatestFiring(ctx, ruleID, "agent-1")
	require.NoError(t, err)
	assert.WithinDuration(t, f2.FiredAt, latest, time.Millisecond)

	// Different subject has its own cooldown clock.
	_, err = s.LatestFiring(ctx, ruleID, "agent-2")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.UpdateFiringDispatch(ctx, f1.ID, model.DispatchFailed, "webhook: 502"))
	err = s.UpdateFiringDispatch(ctx, uuid.New(), model.DispatchDelivered, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	firings, err := s.ListAlertFirings(ctx, tenant, storage.FiringFilter{})
	require.NoError(t, err)
	require.Len(t, firings, 2)
	assert.Equal(t, f2.ID, firings[0].ID, "newest first")
	assert.Equal(t, model.DispatchFailed, firings[1].DispatchStatus)
	assert.Equal(t, "webhook: 502", firings[1].DispatchError)
	assert.NotNil(t, firings[1].Evidence)

	scoped, err := s.ListAlertFirings(ctx, tenant, storage.FiringFilter{RuleID: &ruleID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
}
