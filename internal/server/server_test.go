package server_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcolano/hiveboard/internal/alert"
	"github.com/jcolano/hiveboard/internal/auth"
	"github.com/jcolano/hiveboard/internal/derive"
	"github.com/jcolano/hiveboard/internal/hub"
	"github.com/jcolano/hiveboard/internal/ingest"
	"github.com/jcolano/hiveboard/internal/model"
	"github.com/jcolano/hiveboard/internal/ratelimit"
	"github.com/jcolano/hiveboard/internal/server"
	"github.com/jcolano/hiveboard/internal/storage"
	"github.com/jcolano/hiveboard/internal/storage/sqlite"
)

type fixture struct {
	srv      *httptest.Server
	store    storage.Store
	tenantID uuid.UUID
	liveKey  string
	testKey  string
	roKey    string
}

func newFixture(t *testing.T, opts ...func(*server.Config)) *fixture {
	t.Helper()
	ctx := t.Context()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := sqlite.Open(ctx, ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tenant := model.Tenant{ID: uuid.New(), Name: "acme"}
	require.NoError(t, store.CreateTenant(ctx, tenant))

	f := &fixture{store: store, tenantID: tenant.ID}
	for _, k := range []struct {
		perm model.Permission
		dst  *string
	}{
		{model.PermReadWriteLive, &f.liveKey},
		{model.PermReadWriteTest, &f.testKey},
		{model.PermReadOnly, &f.roKey},
	} {
		raw, key, err := auth.NewKey(tenant.ID, k.perm, "")
		require.NoError(t, err)
		require.NoError(t, store.CreateAPIKey(ctx, key))
		*k.dst = raw
	}

	h := hub.New(logger, 0)
	dispatcher := alert.NewDispatcher(store, logger, 8)
	engine := alert.NewEngine(store, dispatcher, derive.Config{}, 0, logger)
	ingestor := ingest.New(store, h, engine, derive.Config{}, logger)

	cfg := server.Config{
		Store:               store,
		Resolver:            auth.NewResolver(store),
		Ingestor:            ingestor,
		Hub:                 h,
		Derive:              derive.Config{},
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 2 << 20,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv := server.New(cfg)

	f.srv = httptest.NewServer(srv.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, key string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var envelope struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Data
}

func envelope(agentID string, events ...model.EventInput) model.BatchEnvelope {
	return model.BatchEnvelope{
		Agent:  model.AgentMeta{ID: agentID, Name: agentID, Type: "worker"},
		Events: events,
	}
}

func taskEvents(taskID string) []model.EventInput {
	return []model.EventInput{
		{EventType: model.EventTaskStarted, Payload: map[string]any{"task_id": taskID}},
		{EventType: model.EventTaskCompleted, Payload: map[string]any{"task_id": taskID}},
	}
}

func TestHealthNoAuth(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	health := decodeData[model.HealthResponse](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Storage)
	assert.Equal(t, "test", health.Version)
}

func TestUnauthenticatedAccess(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/v1/agents", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/agents", "hb_live_totally_bogus_key", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIngestAllAccepted(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/ingest", f.liveKey, envelope("agent-1",
		model.EventInput{EventType: model.EventHeartbeat},
		model.EventInput{EventType: model.EventTaskStarted, Payload: map[string]any{"task_id": "t1"}},
	))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	result := decodeData[model.IngestResult](t, resp)
	assert.Equal(t, model.IngestAccepted, result.Status)
	assert.Equal(t, 2, result.Accepted)
	assert.Zero(t, result.Rejected)
	require.Len(t, result.Results, 2)
	assert.Positive(t, result.Results[0].EventID)
	assert.Greater(t, result.Results[1].EventID, result.Results[0].EventID)
}

func TestIngestPartial(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/ingest", f.liveKey, envelope("agent-1",
		model.EventInput{EventType: model.EventHeartbeat},
		model.EventInput{EventType: "bogus_type"},
	))
	assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)

	result := decodeData[model.IngestResult](t, resp)
	assert.Equal(t, model.IngestPartial, result.Status)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 1, result.Rejected)
	assert.Equal(t, 1, result.Results[1].Index)
	assert.NotEmpty(t, result.Results[1].Error)
}

func TestIngestAllRejected(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/ingest", f.liveKey, envelope("agent-1",
		model.EventInput{EventType: "bogus_type"},
	))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngestReadOnlyKeyForbidden(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/ingest", f.roKey, envelope("agent-1",
		model.EventInput{EventType: model.EventHeartbeat},
	))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestIngestMalformedBody(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/ingest", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.liveKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngestRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.01, 2)
	t.Cleanup(func() { limiter.Close() })
	f := newFixture(t, func(cfg *server.Config) { cfg.Limiter = limiter })

	for i := 0; i < 2; i++ {
		resp := f.do(t, http.MethodPost, "/v1/ingest", f.liveKey, envelope("agent-1",
			model.EventInput{EventType: model.EventHeartbeat}))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := f.do(t, http.MethodPost, "/v1/ingest", f.liveKey, envelope("agent-1",
		model.EventInput{EventType: model.EventHeartbeat}))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	// Read endpoints are not rate limited.
	resp = f.do(t, http.MethodGet, "/v1/agents", f.liveKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListAgentsWithDerivedStatus(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/ingest", f.liveKey, envelope("agent-1",
		model.EventInput{EventType: model.EventTaskStarted, Payload: map[string]any{"task_id": "t1"}},
	))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/agents", f.liveKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	agents := decodeData[[]model.Agent](t, resp)
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-1", agents[0].AgentID)
	assert.Equal(t, model.StatusProcessing, agents[0].Status)

	resp = f.do(t, http.MethodGet, "/v1/agents/agent-1", f.liveKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	agent := decodeData[model.Agent](t, resp)
	assert.Equal(t, model.StatusProcessing, agent.Status)

	resp = f.do(t, http.MethodGet, "/v1/agents/nope", f.liveKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgentPipeline(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/ingest", f.liveKey, envelope("agent-1",
		model.EventInput{EventType: model.EventMilestone, Payload: map[string]any{
			"kind": "todo", "key": "td-1", "title": "write docs",
		}},
		model.EventInput{EventType: model.EventMilestone, Payload: map[string]any{
			"kind": "queue_snapshot", "items": []any{"a", "b"},
		}},
	))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/agents/agent-1/pipeline", f.liveKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	pipeline := decodeData[model.Pipeline](t, resp)
	assert.Equal(t, []any{"a", "b"}, pipeline.Queue)
	require.Len(t, pipeline.Todos, 1)
	assert.Equal(t, "td-1", pipeline.Todos[0].Key)

	resp = f.do(t, http.MethodGet, "/v1/agents/nope/pipeline", f.liveKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTasksAndTimeline(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/ingest", f.liveKey, envelope("agent-1", taskEvents("t1")...))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/tasks", f.liveKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	tasks := decodeData[[]model.Task](t, resp)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].TaskID)
	assert.Equal(t, model.TaskCompleted, tasks[0].Status)

	resp = f.do(t, http.MethodGet, "/v1/tasks?status=running", f.liveKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	tasks = decodeData[[]model.Task](t, resp)
	assert.Empty(t, tasks)

	resp = f.do(t, http.MethodGet, "/v1/tasks/t1/timeline", f.liveKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	events := decodeData[[]model.Event](t, resp)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventTaskStarted, events[0].EventType)

	resp = f.do(t, http.MethodGet, "/v1/tasks/missing/timeline", f.liveKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsCursorPagination(t *testing.T) {
	f := newFixture(t)

	var inputs []model.EventInput
	for i := 0; i < 5; i++ {
		inputs = append(inputs, model.EventInput{EventType: model.EventHeartbeat})
	}
	resp := f.do(t, http.MethodPost, "/v1/ingest", f.liveKey, envelope("agent-1", inputs...))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var seen []int64
	path := "/v1/events?limit=2"
	for {
		resp := f.do(t, http.MethodGet, path, f.liveKey, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var page struct {
			Data   []model.Event `json:"data"`
			Cursor string        `json:"cursor"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
		for _, e := range page.Data {
			seen = append(seen, e.ID)
		}
		if page.Cursor == "" {
			break
		}
		path = "/v1/events?limit=2&cursor=" + page.Cursor
	}

	require.Len(t, seen, 5)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}

	resp = f.do(t, http.MethodGet, "/v1/events?cursor=%25%25", f.liveKey, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTestKeyIsolation(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/ingest", f.testKey, envelope("staging-agent",
		model.EventInput{EventType: model.EventHeartbeat},
	))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Live keys don't see test-flagged events by default.
	resp = f.do(t, http.MethodGet, "/v1/events", f.liveKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeData[[]model.Event](t, resp))

	resp = f.do(t, http.MethodGet, "/v1/events?include_test=true", f.liveKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeData[[]model.Event](t, resp), 1)

	// Test keys see their own writes.
	resp = f.do(t, http.MethodGet, "/v1/events", f.testKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeData[[]model.Event](t, resp), 1)
}

func TestMetricsAndCosts(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/ingest", f.liveKey, envelope("agent-1",
		model.EventInput{EventType: model.EventHeartbeat},
		model.EventInput{EventType: model.EventLog, Payload: map[string]any{
			"kind": "llm_call", "model": "gpt-4o", "cost_usd": 0.25,
			"input_tokens": float64(100), "output_tokens": float64(50),
		}},
	))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/metrics", f.liveKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	buckets := decodeData[[]model.MetricBucket](t, resp)
	total := int64(0)
	for _, b := range buckets {
		total += b.Count
	}
	assert.Equal(t, int64(2), total)

	resp = f.do(t, http.MethodGet, "/v1/costs", f.liveKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	costs := decodeData[model.CostSummary](t, resp)
	assert.InDelta(t, 0.25, costs.TotalUSD, 1e-9)
	assert.Equal(t, int64(1), costs.Calls)

	resp = f.do(t, http.MethodGet, "/v1/costs/timeseries?interval=1h", f.liveKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	points := decodeData[[]model.CostPoint](t, resp)
	require.Len(t, points, 1)
	assert.InDelta(t, 0.25, points[0].USD, 1e-9)

	resp = f.do(t, http.MethodGet, "/v1/costs/timeseries?interval=5s", f.liveKey, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProjectLifecycle(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/projects", f.liveKey, model.CreateProjectRequest{Name: "checkout"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	project := decodeData[model.Project](t, resp)
	assert.Equal(t, "checkout", project.Name)

	// Read-only keys cannot mutate.
	resp = f.do(t, http.MethodPost, "/v1/projects", f.roKey, model.CreateProjectRequest{Name: "nope"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/projects", f.liveKey, model.CreateProjectRequest{Name: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	newName := "checkout-v2"
	resp = f.do(t, http.MethodPatch, "/v1/projects/"+project.ID.String(), f.liveKey,
		model.UpdateProjectRequest{Name: &newName})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "checkout-v2", decodeData[model.Project](t, resp).Name)

	resp = f.do(t, http.MethodPost, "/v1/projects/"+project.ID.String()+"/archive", f.liveKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeData[model.Project](t, resp).Archived)

	resp = f.do(t, http.MethodGet, "/v1/projects", f.liveKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeData[[]model.Project](t, resp))

	resp = f.do(t, http.MethodGet, "/v1/projects?include_archived=true", f.liveKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeData[[]model.Project](t, resp), 1)

	resp = f.do(t, http.MethodGet, "/v1/projects/"+uuid.NewString(), f.liveKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAlertRuleLifecycle(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/alerts/rules", f.liveKey, model.CreateAlertRuleRequest{
		Name:            "stuck watch",
		Condition:       model.CondAgentStuck,
		Params:          model.AlertParams{Duration: 5 * time.Minute},
		CooldownSeconds: 600,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rule := decodeData[model.AlertRule](t, resp)
	assert.True(t, rule.Enabled)
	assert.Equal(t, 10*time.Minute, rule.Cooldown)

	resp = f.do(t, http.MethodPost, "/v1/alerts/rules", f.liveKey, model.CreateAlertRuleRequest{
		Name: "bad", Condition: "no_such_condition",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	disabled := false
	resp = f.do(t, http.MethodPatch, "/v1/alerts/rules/"+rule.ID.String(), f.liveKey,
		model.UpdateAlertRuleRequest{Enabled: &disabled})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decodeData[model.AlertRule](t, resp).Enabled)

	resp = f.do(t, http.MethodGet, "/v1/alerts/rules?enabled=true", f.liveKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeData[[]model.AlertRule](t, resp))

	resp = f.do(t, http.MethodGet, "/v1/alerts/rules", f.liveKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeData[[]model.AlertRule](t, resp), 1)

	resp = f.do(t, http.MethodGet, "/v1/alerts/history", f.liveKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeData[[]model.AlertFiring](t, resp))

	resp = f.do(t, http.MethodDelete, "/v1/alerts/rules/"+rule.ID.String(), f.liveKey, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/alerts/rules/"+rule.ID.String(), f.liveKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAlertFiringViaIngest(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/alerts/rules", f.liveKey, model.CreateAlertRuleRequest{
		Name:      "deploy watch",
		Condition: model.CondCustomEvent,
		Params:    model.AlertParams{Pattern: "deploy_*"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/ingest", f.liveKey, envelope("agent-1",
		model.EventInput{EventType: model.EventCustom, Payload: map[string]any{
			"kind": "custom", "name": "deploy_failed",
		}},
	))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/alerts/history", f.liveKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	firings := decodeData[[]model.AlertFiring](t, resp)
	require.Len(t, firings, 1)
	assert.Equal(t, "agent-1", firings[0].Subject)
	assert.Equal(t, model.DispatchSkipped, firings[0].DispatchStatus)
}

func TestStreamDeliversIngestedEvents(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/stream"
	header := http.Header{"Authorization": {"Bearer " + f.liveKey}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	// Unauthenticated upgrade is refused.
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	httpResp := f.do(t, http.MethodPost, "/v1/ingest", f.liveKey, envelope("agent-1",
		model.EventInput{EventType: model.EventHeartbeat},
	))
	require.Equal(t, http.StatusOK, httpResp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	var msg hub.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, hub.TypeEvent, msg.Type)
}
