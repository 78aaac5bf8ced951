package hiveboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustUUID(t *testing.T) uuid.UUID {
	t.Helper()
	return uuid.New()
}

const testKey = "hb_live_0123456789abcdef"

// newTestServer returns a server that checks the bearer key and delegates to
// handler, and a client pointed at it.
func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" && r.Header.Get("Authorization") != "Bearer "+testKey {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"UNAUTHORIZED","message":"missing or invalid api key"}}`))
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL, APIKey: testKey})
	require.NoError(t, err)
	return srv, client
}

func writeData(t *testing.T, w http.ResponseWriter, status int, data any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"data": data}))
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{APIKey: "k"})
	assert.ErrorContains(t, err, "BaseURL is required")

	_, err = NewClient(Config{BaseURL: "http://localhost:8080"})
	assert.ErrorContains(t, err, "APIKey is required")

	c, err := NewClient(Config{BaseURL: "http://localhost:8080/", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", c.baseURL)
}

func TestIngestAccepted(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/ingest", r.URL.Path)

		var env BatchEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		assert.Equal(t, "agent-1", env.Agent.ID)
		require.Len(t, env.Events, 2)

		writeData(t, w, http.StatusOK, IngestResult{
			Status:   "accepted",
			Accepted: 2,
			Results:  []EventResult{{Index: 0, EventID: 1}, {Index: 1, EventID: 2}},
		})
	})

	result, err := client.Ingest(context.Background(), BatchEnvelope{
		Agent: AgentMeta{ID: "agent-1", Type: "worker"},
		Events: []EventInput{
			{EventType: "heartbeat"},
			{EventType: "task_started", Payload: map[string]any{"task_id": "t1"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "accepted", result.Status)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, int64(2), result.Results[1].EventID)
}

func TestIngestPartialIsNotAnError(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeData(t, w, http.StatusMultiStatus, IngestResult{
			Status:   "partial_success",
			Accepted: 1,
			Rejected: 1,
			Results: []EventResult{
				{Index: 0, EventID: 1},
				{Index: 1, Error: "unknown event_type", Field: "event_type"},
			},
		})
	})

	result, err := client.Ingest(context.Background(), BatchEnvelope{
		Agent:  AgentMeta{ID: "agent-1"},
		Events: []EventInput{{EventType: "heartbeat"}, {EventType: "bogus"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "partial_success", result.Status)
	assert.Equal(t, 1, result.Rejected)
	assert.Equal(t, "unknown event_type", result.Results[1].Error)
}

func TestIngestFullyRejectedIsNotAnError(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeData(t, w, http.StatusBadRequest, IngestResult{
			Status:   "rejected",
			Rejected: 1,
			Results:  []EventResult{{Index: 0, Error: "unknown event_type"}},
		})
	})

	result, err := client.Ingest(context.Background(), BatchEnvelope{
		Agent:  AgentMeta{ID: "agent-1"},
		Events: []EventInput{{EventType: "bogus"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "rejected", result.Status)
}

func TestIngestBatchLevelRejection(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"INVALID_INPUT","message":"envelope contains no events"}}`))
	})

	_, err := client.Ingest(context.Background(), BatchEnvelope{Agent: AgentMeta{ID: "agent-1"}})
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "INVALID_INPUT", apiErr.Code)
	assert.Contains(t, apiErr.Message, "no events")
}

func TestIngestForbidden(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":"FORBIDDEN","message":"read-only key cannot ingest"}}`))
	})

	_, err := client.Ingest(context.Background(), BatchEnvelope{
		Agent:  AgentMeta{ID: "agent-1"},
		Events: []EventInput{{EventType: "heartbeat"}},
	})
	assert.True(t, IsForbidden(err))
}

func TestUnauthorizedError(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached without a valid key")
	})

	client, err := NewClient(Config{BaseURL: srv.URL, APIKey: "wrong-key"})
	require.NoError(t, err)

	_, err = client.ListAgents(context.Background(), nil)
	assert.True(t, IsUnauthorized(err))
	assert.False(t, IsNotFound(err))
}

func TestListAgentsFilters(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/agents", r.URL.Path)
		assert.Equal(t, "worker", r.URL.Query().Get("type"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		writeData(t, w, http.StatusOK, []Agent{
			{AgentID: "agent-1", Type: "worker", Status: "processing"},
		})
	})

	agents, err := client.ListAgents(context.Background(), &AgentOptions{Type: "worker", Limit: 5})
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "processing", agents[0].Status)
}

func TestGetAgentNotFound(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"NOT_FOUND","message":"agent not found"}}`))
	})

	_, err := client.GetAgent(context.Background(), "nope")
	assert.True(t, IsNotFound(err))
}

func TestEventsPagination(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/events", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		if cursor := r.URL.Query().Get("cursor"); cursor == "" {
			assert.Equal(t, "2", r.URL.Query().Get("limit"))
			_, _ = w.Write([]byte(`{"data":[{"id":1,"agent_id":"a"},{"id":2,"agent_id":"a"}],"cursor":"tok-2","limit":2}`))
		} else {
			assert.Equal(t, "tok-2", cursor)
			_, _ = w.Write([]byte(`{"data":[{"id":3,"agent_id":"a"}],"limit":2}`))
		}
	})

	page, err := client.Events(context.Background(), &EventOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	require.Equal(t, "tok-2", page.Cursor)

	page, err = client.Events(context.Background(), &EventOptions{Limit: 2, Cursor: page.Cursor})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, int64(3), page.Events[0].ID)
	assert.Empty(t, page.Cursor, "last page has no cursor")
}

func TestAgentPipeline(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/agents/agent-1/pipeline", r.URL.Path)
		writeData(t, w, http.StatusOK, Pipeline{
			AgentID: "agent-1",
			Todos:   []PipelineItem{{Key: "todo-1", EventID: 7}},
			Plan:    &PlanProgress{PlanID: "p1", TotalSteps: 4, DoneSteps: 1, Ratio: 0.25},
		})
	})

	p, err := client.AgentPipeline(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Len(t, p.Todos, 1)
	require.NotNil(t, p.Plan)
	assert.InDelta(t, 0.25, p.Plan.Ratio, 1e-9)
}

func TestDeleteAlertRule(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})

	err := client.DeleteAlertRule(context.Background(), mustUUID(t))
	require.NoError(t, err)
}

func TestHealthNoAuth(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		writeData(t, w, http.StatusOK, Health{Status: "ok", Version: "1.2.3", Storage: "ok"})
	})

	h, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "1.2.3", h.Version)
}
