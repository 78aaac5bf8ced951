package alert

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcolano/hiveboard/internal/model"
	"github.com/jcolano/hiveboard/internal/storage"
	"github.com/jcolano/hiveboard/internal/storage/sqlite"
)

func newDispatchFixture(t *testing.T) (storage.Store, *Dispatcher, uuid.UUID) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := sqlite.Open(t.Context(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tenant := uuid.New()
	require.NoError(t, store.CreateTenant(context.Background(), model.Tenant{ID: tenant, Name: "acme"}))

	return store, NewDispatcher(store, logger, 8), tenant
}

func insertFiring(t *testing.T, store storage.Store, tenant uuid.UUID) model.AlertFiring {
	t.Helper()
	f := model.AlertFiring{
		ID:             uuid.New(),
		RuleID:         uuid.New(),
		TenantID:       tenant,
		Subject:        "agent-1",
		FiredAt:        time.Now().UTC().Truncate(time.Millisecond),
		Evidence:       map[string]any{"errors": float64(3)},
		DispatchStatus: model.DispatchPending,
	}
	require.NoError(t, store.InsertAlertFiring(context.Background(), f))
	return f
}

func waitForStatus(t *testing.T, store storage.Store, tenant uuid.UUID, firingID uuid.UUID, want string) model.AlertFiring {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		firings, err := store.ListAlertFirings(context.Background(), tenant, storage.FiringFilter{})
		require.NoError(t, err)
		for _, f := range firings {
			if f.ID == firingID && f.DispatchStatus == want {
				return f
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("firing %s never reached status %q", firingID, want)
	return model.AlertFiring{}
}

func TestDispatcherDelivers(t *testing.T) {
	store, dispatcher, tenant := newDispatchFixture(t)

	var received atomic.Pointer[webhookPayload]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhookPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		received.Store(&p)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Run(ctx) //nolint:errcheck

	firing := insertFiring(t, store, tenant)
	rule := model.AlertRule{
		ID:         firing.RuleID,
		TenantID:   tenant,
		Name:       "error storm",
		Condition:  model.CondErrorRate,
		WebhookURL: srv.URL,
	}
	dispatcher.Enqueue(rule, firing)

	waitForStatus(t, store, tenant, firing.ID, model.DispatchDelivered)
	payload := received.Load()
	require.NotNil(t, payload)
	assert.Equal(t, "error storm", payload.RuleName)
	assert.Equal(t, "agent-1", payload.Subject)
	assert.Equal(t, float64(3), payload.Evidence["errors"])
}

func TestDispatcherRecordsFailure(t *testing.T) {
	store, dispatcher, tenant := newDispatchFixture(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Run(ctx) //nolint:errcheck

	firing := insertFiring(t, store, tenant)
	dispatcher.Enqueue(model.AlertRule{
		ID: firing.RuleID, TenantID: tenant, Name: "x", WebhookURL: srv.URL,
	}, firing)

	got := waitForStatus(t, store, tenant, firing.ID, model.DispatchFailed)
	assert.Contains(t, got.DispatchError, "502")
}

func TestDispatcherQueueFull(t *testing.T) {
	store, _, tenant := newDispatchFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tiny := NewDispatcher(store, logger, 1)
	// No worker running: the second enqueue overflows the queue.

	first := insertFiring(t, store, tenant)
	second := insertFiring(t, store, tenant)
	rule := model.AlertRule{ID: first.RuleID, TenantID: tenant, WebhookURL: "http://localhost:0"}
	tiny.Enqueue(rule, first)
	tiny.Enqueue(rule, second)

	got := waitForStatus(t, store, tenant, second.ID, model.DispatchFailed)
	assert.Equal(t, "dispatch queue full", got.DispatchError)
}
