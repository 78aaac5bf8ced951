package hiveboard

import (
	"context"
	"net/http"
)

// EventHook receives async notifications for ingestion and alerting
// lifecycle events. Multiple hooks may be registered via multiple
// WithEventHook calls. Hook methods run in goroutines and must not block
// indefinitely. Failures are logged but do not fail the originating request.
type EventHook interface {
	OnEventsIngested(ctx context.Context, events []Event) error
	OnAlertFired(ctx context.Context, firing AlertFiring) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Registered routes share the mux, auth chain, and instrumentation with
// built-in routes. The function is called once during New() after all
// built-in routes are registered.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including
// /health. Multiple middlewares are applied in registration order
// (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
