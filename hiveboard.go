// Package hiveboard is the public API for embedding the Hiveboard
// agent-observability server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := hiveboard.New(
//	    hiveboard.WithVersion(version),
//	    hiveboard.WithLogger(logger),
//	    hiveboard.WithEventHook(myHook{}),
//	    hiveboard.WithExtraRoutes(myRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: hiveboard (root) imports
// internal/*, but internal/* never imports hiveboard (root). Public types
// (Event, AlertFiring) are standalone structs with no internal imports;
// conversion helpers live here because this is the only file that sees both
// sides of the boundary.
package hiveboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/jcolano/hiveboard/api"
	"github.com/jcolano/hiveboard/internal/alert"
	"github.com/jcolano/hiveboard/internal/auth"
	"github.com/jcolano/hiveboard/internal/config"
	"github.com/jcolano/hiveboard/internal/derive"
	"github.com/jcolano/hiveboard/internal/hub"
	"github.com/jcolano/hiveboard/internal/ingest"
	"github.com/jcolano/hiveboard/internal/model"
	"github.com/jcolano/hiveboard/internal/ratelimit"
	"github.com/jcolano/hiveboard/internal/server"
	"github.com/jcolano/hiveboard/internal/storage"
	"github.com/jcolano/hiveboard/internal/storage/postgres"
	"github.com/jcolano/hiveboard/internal/storage/sqlite"
	"github.com/jcolano/hiveboard/internal/telemetry"
	"github.com/jcolano/hiveboard/ui"
)

// App is the Hiveboard server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	store        storage.Store
	srv          *server.Server
	resolver     *auth.Resolver
	dispatcher   *alert.Dispatcher
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Hiveboard server. It opens the storage backend, runs
// schema migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
		cfg.Backend = config.BackendSQLite
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
		cfg.Backend = config.BackendPostgres
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("hiveboard starting", "version", version, "port", cfg.Port, "backend", cfg.Backend)

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	var store storage.Store
	switch cfg.Backend {
	case config.BackendPostgres:
		store, err = postgres.Open(ctx, cfg.DatabaseURL, logger)
	default:
		store, err = sqlite.Open(ctx, cfg.SQLitePath, logger)
	}
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}

	resolver := auth.NewResolver(store)
	if cfg.KeyCacheTTL > 0 {
		resolver = auth.NewCachedResolver(store, cfg.KeyCacheTTL)
	}

	deriveCfg := derive.Config{
		OfflineWindow:  cfg.OfflineWindow,
		StuckThreshold: cfg.StuckThreshold,
	}

	broadcast := hub.New(logger, cfg.HubQueueSize)
	dispatcher := alert.NewDispatcher(store, logger, cfg.DispatchQueue)
	engine := alert.NewEngine(store, dispatcher, deriveCfg, cfg.AlertCooldown, logger)
	ingestor := ingest.New(store, broadcast, engine, deriveCfg, logger)

	for _, h := range o.eventHooks {
		adapter := &eventHookAdapter{hook: h}
		ingestor.AddHook(adapter.onEventsIngested)
		engine.AddHook(adapter.onAlertFired)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	uiFS, err := ui.DistFS()
	if err != nil {
		_ = store.Close()
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("ui: %w", err)
	}

	var extraRoutes []func(*http.ServeMux)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, fn)
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.Config{
		Store:               store,
		Resolver:            resolver,
		Ingestor:            ingestor,
		Hub:                 broadcast,
		Derive:              deriveCfg,
		Limiter:             limiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		UIFS:                uiFS,
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})

	return &App{
		cfg:          cfg,
		store:        store,
		srv:          srv,
		resolver:     resolver,
		dispatcher:   dispatcher,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the root HTTP handler, for mounting the API inside another
// server or driving it from tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the webhook dispatcher and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	dispatchCtx, dispatchCancel := context.WithCancel(ctx)
	defer dispatchCancel()
	go func() {
		if err := a.dispatcher.Run(dispatchCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("dispatcher stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests, then releases the resolver cache,
// rate limiter, storage backend, and OTEL provider. Webhook dispatches still
// queued are abandoned.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("hiveboard shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	a.resolver.Close()
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	_ = a.otelShutdown(context.Background())
	_ = a.store.Close()

	a.logger.Info("hiveboard stopped")
	return nil
}

// eventHookAdapter bridges the public EventHook to the internal hook points.
type eventHookAdapter struct {
	hook EventHook
}

func (a *eventHookAdapter) onEventsIngested(ctx context.Context, _ uuid.UUID, events []model.Event) error {
	public := make([]Event, len(events))
	for i, e := range events {
		public[i] = toPublicEvent(e)
	}
	return a.hook.OnEventsIngested(ctx, public)
}

func (a *eventHookAdapter) onAlertFired(ctx context.Context, rule model.AlertRule, f model.AlertFiring) error {
	return a.hook.OnAlertFired(ctx, toPublicFiring(rule, f))
}

func toPublicEvent(e model.Event) Event {
	return Event{
		ID:         e.ID,
		TenantID:   e.TenantID,
		ProjectID:  e.ProjectID,
		AgentID:    e.AgentID,
		EventType:  string(e.EventType),
		Timestamp:  e.Timestamp,
		ReceivedAt: e.ReceivedAt,
		Payload:    e.Payload,
		Test:       e.Test,
	}
}

func toPublicFiring(rule model.AlertRule, f model.AlertFiring) AlertFiring {
	return AlertFiring{
		ID:        f.ID,
		RuleID:    f.RuleID,
		TenantID:  f.TenantID,
		RuleName:  rule.Name,
		Condition: string(rule.Condition),
		Subject:   f.Subject,
		FiredAt:   f.FiredAt,
		Evidence:  f.Evidence,
	}
}
