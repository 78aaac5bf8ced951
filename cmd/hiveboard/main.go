package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

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

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("HIVEBOARD_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("hiveboard starting", "version", version, "port", cfg.Port, "backend", cfg.Backend)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Open the storage backend.
	var store storage.Store
	switch cfg.Backend {
	case config.BackendPostgres:
		store, err = postgres.Open(ctx, cfg.DatabaseURL, logger)
	default:
		store, err = sqlite.Open(ctx, cfg.SQLitePath, logger)
	}
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	if err := seedBootstrap(ctx, store, cfg, logger); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	deriveCfg := derive.Config{
		OfflineWindow:  cfg.OfflineWindow,
		StuckThreshold: cfg.StuckThreshold,
	}

	broadcast := hub.New(logger, cfg.HubQueueSize)
	dispatcher := alert.NewDispatcher(store, logger, cfg.DispatchQueue)
	engine := alert.NewEngine(store, dispatcher, deriveCfg, cfg.AlertCooldown, logger)
	ingestor := ingest.New(store, broadcast, engine, deriveCfg, logger)

	resolver := auth.NewResolver(store)
	if cfg.KeyCacheTTL > 0 {
		resolver = auth.NewCachedResolver(store, cfg.KeyCacheTTL)
	}
	defer resolver.Close()

	// Embedded dashboard (non-nil only when built with -tags ui).
	uiFS, err := ui.DistFS()
	if err != nil {
		return fmt.Errorf("ui: %w", err)
	}
	if uiFS != nil {
		logger.Info("ui: embedded dashboard loaded")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		mem := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = mem.Close() }()
		limiter = mem
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
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := dispatcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("dispatcher: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Stop the HTTP server when the signal context or a sibling goroutine
	// ends. In-flight requests get a drain window; webhook dispatches already
	// queued are abandoned at the queue's Run loop.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("hiveboard stopped")
	return nil
}

// seedBootstrap creates the configured tenant and live API key on first run.
// Idempotent: a key that already resolves is left alone.
func seedBootstrap(ctx context.Context, store storage.Store, cfg config.Config, logger *slog.Logger) error {
	if cfg.BootstrapKey == "" {
		return nil
	}
	if len(cfg.BootstrapKey) < auth.PrefixLen {
		return fmt.Errorf("HIVEBOARD_BOOTSTRAP_KEY must be at least %d characters", auth.PrefixLen)
	}
	tenantID, err := uuid.Parse(cfg.BootstrapTenantID)
	if err != nil {
		return fmt.Errorf("HIVEBOARD_BOOTSTRAP_TENANT_ID must be a UUID: %w", err)
	}

	tenant := model.Tenant{ID: tenantID, Name: "bootstrap", CreatedAt: time.Now().UTC()}
	if err := store.CreateTenant(ctx, tenant); err != nil && !errors.Is(err, storage.ErrConflict) {
		return err
	}

	if _, err := auth.NewResolver(store).Resolve(ctx, cfg.BootstrapKey); err == nil {
		return nil
	}

	hash, err := auth.HashAPIKey(cfg.BootstrapKey)
	if err != nil {
		return err
	}
	key := model.APIKey{
		ID:         uuid.New(),
		TenantID:   tenantID,
		Prefix:     cfg.BootstrapKey[:auth.PrefixLen],
		KeyHash:    hash,
		Permission: model.PermReadWriteLive,
		Label:      "bootstrap",
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.CreateAPIKey(ctx, key); err != nil {
		return err
	}
	logger.Info("bootstrap key seeded", "tenant_id", tenantID.String(), "prefix", key.Prefix)
	return nil
}
