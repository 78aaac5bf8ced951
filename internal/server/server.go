package server

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jcolano/hiveboard/internal/auth"
	"github.com/jcolano/hiveboard/internal/derive"
	"github.com/jcolano/hiveboard/internal/hub"
	"github.com/jcolano/hiveboard/internal/ingest"
	"github.com/jcolano/hiveboard/internal/ratelimit"
	"github.com/jcolano/hiveboard/internal/storage"
)

// Server is the Hiveboard HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and settings for creating a Server.
type Config struct {
	Store    storage.Store
	Resolver *auth.Resolver
	Ingestor *ingest.Ingestor
	Hub      *hub.Hub
	Derive   derive.Config
	Limiter  ratelimit.Limiter
	Logger   *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// UIFS is the embedded dashboard filesystem. Nil disables the dashboard
	// (builds without the ui tag).
	UIFS fs.FS

	// OpenAPISpec is the raw OpenAPI YAML served at /openapi.yaml.
	OpenAPISpec []byte

	// ExtraRoutes register additional routes on the shared mux. They run
	// inside the standard middleware chain, auth included.
	ExtraRoutes []func(*http.ServeMux)

	// Middlewares wrap the root handler, outermost first. They see every
	// request, /health included.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Ingestor:            cfg.Ingestor,
		Hub:                 cfg.Hub,
		Derive:              cfg.Derive,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Ingestion. Permission is enforced inside the ingestor as well, but the
	// middleware keeps read-only keys from touching the pipeline at all. The
	// rate limit is per tenant, so one noisy fleet cannot starve the rest.
	var ingestHandler http.Handler = requireWrite(http.HandlerFunc(h.HandleIngest))
	if cfg.Limiter != nil {
		ingestHandler = ratelimit.Middleware(cfg.Limiter, ingestRateKey, func(r *http.Request) string {
			return RequestIDFromContext(r.Context())
		})(ingestHandler)
	}
	mux.Handle("POST /v1/ingest", ingestHandler)

	// Agents and derived state.
	mux.HandleFunc("GET /v1/agents", h.HandleListAgents)
	mux.HandleFunc("GET /v1/agents/{agent_id}", h.HandleGetAgent)
	mux.HandleFunc("GET /v1/agents/{agent_id}/pipeline", h.HandleAgentPipeline)
	mux.HandleFunc("GET /v1/tasks", h.HandleListTasks)
	mux.HandleFunc("GET /v1/tasks/{task_id}/timeline", h.HandleTaskTimeline)

	// Event log and aggregates.
	mux.HandleFunc("GET /v1/events", h.HandleListEvents)
	mux.HandleFunc("GET /v1/metrics", h.HandleMetrics)
	mux.HandleFunc("GET /v1/costs", h.HandleCosts)
	mux.HandleFunc("GET /v1/costs/timeseries", h.HandleCostTimeseries)

	// Projects.
	mux.Handle("POST /v1/projects", requireWrite(http.HandlerFunc(h.HandleCreateProject)))
	mux.HandleFunc("GET /v1/projects", h.HandleListProjects)
	mux.HandleFunc("GET /v1/projects/{id}", h.HandleGetProject)
	mux.Handle("PATCH /v1/projects/{id}", requireWrite(http.HandlerFunc(h.HandleUpdateProject)))
	mux.Handle("POST /v1/projects/{id}/archive", requireWrite(http.HandlerFunc(h.HandleArchiveProject)))

	// Alert rules and history.
	mux.Handle("POST /v1/alerts/rules", requireWrite(http.HandlerFunc(h.HandleCreateAlertRule)))
	mux.HandleFunc("GET /v1/alerts/rules", h.HandleListAlertRules)
	mux.HandleFunc("GET /v1/alerts/rules/{id}", h.HandleGetAlertRule)
	mux.Handle("PATCH /v1/alerts/rules/{id}", requireWrite(http.HandlerFunc(h.HandleUpdateAlertRule)))
	mux.Handle("DELETE /v1/alerts/rules/{id}", requireWrite(http.HandlerFunc(h.HandleDeleteAlertRule)))
	mux.HandleFunc("GET /v1/alerts/history", h.HandleAlertHistory)

	// Live stream (long-lived connection, authenticated like everything else).
	mux.HandleFunc("GET /v1/stream", h.HandleStream)

	// Health, API spec, and dashboard (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)
	if len(cfg.OpenAPISpec) > 0 {
		mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(cfg.OpenAPISpec)
		})
	}
	if cfg.UIFS != nil {
		mux.Handle("GET /", spaHandler(cfg.UIFS))
	}

	for _, fn := range cfg.ExtraRoutes {
		fn(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.Resolver, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// spaHandler serves the embedded dashboard, falling back to index.html so
// client-side routes deep-link correctly.
func spaHandler(uiFS fs.FS) http.Handler {
	fileServer := http.FileServerFS(uiFS)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		if name != "" {
			if f, err := uiFS.Open(name); err == nil {
				_ = f.Close()
				fileServer.ServeHTTP(w, r)
				return
			}
		}
		http.ServeFileFS(w, r, uiFS, "index.html")
	})
}

// ingestRateKey builds the per-tenant rate limit key for ingestion requests.
// Unauthenticated requests return an empty key; the auth middleware rejects
// them before the limiter matters.
func ingestRateKey(r *http.Request) string {
	key := KeyFromContext(r.Context())
	if key == nil {
		return ""
	}
	return "ingest:tenant:" + key.TenantID.String()
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
