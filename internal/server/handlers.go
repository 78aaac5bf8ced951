package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jcolano/hiveboard/internal/derive"
	"github.com/jcolano/hiveboard/internal/hub"
	"github.com/jcolano/hiveboard/internal/ingest"
	"github.com/jcolano/hiveboard/internal/model"
	"github.com/jcolano/hiveboard/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.Store
	ingestor            *ingest.Ingestor
	hub                 *hub.Hub
	derive              derive.Config
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Store               storage.Store
	Ingestor            *ingest.Ingestor
	Hub                 *hub.Hub
	Derive              derive.Config
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		ingestor:            d.Ingestor,
		hub:                 d.Hub,
		derive:              d.Derive,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleIngest handles POST /v1/ingest. Status code encodes the batch
// outcome: 200 all accepted, 207 partial, 400 nothing persisted.
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())

	var env model.BatchEnvelope
	if err := decodeJSON(w, r, &env, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	result, err := h.ingestor.Ingest(r.Context(), key.TenantID, key.Permission, env)
	if err != nil {
		var batchErr *ingest.BatchError
		switch {
		case errors.Is(err, ingest.ErrReadOnly):
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "read-only key cannot ingest")
		case errors.As(err, &batchErr):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, batchErr.Msg)
		default:
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeStorageError, "failed to persist batch")
		}
		return
	}

	status := http.StatusOK
	switch result.Status {
	case model.IngestPartial:
		status = http.StatusMultiStatus
	case model.IngestRejected:
		status = http.StatusBadRequest
	}
	writeJSON(w, r, status, result)
}

// HandleStream handles GET /v1/stream: upgrades to WebSocket and hands the
// connection to the hub.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())
	if key == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no api key in context")
		return
	}
	h.hub.Serve(w, r, key.TenantID)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	storageStatus := "connected"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		status = "unhealthy"
		storageStatus = "disconnected"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:  status,
		Version: h.version,
		Storage: storageStatus,
		Hub:     h.hub.Sessions(),
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	})
}
