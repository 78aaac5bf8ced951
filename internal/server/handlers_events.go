package server

import (
	"net/http"
	"time"

	"github.com/jcolano/hiveboard/internal/model"
	"github.com/jcolano/hiveboard/internal/storage"
)

// HandleListEvents handles GET /v1/events with filters and cursor pagination.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())

	f, ok := h.eventFilter(w, r)
	if !ok {
		return
	}

	if token := r.URL.Query().Get("cursor"); token != "" {
		pos, err := storage.DecodeCursor(token)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "malformed cursor")
			return
		}
		f.Cursor = pos
	}

	page, err := h.store.GetEvents(r.Context(), key.TenantID, f)
	if err != nil {
		storageError(w, r, err)
		return
	}

	next := ""
	if page.HasMore {
		next = storage.EncodeCursor(page.NextCursor)
	}
	writeList(w, r, page.Events, next, f.Limit)
}

// HandleMetrics handles GET /v1/metrics: per-event-type counts over a window.
func (h *Handlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())

	f, ok := h.metricFilter(w, r)
	if !ok {
		return
	}

	buckets, err := h.store.AggregateMetrics(r.Context(), key.TenantID, f)
	if err != nil {
		storageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, buckets)
}

// HandleCosts handles GET /v1/costs: aggregated llm_call spend.
func (h *Handlers) HandleCosts(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())

	f, ok := h.metricFilter(w, r)
	if !ok {
		return
	}

	summary, err := h.store.CostSummary(r.Context(), key.TenantID, f)
	if err != nil {
		storageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}

// HandleCostTimeseries handles GET /v1/costs/timeseries. The bucket interval
// comes from the "interval" parameter (Go duration syntax, default 1h).
func (h *Handlers) HandleCostTimeseries(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())

	f, ok := h.metricFilter(w, r)
	if !ok {
		return
	}

	bucket := time.Hour
	if raw := r.URL.Query().Get("interval"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < time.Minute {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "interval must be a duration of at least 1m")
			return
		}
		bucket = d
	}

	points, err := h.store.CostTimeseries(r.Context(), key.TenantID, f, bucket)
	if err != nil {
		storageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, points)
}

func (h *Handlers) eventFilter(w http.ResponseWriter, r *http.Request) (storage.EventFilter, bool) {
	var f storage.EventFilter

	limit, err := queryLimit(r, defaultPageLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return f, false
	}
	projectID, err := queryUUID(r, "project_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return f, false
	}
	since, err := queryTime(r, "since")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return f, false
	}
	until, err := queryTime(r, "until")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return f, false
	}

	eventType := model.EventType(r.URL.Query().Get("event_type"))
	if eventType != "" && !eventType.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unrecognized event_type")
		return f, false
	}

	return storage.EventFilter{
		ProjectID:   projectID,
		AgentID:     r.URL.Query().Get("agent_id"),
		EventType:   eventType,
		Since:       since,
		Until:       until,
		IncludeTest: includeTest(r),
		Limit:       limit,
	}, true
}

func (h *Handlers) metricFilter(w http.ResponseWriter, r *http.Request) (storage.MetricFilter, bool) {
	var f storage.MetricFilter

	projectID, err := queryUUID(r, "project_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return f, false
	}
	since, err := queryTime(r, "since")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return f, false
	}
	until, err := queryTime(r, "until")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return f, false
	}

	return storage.MetricFilter{
		ProjectID:   projectID,
		AgentID:     r.URL.Query().Get("agent_id"),
		Since:       since,
		Until:       until,
		IncludeTest: includeTest(r),
	}, true
}
