package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jcolano/hiveboard/internal/model"
	"github.com/jcolano/hiveboard/internal/storage"
)

// HandleCreateAlertRule handles POST /v1/alerts/rules.
func (h *Handlers) HandleCreateAlertRule(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())

	var req model.CreateAlertRuleRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}
	if !req.Condition.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unrecognized condition")
		return
	}
	if req.CooldownSeconds < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "cooldown_seconds must not be negative")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	now := time.Now().UTC()
	rule := model.AlertRule{
		ID:         uuid.New(),
		TenantID:   key.TenantID,
		Name:       req.Name,
		Condition:  req.Condition,
		Params:     req.Params,
		ProjectID:  req.ProjectID,
		AgentID:    req.AgentID,
		Enabled:    enabled,
		WebhookURL: req.WebhookURL,
		Cooldown:   time.Duration(req.CooldownSeconds) * time.Second,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.store.CreateAlertRule(r.Context(), rule); err != nil {
		storageError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, rule)
}

// HandleListAlertRules handles GET /v1/alerts/rules.
func (h *Handlers) HandleListAlertRules(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())
	enabledOnly := r.URL.Query().Get("enabled") == "true"

	rules, err := h.store.ListAlertRules(r.Context(), key.TenantID, enabledOnly)
	if err != nil {
		storageError(w, r, err)
		return
	}
	writeList(w, r, rules, "", len(rules))
}

// HandleGetAlertRule handles GET /v1/alerts/rules/{id}.
func (h *Handlers) HandleGetAlertRule(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())

	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	rule, err := h.store.GetAlertRule(r.Context(), key.TenantID, id)
	if err != nil {
		storageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rule)
}

// HandleUpdateAlertRule handles PATCH /v1/alerts/rules/{id}.
func (h *Handlers) HandleUpdateAlertRule(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())

	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.UpdateAlertRuleRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	rule, err := h.store.GetAlertRule(r.Context(), key.TenantID, id)
	if err != nil {
		storageError(w, r, err)
		return
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name cannot be empty")
			return
		}
		rule.Name = name
	}
	if req.Params != nil {
		rule.Params = *req.Params
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if req.WebhookURL != nil {
		rule.WebhookURL = *req.WebhookURL
	}
	if req.CooldownSeconds != nil {
		if *req.CooldownSeconds < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "cooldown_seconds must not be negative")
			return
		}
		rule.Cooldown = time.Duration(*req.CooldownSeconds) * time.Second
	}
	rule.UpdatedAt = time.Now().UTC()

	if err := h.store.UpdateAlertRule(r.Context(), rule); err != nil {
		storageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rule)
}

// HandleDeleteAlertRule handles DELETE /v1/alerts/rules/{id}. History records
// of the rule are retained.
func (h *Handlers) HandleDeleteAlertRule(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())

	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.store.DeleteAlertRule(r.Context(), key.TenantID, id); err != nil {
		storageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAlertHistory handles GET /v1/alerts/history, newest first.
func (h *Handlers) HandleAlertHistory(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())

	limit, err := queryLimit(r, defaultPageLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	offset, err := queryOffset(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	ruleID, err := queryUUID(r, "rule_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	firings, err := h.store.ListAlertFirings(r.Context(), key.TenantID, storage.FiringFilter{
		RuleID: ruleID,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		storageError(w, r, err)
		return
	}
	writeList(w, r, firings, "", limit)
}
