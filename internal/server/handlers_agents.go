package server

import (
	"net/http"
	"time"

	"github.com/jcolano/hiveboard/internal/derive"
	"github.com/jcolano/hiveboard/internal/model"
	"github.com/jcolano/hiveboard/internal/storage"
)

// HandleListAgents handles GET /v1/agents. Each agent carries its derived
// status, computed from the tail of its event log at request time.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
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
	projectID, err := queryUUID(r, "project_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	agents, err := h.store.ListAgents(r.Context(), key.TenantID, storage.AgentFilter{
		ProjectID: projectID,
		Type:      r.URL.Query().Get("type"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		storageError(w, r, err)
		return
	}

	now := time.Now().UTC()
	for i := range agents {
		agents[i].Status = h.agentStatus(r, agents[i], now)
	}

	writeList(w, r, agents, "", limit)
}

// HandleGetAgent handles GET /v1/agents/{agent_id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())
	agentID := r.PathValue("agent_id")

	agent, err := h.store.GetAgent(r.Context(), key.TenantID, agentID)
	if err != nil {
		storageError(w, r, err)
		return
	}
	agent.Status = h.agentStatus(r, agent, time.Now().UTC())

	writeJSON(w, r, http.StatusOK, agent)
}

// HandleAgentPipeline handles GET /v1/agents/{agent_id}/pipeline.
func (h *Handlers) HandleAgentPipeline(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())
	agentID := r.PathValue("agent_id")

	// 404 for unknown agents rather than an empty snapshot.
	if _, err := h.store.GetAgent(r.Context(), key.TenantID, agentID); err != nil {
		storageError(w, r, err)
		return
	}

	events, err := h.store.PipelineEvents(r.Context(), key.TenantID, agentID, pipelineWindow)
	if err != nil {
		storageError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, derive.Pipeline(agentID, events))
}

// HandleListTasks handles GET /v1/tasks: tasks are derived from lifecycle
// events, filtered by agent or project, optionally by status.
func (h *Handlers) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())

	projectID, err := queryUUID(r, "project_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	events, err := h.store.TaskEvents(r.Context(), key.TenantID, storage.EventFilter{
		ProjectID:   projectID,
		AgentID:     r.URL.Query().Get("agent_id"),
		IncludeTest: includeTest(r),
	})
	if err != nil {
		storageError(w, r, err)
		return
	}

	agents, err := h.store.ListAgents(r.Context(), key.TenantID, storage.AgentFilter{Limit: maxPageLimit})
	if err != nil {
		storageError(w, r, err)
		return
	}
	lastSeen := make(map[string]time.Time, len(agents))
	for _, a := range agents {
		lastSeen[a.AgentID] = a.LastSeen
	}

	tasks := derive.Tasks(events, lastSeen, time.Now().UTC(), h.derive)

	if status := model.TaskStatus(r.URL.Query().Get("status")); status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.Status == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}

	writeList(w, r, tasks, "", len(tasks))
}

// HandleTaskTimeline handles GET /v1/tasks/{task_id}/timeline: every event
// referencing the task, oldest first.
func (h *Handlers) HandleTaskTimeline(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())
	taskID := r.PathValue("task_id")

	limit, err := queryLimit(r, maxPageLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	events, err := h.store.TimelineEvents(r.Context(), key.TenantID, taskID, limit)
	if err != nil {
		storageError(w, r, err)
		return
	}
	if len(events) == 0 {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no events for task")
		return
	}

	writeList(w, r, events, "", limit)
}

// agentStatus derives one agent's current status from its recent events.
// Derivation errors degrade to offline/idle by timestamp rather than failing
// the listing.
func (h *Handlers) agentStatus(r *http.Request, agent model.Agent, now time.Time) model.AgentStatus {
	events, err := h.store.RecentAgentEvents(r.Context(), agent.TenantID, agent.AgentID, deriveWindow)
	if err != nil {
		h.logger.WarnContext(r.Context(), "derive status", "agent_id", agent.AgentID, "error", err)
		events = nil
	}
	return derive.Status(events, agent.LastSeen, now, h.derive)
}

// includeTest reports whether the request should see test-flagged events.
// Test keys always see them; live keys can opt in.
func includeTest(r *http.Request) bool {
	if key := KeyFromContext(r.Context()); key != nil && key.Permission.Test() {
		return true
	}
	return r.URL.Query().Get("include_test") == "true"
}
