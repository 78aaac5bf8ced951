package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jcolano/hiveboard/internal/model"
)

// HandleCreateProject handles POST /v1/projects.
func (h *Handlers) HandleCreateProject(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())

	var req model.CreateProjectRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}

	now := time.Now().UTC()
	project := model.Project{
		ID:        uuid.New(),
		TenantID:  key.TenantID,
		Name:      req.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateProject(r.Context(), project); err != nil {
		storageError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, project)
}

// HandleListProjects handles GET /v1/projects. Archived projects appear only
// with ?include_archived=true.
func (h *Handlers) HandleListProjects(w http.ResponseWriter, r *http.Request) {
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
	includeArchived := r.URL.Query().Get("include_archived") == "true"

	projects, err := h.store.ListProjects(r.Context(), key.TenantID, includeArchived, limit, offset)
	if err != nil {
		storageError(w, r, err)
		return
	}
	writeList(w, r, projects, "", limit)
}

// HandleGetProject handles GET /v1/projects/{id}.
func (h *Handlers) HandleGetProject(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())

	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	project, err := h.store.GetProject(r.Context(), key.TenantID, id)
	if err != nil {
		storageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, project)
}

// HandleUpdateProject handles PATCH /v1/projects/{id}.
func (h *Handlers) HandleUpdateProject(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())

	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.UpdateProjectRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	project, err := h.store.GetProject(r.Context(), key.TenantID, id)
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
		project.Name = name
	}
	project.UpdatedAt = time.Now().UTC()

	if err := h.store.UpdateProject(r.Context(), project); err != nil {
		storageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, project)
}

// HandleArchiveProject handles POST /v1/projects/{id}/archive. Archiving is a
// soft delete; events referencing the project stay in the log.
func (h *Handlers) HandleArchiveProject(w http.ResponseWriter, r *http.Request) {
	key := KeyFromContext(r.Context())

	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.store.ArchiveProject(r.Context(), key.TenantID, id); err != nil {
		storageError(w, r, err)
		return
	}

	project, err := h.store.GetProject(r.Context(), key.TenantID, id)
	if err != nil {
		storageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, project)
}
