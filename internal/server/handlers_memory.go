package server

import (
	"net/http"
	"strings"

	"github.com/ashita-ai/yakuin/internal/model"
)

// HandleListMemory handles GET /v1/agents/{agent_id}/memory.
func (h *Handlers) HandleListMemory(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if _, err := h.db.GetAgent(r.Context(), id); err != nil {
		h.writeDomainError(w, r, "failed to get agent", err)
		return
	}
	limit := queryLimit(r, 100)
	rows, err := h.db.ListMemories(r.Context(), id, limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list memories", err)
		return
	}
	if rows == nil {
		rows = []model.Memory{}
	}
	writeListJSON(w, r, rows, len(rows), limit, 0)
}

// HandleAppendMemory handles POST /v1/agents/{agent_id}/memory.
func (h *Handlers) HandleAppendMemory(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.AppendMemoryRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "content is required")
		return
	}
	if req.MemoryType != "" && !req.MemoryType.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid memory_type: "+string(req.MemoryType))
		return
	}
	if _, err := h.db.GetAgent(r.Context(), id); err != nil {
		h.writeDomainError(w, r, "failed to get agent", err)
		return
	}

	m, err := h.memory.Append(r.Context(), id, req.Content, req.MemoryType)
	if err != nil {
		h.writeInternalError(w, r, "failed to append memory", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, m)
}

// HandleCompactMemory handles POST /v1/agents/{agent_id}/memory/compact.
// An empty body uses the configured threshold.
func (h *Handlers) HandleCompactMemory(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	req := model.CompactMemoryRequest{MaxEntries: h.memoryMaxEntries}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	}
	if req.MaxEntries < 1 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "max_entries must be at least 1")
		return
	}
	if _, err := h.db.GetAgent(r.Context(), id); err != nil {
		h.writeDomainError(w, r, "failed to get agent", err)
		return
	}

	res, err := h.memory.Compact(r.Context(), id, req.MaxEntries)
	if err != nil {
		h.writeInternalError(w, r, "failed to compact memory", err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleListGrants handles GET /v1/agents/{agent_id}/grants.
func (h *Handlers) HandleListGrants(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	grants, err := h.grants.Grants(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "failed to list grants", err)
		return
	}
	if grants == nil {
		grants = []model.AgentPermission{}
	}
	writeListJSON(w, r, grants, len(grants), len(grants), 0)
}

// HandleCreateGrant handles POST /v1/agents/{agent_id}/grants. Granting an
// existing tuple returns the existing grant.
func (h *Handlers) HandleCreateGrant(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.CreateGrantRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !req.ResourceType.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid resource_type: "+string(req.ResourceType))
		return
	}
	if strings.TrimSpace(req.ResourceID) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "resource_id is required")
		return
	}
	if req.Permission != "" && req.Permission != model.PermissionRead {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid permission: "+string(req.Permission))
		return
	}
	if _, err := h.db.GetAgent(r.Context(), id); err != nil {
		h.writeDomainError(w, r, "failed to get agent", err)
		return
	}

	g, err := h.grants.Grant(r.Context(), id, req.ResourceType, req.ResourceID, req.Permission)
	if err != nil {
		h.writeInternalError(w, r, "failed to create grant", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, g)
}

// HandleAccessLog handles GET /v1/agents/{agent_id}/access-log.
func (h *Handlers) HandleAccessLog(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	limit := queryLimit(r, 100)
	entries, err := h.grants.AccessLog(r.Context(), id, limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list access log", err)
		return
	}
	if entries == nil {
		entries = []model.AccessLogEntry{}
	}
	writeListJSON(w, r, entries, len(entries), limit, 0)
}
