package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/yakuin/internal/model"
	"github.com/ashita-ai/yakuin/internal/retrieval"
)

// HandleSearch handles POST /v1/search. It runs the same permission-aware
// search as the file_search tool, as the named agent, so operators can check
// what an agent would see. Every namespace check lands in the access log.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	if h.retriever == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "search is not configured")
		return
	}
	var req model.SearchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.AgentID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_id is required")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "query is required")
		return
	}
	if req.Limit < 0 || req.Limit > retrieval.MaxLimit {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be between 1 and 50")
		return
	}

	agent, err := h.db.GetAgent(r.Context(), req.AgentID)
	if err != nil {
		h.writeDomainError(w, r, "failed to get agent", err)
		return
	}
	res, err := h.retriever.Search(r.Context(), agent.ID, agent.Spec, req.Query, req.Namespace, req.Limit)
	if err != nil {
		h.writeDomainError(w, r, "search failed", err)
		return
	}
	hits := res.Results
	if hits == nil {
		hits = []model.ChunkHit{}
	}
	writeJSON(w, r, http.StatusOK, model.SearchResponse{
		Query:   req.Query,
		AgentID: agent.ID,
		Results: hits,
		Count:   len(hits),
	})
}

// HandleListFiles handles GET /v1/files with an optional namespace filter.
func (h *Handlers) HandleListFiles(w http.ResponseWriter, r *http.Request) {
	limit, offset := queryLimit(r, 50), queryOffset(r)
	files, err := h.db.ListFiles(r.Context(), r.URL.Query().Get("namespace"), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list files", err)
		return
	}
	if files == nil {
		files = []model.FileSummary{}
	}
	writeListJSON(w, r, files, len(files), limit, offset)
}

// HandleFileStatus handles GET /v1/files/{file_id}/status.
func (h *Handlers) HandleFileStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "file_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	f, err := h.db.GetFileStatus(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "failed to get file status", err)
		return
	}
	writeJSON(w, r, http.StatusOK, f)
}
