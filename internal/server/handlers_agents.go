package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/yakuin/internal/agentspec"
	"github.com/ashita-ai/yakuin/internal/engine"
	"github.com/ashita-ai/yakuin/internal/model"
)

// HandleCreateAgent handles POST /v1/agents.
// The body is an agent spec document. Grants are created from its
// data_permissions.
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, h.maxRequestBodyBytes)
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}
	spec, err := agentspec.Parse(body)
	if err != nil {
		h.writeDomainError(w, r, "failed to parse agent spec", err)
		return
	}

	agent, err := h.db.CreateAgent(r.Context(), spec)
	if err != nil {
		h.writeDomainError(w, r, "failed to create agent", err)
		return
	}
	if _, err := h.grants.GrantFromSpec(r.Context(), agent.ID, spec); err != nil {
		h.writeInternalError(w, r, "failed to grant data permissions", err)
		return
	}

	h.logger.Info("agent created", "agent", agent.Name, "agent_id", agent.ID)
	writeJSON(w, r, http.StatusCreated, agent)
}

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	var status *model.AgentStatus
	if v := r.URL.Query().Get("status"); v != "" {
		s := model.AgentStatus(v)
		if !s.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status: "+v)
			return
		}
		status = &s
	}

	agents, err := h.db.ListAgents(r.Context(), status)
	if err != nil {
		h.writeInternalError(w, r, "failed to list agents", err)
		return
	}
	if agents == nil {
		agents = []model.Agent{}
	}
	writeListJSON(w, r, agents, len(agents), len(agents), 0)
}

// HandleGetAgent handles GET /v1/agents/{agent_id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	agent, err := h.db.GetAgent(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "failed to get agent", err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleUpdateAgent handles PUT /v1/agents/{agent_id}.
// The spec is replaced wholesale; renaming is rejected.
func (h *Handlers) HandleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	body, err := readBody(w, r, h.maxRequestBodyBytes)
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}
	spec, err := agentspec.Parse(body)
	if err != nil {
		h.writeDomainError(w, r, "failed to parse agent spec", err)
		return
	}

	current, err := h.db.GetAgent(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "failed to get agent", err)
		return
	}
	if spec.Name != current.Name {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"agent name is immutable: "+current.Name)
		return
	}

	agent, err := h.db.UpdateAgentSpec(r.Context(), id, spec)
	if err != nil {
		h.writeDomainError(w, r, "failed to update agent", err)
		return
	}
	if _, err := h.grants.GrantFromSpec(r.Context(), agent.ID, spec); err != nil {
		h.writeInternalError(w, r, "failed to grant data permissions", err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleDeleteAgent handles DELETE /v1/agents/{agent_id}. Agents are never
// removed; they move to inactive and keep their history.
func (h *Handlers) HandleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, model.AgentStatusInactive)
}

// HandleDeployAgent handles POST /v1/agents/{agent_id}/deploy.
func (h *Handlers) HandleDeployAgent(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, model.AgentStatusDeployed)
}

func (h *Handlers) setStatus(w http.ResponseWriter, r *http.Request, status model.AgentStatus) {
	id, err := parseID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	agent, err := h.db.SetAgentStatus(r.Context(), id, status)
	if err != nil {
		h.writeDomainError(w, r, "failed to update agent status", err)
		return
	}
	h.logger.Info("agent status changed", "agent", agent.Name, "status", status)
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleRunAgent handles POST /v1/agents/{agent_id}/run.
// Failed executions are still 200; the result's status reports the failure.
func (h *Handlers) HandleRunAgent(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.RunAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "prompt is required")
		return
	}

	opts := []engine.RunOption{engine.WithTrigger(model.TriggerManual)}
	if len(req.Context) > 0 {
		opts = append(opts, engine.WithContext(req.Context))
	}
	res, err := h.runner.Execute(r.Context(), id, req.Prompt, opts...)
	if err != nil {
		h.writeDomainError(w, r, "failed to run agent", err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleListExecutions handles GET /v1/agents/{agent_id}/executions.
func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if _, err := h.db.GetAgent(r.Context(), id); err != nil {
		h.writeDomainError(w, r, "failed to get agent", err)
		return
	}

	limit, offset := queryLimit(r, 50), queryOffset(r)
	execs, total, err := h.db.ListExecutionsByAgent(r.Context(), id, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list executions", err)
		return
	}
	if execs == nil {
		execs = []model.Execution{}
	}
	writeListJSON(w, r, execs, total, limit, offset)
}

// HandleGetExecution handles GET /v1/executions/{execution_id}.
func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "execution_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	detail, err := h.db.GetExecutionDetail(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "failed to get execution", err)
		return
	}
	writeJSON(w, r, http.StatusOK, detail)
}

// HandleListAllExecutions handles GET /v1/executions. The optional agent_id
// query parameter narrows the list to one agent.
func (h *Handlers) HandleListAllExecutions(w http.ResponseWriter, r *http.Request) {
	var agentID *uuid.UUID
	if v := r.URL.Query().Get("agent_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent_id: "+v)
			return
		}
		agentID = &id
	}

	limit, offset := queryLimit(r, 20), queryOffset(r)
	execs, total, err := h.db.ListExecutions(r.Context(), agentID, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list executions", err)
		return
	}
	if execs == nil {
		execs = []model.Execution{}
	}
	writeListJSON(w, r, execs, total, limit, offset)
}

// HandleGetArtifact handles GET /v1/artifacts/{artifact_id}.
func (h *Handlers) HandleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "artifact_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	art, err := h.db.GetArtifact(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "failed to get artifact", err)
		return
	}
	writeJSON(w, r, http.StatusOK, art)
}

// HandleNightlyRun handles POST /v1/nightly/run. The pipeline runs
// synchronously; a failed pipeline is reported in the body.
func (h *Handlers) HandleNightlyRun(w http.ResponseWriter, r *http.Request) {
	if h.pipeline == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "nightly pipeline is not configured")
		return
	}
	writeJSON(w, r, http.StatusOK, h.pipeline.Run(r.Context()))
}

// HandleIngestChunks handles POST /v1/namespaces/{namespace}/chunks.
func (h *Handlers) HandleIngestChunks(w http.ResponseWriter, r *http.Request) {
	if h.ingester == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "chunk ingestion is not configured")
		return
	}
	var req model.IngestChunksRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	resp, err := h.ingester.Ingest(r.Context(), r.PathValue("namespace"), req)
	if err != nil {
		h.writeDomainError(w, r, "failed to ingest chunks", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, resp)
}
