package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/yakuin/internal/agentspec"
	"github.com/ashita-ai/yakuin/internal/auth"
	"github.com/ashita-ai/yakuin/internal/engine"
	"github.com/ashita-ai/yakuin/internal/memory"
	"github.com/ashita-ai/yakuin/internal/model"
	"github.com/ashita-ai/yakuin/internal/nightly"
	"github.com/ashita-ai/yakuin/internal/retrieval"
	"github.com/ashita-ai/yakuin/internal/storage"
)

// Store is the persistence the handlers read and write. *storage.DB satisfies it.
type Store interface {
	Ping(ctx context.Context) error
	CreateAgent(ctx context.Context, spec model.AgentSpec) (model.Agent, error)
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	ListAgents(ctx context.Context, status *model.AgentStatus) ([]model.Agent, error)
	UpdateAgentSpec(ctx context.Context, id uuid.UUID, spec model.AgentSpec) (model.Agent, error)
	SetAgentStatus(ctx context.Context, id uuid.UUID, status model.AgentStatus) (model.Agent, error)
	ListExecutionsByAgent(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]model.Execution, int, error)
	ListExecutions(ctx context.Context, agentID *uuid.UUID, limit, offset int) ([]model.Execution, int, error)
	GetExecutionDetail(ctx context.Context, id uuid.UUID) (model.ExecutionDetail, error)
	GetArtifact(ctx context.Context, id uuid.UUID) (model.Artifact, error)
	ListFiles(ctx context.Context, namespace string, limit, offset int) ([]model.FileSummary, error)
	GetFileStatus(ctx context.Context, fileID uuid.UUID) (model.FileSummary, error)
	ListMemories(ctx context.Context, agentID uuid.UUID, limit int) ([]model.Memory, error)
}

// Runner executes agents. *engine.Engine satisfies it.
type Runner interface {
	Execute(ctx context.Context, agentID uuid.UUID, prompt string, opts ...engine.RunOption) (*model.ExecutionResult, error)
}

// Memory appends and compacts agent memory. *memory.Store satisfies it.
type Memory interface {
	Append(ctx context.Context, agentID uuid.UUID, content string, memoryType model.MemoryType) (model.Memory, error)
	Compact(ctx context.Context, agentID uuid.UUID, maxEntries int) (memory.CompactResult, error)
}

// Grants manages permission grants. *authz.Gate satisfies it.
type Grants interface {
	Grant(ctx context.Context, agentID uuid.UUID, rt model.ResourceType, resourceID string, perm model.Permission) (model.AgentPermission, error)
	GrantFromSpec(ctx context.Context, agentID uuid.UUID, spec model.AgentSpec) (int, error)
	Grants(ctx context.Context, agentID uuid.UUID) ([]model.AgentPermission, error)
	AccessLog(ctx context.Context, agentID uuid.UUID, limit int) ([]model.AccessLogEntry, error)
}

// Ingester stores pre-chunked file text. *retrieval.Retriever satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, namespace string, req model.IngestChunksRequest) (model.IngestChunksResponse, error)
}

// ChunkSearcher runs permission-aware search on behalf of an agent.
// *retrieval.Retriever satisfies it.
type ChunkSearcher interface {
	Search(ctx context.Context, agentID uuid.UUID, spec model.AgentSpec, query, namespace string, limit int) (retrieval.Results, error)
}

// Pipeline runs the nightly orchestration. *nightly.Orchestrator satisfies it.
type Pipeline interface {
	Run(ctx context.Context) nightly.Result
}

// HealthChecker reports vector search health.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  Store
	runner              Runner
	memory              Memory
	grants              Grants
	ingester            Ingester
	retriever           ChunkSearcher
	pipeline            Pipeline
	searcher            HealthChecker
	jwtMgr              *auth.JWTManager
	keys                *auth.KeyRing
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	memoryMaxEntries    int
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Ingester, Retriever, Pipeline, Searcher, OpenAPISpec.
type HandlersDeps struct {
	DB                  Store
	Runner              Runner
	Memory              Memory
	Grants              Grants
	Ingester            Ingester
	Retriever           ChunkSearcher
	Pipeline            Pipeline
	Searcher            HealthChecker
	JWTMgr              *auth.JWTManager
	Keys                *auth.KeyRing
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	MemoryMaxEntries    int
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = 1 << 20
	}
	if d.MemoryMaxEntries <= 0 {
		d.MemoryMaxEntries = 200
	}
	return &Handlers{
		db:                  d.DB,
		runner:              d.Runner,
		memory:              d.Memory,
		grants:              d.Grants,
		ingester:            d.Ingester,
		retriever:           d.Retriever,
		pipeline:            d.Pipeline,
		searcher:            d.Searcher,
		jwtMgr:              d.JWTMgr,
		keys:                d.Keys,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		memoryMaxEntries:    d.MemoryMaxEntries,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /auth/token.
// Exchanges a configured API key for a JWT carrying the key's role.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	role, ok := h.keys.Authenticate(req.APIKey)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(string(role), role)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("token issued", "role", role, "remote_addr", r.RemoteAddr)

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		Role:      role,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	if h.searcher != nil {
		if err := h.searcher.Healthy(r.Context()); err == nil {
			resp.Search = "connected"
		} else {
			resp.Search = "disconnected"
			if status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeInternalError logs err and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "path", r.URL.Path)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// writeDomainError maps the error taxonomy to HTTP statuses.
func (h *Handlers) writeDomainError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	var ve *agentspec.ValidationError
	switch {
	case errors.As(err, &ve):
		writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent spec", ve.Problems)
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, storage.ErrConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, engine.ErrAgentBusy):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, engine.ErrAgentInactive):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, retrieval.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	default:
		h.writeInternalError(w, r, msg, err)
	}
}

// --- Shared helpers ---

func parseID(r *http.Request, key string) (uuid.UUID, error) {
	v := r.PathValue(key)
	if v == "" {
		return uuid.Nil, fmt.Errorf("%s is required", key)
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", key, v)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
