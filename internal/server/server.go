package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/yakuin/internal/auth"
	"github.com/ashita-ai/yakuin/internal/ctxutil"
	"github.com/ashita-ai/yakuin/internal/model"
	"github.com/ashita-ai/yakuin/internal/ratelimit"
)

// Server is the yakuin HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Ingester, Pipeline, Searcher, Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	DB     Store
	Runner Runner
	Memory Memory
	Grants Grants
	JWTMgr *auth.JWTManager
	Keys   *auth.KeyRing
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Ingester  Ingester
	Retriever ChunkSearcher
	Pipeline  Pipeline
	Searcher  HealthChecker
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer
	// OpenAPISpec is served at GET /openapi.yaml when set.
	OpenAPISpec []byte

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	MemoryMaxEntries    int
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Runner:              cfg.Runner,
		Memory:              cfg.Memory,
		Grants:              cfg.Grants,
		Ingester:            cfg.Ingester,
		Retriever:           cfg.Retriever,
		Pipeline:            cfg.Pipeline,
		Searcher:            cfg.Searcher,
		JWTMgr:              cfg.JWTMgr,
		Keys:                cfg.Keys,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MemoryMaxEntries:    cfg.MemoryMaxEntries,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)
	apiRL := ratelimit.Middleware(cfg.Limiter, callerKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Reads (reader+).
	readRole := requireRole(model.RoleReader)
	read := func(fn http.HandlerFunc) http.Handler { return apiRL(readRole(fn)) }
	mux.Handle("GET /v1/agents", read(h.HandleListAgents))
	mux.Handle("GET /v1/agents/{agent_id}", read(h.HandleGetAgent))
	mux.Handle("GET /v1/agents/{agent_id}/executions", read(h.HandleListExecutions))
	mux.Handle("GET /v1/agents/{agent_id}/memory", read(h.HandleListMemory))
	mux.Handle("GET /v1/agents/{agent_id}/grants", read(h.HandleListGrants))
	mux.Handle("GET /v1/agents/{agent_id}/access-log", read(h.HandleAccessLog))
	mux.Handle("GET /v1/executions", read(h.HandleListAllExecutions))
	mux.Handle("GET /v1/executions/{execution_id}", read(h.HandleGetExecution))
	mux.Handle("GET /v1/artifacts/{artifact_id}", read(h.HandleGetArtifact))
	mux.Handle("GET /v1/files", read(h.HandleListFiles))
	mux.Handle("GET /v1/files/{file_id}/status", read(h.HandleFileStatus))

	// Runs, memory writes and ingestion (operator+).
	opRole := requireRole(model.RoleOperator)
	operate := func(fn http.HandlerFunc) http.Handler { return apiRL(opRole(fn)) }
	mux.Handle("POST /v1/agents/{agent_id}/run", operate(h.HandleRunAgent))
	mux.Handle("POST /v1/agents/{agent_id}/memory", operate(h.HandleAppendMemory))
	mux.Handle("POST /v1/agents/{agent_id}/memory/compact", operate(h.HandleCompactMemory))
	mux.Handle("POST /v1/namespaces/{namespace}/chunks", operate(h.HandleIngestChunks))
	mux.Handle("POST /v1/search", operate(h.HandleSearch))
	mux.Handle("POST /v1/nightly/run", operate(h.HandleNightlyRun))

	// Agent lifecycle and grants (admin-only, no rate limit; admin is exempt).
	adminOnly := requireRole(model.RoleAdmin)
	mux.Handle("POST /v1/agents", adminOnly(http.HandlerFunc(h.HandleCreateAgent)))
	mux.Handle("PUT /v1/agents/{agent_id}", adminOnly(http.HandlerFunc(h.HandleUpdateAgent)))
	mux.Handle("DELETE /v1/agents/{agent_id}", adminOnly(http.HandlerFunc(h.HandleDeleteAgent)))
	mux.Handle("POST /v1/agents/{agent_id}/deploy", adminOnly(http.HandlerFunc(h.HandleDeployAgent)))
	mux.Handle("POST /v1/agents/{agent_id}/grants", adminOnly(http.HandlerFunc(h.HandleCreateGrant)))

	// MCP StreamableHTTP transport (auth required, reader+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", apiRL(readRole(mcpHTTP)))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// callerKeyFunc keys rate limits by token subject and client IP.
// Returns empty string for admins (exempt from rate limits).
func callerKeyFunc(r *http.Request) string {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return "sub:" + claims.Subject + ":" + ratelimit.IPKeyFunc(r)
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
