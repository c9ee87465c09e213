// Package mcp implements the Model Context Protocol server for yakuin.
//
// The MCP server exposes agents, runs, retrieval and the nightly pipeline
// through MCP tools, resources and prompts, so MCP-compatible clients can
// drive the same engine the HTTP API does.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/yakuin/internal/ctxutil"
	"github.com/ashita-ai/yakuin/internal/engine"
	"github.com/ashita-ai/yakuin/internal/model"
	"github.com/ashita-ai/yakuin/internal/nightly"
	"github.com/ashita-ai/yakuin/internal/retrieval"
	"github.com/ashita-ai/yakuin/internal/storage"
)

// Store is the persistence the MCP handlers read. *storage.DB satisfies it.
type Store interface {
	ListAgents(ctx context.Context, status *model.AgentStatus) ([]model.Agent, error)
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	GetAgentByName(ctx context.Context, name string) (model.Agent, error)
	ListMemories(ctx context.Context, agentID uuid.UUID, limit int) ([]model.Memory, error)
	GetExecutionDetail(ctx context.Context, id uuid.UUID) (model.ExecutionDetail, error)
}

// Runner executes agents. *engine.Engine satisfies it.
type Runner interface {
	Execute(ctx context.Context, agentID uuid.UUID, prompt string, opts ...engine.RunOption) (*model.ExecutionResult, error)
}

// Searcher runs permission-aware retrieval. *retrieval.Retriever satisfies it.
type Searcher interface {
	Search(ctx context.Context, agentID uuid.UUID, spec model.AgentSpec, query, namespace string, limit int) (retrieval.Results, error)
}

// Pipeline runs the nightly orchestration. *nightly.Orchestrator satisfies it.
type Pipeline interface {
	Run(ctx context.Context) nightly.Result
}

// Deps holds the services the MCP server calls. Searcher and Pipeline may be nil.
type Deps struct {
	Store    Store
	Runner   Runner
	Searcher Searcher
	Pipeline Pipeline
}

// Server wraps the MCP server with yakuin's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     Store
	runner    Runner
	searcher  Searcher
	pipeline  Pipeline
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and prompts.
func New(d Deps, logger *slog.Logger, version string) *Server {
	s := &Server{
		store:    d.Store,
		runner:   d.Runner,
		searcher: d.Searcher,
		pipeline: d.Pipeline,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"yakuin",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithRecovery(),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// resolveAgent accepts an agent UUID or its spec name.
func (s *Server) resolveAgent(ctx context.Context, ref string) (model.Agent, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return s.store.GetAgent(ctx, id)
	}
	return s.store.GetAgentByName(ctx, ref)
}

// requireRole reports an error result when the caller is below minRole.
// Requests without claims come from in-process transports and are trusted.
func requireRole(ctx context.Context, minRole model.AgentRole) *mcplib.CallToolResult {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return nil
	}
	if !model.RoleAtLeast(claims.Role, minRole) {
		return errorResult(fmt.Sprintf("this tool requires the %s role", minRole))
	}
	return nil
}

func notFoundOr(err error, what string) *mcplib.CallToolResult {
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult(what + " not found")
	}
	return errorResult(fmt.Sprintf("%s lookup failed: %v", what, err))
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err))
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
