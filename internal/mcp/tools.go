package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/yakuin/internal/engine"
	"github.com/ashita-ai/yakuin/internal/model"
	"github.com/ashita-ai/yakuin/internal/nightly"
	"github.com/ashita-ai/yakuin/internal/retrieval"
)

func (s *Server) registerTools() {
	// yakuin_list_agents: see which agents exist.
	s.mcpServer.AddTool(
		mcplib.NewTool("yakuin_list_agents",
			mcplib.WithDescription(`List the configured agents.

WHEN TO USE: At the start of a session, to find the agent whose role fits
the task before calling yakuin_run_agent.

Returns each agent's name, status, tools and a short role summary.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("status",
				mcplib.Description("Optional status filter"),
				mcplib.Enum(string(model.AgentStatusActive), string(model.AgentStatusDeployed), string(model.AgentStatusInactive)),
			),
		),
		s.handleListAgents,
	)

	// yakuin_run_agent: execute an agent against a prompt.
	s.mcpServer.AddTool(
		mcplib.NewTool("yakuin_run_agent",
			mcplib.WithDescription(`Run an agent against a prompt and return its report.

The agent answers with its own role, memory and whitelisted tools. The run
is recorded as an execution with trigger "mcp". A failed run still returns
a result whose status is "failed" and whose error says why.

EXAMPLE: agent="cfo-agent", prompt="Summarize last week's burn rate"`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("agent",
				mcplib.Description("Agent name or ID"),
				mcplib.Required(),
			),
			mcplib.WithString("prompt",
				mcplib.Description("What the agent should do"),
				mcplib.Required(),
			),
			mcplib.WithString("context",
				mcplib.Description("Optional JSON object appended to the prompt as additional context"),
			),
		),
		s.handleRunAgent,
	)

	// yakuin_search: search the documents an agent may read.
	s.mcpServer.AddTool(
		mcplib.NewTool("yakuin_search",
			mcplib.WithDescription(`Search ingested documents with an agent's data permissions.

Only namespaces the agent is granted are searched, and every decision is
written to the agent's access log. Use this to preview what an agent will
find with file_search.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent",
				mcplib.Description("Agent name or ID whose permissions apply"),
				mcplib.Required(),
			),
			mcplib.WithString("query",
				mcplib.Description("Natural language search query"),
				mcplib.Required(),
			),
			mcplib.WithString("namespace",
				mcplib.Description("Optional: restrict the search to one namespace"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(retrieval.MaxLimit),
				mcplib.DefaultNumber(retrieval.DefaultLimit),
			),
		),
		s.handleSearch,
	)

	// yakuin_nightly: run the executive pipeline now.
	s.mcpServer.AddTool(
		mcplib.NewTool("yakuin_nightly",
			mcplib.WithDescription(`Run the nightly pipeline immediately.

The finance, operations and technology agents each produce a report, then
the CEO agent synthesizes them into a morning brief. Returns the status of
each agent and the artifact ID of the brief.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
		),
		s.handleNightly,
	)
}

func (s *Server) handleListAgents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var status *model.AgentStatus
	if v := request.GetString("status", ""); v != "" {
		st := model.AgentStatus(v)
		if !st.Valid() {
			return errorResult("invalid status: " + v), nil
		}
		status = &st
	}

	agents, err := s.store.ListAgents(ctx, status)
	if err != nil {
		return errorResult(fmt.Sprintf("list agents failed: %v", err)), nil
	}
	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		out = append(out, compactAgent(a))
	}
	return jsonResult(map[string]any{"agents": out, "total": len(out)}), nil
}

func (s *Server) handleRunAgent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if denied := requireRole(ctx, model.RoleOperator); denied != nil {
		return denied, nil
	}

	ref := request.GetString("agent", "")
	prompt := strings.TrimSpace(request.GetString("prompt", ""))
	if ref == "" || prompt == "" {
		return errorResult("agent and prompt are required"), nil
	}

	opts := []engine.RunOption{engine.WithTrigger(model.TriggerMCP)}
	if raw := request.GetString("context", ""); raw != "" {
		var extra map[string]any
		if err := json.Unmarshal([]byte(raw), &extra); err != nil {
			return errorResult("context must be a JSON object"), nil
		}
		opts = append(opts, engine.WithContext(extra))
	}

	agent, err := s.resolveAgent(ctx, ref)
	if err != nil {
		return notFoundOr(err, "agent"), nil
	}

	res, err := s.runner.Execute(ctx, agent.ID, prompt, opts...)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrAgentBusy):
			return errorResult(fmt.Sprintf("agent %s is already running", agent.Name)), nil
		case errors.Is(err, engine.ErrAgentInactive):
			return errorResult(fmt.Sprintf("agent %s is inactive", agent.Name)), nil
		}
		return errorResult(fmt.Sprintf("run failed: %v", err)), nil
	}
	return jsonResult(res), nil
}

func (s *Server) handleSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.searcher == nil {
		return errorResult("search is not configured"), nil
	}
	ref := request.GetString("agent", "")
	query := request.GetString("query", "")
	if ref == "" || strings.TrimSpace(query) == "" {
		return errorResult("agent and query are required"), nil
	}

	agent, err := s.resolveAgent(ctx, ref)
	if err != nil {
		return notFoundOr(err, "agent"), nil
	}

	res, err := s.searcher.Search(ctx, agent.ID, agent.Spec, query,
		request.GetString("namespace", ""), request.GetInt("limit", retrieval.DefaultLimit))
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	hits := make([]map[string]any, 0, len(res.Results))
	for _, h := range res.Results {
		hits = append(hits, compactHit(h))
	}
	return jsonResult(map[string]any{"results": hits, "count": res.Count}), nil
}

func (s *Server) handleNightly(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if denied := requireRole(ctx, model.RoleOperator); denied != nil {
		return denied, nil
	}
	if s.pipeline == nil {
		return errorResult("nightly pipeline is not configured"), nil
	}
	res := s.pipeline.Run(ctx)
	result := jsonResult(res)
	result.IsError = res.Status != nightly.StatusCompleted
	return result, nil
}
