package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	agentsURI        = "yakuin://agents"
	memoryURIPrefix  = "yakuin://agent/"
	memoryURISuffix  = "/memory"
	executionURIBase = "yakuin://execution/"
)

func (s *Server) registerResources() {
	// yakuin://agents: every configured agent.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			agentsURI,
			"Agents",
			mcplib.WithResourceDescription("All configured agents with their status and tools"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleAgentsResource,
	)

	// yakuin://agent/{name}/memory: an agent's most recent memories.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			memoryURIPrefix+"{name}"+memoryURISuffix,
			"Agent Memory",
			mcplib.WithTemplateDescription("Most recent memories of an agent, newest first"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleMemoryResource,
	)

	// yakuin://execution/{id}: one execution with tool calls and artifacts.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			executionURIBase+"{id}",
			"Execution",
			mcplib.WithTemplateDescription("One execution with its tool calls and artifacts"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleExecutionResource,
	)
}

func (s *Server) handleAgentsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	agents, err := s.store.ListAgents(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: list agents: %w", err)
	}
	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		out = append(out, compactAgent(a))
	}
	return jsonContents(agentsURI, out)
}

func (s *Server) handleMemoryResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	ref := strings.TrimSuffix(strings.TrimPrefix(uri, memoryURIPrefix), memoryURISuffix)
	if ref == "" || ref == uri || strings.Contains(ref, "/") {
		return nil, fmt.Errorf("mcp: invalid agent memory URI: %s", uri)
	}

	agent, err := s.resolveAgent(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("mcp: agent memory: %w", err)
	}
	memories, err := s.store.ListMemories(ctx, agent.ID, 50)
	if err != nil {
		return nil, fmt.Errorf("mcp: agent memory: %w", err)
	}

	return jsonContents(uri, map[string]any{
		"agent":    agent.Name,
		"memories": memories,
	})
}

func (s *Server) handleExecutionResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := uuid.Parse(strings.TrimPrefix(uri, executionURIBase))
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid execution URI: %s", uri)
	}
	detail, err := s.store.GetExecutionDetail(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: execution: %w", err)
	}
	return jsonContents(uri, compactExecution(detail))
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
