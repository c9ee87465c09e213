package mcp

import (
	"strings"

	"github.com/ashita-ai/yakuin/internal/model"
)

const (
	maxCompactRole  = 200
	maxCompactChunk = 500
)

// compactAgent returns a minimal representation of an agent for MCP responses.
// Drops the full spec; clients that need it read the HTTP API.
func compactAgent(a model.Agent) map[string]any {
	toolIDs := make([]string, 0, len(a.Spec.ToolsAllowed))
	for _, t := range a.Spec.ToolsAllowed {
		toolIDs = append(toolIDs, t.ToolID)
	}
	m := map[string]any{
		"id":           a.ID,
		"name":         a.Name,
		"display_name": a.DisplayName,
		"status":       a.Status,
		"tools":        toolIDs,
		"role":         truncate(firstLine(a.Spec.RoleDefinition), maxCompactRole),
	}
	if len(a.Spec.Capabilities) > 0 {
		m["capabilities"] = a.Spec.Capabilities
	}
	if len(a.Spec.Triggers.Schedules) > 0 {
		m["schedules"] = a.Spec.Triggers.Schedules
	}
	return m
}

// compactHit trims chunk text so a search result fits in a client context window.
func compactHit(h model.ChunkHit) map[string]any {
	return map[string]any{
		"chunk_id":  h.ChunkID,
		"filename":  h.Filename,
		"namespace": h.Namespace,
		"score":     h.Score,
		"text":      truncate(h.ChunkText, maxCompactChunk),
	}
}

// compactExecution summarizes an execution detail: tool calls are reduced to
// their IDs and artifacts keep their content.
func compactExecution(d model.ExecutionDetail) map[string]any {
	tools := make([]string, 0, len(d.ToolCalls))
	for _, tc := range d.ToolCalls {
		tools = append(tools, tc.ToolID)
	}
	m := map[string]any{
		"id":                d.ID,
		"agent_id":          d.AgentID,
		"prompt":            d.Prompt,
		"trigger":           d.Trigger,
		"status":            d.Status,
		"started_at":        d.StartedAt,
		"tokens_in":         d.TokensIn,
		"tokens_out":        d.TokensOut,
		"cost_estimate_usd": d.CostEstimateUSD,
		"tool_calls":        tools,
		"artifacts":         d.Artifacts,
	}
	if d.DurationMS != nil {
		m["duration_ms"] = *d.DurationMS
	}
	if d.Error != nil {
		m["error"] = *d.Error
	}
	return m
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// truncate shortens s to maxLen runes, adding "..." when truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
