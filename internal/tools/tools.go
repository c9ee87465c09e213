// Package tools is the closed registry of tools an agent can call.
//
// Kind is the only way a model-supplied tool name reaches a handler: names
// are parsed once with ParseKind and dispatched with an exhaustive switch.
// Every invocation produces a Result, including denials, argument errors, and
// unknown names, so the engine can always record a ToolCall row.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ashita-ai/yakuin/internal/llm"
	"github.com/ashita-ai/yakuin/internal/model"
	"github.com/ashita-ai/yakuin/internal/retrieval"
)

// Kind identifies a tool.
type Kind string

const (
	KindFileSearch Kind = "file_search"
	KindSQLQuery   Kind = "sql_query"
)

// Kinds lists every tool in registration order.
var Kinds = []Kind{KindFileSearch, KindSQLQuery}

// ParseKind maps a tool name to its Kind.
func ParseKind(name string) (Kind, bool) {
	switch Kind(name) {
	case KindFileSearch:
		return KindFileSearch, true
	case KindSQLQuery:
		return KindSQLQuery, true
	}
	return "", false
}

// Description is the one-line description sent to the model.
func (k Kind) Description() string {
	switch k {
	case KindFileSearch:
		return "Search indexed documents with permission-aware retrieval"
	case KindSQLQuery:
		return "Execute read-only SQL queries against metrics tables"
	}
	return ""
}

// parameters returns the JSON schema of the tool's arguments.
func (k Kind) parameters() string {
	switch k {
	case KindFileSearch:
		return `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1, "description": "Search query string"},
    "namespace": {"type": "string", "description": "Optional namespace filter"},
    "limit": {"type": "integer", "minimum": 1, "maximum": 50, "description": "Max results (default 5)"}
  },
  "required": ["query"]
}`
	case KindSQLQuery:
		return `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1, "description": "SQL query string"}
  },
  "required": ["query"]
}`
	}
	return `{"type": "object"}`
}

// SQLTables are the tables sql_query recognizes in a query.
var SQLTables = []string{"metrics", "financial_data", "operations"}

// Searcher runs permission-aware retrieval for file_search.
type Searcher interface {
	Search(ctx context.Context, agentID uuid.UUID, spec model.AgentSpec, query, namespace string, limit int) (retrieval.Results, error)
}

// Gate decides whether an agent may read a resource.
type Gate interface {
	Check(ctx context.Context, agentID uuid.UUID, rt model.ResourceType, resourceID string) (bool, error)
}

// Result is the record of one invocation.
type Result struct {
	ToolID     string          `json:"tool_id"`
	Input      json.RawMessage `json:"input"`
	Output     json.RawMessage `json:"output"`
	DurationMS int64           `json:"duration_ms"`
}

// Registry dispatches tool calls.
type Registry struct {
	searcher Searcher
	gate     Gate
	schemas  map[Kind]*jsonschema.Schema
	logger   *slog.Logger
}

// NewRegistry compiles the argument schemas of every Kind.
func NewRegistry(searcher Searcher, gate Gate, logger *slog.Logger) (*Registry, error) {
	schemas := make(map[Kind]*jsonschema.Schema, len(Kinds))
	for _, k := range Kinds {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://yakuin.schemas.local/tools/%s.schema.json", k)
		if err := c.AddResource(url, strings.NewReader(k.parameters())); err != nil {
			return nil, fmt.Errorf("tools: load %s schema: %w", k, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("tools: compile %s schema: %w", k, err)
		}
		schemas[k] = s
	}
	return &Registry{searcher: searcher, gate: gate, schemas: schemas, logger: logger}, nil
}

// Allowed returns the known kinds named in allowed, deduplicated, in spec order.
func Allowed(allowed []model.ToolPermission) []Kind {
	seen := make(map[Kind]bool, len(allowed))
	var kinds []Kind
	for _, tp := range allowed {
		k, ok := ParseKind(tp.ToolID)
		if !ok || seen[k] {
			continue
		}
		seen[k] = true
		kinds = append(kinds, k)
	}
	return kinds
}

// Definitions returns function definitions for the allowed, known tools.
func (r *Registry) Definitions(allowed []model.ToolPermission) []llm.Tool {
	kinds := Allowed(allowed)
	defs := make([]llm.Tool, 0, len(kinds))
	for _, k := range kinds {
		defs = append(defs, llm.Tool{
			Type: "function",
			Function: llm.FunctionDefinition{
				Name:        string(k),
				Description: k.Description(),
				Parameters:  json.RawMessage(k.parameters()),
			},
		})
	}
	return defs
}

// Invoke runs the named tool for agent. It never returns an error: failures
// become an {"error": ...} output. A tool outside the agent's whitelist is
// treated the same as a name the registry does not know.
func (r *Registry) Invoke(ctx context.Context, agent model.Agent, name, rawArgs string) Result {
	start := time.Now()
	input := normalizeArgs(rawArgs)

	res := Result{ToolID: name, Input: input}
	finish := func(out any) Result {
		res.Output = marshal(out)
		res.DurationMS = time.Since(start).Milliseconds()
		return res
	}

	kind, ok := ParseKind(name)
	if !ok || !permitted(agent.Spec.ToolsAllowed, kind) {
		return finish(errorOutput("Unknown tool: " + name))
	}

	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return finish(errorOutput("Invalid arguments: " + err.Error()))
	}
	if err := r.schemas[kind].Validate(args); err != nil {
		return finish(errorOutput("Invalid arguments: " + err.Error()))
	}

	switch kind {
	case KindFileSearch:
		return finish(r.fileSearch(ctx, agent, args))
	case KindSQLQuery:
		return finish(r.sqlQuery(ctx, agent.ID, args))
	}
	return finish(errorOutput("Unknown tool: " + name))
}

func (r *Registry) fileSearch(ctx context.Context, agent model.Agent, args map[string]any) any {
	query, _ := args["query"].(string)
	namespace, _ := args["namespace"].(string)
	limit := retrieval.DefaultLimit
	if v, ok := args["limit"].(float64); ok {
		limit = int(v)
	}

	results, err := r.searcher.Search(ctx, agent.ID, agent.Spec, query, namespace, limit)
	if err != nil {
		r.logger.Warn("tools: file_search failed", "error", err, "agent_id", agent.ID)
		return errorOutput(err.Error())
	}
	return results
}

func (r *Registry) sqlQuery(ctx context.Context, agentID uuid.UUID, args map[string]any) any {
	query, _ := args["query"].(string)
	lower := strings.ToLower(query)

	for _, table := range SQLTables {
		if !strings.Contains(lower, table) {
			continue
		}
		ok, err := r.gate.Check(ctx, agentID, model.ResourceTable, table)
		if err != nil {
			r.logger.Warn("tools: permission check", "error", err, "agent_id", agentID, "table", table)
		}
		if !ok {
			return errorOutput(fmt.Sprintf("Permission denied for table '%s'", table))
		}
	}

	return map[string]string{
		"message": "SQL query tool available but no metrics data loaded yet.",
		"note":    "Upload CSV/Excel data to populate metrics tables.",
	}
}

func permitted(allowed []model.ToolPermission, kind Kind) bool {
	for _, tp := range allowed {
		if tp.ToolID == string(kind) {
			return true
		}
	}
	return false
}

// LimitReached is the output recorded for a call past max_tool_calls_per_run.
func LimitReached(name, rawArgs string) Result {
	return Failed(name, rawArgs, "Tool call limit reached")
}

// Failed is the result recorded for a call that ended without output.
func Failed(name, rawArgs, msg string) Result {
	return Result{
		ToolID: name,
		Input:  normalizeArgs(rawArgs),
		Output: marshal(errorOutput(msg)),
	}
}

// normalizeArgs returns rawArgs when it is a JSON object and wraps anything
// else so the input column always holds valid JSON.
func normalizeArgs(rawArgs string) json.RawMessage {
	trimmed := strings.TrimSpace(rawArgs)
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return marshal(map[string]string{"raw": rawArgs})
	}
	return json.RawMessage(trimmed)
}

func errorOutput(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func marshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(errorOutput(err.Error()))
	}
	return b
}
