package yakuin

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ToolPermission whitelists one tool and the operations allowed on it.
type ToolPermission struct {
	ToolID string   `json:"tool_id"`
	Ops    []string `json:"ops,omitempty"`
}

// MemoryPolicy bounds how much memory an agent reads and keeps.
type MemoryPolicy struct {
	Scope         string `json:"scope,omitempty"`
	MaxTokens     int    `json:"max_tokens,omitempty"`
	RetentionDays int    `json:"retention_days,omitempty"`
}

// DataPermissions lists the resources an agent is configured to use.
// The server grants each of them when the spec is created or updated.
type DataPermissions struct {
	Datasets         []string `json:"datasets,omitempty"`
	Tables           []string `json:"tables,omitempty"`
	VectorNamespaces []string `json:"vector_namespaces,omitempty"`
	Files            []string `json:"files,omitempty"`
}

// Triggers describes how runs of an agent may start.
type Triggers struct {
	Manual    *bool    `json:"manual,omitempty"`
	Schedules []string `json:"schedules,omitempty"`
	Events    []string `json:"events,omitempty"`
}

// Guardrails are the limits enforced during and across runs.
type Guardrails struct {
	BudgetUSDPerDay     float64  `json:"budget_usd_per_day,omitempty"`
	MaxToolCallsPerRun  int      `json:"max_tool_calls_per_run,omitempty"`
	ApprovalRequiredOps []string `json:"approval_required_ops,omitempty"`
}

// LLMConfig holds the model parameters for an agent.
type LLMConfig struct {
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// AgentSpec is the declarative configuration of an agent. Zero fields are
// omitted so the server applies its defaults.
type AgentSpec struct {
	Name            string           `json:"name"`
	DisplayName     string           `json:"display_name,omitempty"`
	RoleDefinition  string           `json:"role_definition"`
	Capabilities    []string         `json:"capabilities,omitempty"`
	ToolsAllowed    []ToolPermission `json:"tools_allowed,omitempty"`
	Memory          *MemoryPolicy    `json:"memory,omitempty"`
	DataPermissions *DataPermissions `json:"data_permissions,omitempty"`
	Triggers        *Triggers        `json:"triggers,omitempty"`
	Guardrails      *Guardrails      `json:"guardrails,omitempty"`
	LLM             *LLMConfig       `json:"llm,omitempty"`
}

// Agent is a registered agent. Spec is kept raw so fields added on the
// server survive a read-modify-write through this client.
type Agent struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name"`
	Spec        json.RawMessage `json:"spec"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Agent statuses.
const (
	StatusActive   = "active"
	StatusDeployed = "deployed"
	StatusInactive = "inactive"
)

// RunRequest starts one execution.
type RunRequest struct {
	Prompt  string         `json:"prompt"`
	Context map[string]any `json:"context,omitempty"`
}

// ExecutionResult is what a run returns.
type ExecutionResult struct {
	ExecutionID     uuid.UUID  `json:"execution_id"`
	AgentID         uuid.UUID  `json:"agent_id"`
	Status          string     `json:"status"`
	Content         string     `json:"content,omitempty"`
	ToolCalls       int        `json:"tool_calls"`
	TokensIn        int        `json:"tokens_in"`
	TokensOut       int        `json:"tokens_out"`
	CostEstimateUSD float64    `json:"cost_estimate_usd"`
	DurationMS      int64      `json:"duration_ms"`
	ArtifactID      *uuid.UUID `json:"artifact_id,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// Execution is one recorded run.
type Execution struct {
	ID              uuid.UUID  `json:"id"`
	AgentID         uuid.UUID  `json:"agent_id"`
	Prompt          string     `json:"prompt"`
	Trigger         string     `json:"trigger"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationMS      *int64     `json:"duration_ms,omitempty"`
	TokensIn        int        `json:"tokens_in"`
	TokensOut       int        `json:"tokens_out"`
	CostEstimateUSD float64    `json:"cost_estimate_usd"`
	Error           *string    `json:"error,omitempty"`
}

// ToolCall is one tool invocation made during a run.
type ToolCall struct {
	ID          uuid.UUID       `json:"id"`
	ExecutionID uuid.UUID       `json:"execution_id"`
	ToolID      string          `json:"tool_id"`
	Input       json.RawMessage `json:"input"`
	Output      json.RawMessage `json:"output"`
	DurationMS  int64           `json:"duration_ms"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Artifact is the document a completed run produced.
type Artifact struct {
	ID           uuid.UUID `json:"id"`
	ExecutionID  uuid.UUID `json:"execution_id"`
	AgentID      uuid.UUID `json:"agent_id"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	ArtifactType string    `json:"artifact_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// ExecutionDetail bundles an execution with its tool calls and artifacts.
type ExecutionDetail struct {
	Execution
	ToolCalls []ToolCall `json:"tool_calls"`
	Artifacts []Artifact `json:"artifacts"`
}

// ExecutionsPage is one page of an agent's executions, newest first.
type ExecutionsPage struct {
	Executions []Execution
	Total      int
	HasMore    bool
}

// Memory is one stored memory row.
type Memory struct {
	ID         uuid.UUID `json:"id"`
	AgentID    uuid.UUID `json:"agent_id"`
	Content    string    `json:"content"`
	MemoryType string    `json:"memory_type"`
	TokenCount int       `json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// CompactResult reports what a compaction did.
type CompactResult struct {
	Compacted  bool   `json:"compacted"`
	Before     int    `json:"before"`
	Summarized int    `json:"summarized"`
	After      int    `json:"after"`
	SummaryID  string `json:"summary_id,omitempty"`
}

// Grant is one permission held by an agent.
type Grant struct {
	ID           uuid.UUID `json:"id"`
	AgentID      uuid.UUID `json:"agent_id"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Permission   string    `json:"permission"`
	GrantedAt    time.Time `json:"granted_at"`
}

// CreateGrantRequest grants read access to one resource.
type CreateGrantRequest struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
}

// AccessLogEntry is one permission check recorded by the server.
type AccessLogEntry struct {
	ID           uuid.UUID `json:"id"`
	AgentID      uuid.UUID `json:"agent_id"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Action       string    `json:"action"`
	Decision     string    `json:"decision"`
	CreatedAt    time.Time `json:"created_at"`
}

// IngestRequest stores pre-chunked text in a namespace.
type IngestRequest struct {
	FileID   *uuid.UUID `json:"file_id,omitempty"`
	Filename string     `json:"filename"`
	Chunks   []string   `json:"chunks"`
}

// IngestResult reports what an ingest call stored.
type IngestResult struct {
	FileID    uuid.UUID `json:"file_id"`
	Namespace string    `json:"namespace"`
	Chunks    int       `json:"chunks"`
	Indexed   bool      `json:"indexed"`
}

// FileSummary describes one ingested file. Status is "indexed" once every
// chunk has an embedding and "pending" otherwise.
type FileSummary struct {
	FileID         uuid.UUID `json:"file_id"`
	Filename       string    `json:"filename"`
	Namespace      string    `json:"namespace"`
	Chunks         int       `json:"chunks"`
	ChunksEmbedded int       `json:"chunks_embedded"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// SearchRequest runs file_search as an agent.
type SearchRequest struct {
	AgentID   uuid.UUID `json:"agent_id"`
	Query     string    `json:"query"`
	Namespace string    `json:"namespace,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

// ChunkHit is one search result.
type ChunkHit struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	FileID     uuid.UUID `json:"file_id"`
	Filename   string    `json:"filename"`
	Namespace  string    `json:"namespace"`
	ChunkText  string    `json:"chunk_text"`
	ChunkIndex int       `json:"chunk_index"`
	Score      float32   `json:"score"`
}

// SearchResult holds the hits an agent would see.
type SearchResult struct {
	Query   string     `json:"query"`
	AgentID uuid.UUID  `json:"agent_id"`
	Results []ChunkHit `json:"results"`
	Count   int        `json:"count"`
}

// NightlyResult summarizes one nightly pipeline run. Agents maps agent names
// to "completed", "failed", or "skipped".
type NightlyResult struct {
	Status      string            `json:"status"`
	Date        string            `json:"date,omitempty"`
	Agents      map[string]string `json:"agents,omitempty"`
	CEOArtifact *uuid.UUID        `json:"ceo_artifact,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// HealthResponse is returned by Health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Search   string `json:"search,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}
