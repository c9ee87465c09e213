package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus represents the lifecycle state of an execution.
// running is the only non-terminal state.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// Trigger records what started an execution.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerSchedule Trigger = "schedule"
	TriggerNightly  Trigger = "nightly"
	TriggerMCP      Trigger = "mcp"
)

// Execution is one run of an agent against a prompt.
type Execution struct {
	ID              uuid.UUID       `json:"id"`
	AgentID         uuid.UUID       `json:"agent_id"`
	Prompt          string          `json:"prompt"`
	Trigger         Trigger         `json:"trigger"`
	Status          ExecutionStatus `json:"status"`
	StartedAt       time.Time       `json:"started_at"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	DurationMS      *int64          `json:"duration_ms,omitempty"`
	TokensIn        int             `json:"tokens_in"`
	TokensOut       int             `json:"tokens_out"`
	CostEstimateUSD float64         `json:"cost_estimate_usd"`
	Error           *string         `json:"error,omitempty"`
}

// ExecutionOutcome carries the fields written by the single terminal transition.
type ExecutionOutcome struct {
	Status          ExecutionStatus
	DurationMS      int64
	TokensIn        int
	TokensOut       int
	CostEstimateUSD float64
	Error           string
}

// ToolCall is one tool invocation within an execution, recorded even when the
// tool was denied, limited, or unknown.
type ToolCall struct {
	ID          uuid.UUID       `json:"id"`
	ExecutionID uuid.UUID       `json:"execution_id"`
	ToolID      string          `json:"tool_id"`
	Input       json.RawMessage `json:"input"`
	Output      json.RawMessage `json:"output"`
	DurationMS  int64           `json:"duration_ms"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ArtifactTypeMarkdown is the only artifact type produced by the engine.
const ArtifactTypeMarkdown = "markdown"

// Artifact is the durable output of an execution.
type Artifact struct {
	ID           uuid.UUID `json:"id"`
	ExecutionID  uuid.UUID `json:"execution_id"`
	AgentID      uuid.UUID `json:"agent_id"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	ArtifactType string    `json:"artifact_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// ExecutionResult is what the engine returns to every caller. Status is always
// set; Error is set only for failed runs.
type ExecutionResult struct {
	ExecutionID     uuid.UUID       `json:"execution_id"`
	AgentID         uuid.UUID       `json:"agent_id"`
	Status          ExecutionStatus `json:"status"`
	Content         string          `json:"content,omitempty"`
	ToolCalls       int             `json:"tool_calls"`
	TokensIn        int             `json:"tokens_in"`
	TokensOut       int             `json:"tokens_out"`
	CostEstimateUSD float64         `json:"cost_estimate_usd"`
	DurationMS      int64           `json:"duration_ms"`
	ArtifactID      *uuid.UUID      `json:"artifact_id,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// ExecutionDetail bundles an execution with its children for the API.
type ExecutionDetail struct {
	Execution
	ToolCalls []ToolCall `json:"tool_calls"`
	Artifacts []Artifact `json:"artifacts"`
}
