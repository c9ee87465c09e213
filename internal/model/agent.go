// Package model defines the core domain types for Yakuin.
//
// Types correspond directly to database tables and API payloads. JSON tags
// use snake_case to match the stored spec documents.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the lifecycle state of an agent envelope.
// Any status is reachable from any other through the API.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusInactive AgentStatus = "inactive"
	AgentStatusDeployed AgentStatus = "deployed"
)

// Valid reports whether s is a known status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusActive, AgentStatusInactive, AgentStatusDeployed:
		return true
	}
	return false
}

// Runnable reports whether an agent in this status accepts executions.
func (s AgentStatus) Runnable() bool {
	return s == AgentStatusActive || s == AgentStatusDeployed
}

// MemoryScope controls who can see an agent's memory.
type MemoryScope string

const (
	MemoryScopePrivate   MemoryScope = "private"
	MemoryScopeShared    MemoryScope = "shared"
	MemoryScopeEphemeral MemoryScope = "ephemeral"
)

// ToolPermission whitelists one tool and the operations allowed on it.
type ToolPermission struct {
	ToolID string   `json:"tool_id" yaml:"tool_id"`
	Ops    []string `json:"ops" yaml:"ops"`
}

// MemoryPolicy bounds how much memory an agent reads and keeps.
type MemoryPolicy struct {
	Scope         MemoryScope `json:"scope" yaml:"scope"`
	MaxTokens     int         `json:"max_tokens" yaml:"max_tokens"`
	RetentionDays int         `json:"retention_days" yaml:"retention_days"`
}

// DataPermissions lists the resources an agent is configured to use.
// Each entry becomes an AgentPermission grant when the agent is stored.
type DataPermissions struct {
	Datasets         []string `json:"datasets" yaml:"datasets"`
	Tables           []string `json:"tables" yaml:"tables"`
	VectorNamespaces []string `json:"vector_namespaces" yaml:"vector_namespaces"`
	Files            []string `json:"files" yaml:"files"`
}

// Triggers describes how runs of an agent may start.
type Triggers struct {
	Manual    bool     `json:"manual" yaml:"manual"`
	Schedules []string `json:"schedules" yaml:"schedules"`
	Events    []string `json:"events" yaml:"events"`
}

// Guardrails are the limits enforced during and across runs.
type Guardrails struct {
	BudgetUSDPerDay     float64  `json:"budget_usd_per_day" yaml:"budget_usd_per_day"`
	MaxToolCallsPerRun  int      `json:"max_tool_calls_per_run" yaml:"max_tool_calls_per_run"`
	ApprovalRequiredOps []string `json:"approval_required_ops" yaml:"approval_required_ops"`
}

// LLMConfig holds the model parameters for an agent.
type LLMConfig struct {
	Model       string  `json:"model" yaml:"model"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
}

// AgentSpec is the declarative configuration of an agent. It is copied by value
// into each Agent so a run never observes a concurrent edit.
type AgentSpec struct {
	Name            string           `json:"name" yaml:"name"`
	DisplayName     string           `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	RoleDefinition  string           `json:"role_definition" yaml:"role_definition"`
	Capabilities    []string         `json:"capabilities" yaml:"capabilities"`
	ToolsAllowed    []ToolPermission `json:"tools_allowed" yaml:"tools_allowed"`
	Memory          MemoryPolicy     `json:"memory" yaml:"memory"`
	DataPermissions DataPermissions  `json:"data_permissions" yaml:"data_permissions"`
	Triggers        Triggers         `json:"triggers" yaml:"triggers"`
	Guardrails      Guardrails       `json:"guardrails" yaml:"guardrails"`
	LLM             LLMConfig        `json:"llm" yaml:"llm"`
}

// Title returns the display name, falling back to the spec name.
func (s AgentSpec) Title() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Name
}

// Agent is the mutable envelope around a spec.
type Agent struct {
	ID          uuid.UUID   `json:"id"`
	Name        string      `json:"name"`
	DisplayName string      `json:"display_name"`
	Spec        AgentSpec   `json:"spec"`
	Status      AgentStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// AgentRole is the RBAC role carried by an operator token.
type AgentRole string

const (
	RoleAdmin    AgentRole = "admin"
	RoleOperator AgentRole = "operator"
	RoleReader   AgentRole = "reader"
)

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r AgentRole) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleOperator:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole AgentRole) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ValidateAgentName checks that an agent name is usable as a stable key.
// Names are 1-100 characters: lowercase alphanumerics, hyphens, and
// underscores, starting with a letter.
func ValidateAgentName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("name is required")
	}
	if len(name) > 100 {
		return fmt.Errorf("name must be at most 100 characters")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if i == 0 {
			if c < 'a' || c > 'z' {
				return fmt.Errorf("name must start with a lowercase letter, got %q", c)
			}
			continue
		}
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return fmt.Errorf("name contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
