package model

import (
	"time"

	"github.com/google/uuid"
)

// ResourceType enumerates the kinds of data an agent can be granted.
type ResourceType string

const (
	ResourceVectorNamespace ResourceType = "vector_namespace"
	ResourceTable           ResourceType = "table"
	ResourceFile            ResourceType = "file"
	ResourceDataset         ResourceType = "dataset"
)

// Valid reports whether r is a known resource type.
func (r ResourceType) Valid() bool {
	switch r {
	case ResourceVectorNamespace, ResourceTable, ResourceFile, ResourceDataset:
		return true
	}
	return false
}

// Permission enumerates valid grant permissions.
type Permission string

const (
	PermissionRead Permission = "read"
)

// AccessDecision is the outcome recorded for a permission check.
type AccessDecision string

const (
	DecisionAllow AccessDecision = "allow"
	DecisionDeny  AccessDecision = "deny"
)

// AgentPermission is an explicit grant. Checks match all of agent, resource
// type, and resource id exactly.
type AgentPermission struct {
	ID           uuid.UUID    `json:"id"`
	AgentID      uuid.UUID    `json:"agent_id"`
	ResourceType ResourceType `json:"resource_type"`
	ResourceID   string       `json:"resource_id"`
	Permission   Permission   `json:"permission"`
	GrantedAt    time.Time    `json:"granted_at"`
}

// AccessLogEntry is one row of the append-only compliance trail.
type AccessLogEntry struct {
	ID           uuid.UUID      `json:"id"`
	AgentID      uuid.UUID      `json:"agent_id"`
	ResourceType ResourceType   `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Action       string         `json:"action"`
	Decision     AccessDecision `json:"decision"`
	CreatedAt    time.Time      `json:"created_at"`
}
