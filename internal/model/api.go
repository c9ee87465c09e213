package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	Role      AgentRole `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RunAgentRequest is the request body for POST /v1/agents/{id}/run.
type RunAgentRequest struct {
	Prompt  string         `json:"prompt"`
	Context map[string]any `json:"context,omitempty"`
}

// UpdateStatusRequest is used by deploy/activate style endpoints.
type UpdateStatusRequest struct {
	Status AgentStatus `json:"status"`
}

// AppendMemoryRequest is the request body for POST /v1/agents/{id}/memory.
type AppendMemoryRequest struct {
	Content    string     `json:"content"`
	MemoryType MemoryType `json:"memory_type,omitempty"`
}

// CompactMemoryRequest is the request body for POST /v1/agents/{id}/memory/compact.
type CompactMemoryRequest struct {
	MaxEntries int `json:"max_entries"`
}

// CreateGrantRequest is the request body for POST /v1/agents/{id}/grants.
type CreateGrantRequest struct {
	ResourceType ResourceType `json:"resource_type"`
	ResourceID   string       `json:"resource_id"`
	Permission   Permission   `json:"permission,omitempty"`
}

// IngestChunksRequest is the request body for POST /v1/namespaces/{ns}/chunks.
// Text extraction and chunking happen upstream; Chunks are stored in order.
type IngestChunksRequest struct {
	FileID   *uuid.UUID `json:"file_id,omitempty"`
	Filename string     `json:"filename"`
	Chunks   []string   `json:"chunks"`
}

// IngestChunksResponse reports what an ingest call stored.
type IngestChunksResponse struct {
	FileID    uuid.UUID `json:"file_id"`
	Namespace string    `json:"namespace"`
	Chunks    int       `json:"chunks"`
	Indexed   bool      `json:"indexed"`
}

// SearchRequest is the request body for POST /v1/search. The search runs
// with the named agent's permissions, exactly as its file_search tool would.
type SearchRequest struct {
	AgentID   uuid.UUID `json:"agent_id"`
	Query     string    `json:"query"`
	Namespace string    `json:"namespace,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

// SearchResponse is returned by POST /v1/search.
type SearchResponse struct {
	Query   string     `json:"query"`
	AgentID uuid.UUID  `json:"agent_id"`
	Results []ChunkHit `json:"results"`
	Count   int        `json:"count"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Search   string `json:"search,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}
