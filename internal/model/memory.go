package model

import (
	"time"

	"github.com/google/uuid"
)

// MemoryType classifies a memory row.
type MemoryType string

const (
	MemoryTypeFact      MemoryType = "fact"
	MemoryTypeExecution MemoryType = "execution"
	MemoryTypeSummary   MemoryType = "summary"
)

// Valid reports whether t is a known memory type.
func (t MemoryType) Valid() bool {
	switch t {
	case MemoryTypeFact, MemoryTypeExecution, MemoryTypeSummary:
		return true
	}
	return false
}

// Memory is one append-only fact in an agent's log. Rows are only ever removed
// by compaction (replaced with a summary) or retention pruning.
type Memory struct {
	ID         uuid.UUID  `json:"id"`
	AgentID    uuid.UUID  `json:"agent_id"`
	Content    string     `json:"content"`
	MemoryType MemoryType `json:"memory_type"`
	TokenCount int        `json:"token_count"`
	CreatedAt  time.Time  `json:"created_at"`
}
