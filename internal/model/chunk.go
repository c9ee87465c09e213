package model

import (
	"time"

	"github.com/google/uuid"
)

// FileChunk is one slice of an ingested file, the unit of retrieval.
type FileChunk struct {
	ID         uuid.UUID `json:"chunk_id"`
	FileID     uuid.UUID `json:"file_id"`
	Filename   string    `json:"filename"`
	Namespace  string    `json:"namespace"`
	ChunkIndex int       `json:"chunk_index"`
	ChunkText  string    `json:"chunk_text"`
	Embedding  []float32 `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChunkHit is a ranked retrieval result as returned to agents.
type ChunkHit struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	FileID     uuid.UUID `json:"file_id"`
	Filename   string    `json:"filename"`
	Namespace  string    `json:"namespace"`
	ChunkText  string    `json:"chunk_text"`
	ChunkIndex int       `json:"chunk_index"`
	Score      float32   `json:"score"`
}

// File statuses derived from a file's chunks.
const (
	FileStatusIndexed = "indexed" // every chunk has an embedding
	FileStatusPending = "pending" // some chunks are stored without one
)

// FileSummary describes one ingested file, aggregated from its chunks.
type FileSummary struct {
	FileID         uuid.UUID `json:"file_id"`
	Filename       string    `json:"filename"`
	Namespace      string    `json:"namespace"`
	Chunks         int       `json:"chunks"`
	ChunksEmbedded int       `json:"chunks_embedded"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}
