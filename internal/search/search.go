// Package search provides vector search over file chunks using an external
// index, with transparent fallback to pgvector in Postgres.
package search

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/yakuin/internal/model"
)

// Hit holds a chunk ID and its raw similarity score from the search index.
// The caller hydrates full chunks from Postgres (source of truth).
type Hit struct {
	ChunkID uuid.UUID
	Score   float32
}

// Filter restricts a search. Namespaces must be non-empty; an empty filter
// matches nothing.
type Filter struct {
	Namespaces []string
}

// Searcher is the interface for vector search indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns chunk IDs matching the query vector, restricted to the
	// filter's namespaces, best first.
	Search(ctx context.Context, embedding []float32, filter Filter, limit int) ([]Hit, error)

	// Healthy returns nil if the search index is reachable, or an error describing the problem.
	Healthy(ctx context.Context) error
}

// Indexer mirrors chunks into a search index.
type Indexer interface {
	Upsert(ctx context.Context, chunks []model.FileChunk) error
	DeleteByFile(ctx context.Context, fileID uuid.UUID) error
}

// ChunkStore is the subset of storage used by the pgvector searcher.
type ChunkStore interface {
	SearchChunks(ctx context.Context, embedding []float32, namespaces []string, limit int) ([]model.ChunkHit, error)
	Ping(ctx context.Context) error
}

// Hydrate joins hits with the chunks loaded from Postgres, keeping the hit
// order and dropping hits whose chunk no longer exists.
func Hydrate(hits []Hit, chunks map[uuid.UUID]model.FileChunk, limit int) []model.ChunkHit {
	out := make([]model.ChunkHit, 0, len(hits))
	for _, h := range hits {
		c, ok := chunks[h.ChunkID]
		if !ok {
			continue
		}
		out = append(out, model.ChunkHit{
			ChunkID:    c.ID,
			FileID:     c.FileID,
			Filename:   c.Filename,
			Namespace:  c.Namespace,
			ChunkText:  c.ChunkText,
			ChunkIndex: c.ChunkIndex,
			Score:      h.Score,
		})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// PGIndex implements Searcher with pgvector cosine distance.
type PGIndex struct {
	store ChunkStore
}

// NewPGIndex returns a Searcher backed by the file_chunks table.
func NewPGIndex(store ChunkStore) *PGIndex {
	return &PGIndex{store: store}
}

// Search runs the nearest-neighbour query in Postgres.
func (p *PGIndex) Search(ctx context.Context, embedding []float32, filter Filter, limit int) ([]Hit, error) {
	if len(filter.Namespaces) == 0 {
		return nil, nil
	}
	rows, err := p.store.SearchChunks(ctx, embedding, filter.Namespaces, limit)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, len(rows))
	for i, r := range rows {
		hits[i] = Hit{ChunkID: r.ChunkID, Score: r.Score}
	}
	return hits, nil
}

// Healthy pings Postgres.
func (p *PGIndex) Healthy(ctx context.Context) error {
	return p.store.Ping(ctx)
}

// Fallback queries the primary index while it is healthy and falls back to
// the secondary otherwise, or when the primary query fails.
type Fallback struct {
	primary   Searcher
	secondary Searcher
	logger    *slog.Logger
}

// NewFallback composes two searchers. A nil primary always uses the secondary.
func NewFallback(primary, secondary Searcher, logger *slog.Logger) *Fallback {
	return &Fallback{primary: primary, secondary: secondary, logger: logger}
}

// Search implements Searcher.
func (f *Fallback) Search(ctx context.Context, embedding []float32, filter Filter, limit int) ([]Hit, error) {
	if f.primary != nil {
		if err := f.primary.Healthy(ctx); err != nil {
			f.logger.Warn("search: primary index unhealthy, using fallback", "error", err)
		} else {
			hits, err := f.primary.Search(ctx, embedding, filter, limit)
			if err == nil {
				return hits, nil
			}
			f.logger.Warn("search: primary index query failed, using fallback", "error", err)
		}
	}
	return f.secondary.Search(ctx, embedding, filter, limit)
}

// Healthy reports the primary's health when configured, otherwise the secondary's.
func (f *Fallback) Healthy(ctx context.Context) error {
	if f.primary != nil {
		return f.primary.Healthy(ctx)
	}
	return f.secondary.Healthy(ctx)
}
