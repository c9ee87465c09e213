// Package retrieval answers file_search requests: it filters the requested
// namespaces through the permission gate, embeds the query, and ranks chunks.
// It also ingests pre-chunked files into the searchable corpus.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/yakuin/internal/model"
	"github.com/ashita-ai/yakuin/internal/search"
	"github.com/ashita-ai/yakuin/internal/service/embedding"
)

// DefaultLimit is the number of hits returned when the caller gives none.
const DefaultLimit = 5

// ErrInvalidInput marks request validation failures.
var ErrInvalidInput = errors.New("retrieval: invalid input")

// MaxLimit caps a single search.
const MaxLimit = 50

// Gate decides whether an agent may read a resource.
type Gate interface {
	Check(ctx context.Context, agentID uuid.UUID, rt model.ResourceType, resourceID string) (bool, error)
}

// ChunkStore persists and loads chunks.
type ChunkStore interface {
	InsertChunks(ctx context.Context, chunks []model.FileChunk) ([]model.FileChunk, error)
	GetChunks(ctx context.Context, ids []uuid.UUID) ([]model.FileChunk, error)
}

// Results is the payload returned to the model by file_search.
type Results struct {
	Results []model.ChunkHit `json:"results"`
	Count   int              `json:"count"`
}

// Retriever runs permission-aware vector search over file chunks.
type Retriever struct {
	gate     Gate
	embedder embedding.Provider
	searcher search.Searcher
	indexer  search.Indexer
	store    ChunkStore
	logger   *slog.Logger
}

// New creates a Retriever. indexer may be nil when no external index is configured.
func New(gate Gate, embedder embedding.Provider, searcher search.Searcher, indexer search.Indexer, store ChunkStore, logger *slog.Logger) *Retriever {
	return &Retriever{
		gate:     gate,
		embedder: embedder,
		searcher: searcher,
		indexer:  indexer,
		store:    store,
		logger:   logger,
	}
}

// Search ranks chunks for query across the namespaces the agent may read.
// A non-empty namespace narrows the search to that one namespace; otherwise
// the agent's configured vector namespaces are used. When no namespace
// survives the gate the result is empty and no embedding is computed.
func (r *Retriever) Search(ctx context.Context, agentID uuid.UUID, spec model.AgentSpec, query, namespace string, limit int) (Results, error) {
	empty := Results{Results: []model.ChunkHit{}, Count: 0}

	candidates := spec.DataPermissions.VectorNamespaces
	if namespace != "" {
		candidates = []string{namespace}
	}

	permitted := make([]string, 0, len(candidates))
	for _, ns := range candidates {
		ok, err := r.gate.Check(ctx, agentID, model.ResourceVectorNamespace, ns)
		if err != nil {
			r.logger.Warn("retrieval: permission check", "error", err, "agent_id", agentID, "namespace", ns)
		}
		if ok {
			permitted = append(permitted, ns)
		}
	}
	if len(permitted) == 0 {
		return empty, nil
	}

	if strings.TrimSpace(query) == "" {
		return Results{}, fmt.Errorf("%w: query is required", ErrInvalidInput)
	}
	limit = clampLimit(limit)

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return Results{}, fmt.Errorf("retrieval: embed query: %w", err)
	}

	hits, err := r.searcher.Search(ctx, vec.Slice(), search.Filter{Namespaces: permitted}, limit)
	if err != nil {
		return Results{}, fmt.Errorf("retrieval: search: %w", err)
	}
	if len(hits) == 0 {
		return empty, nil
	}

	ids := make([]uuid.UUID, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	chunks, err := r.store.GetChunks(ctx, ids)
	if err != nil {
		return Results{}, fmt.Errorf("retrieval: load chunks: %w", err)
	}
	byID := make(map[uuid.UUID]model.FileChunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	out := search.Hydrate(hits, byID, limit)
	return Results{Results: out, Count: len(out)}, nil
}

// Ingest embeds and stores the chunks of one file under namespace, then
// mirrors them into the external index. An index failure is logged and
// reported through Indexed; Postgres remains the source of truth.
func (r *Retriever) Ingest(ctx context.Context, namespace string, req model.IngestChunksRequest) (model.IngestChunksResponse, error) {
	if strings.TrimSpace(namespace) == "" {
		return model.IngestChunksResponse{}, fmt.Errorf("%w: namespace is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Filename) == "" {
		return model.IngestChunksResponse{}, fmt.Errorf("%w: filename is required", ErrInvalidInput)
	}
	if len(req.Chunks) == 0 {
		return model.IngestChunksResponse{}, fmt.Errorf("%w: at least one chunk is required", ErrInvalidInput)
	}

	fileID := uuid.New()
	if req.FileID != nil {
		fileID = *req.FileID
	}

	vecs, err := r.embedder.EmbedBatch(ctx, req.Chunks)
	if err != nil {
		return model.IngestChunksResponse{}, fmt.Errorf("retrieval: embed chunks: %w", err)
	}

	chunks := make([]model.FileChunk, len(req.Chunks))
	for i, text := range req.Chunks {
		chunks[i] = model.FileChunk{
			FileID:     fileID,
			Filename:   req.Filename,
			Namespace:  namespace,
			ChunkIndex: i,
			ChunkText:  text,
			Embedding:  vecs[i].Slice(),
		}
	}

	stored, err := r.store.InsertChunks(ctx, chunks)
	if err != nil {
		return model.IngestChunksResponse{}, fmt.Errorf("retrieval: store chunks: %w", err)
	}

	resp := model.IngestChunksResponse{FileID: fileID, Namespace: namespace, Chunks: len(stored)}
	if r.indexer != nil {
		if err := r.index(ctx, req.FileID != nil, fileID, stored); err != nil {
			r.logger.Warn("retrieval: index chunks", "error", err, "file_id", fileID)
		} else {
			resp.Indexed = true
		}
	}
	return resp, nil
}

// index mirrors stored chunks into the external index. A re-ingested file
// loses its old points first so a shorter file leaves no stale chunks behind.
func (r *Retriever) index(ctx context.Context, replace bool, fileID uuid.UUID, stored []model.FileChunk) error {
	if replace {
		if err := r.indexer.DeleteByFile(ctx, fileID); err != nil {
			return err
		}
	}
	return r.indexer.Upsert(ctx, stored)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
