package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/yakuin/internal/model"
	"github.com/ashita-ai/yakuin/internal/search"
)

type fakeGate struct {
	allowed map[string]bool
	checked []string
}

func (g *fakeGate) Check(_ context.Context, _ uuid.UUID, _ model.ResourceType, id string) (bool, error) {
	g.checked = append(g.checked, id)
	return g.allowed[id], nil
}

type fakeEmbedder struct {
	calls int
	err   error
}

func (e *fakeEmbedder) Embed(context.Context, string) (pgvector.Vector, error) {
	e.calls++
	return pgvector.NewVector([]float32{1, 0}), e.err
}

func (e *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i := range texts {
		out[i] = pgvector.NewVector([]float32{float32(i), 1})
	}
	return out, e.err
}

func (e *fakeEmbedder) Dimensions() int { return 2 }

type fakeSearcher struct {
	hits   []search.Hit
	filter search.Filter
}

func (s *fakeSearcher) Search(_ context.Context, _ []float32, f search.Filter, _ int) ([]search.Hit, error) {
	s.filter = f
	return s.hits, nil
}

func (s *fakeSearcher) Healthy(context.Context) error { return nil }

type fakeStore struct {
	chunks   map[uuid.UUID]model.FileChunk
	inserted []model.FileChunk
}

func (s *fakeStore) InsertChunks(_ context.Context, chunks []model.FileChunk) ([]model.FileChunk, error) {
	for i := range chunks {
		chunks[i].ID = uuid.New()
	}
	s.inserted = chunks
	return chunks, nil
}

func (s *fakeStore) GetChunks(_ context.Context, ids []uuid.UUID) ([]model.FileChunk, error) {
	var out []model.FileChunk
	for _, id := range ids {
		if c, ok := s.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeIndexer struct {
	err     error
	points  int
	deleted []uuid.UUID
}

func (i *fakeIndexer) Upsert(_ context.Context, chunks []model.FileChunk) error {
	i.points += len(chunks)
	return i.err
}

func (i *fakeIndexer) DeleteByFile(_ context.Context, fileID uuid.UUID) error {
	i.deleted = append(i.deleted, fileID)
	return nil
}

func specWith(namespaces ...string) model.AgentSpec {
	return model.AgentSpec{Name: "cfo-agent", DataPermissions: model.DataPermissions{VectorNamespaces: namespaces}}
}

func TestSearch_NoPermittedNamespaceReturnsEmpty(t *testing.T) {
	gate := &fakeGate{allowed: map[string]bool{}}
	emb := &fakeEmbedder{}
	r := New(gate, emb, &fakeSearcher{}, nil, &fakeStore{}, slog.New(slog.DiscardHandler))

	res, err := r.Search(context.Background(), uuid.New(), specWith("finance", "ops"), "revenue", "", 5)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)
	assert.NotNil(t, res.Results)
	assert.Empty(t, res.Results)
	assert.Equal(t, []string{"finance", "ops"}, gate.checked)
	assert.Zero(t, emb.calls, "no embedding when nothing is permitted")
}

func TestSearch_FiltersToPermittedNamespaces(t *testing.T) {
	chunk := model.FileChunk{ID: uuid.New(), FileID: uuid.New(), Filename: "q3.pdf", Namespace: "finance", ChunkText: "revenue up", ChunkIndex: 3}
	gate := &fakeGate{allowed: map[string]bool{"finance": true}}
	searcher := &fakeSearcher{hits: []search.Hit{{ChunkID: chunk.ID, Score: 0.8}}}
	store := &fakeStore{chunks: map[uuid.UUID]model.FileChunk{chunk.ID: chunk}}
	r := New(gate, &fakeEmbedder{}, searcher, nil, store, slog.New(slog.DiscardHandler))

	res, err := r.Search(context.Background(), uuid.New(), specWith("finance", "hr"), "revenue", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"finance"}, searcher.filter.Namespaces)
	require.Equal(t, 1, res.Count)
	hit := res.Results[0]
	assert.Equal(t, chunk.ID, hit.ChunkID)
	assert.Equal(t, chunk.FileID, hit.FileID)
	assert.Equal(t, "q3.pdf", hit.Filename)
	assert.Equal(t, "finance", hit.Namespace)
	assert.Equal(t, "revenue up", hit.ChunkText)
	assert.Equal(t, 3, hit.ChunkIndex)
	assert.InDelta(t, 0.8, hit.Score, 1e-6)
}

func TestSearch_RequestedNamespaceOverridesSpec(t *testing.T) {
	gate := &fakeGate{allowed: map[string]bool{"finance": true, "legal": false}}
	r := New(gate, &fakeEmbedder{}, &fakeSearcher{}, nil, &fakeStore{}, slog.New(slog.DiscardHandler))

	res, err := r.Search(context.Background(), uuid.New(), specWith("finance"), "contracts", "legal", 5)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)
	assert.Equal(t, []string{"legal"}, gate.checked)
}

func TestSearch_EmbedFailure(t *testing.T) {
	gate := &fakeGate{allowed: map[string]bool{"finance": true}}
	r := New(gate, &fakeEmbedder{err: errors.New("provider down")}, &fakeSearcher{}, nil, &fakeStore{}, slog.New(slog.DiscardHandler))

	_, err := r.Search(context.Background(), uuid.New(), specWith("finance"), "revenue", "", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embed query")
}

func TestIngest(t *testing.T) {
	store := &fakeStore{}
	idx := &fakeIndexer{}
	r := New(&fakeGate{}, &fakeEmbedder{}, &fakeSearcher{}, idx, store, slog.New(slog.DiscardHandler))

	resp, err := r.Ingest(context.Background(), "finance", model.IngestChunksRequest{
		Filename: "q3.pdf",
		Chunks:   []string{"one", "two", "three"},
	})
	require.NoError(t, err)
	assert.Equal(t, "finance", resp.Namespace)
	assert.Equal(t, 3, resp.Chunks)
	assert.True(t, resp.Indexed)
	assert.Equal(t, 3, idx.points)

	require.Len(t, store.inserted, 3)
	for i, c := range store.inserted {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, resp.FileID, c.FileID)
		assert.Equal(t, "finance", c.Namespace)
		assert.Len(t, c.Embedding, 2)
	}
}

func TestIngest_ReingestReplacesIndexedPoints(t *testing.T) {
	fileID := uuid.New()
	idx := &fakeIndexer{}
	r := New(&fakeGate{}, &fakeEmbedder{}, &fakeSearcher{}, idx, &fakeStore{}, slog.New(slog.DiscardHandler))

	_, err := r.Ingest(context.Background(), "ops", model.IngestChunksRequest{Filename: "runbook.md", Chunks: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Empty(t, idx.deleted, "a new file has nothing to replace")

	resp, err := r.Ingest(context.Background(), "ops", model.IngestChunksRequest{FileID: &fileID, Filename: "runbook.md", Chunks: []string{"a"}})
	require.NoError(t, err)
	assert.True(t, resp.Indexed)
	assert.Equal(t, []uuid.UUID{fileID}, idx.deleted)
	assert.Equal(t, 3, idx.points)
}

func TestIngest_IndexFailureIsNotFatal(t *testing.T) {
	fileID := uuid.New()
	r := New(&fakeGate{}, &fakeEmbedder{}, &fakeSearcher{}, &fakeIndexer{err: errors.New("qdrant down")}, &fakeStore{}, slog.New(slog.DiscardHandler))

	resp, err := r.Ingest(context.Background(), "ops", model.IngestChunksRequest{FileID: &fileID, Filename: "runbook.md", Chunks: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, fileID, resp.FileID)
	assert.False(t, resp.Indexed)
}

func TestIngest_Validation(t *testing.T) {
	r := New(&fakeGate{}, &fakeEmbedder{}, &fakeSearcher{}, nil, &fakeStore{}, slog.New(slog.DiscardHandler))

	_, err := r.Ingest(context.Background(), "", model.IngestChunksRequest{Filename: "a", Chunks: []string{"x"}})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = r.Ingest(context.Background(), "ops", model.IngestChunksRequest{Chunks: []string{"x"}})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = r.Ingest(context.Background(), "ops", model.IngestChunksRequest{Filename: "a"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, clampLimit(0))
	assert.Equal(t, 7, clampLimit(7))
	assert.Equal(t, MaxLimit, clampLimit(500))
}
