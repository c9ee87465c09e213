package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/yakuin/internal/model"
)

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{
			name:   "https cloud URL with REST port",
			rawURL: "https://xyz.cloud.qdrant.io:6333",
			host:   "xyz.cloud.qdrant.io",
			port:   6334, // REST 6333 → gRPC 6334
			tls:    true,
		},
		{
			name:   "https cloud URL with gRPC port",
			rawURL: "https://xyz.cloud.qdrant.io:6334",
			host:   "xyz.cloud.qdrant.io",
			port:   6334,
			tls:    true,
		},
		{
			name:   "http local URL",
			rawURL: "http://localhost:6333",
			host:   "localhost",
			port:   6334,
			tls:    false,
		},
		{
			name:   "http no port defaults to 6334",
			rawURL: "http://qdrant.internal",
			host:   "qdrant.internal",
			port:   6334,
			tls:    false,
		},
		{
			name:   "custom port preserved",
			rawURL: "https://qdrant.example.com:9334",
			host:   "qdrant.example.com",
			port:   9334,
			tls:    true,
		},
		{
			name:    "empty URL",
			rawURL:  "",
			wantErr: true,
		},
		{
			name:    "no scheme no host",
			rawURL:  "not-a-url",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, tls, err := parseQdrantURL(tt.rawURL)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.tls, tls)
		})
	}
}

func TestParseQdrantURL_InvalidPort(t *testing.T) {
	_, _, _, err := parseQdrantURL("http://localhost:notaport")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search: invalid")
}

// newTestQdrantIndex connects to a port with no server. gRPC connects lazily,
// so construction succeeds and RPCs fail.
func newTestQdrantIndex(t *testing.T) *QdrantIndex {
	t.Helper()
	idx, err := NewQdrantIndex(QdrantConfig{
		URL:        "http://localhost:16334",
		Collection: "test_chunks",
		Dims:       8,
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestNewQdrantIndex_InvalidURL(t *testing.T) {
	_, err := NewQdrantIndex(QdrantConfig{Collection: "c", Dims: 8}, slog.New(slog.DiscardHandler))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid qdrant URL")
}

func TestQdrantSearch_EmptyNamespacesSkipsQuery(t *testing.T) {
	idx := newTestQdrantIndex(t)

	hits, err := idx.Search(context.Background(), make([]float32, 8), Filter{}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestQdrantUpsert_SkipsChunksWithoutEmbedding(t *testing.T) {
	idx := newTestQdrantIndex(t)

	err := idx.Upsert(context.Background(), []model.FileChunk{{ID: uuid.New(), Namespace: "finance"}})
	require.NoError(t, err)
}

func TestQdrantSearch_FailsWithoutServer(t *testing.T) {
	idx := newTestQdrantIndex(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	hits, err := idx.Search(ctx, make([]float32, 8), Filter{Namespaces: []string{"finance"}}, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qdrant query")
	assert.Nil(t, hits)
}

func TestQdrantHealthErr_CacheTiming(t *testing.T) {
	idx := newTestQdrantIndex(t)

	idx.storeHealthErr(nil)
	idx.healthAt.Store(time.Now().UnixNano())
	assert.NoError(t, idx.Healthy(context.Background()), "fresh cached result skips the RPC")

	idx.storeHealthErr(fmt.Errorf("search: qdrant unhealthy: previous failure"))
	idx.healthAt.Store(time.Now().UnixNano())
	err := idx.Healthy(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "previous failure")
}

func TestQdrantHealthy_ExpiredCache(t *testing.T) {
	idx := newTestQdrantIndex(t)

	idx.storeHealthErr(nil)
	idx.healthAt.Store(time.Now().Add(-10 * time.Second).UnixNano())

	err := idx.Healthy(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qdrant unhealthy")
}

func TestChunkPayload(t *testing.T) {
	c := model.FileChunk{
		ID:         uuid.New(),
		FileID:     uuid.New(),
		Filename:   "q3.pdf",
		Namespace:  "finance",
		ChunkIndex: 4,
	}
	p := chunkPayload(c)
	assert.Equal(t, "finance", p["namespace"])
	assert.Equal(t, c.FileID.String(), p["file_id"])
	assert.Equal(t, "q3.pdf", p["filename"])
	assert.Equal(t, int64(4), p["chunk_index"])
}

func TestNamespaceFilter(t *testing.T) {
	single := namespaceFilter([]string{"finance"})
	require.Len(t, single.Must, 1)
	assert.Equal(t, "namespace", single.Must[0].GetField().GetKey())
	assert.Equal(t, "finance", single.Must[0].GetField().GetMatch().GetKeyword())

	multi := namespaceFilter([]string{"finance", "ops"})
	require.Len(t, multi.Must, 1)
	assert.Equal(t, []string{"finance", "ops"}, multi.Must[0].GetField().GetMatch().GetKeywords().GetStrings())
}

type fakeSearcher struct {
	hits      []Hit
	err       error
	healthErr error
	calls     int
}

func (f *fakeSearcher) Search(_ context.Context, _ []float32, _ Filter, _ int) ([]Hit, error) {
	f.calls++
	return f.hits, f.err
}

func (f *fakeSearcher) Healthy(context.Context) error { return f.healthErr }

func TestFallback(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	primaryHit := Hit{ChunkID: uuid.New(), Score: 0.9}
	secondaryHit := Hit{ChunkID: uuid.New(), Score: 0.5}
	filter := Filter{Namespaces: []string{"finance"}}

	t.Run("healthy primary", func(t *testing.T) {
		p := &fakeSearcher{hits: []Hit{primaryHit}}
		s := &fakeSearcher{hits: []Hit{secondaryHit}}
		hits, err := NewFallback(p, s, logger).Search(context.Background(), nil, filter, 5)
		require.NoError(t, err)
		assert.Equal(t, []Hit{primaryHit}, hits)
		assert.Zero(t, s.calls)
	})

	t.Run("unhealthy primary", func(t *testing.T) {
		p := &fakeSearcher{healthErr: errors.New("down")}
		s := &fakeSearcher{hits: []Hit{secondaryHit}}
		hits, err := NewFallback(p, s, logger).Search(context.Background(), nil, filter, 5)
		require.NoError(t, err)
		assert.Equal(t, []Hit{secondaryHit}, hits)
		assert.Zero(t, p.calls)
	})

	t.Run("primary query error", func(t *testing.T) {
		p := &fakeSearcher{err: errors.New("boom")}
		s := &fakeSearcher{hits: []Hit{secondaryHit}}
		hits, err := NewFallback(p, s, logger).Search(context.Background(), nil, filter, 5)
		require.NoError(t, err)
		assert.Equal(t, []Hit{secondaryHit}, hits)
	})

	t.Run("no primary", func(t *testing.T) {
		s := &fakeSearcher{hits: []Hit{secondaryHit}}
		hits, err := NewFallback(nil, s, logger).Search(context.Background(), nil, filter, 5)
		require.NoError(t, err)
		assert.Equal(t, []Hit{secondaryHit}, hits)
	})
}

func TestHydrate(t *testing.T) {
	a := model.FileChunk{ID: uuid.New(), FileID: uuid.New(), Filename: "a.md", Namespace: "ops", ChunkText: "alpha", ChunkIndex: 0}
	b := model.FileChunk{ID: uuid.New(), FileID: uuid.New(), Filename: "b.md", Namespace: "ops", ChunkText: "beta", ChunkIndex: 2}
	missing := uuid.New()

	hits := []Hit{{ChunkID: b.ID, Score: 0.9}, {ChunkID: missing, Score: 0.8}, {ChunkID: a.ID, Score: 0.7}}
	chunks := map[uuid.UUID]model.FileChunk{a.ID: a, b.ID: b}

	out := Hydrate(hits, chunks, 5)
	require.Len(t, out, 2)
	assert.Equal(t, b.ID, out[0].ChunkID)
	assert.Equal(t, "beta", out[0].ChunkText)
	assert.Equal(t, 2, out[0].ChunkIndex)
	assert.InDelta(t, 0.9, out[0].Score, 1e-6)
	assert.Equal(t, a.ID, out[1].ChunkID)

	assert.Len(t, Hydrate(hits, chunks, 1), 1)
	assert.Empty(t, Hydrate(nil, chunks, 5))
}

type fakeChunkStore struct {
	rows       []model.ChunkHit
	namespaces []string
}

func (f *fakeChunkStore) SearchChunks(_ context.Context, _ []float32, namespaces []string, _ int) ([]model.ChunkHit, error) {
	f.namespaces = namespaces
	return f.rows, nil
}

func (f *fakeChunkStore) Ping(context.Context) error { return nil }

func TestPGIndex(t *testing.T) {
	id := uuid.New()
	store := &fakeChunkStore{rows: []model.ChunkHit{{ChunkID: id, Score: 0.42}}}
	idx := NewPGIndex(store)

	hits, err := idx.Search(context.Background(), []float32{1}, Filter{Namespaces: []string{"finance"}}, 5)
	require.NoError(t, err)
	assert.Equal(t, []Hit{{ChunkID: id, Score: 0.42}}, hits)
	assert.Equal(t, []string{"finance"}, store.namespaces)

	hits, err = idx.Search(context.Background(), []float32{1}, Filter{}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.NoError(t, idx.Healthy(context.Background()))
}
