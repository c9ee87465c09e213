package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/yakuin/internal/model"
)

// InsertChunks stores a batch of chunks for one file. Re-ingesting the same
// (file_id, chunk_index) replaces the text and embedding, and chunks past the
// new end of the file are removed.
func (db *DB) InsertChunks(ctx context.Context, chunks []model.FileChunk) ([]model.FileChunk, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for i := range chunks {
		c := &chunks[i]
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		var emb any
		if len(c.Embedding) > 0 {
			emb = pgvector.NewVector(c.Embedding)
		}
		batch.Queue(
			`INSERT INTO file_chunks (id, file_id, filename, namespace, chunk_index, chunk_text, embedding, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (file_id, chunk_index) DO UPDATE
			   SET chunk_text = EXCLUDED.chunk_text, embedding = EXCLUDED.embedding,
			       filename = EXCLUDED.filename, namespace = EXCLUDED.namespace
			 RETURNING id`,
			c.ID, c.FileID, c.Filename, c.Namespace, c.ChunkIndex, c.ChunkText, emb, c.CreatedAt,
		)
	}

	ends := make(map[uuid.UUID]int)
	for _, c := range chunks {
		ends[c.FileID] = max(ends[c.FileID], c.ChunkIndex+1)
	}
	for fileID, end := range ends {
		batch.Queue(`DELETE FROM file_chunks WHERE file_id = $1 AND chunk_index >= $2`, fileID, end)
	}

	br := db.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()
	for i := range chunks {
		if err := br.QueryRow().Scan(&chunks[i].ID); err != nil {
			return nil, fmt.Errorf("storage: insert chunk %d: %w", chunks[i].ChunkIndex, err)
		}
	}
	for range ends {
		if _, err := br.Exec(); err != nil {
			return nil, fmt.Errorf("storage: trim chunks: %w", err)
		}
	}
	return chunks, nil
}

// SearchChunks ranks chunks in the given namespaces by cosine similarity to
// embedding. An empty namespace list matches nothing.
func (db *DB) SearchChunks(ctx context.Context, embedding []float32, namespaces []string, limit int) ([]model.ChunkHit, error) {
	if len(namespaces) == 0 || len(embedding) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, file_id, filename, namespace, chunk_text, chunk_index,
		        1 - (embedding <=> $1) AS score
		 FROM file_chunks
		 WHERE namespace = ANY($2) AND embedding IS NOT NULL
		 ORDER BY embedding <=> $1
		 LIMIT $3`,
		pgvector.NewVector(embedding), namespaces, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search chunks: %w", err)
	}
	defer rows.Close()

	var hits []model.ChunkHit
	for rows.Next() {
		var h model.ChunkHit
		var score float64
		if err := rows.Scan(&h.ChunkID, &h.FileID, &h.Filename, &h.Namespace, &h.ChunkText, &h.ChunkIndex, &score); err != nil {
			return nil, fmt.Errorf("storage: scan chunk hit: %w", err)
		}
		// A zero vector has no cosine distance; pgvector reports NaN.
		if math.IsNaN(score) {
			continue
		}
		h.Score = float32(score)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// GetChunks loads chunks by ID, preserving the order of ids. Missing IDs are skipped.
func (db *DB) GetChunks(ctx context.Context, ids []uuid.UUID) ([]model.FileChunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, file_id, filename, namespace, chunk_index, chunk_text, created_at
		 FROM file_chunks WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: get chunks: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]model.FileChunk, len(ids))
	for rows.Next() {
		var c model.FileChunk
		if err := rows.Scan(&c.ID, &c.FileID, &c.Filename, &c.Namespace, &c.ChunkIndex, &c.ChunkText, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan chunk: %w", err)
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]model.FileChunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

const fileSummarySelect = `SELECT file_id, MIN(filename), MIN(namespace), COUNT(*), COUNT(embedding), MIN(created_at)
	 FROM file_chunks`

func scanFileSummary(row pgx.Row) (model.FileSummary, error) {
	var f model.FileSummary
	if err := row.Scan(&f.FileID, &f.Filename, &f.Namespace, &f.Chunks, &f.ChunksEmbedded, &f.CreatedAt); err != nil {
		return model.FileSummary{}, err
	}
	f.Status = model.FileStatusIndexed
	if f.ChunksEmbedded < f.Chunks {
		f.Status = model.FileStatusPending
	}
	return f, nil
}

// ListFiles returns one summary per ingested file, newest first. An empty
// namespace lists every namespace.
func (db *DB) ListFiles(ctx context.Context, namespace string, limit, offset int) ([]model.FileSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		fileSummarySelect+`
		 WHERE $1 = '' OR namespace = $1
		 GROUP BY file_id
		 ORDER BY MIN(created_at) DESC, file_id
		 LIMIT $2 OFFSET $3`,
		namespace, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list files: %w", err)
	}
	defer rows.Close()

	var out []model.FileSummary
	for rows.Next() {
		f, err := scanFileSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetFileStatus summarizes one file's chunks.
func (db *DB) GetFileStatus(ctx context.Context, fileID uuid.UUID) (model.FileSummary, error) {
	f, err := scanFileSummary(db.pool.QueryRow(ctx,
		fileSummarySelect+` WHERE file_id = $1 GROUP BY file_id`, fileID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.FileSummary{}, fmt.Errorf("storage: file %s: %w", fileID, ErrNotFound)
		}
		return model.FileSummary{}, fmt.Errorf("storage: file status: %w", err)
	}
	return f, nil
}
