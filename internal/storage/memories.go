package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/yakuin/internal/model"
)

const memoryColumns = `id, agent_id, content, memory_type, token_count, created_at`

func scanMemory(row pgx.Row) (model.Memory, error) {
	var m model.Memory
	err := row.Scan(&m.ID, &m.AgentID, &m.Content, &m.MemoryType, &m.TokenCount, &m.CreatedAt)
	return m, err
}

// InsertMemory appends one memory row.
func (db *DB) InsertMemory(ctx context.Context, m model.Memory) (model.Memory, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO memories (id, agent_id, content, memory_type, token_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.AgentID, m.Content, string(m.MemoryType), m.TokenCount, m.CreatedAt,
	)
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: insert memory: %w", err)
	}
	return m, nil
}

// ScanMemoriesNewestFirst streams an agent's memories newest first, stopping
// as soon as fn returns false.
func (db *DB) ScanMemoriesNewestFirst(ctx context.Context, agentID uuid.UUID, fn func(model.Memory) bool) error {
	rows, err := db.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE agent_id = $1 ORDER BY created_at DESC, id DESC`, agentID)
	if err != nil {
		return fmt.Errorf("storage: scan memories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return fmt.Errorf("storage: scan memory: %w", err)
		}
		if !fn(m) {
			return nil
		}
	}
	return rows.Err()
}

// ListMemories returns up to limit memories of an agent, newest first.
func (db *DB) ListMemories(ctx context.Context, agentID uuid.UUID, limit int) ([]model.Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE agent_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list memories: %w", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMemories returns how many memory rows an agent has.
func (db *DB) CountMemories(ctx context.Context, agentID uuid.UUID) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM memories WHERE agent_id = $1`, agentID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count memories: %w", err)
	}
	return n, nil
}

// OldestMemories returns the n oldest memories of an agent, oldest first.
func (db *DB) OldestMemories(ctx context.Context, agentID uuid.UUID, n int) ([]model.Memory, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE agent_id = $1
		 ORDER BY created_at, id LIMIT $2`, agentID, n)
	if err != nil {
		return nil, fmt.Errorf("storage: oldest memories: %w", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReplaceMemories deletes the given rows and inserts summary in one
// transaction, retried on serialization and deadlock conflicts.
func (db *DB) ReplaceMemories(ctx context.Context, agentID uuid.UUID, ids []uuid.UUID, summary model.Memory) (model.Memory, error) {
	if summary.ID == uuid.Nil {
		summary.ID = uuid.New()
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now().UTC()
	}
	summary.AgentID = agentID

	err := WithRetry(ctx, 3, 20*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx,
			`DELETE FROM memories WHERE agent_id = $1 AND id = ANY($2)`, agentID, ids,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO memories (id, agent_id, content, memory_type, token_count, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			summary.ID, summary.AgentID, summary.Content, string(summary.MemoryType), summary.TokenCount, summary.CreatedAt,
		); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: replace memories: %w", err)
	}
	return summary, nil
}

// PruneMemories deletes non-summary memories created before cutoff.
func (db *DB) PruneMemories(ctx context.Context, agentID uuid.UUID, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM memories WHERE agent_id = $1 AND created_at < $2 AND memory_type <> 'summary'`,
		agentID, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: prune memories: %w", err)
	}
	return tag.RowsAffected(), nil
}
