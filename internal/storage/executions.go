package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/yakuin/internal/model"
)

const executionColumns = `id, agent_id, prompt, trigger, status, started_at, ended_at, duration_ms,
	tokens_in, tokens_out, cost_estimate_usd, error`

func scanExecution(row pgx.Row) (model.Execution, error) {
	var e model.Execution
	err := row.Scan(&e.ID, &e.AgentID, &e.Prompt, &e.Trigger, &e.Status, &e.StartedAt, &e.EndedAt,
		&e.DurationMS, &e.TokensIn, &e.TokensOut, &e.CostEstimateUSD, &e.Error)
	return e, err
}

// CreateExecution inserts a new execution in the running state.
func (db *DB) CreateExecution(ctx context.Context, agentID uuid.UUID, prompt string, trigger model.Trigger) (model.Execution, error) {
	if trigger == "" {
		trigger = model.TriggerManual
	}
	exec := model.Execution{
		ID:        uuid.New(),
		AgentID:   agentID,
		Prompt:    prompt,
		Trigger:   trigger,
		Status:    model.ExecutionStatusRunning,
		StartedAt: time.Now().UTC(),
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO executions (id, agent_id, prompt, trigger, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		exec.ID, exec.AgentID, exec.Prompt, string(exec.Trigger), string(exec.Status), exec.StartedAt,
	)
	if err != nil {
		return model.Execution{}, fmt.Errorf("storage: create execution: %w", err)
	}
	return exec, nil
}

// FinishExecution performs the single terminal transition of a running
// execution. Returns ErrAlreadyTerminal if the row is not running.
func (db *DB) FinishExecution(ctx context.Context, id uuid.UUID, out model.ExecutionOutcome) error {
	if !out.Status.Terminal() {
		return fmt.Errorf("storage: finish execution: status %q is not terminal", out.Status)
	}
	var errText *string
	if out.Error != "" {
		errText = &out.Error
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE executions
		 SET status = $1, ended_at = $2, duration_ms = $3, tokens_in = $4, tokens_out = $5,
		     cost_estimate_usd = $6, error = $7
		 WHERE id = $8 AND status = 'running'`,
		string(out.Status), time.Now().UTC(), out.DurationMS, out.TokensIn, out.TokensOut,
		out.CostEstimateUSD, errText, id,
	)
	if err != nil {
		return fmt.Errorf("storage: finish execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: execution %s: %w", id, ErrAlreadyTerminal)
	}
	return nil
}

// CompleteExecution commits a successful run in one transaction: the
// artifact, the run's memory row and the running -> completed transition.
// Returns ErrAlreadyTerminal (and writes nothing) if the row is not running.
func (db *DB) CompleteExecution(ctx context.Context, id uuid.UUID, out model.ExecutionOutcome, art model.Artifact, mem model.Memory) (model.Artifact, error) {
	if out.Status != model.ExecutionStatusCompleted {
		return model.Artifact{}, fmt.Errorf("storage: complete execution: status %q is not completed", out.Status)
	}
	now := time.Now().UTC()
	if art.ID == uuid.Nil {
		art.ID = uuid.New()
	}
	if art.CreatedAt.IsZero() {
		art.CreatedAt = now
	}
	if art.ArtifactType == "" {
		art.ArtifactType = model.ArtifactTypeMarkdown
	}
	art.ExecutionID = id
	if mem.ID == uuid.Nil {
		mem.ID = uuid.New()
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = now
	}

	err := WithRetry(ctx, 3, 20*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		tag, err := tx.Exec(ctx,
			`UPDATE executions
			 SET status = $1, ended_at = $2, duration_ms = $3, tokens_in = $4, tokens_out = $5,
			     cost_estimate_usd = $6, error = NULL
			 WHERE id = $7 AND status = 'running'`,
			string(out.Status), now, out.DurationMS, out.TokensIn, out.TokensOut, out.CostEstimateUSD, id,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("execution %s: %w", id, ErrAlreadyTerminal)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO artifacts (id, execution_id, agent_id, title, content, artifact_type, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			art.ID, art.ExecutionID, art.AgentID, art.Title, art.Content, art.ArtifactType, art.CreatedAt,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO memories (id, agent_id, content, memory_type, token_count, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			mem.ID, mem.AgentID, mem.Content, string(mem.MemoryType), mem.TokenCount, mem.CreatedAt,
		); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return model.Artifact{}, fmt.Errorf("storage: complete execution: %w", err)
	}
	return art, nil
}

// GetExecution retrieves an execution by ID.
func (db *DB) GetExecution(ctx context.Context, id uuid.UUID) (model.Execution, error) {
	e, err := scanExecution(db.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Execution{}, fmt.Errorf("storage: execution %s: %w", id, ErrNotFound)
		}
		return model.Execution{}, fmt.Errorf("storage: get execution: %w", err)
	}
	return e, nil
}

// ListExecutionsByAgent returns executions for an agent, newest first.
func (db *DB) ListExecutionsByAgent(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]model.Execution, int, error) {
	return db.ListExecutions(ctx, &agentID, limit, offset)
}

// ListExecutions returns executions across agents, newest first. A non-nil
// agentID narrows the list to that agent.
func (db *DB) ListExecutions(ctx context.Context, agentID *uuid.UUID, limit, offset int) ([]model.Execution, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM executions WHERE $1::uuid IS NULL OR agent_id = $1`, agentID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count executions: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE $1::uuid IS NULL OR agent_id = $1
		 ORDER BY started_at DESC LIMIT $2 OFFSET $3`,
		agentID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list executions: %w", err)
	}
	defer rows.Close()

	var execs []model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan execution: %w", err)
		}
		execs = append(execs, e)
	}
	return execs, total, rows.Err()
}

// SpentSince sums the cost estimate of an agent's executions started at or after since.
func (db *DB) SpentSince(ctx context.Context, agentID uuid.UUID, since time.Time) (float64, error) {
	var spent float64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_estimate_usd), 0) FROM executions
		 WHERE agent_id = $1 AND started_at >= $2`,
		agentID, since,
	).Scan(&spent)
	if err != nil {
		return 0, fmt.Errorf("storage: sum spend: %w", err)
	}
	return spent, nil
}

// InsertToolCall appends one tool-call record to an execution.
func (db *DB) InsertToolCall(ctx context.Context, tc model.ToolCall) (model.ToolCall, error) {
	if tc.ID == uuid.Nil {
		tc.ID = uuid.New()
	}
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tool_calls (id, execution_id, tool_id, input, output, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tc.ID, tc.ExecutionID, tc.ToolID, jsonOrEmpty(tc.Input), jsonOrEmpty(tc.Output), tc.DurationMS, tc.CreatedAt,
	)
	if err != nil {
		return model.ToolCall{}, fmt.Errorf("storage: insert tool call: %w", err)
	}
	return tc, nil
}

// ListToolCalls returns the tool calls of an execution in the order they were recorded.
func (db *DB) ListToolCalls(ctx context.Context, executionID uuid.UUID) ([]model.ToolCall, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, execution_id, tool_id, input, output, duration_ms, created_at
		 FROM tool_calls WHERE execution_id = $1 ORDER BY created_at, id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("storage: list tool calls: %w", err)
	}
	defer rows.Close()

	var calls []model.ToolCall
	for rows.Next() {
		var tc model.ToolCall
		var in, out []byte
		if err := rows.Scan(&tc.ID, &tc.ExecutionID, &tc.ToolID, &in, &out, &tc.DurationMS, &tc.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan tool call: %w", err)
		}
		tc.Input, tc.Output = in, out
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}

// CreateArtifact inserts the artifact of an execution.
func (db *DB) CreateArtifact(ctx context.Context, a model.Artifact) (model.Artifact, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.ArtifactType == "" {
		a.ArtifactType = model.ArtifactTypeMarkdown
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO artifacts (id, execution_id, agent_id, title, content, artifact_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.ExecutionID, a.AgentID, a.Title, a.Content, a.ArtifactType, a.CreatedAt,
	)
	if err != nil {
		return model.Artifact{}, fmt.Errorf("storage: create artifact: %w", err)
	}
	return a, nil
}

// ListArtifacts returns the artifacts of an execution.
func (db *DB) ListArtifacts(ctx context.Context, executionID uuid.UUID) ([]model.Artifact, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, execution_id, agent_id, title, content, artifact_type, created_at
		 FROM artifacts WHERE execution_id = $1 ORDER BY created_at`, executionID)
	if err != nil {
		return nil, fmt.Errorf("storage: list artifacts: %w", err)
	}
	defer rows.Close()

	var arts []model.Artifact
	for rows.Next() {
		var a model.Artifact
		if err := rows.Scan(&a.ID, &a.ExecutionID, &a.AgentID, &a.Title, &a.Content, &a.ArtifactType, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan artifact: %w", err)
		}
		arts = append(arts, a)
	}
	return arts, rows.Err()
}

// GetArtifact retrieves one artifact with its content.
func (db *DB) GetArtifact(ctx context.Context, id uuid.UUID) (model.Artifact, error) {
	var a model.Artifact
	err := db.pool.QueryRow(ctx,
		`SELECT id, execution_id, agent_id, title, content, artifact_type, created_at
		 FROM artifacts WHERE id = $1`, id,
	).Scan(&a.ID, &a.ExecutionID, &a.AgentID, &a.Title, &a.Content, &a.ArtifactType, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Artifact{}, fmt.Errorf("storage: artifact %s: %w", id, ErrNotFound)
		}
		return model.Artifact{}, fmt.Errorf("storage: get artifact: %w", err)
	}
	return a, nil
}

// LatestArtifact returns the most recent artifact produced by an agent.
func (db *DB) LatestArtifact(ctx context.Context, agentID uuid.UUID) (model.Artifact, error) {
	var a model.Artifact
	err := db.pool.QueryRow(ctx,
		`SELECT id, execution_id, agent_id, title, content, artifact_type, created_at
		 FROM artifacts WHERE agent_id = $1 ORDER BY created_at DESC LIMIT 1`, agentID,
	).Scan(&a.ID, &a.ExecutionID, &a.AgentID, &a.Title, &a.Content, &a.ArtifactType, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Artifact{}, fmt.Errorf("storage: artifact for agent %s: %w", agentID, ErrNotFound)
		}
		return model.Artifact{}, fmt.Errorf("storage: latest artifact: %w", err)
	}
	return a, nil
}

// GetExecutionDetail loads an execution with its tool calls and artifacts.
func (db *DB) GetExecutionDetail(ctx context.Context, id uuid.UUID) (model.ExecutionDetail, error) {
	e, err := db.GetExecution(ctx, id)
	if err != nil {
		return model.ExecutionDetail{}, err
	}
	calls, err := db.ListToolCalls(ctx, id)
	if err != nil {
		return model.ExecutionDetail{}, err
	}
	arts, err := db.ListArtifacts(ctx, id)
	if err != nil {
		return model.ExecutionDetail{}, err
	}
	if calls == nil {
		calls = []model.ToolCall{}
	}
	if arts == nil {
		arts = []model.Artifact{}
	}
	return model.ExecutionDetail{Execution: e, ToolCalls: calls, Artifacts: arts}, nil
}

// jsonOrEmpty maps an empty payload to a JSON empty object so the jsonb
// column never receives invalid input. The value is sent as a string so pgx
// does not re-encode the raw bytes.
func jsonOrEmpty(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
