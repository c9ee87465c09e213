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

const agentColumns = `id, name, display_name, spec, status, created_at, updated_at`

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	err := row.Scan(&a.ID, &a.Name, &a.DisplayName, &a.Spec, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// CreateAgent inserts a new agent in the active state. The spec must already
// be validated. Returns ErrConflict if the name is taken.
func (db *DB) CreateAgent(ctx context.Context, spec model.AgentSpec) (model.Agent, error) {
	now := time.Now().UTC()
	agent := model.Agent{
		ID:          uuid.New(),
		Name:        spec.Name,
		DisplayName: spec.Title(),
		Spec:        spec,
		Status:      model.AgentStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, name, display_name, spec, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		agent.ID, agent.Name, agent.DisplayName, agent.Spec, string(agent.Status), agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Agent{}, fmt.Errorf("storage: agent %q: %w", spec.Name, ErrConflict)
		}
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// UpsertAgent creates the agent or replaces the spec of the agent with the
// same name. Status is left untouched on update. created reports which path ran.
func (db *DB) UpsertAgent(ctx context.Context, spec model.AgentSpec) (agent model.Agent, created bool, err error) {
	now := time.Now().UTC()
	err = db.pool.QueryRow(ctx,
		`INSERT INTO agents (id, name, display_name, spec, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'active', $5, $5)
		 ON CONFLICT (name) DO UPDATE
		   SET display_name = EXCLUDED.display_name, spec = EXCLUDED.spec, updated_at = EXCLUDED.updated_at
		 RETURNING `+agentColumns+`, (xmax = 0)`,
		uuid.New(), spec.Name, spec.Title(), spec, now,
	).Scan(&agent.ID, &agent.Name, &agent.DisplayName, &agent.Spec, &agent.Status,
		&agent.CreatedAt, &agent.UpdatedAt, &created)
	if err != nil {
		return model.Agent{}, false, fmt.Errorf("storage: upsert agent: %w", err)
	}
	return agent, created, nil
}

// GetAgent retrieves an agent by ID.
func (db *DB) GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// GetAgentByName retrieves an agent by its unique spec name.
func (db *DB) GetAgentByName(ctx context.Context, name string) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %q: %w", name, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent by name: %w", err)
	}
	return a, nil
}

// ListAgents returns agents ordered by name. A nil status lists all.
func (db *DB) ListAgents(ctx context.Context, status *model.AgentStatus) ([]model.Agent, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if status != nil {
		rows, err = db.pool.Query(ctx,
			`SELECT `+agentColumns+` FROM agents WHERE status = $1 ORDER BY name`, string(*status))
	} else {
		rows, err = db.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY name`)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgentSpec replaces the spec of an existing agent. The spec name must
// match the stored name; names are immutable.
func (db *DB) UpdateAgentSpec(ctx context.Context, id uuid.UUID, spec model.AgentSpec) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`UPDATE agents SET spec = $1, display_name = $2, updated_at = $3
		 WHERE id = $4 AND name = $5
		 RETURNING `+agentColumns,
		spec, spec.Title(), time.Now().UTC(), id, spec.Name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s with name %q: %w", id, spec.Name, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: update agent spec: %w", err)
	}
	return a, nil
}

// SetAgentStatus moves an agent to status. Deletion is SetAgentStatus(inactive).
func (db *DB) SetAgentStatus(ctx context.Context, id uuid.UUID, status model.AgentStatus) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`UPDATE agents SET status = $1, updated_at = $2 WHERE id = $3 RETURNING `+agentColumns,
		string(status), time.Now().UTC(), id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: set agent status: %w", err)
	}
	return a, nil
}
