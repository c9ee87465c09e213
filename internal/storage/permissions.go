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

// GrantPermission records a grant. There is one grant per (agent, resource
// type, resource id); granting again updates its permission level and
// returns the existing row.
func (db *DB) GrantPermission(ctx context.Context, agentID uuid.UUID, rt model.ResourceType, resourceID string, perm model.Permission) (model.AgentPermission, error) {
	if perm == "" {
		perm = model.PermissionRead
	}
	var p model.AgentPermission
	err := db.pool.QueryRow(ctx,
		`INSERT INTO agent_permissions (id, agent_id, resource_type, resource_id, permission, granted_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (agent_id, resource_type, resource_id) DO UPDATE SET permission = EXCLUDED.permission
		 RETURNING id, agent_id, resource_type, resource_id, permission, granted_at`,
		uuid.New(), agentID, string(rt), resourceID, string(perm), time.Now().UTC(),
	).Scan(&p.ID, &p.AgentID, &p.ResourceType, &p.ResourceID, &p.Permission, &p.GrantedAt)
	if err != nil {
		return model.AgentPermission{}, fmt.Errorf("storage: grant permission: %w", err)
	}
	return p, nil
}

// HasPermission reports whether a grant exists for exactly this agent,
// resource type and resource id. There is no wildcard or hierarchy matching.
func (db *DB) HasPermission(ctx context.Context, agentID uuid.UUID, rt model.ResourceType, resourceID string) (bool, error) {
	var one int
	err := db.pool.QueryRow(ctx,
		`SELECT 1 FROM agent_permissions
		 WHERE agent_id = $1 AND resource_type = $2 AND resource_id = $3`,
		agentID, string(rt), resourceID,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("storage: check permission: %w", err)
	}
	return true, nil
}

// ListPermissions returns every grant held by an agent.
func (db *DB) ListPermissions(ctx context.Context, agentID uuid.UUID) ([]model.AgentPermission, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, resource_type, resource_id, permission, granted_at
		 FROM agent_permissions WHERE agent_id = $1
		 ORDER BY resource_type, resource_id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("storage: list permissions: %w", err)
	}
	defer rows.Close()

	var out []model.AgentPermission
	for rows.Next() {
		var p model.AgentPermission
		if err := rows.Scan(&p.ID, &p.AgentID, &p.ResourceType, &p.ResourceID, &p.Permission, &p.GrantedAt); err != nil {
			return nil, fmt.Errorf("storage: scan permission: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertAccessLog appends one decision to the access log. The table rejects
// updates and deletes.
func (db *DB) InsertAccessLog(ctx context.Context, e model.AccessLogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO access_log (id, agent_id, resource_type, resource_id, action, decision, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.AgentID, string(e.ResourceType), e.ResourceID, e.Action, string(e.Decision), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert access log: %w", err)
	}
	return nil
}

// ListAccessLog returns an agent's most recent access decisions, newest first.
func (db *DB) ListAccessLog(ctx context.Context, agentID uuid.UUID, limit int) ([]model.AccessLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, resource_type, resource_id, action, decision, created_at
		 FROM access_log WHERE agent_id = $1
		 ORDER BY created_at DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list access log: %w", err)
	}
	defer rows.Close()

	var out []model.AccessLogEntry
	for rows.Next() {
		var e model.AccessLogEntry
		if err := rows.Scan(&e.ID, &e.AgentID, &e.ResourceType, &e.ResourceID, &e.Action, &e.Decision, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan access log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
