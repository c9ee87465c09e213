// Package authz implements the deny-by-default permission gate that mediates
// every data access made on behalf of an agent.
//
// Both the tool registry and the HTTP/MCP surfaces go through Gate; neither
// talks to agent_permissions directly.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/yakuin/internal/model"
)

// Store is the persistence the gate needs. *storage.DB satisfies it.
type Store interface {
	HasPermission(ctx context.Context, agentID uuid.UUID, rt model.ResourceType, resourceID string) (bool, error)
	GrantPermission(ctx context.Context, agentID uuid.UUID, rt model.ResourceType, resourceID string, perm model.Permission) (model.AgentPermission, error)
	ListPermissions(ctx context.Context, agentID uuid.UUID) ([]model.AgentPermission, error)
	InsertAccessLog(ctx context.Context, e model.AccessLogEntry) error
	ListAccessLog(ctx context.Context, agentID uuid.UUID, limit int) ([]model.AccessLogEntry, error)
}

// ErrAuditWrite wraps a failure to append the access log row. The decision
// returned alongside it is still correct.
var ErrAuditWrite = errors.New("authz: access log write failed")

// Gate checks and records agent data access.
type Gate struct {
	store  Store
	cache  *DecisionCache
	logger *slog.Logger
}

// NewGate creates a gate. cache may be nil.
func NewGate(store Store, cache *DecisionCache, logger *slog.Logger) *Gate {
	return &Gate{store: store, cache: cache, logger: logger}
}

// Check returns true only when an explicit read grant matches agent, resource
// type, and resource id exactly. Every call appends one access log row. If
// that write fails the decision is still returned, joined with ErrAuditWrite.
// A lookup failure denies.
func (g *Gate) Check(ctx context.Context, agentID uuid.UUID, rt model.ResourceType, resourceID string) (bool, error) {
	allowed, lookupErr := g.lookup(ctx, agentID, rt, resourceID)

	decision := model.DecisionDeny
	if allowed {
		decision = model.DecisionAllow
	}
	logErr := g.store.InsertAccessLog(ctx, model.AccessLogEntry{
		AgentID:      agentID,
		ResourceType: rt,
		ResourceID:   resourceID,
		Action:       string(model.PermissionRead),
		Decision:     decision,
	})
	if logErr != nil {
		g.logger.Error("authz: access log write failed",
			"error", logErr,
			"agent_id", agentID,
			"resource_type", rt,
			"resource_id", resourceID,
			"decision", decision)
		logErr = fmt.Errorf("%w: %w", ErrAuditWrite, logErr)
	}
	return allowed, errors.Join(lookupErr, logErr)
}

func (g *Gate) lookup(ctx context.Context, agentID uuid.UUID, rt model.ResourceType, resourceID string) (bool, error) {
	key := agentID.String() + "|" + string(rt) + "|" + resourceID
	if g.cache != nil && g.cache.Allowed(key) {
		return true, nil
	}
	ok, err := g.store.HasPermission(ctx, agentID, rt, resourceID)
	if err != nil {
		return false, fmt.Errorf("authz: check permission: %w", err)
	}
	if ok && g.cache != nil {
		g.cache.Allow(key)
	}
	return ok, nil
}

// Grant records a grant. Granting an existing tuple returns the existing row.
func (g *Gate) Grant(ctx context.Context, agentID uuid.UUID, rt model.ResourceType, resourceID string, perm model.Permission) (model.AgentPermission, error) {
	if !rt.Valid() {
		return model.AgentPermission{}, fmt.Errorf("authz: unknown resource type %q", rt)
	}
	if resourceID == "" {
		return model.AgentPermission{}, errors.New("authz: resource id is required")
	}
	if perm == "" {
		perm = model.PermissionRead
	}
	return g.store.GrantPermission(ctx, agentID, rt, resourceID, perm)
}

// GrantFromSpec grants every resource listed in the spec's data_permissions.
// It returns the number of grants that now exist for those resources.
func (g *Gate) GrantFromSpec(ctx context.Context, agentID uuid.UUID, spec model.AgentSpec) (int, error) {
	dp := spec.DataPermissions
	sets := []struct {
		rt  model.ResourceType
		ids []string
	}{
		{model.ResourceDataset, dp.Datasets},
		{model.ResourceTable, dp.Tables},
		{model.ResourceVectorNamespace, dp.VectorNamespaces},
		{model.ResourceFile, dp.Files},
	}

	n := 0
	for _, set := range sets {
		for _, id := range set.ids {
			if _, err := g.Grant(ctx, agentID, set.rt, id, model.PermissionRead); err != nil {
				return n, fmt.Errorf("authz: grant %s %q: %w", set.rt, id, err)
			}
			n++
		}
	}
	return n, nil
}

// Grants lists the grants held by an agent.
func (g *Gate) Grants(ctx context.Context, agentID uuid.UUID) ([]model.AgentPermission, error) {
	return g.store.ListPermissions(ctx, agentID)
}

// AccessLog lists an agent's most recent access decisions.
func (g *Gate) AccessLog(ctx context.Context, agentID uuid.UUID, limit int) ([]model.AccessLogEntry, error) {
	return g.store.ListAccessLog(ctx, agentID, limit)
}
