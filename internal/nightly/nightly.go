// Package nightly chains the department agents into the morning brief and
// schedules it.
package nightly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/yakuin/internal/engine"
	"github.com/ashita-ai/yakuin/internal/memory"
	"github.com/ashita-ai/yakuin/internal/model"
	"github.com/ashita-ai/yakuin/internal/notify"
	"github.com/ashita-ai/yakuin/internal/storage"
)

// Per-agent outcomes reported in Result.Agents.
const (
	AgentCompleted = "completed"
	AgentFailed    = "failed"
	AgentSkipped   = "skipped"
)

// Pipeline outcomes.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Store is the read side the orchestrator needs. *storage.DB satisfies it.
type Store interface {
	GetAgentByName(ctx context.Context, name string) (model.Agent, error)
	LatestArtifact(ctx context.Context, agentID uuid.UUID) (model.Artifact, error)
	ListAgents(ctx context.Context, status *model.AgentStatus) ([]model.Agent, error)
}

// Runner executes one agent. *engine.Engine satisfies it.
type Runner interface {
	Execute(ctx context.Context, agentID uuid.UUID, prompt string, opts ...engine.RunOption) (*model.ExecutionResult, error)
}

// Maintainer compacts and prunes agent memory. *memory.Store satisfies it.
type Maintainer interface {
	Compact(ctx context.Context, agentID uuid.UUID, maxEntries int) (memory.CompactResult, error)
	Prune(ctx context.Context, agentID uuid.UUID, retentionDays int) (int64, error)
}

// Result summarizes one pipeline run.
type Result struct {
	Status      string            `json:"status"`
	Date        string            `json:"date,omitempty"`
	Agents      map[string]string `json:"agents,omitempty"`
	CEOArtifact *uuid.UUID        `json:"ceo_artifact,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Orchestrator runs the nightly pipeline.
type Orchestrator struct {
	store            Store
	runner           Runner
	maintainer       Maintainer
	notifier         notify.Notifier
	memoryMaxEntries int
	logger           *slog.Logger
	now              func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier sets where the finished brief is delivered.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithMaintenance enables memory compaction and pruning after each run.
func WithMaintenance(m Maintainer, maxEntries int) Option {
	return func(o *Orchestrator) {
		o.maintainer = m
		o.memoryMaxEntries = maxEntries
	}
}

// New creates an Orchestrator.
func New(store Store, runner Runner, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		runner:   runner,
		notifier: notify.Noop{},
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes CFO, COO and CTO in order, then the CEO synthesis. Role
// failures are recorded per agent and never stop the pipeline. Run never
// returns an error; failures are reported in the Result.
func (o *Orchestrator) Run(ctx context.Context) (res Result) {
	start := time.Now()
	date := o.now().Format(time.DateOnly)
	o.logger.Info("nightly: starting", "date", date)

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("nightly: panic", "panic", r)
			res = Result{Status: StatusFailed, Date: date, Error: fmt.Sprintf("nightly: panic: %v", r)}
		}
	}()

	res, err := o.run(ctx, date)
	if err != nil {
		o.logger.Error("nightly: failed", "error", err)
		return Result{Status: StatusFailed, Date: date, Error: err.Error()}
	}

	o.maintain(ctx)
	o.logger.Info("nightly: completed", "date", date, "agents", res.Agents, "duration", time.Since(start))
	return res
}

func (o *Orchestrator) run(ctx context.Context, date string) (Result, error) {
	res := Result{Status: StatusCompleted, Date: date, Agents: make(map[string]string, len(Roles)+1)}

	roleAgents := make(map[string]*model.Agent, len(Roles))
	for _, role := range Roles {
		agent, err := o.lookup(ctx, role.Agent)
		if err != nil {
			return res, err
		}
		roleAgents[role.Key] = agent
		if agent == nil {
			res.Agents[role.Key] = AgentSkipped
			continue
		}
		res.Agents[role.Key], _ = o.execute(ctx, *agent, role.Prompt, nil)
	}

	ceo, err := o.lookup(ctx, CEOAgent)
	if err != nil {
		return res, err
	}
	if ceo == nil {
		res.Agents["ceo"] = AgentSkipped
		return res, nil
	}

	synthesis := make(map[string]any, len(Roles))
	for _, role := range Roles {
		synthesis[role.Key] = o.latestReport(ctx, roleAgents[role.Key], role.Placeholder)
	}

	status, exec := o.execute(ctx, *ceo, MorningBriefPrompt(date), synthesis)
	res.Agents["ceo"] = status
	if exec != nil && exec.ArtifactID != nil {
		res.CEOArtifact = exec.ArtifactID
		brief := notify.Brief{
			Date:        date,
			Content:     exec.Content,
			ExecutionID: exec.ExecutionID,
			ArtifactID:  *exec.ArtifactID,
			Agents:      res.Agents,
			GeneratedAt: o.now(),
		}
		if err := o.notifier.Notify(ctx, brief); err != nil {
			o.logger.Warn("nightly: notify failed", "error", err)
		}
	}
	return res, nil
}

// lookup returns nil for a missing or non-runnable agent.
func (o *Orchestrator) lookup(ctx context.Context, name string) (*model.Agent, error) {
	agent, err := o.store.GetAgentByName(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			o.logger.Info("nightly: agent not found, skipping", "agent", name)
			return nil, nil
		}
		return nil, fmt.Errorf("nightly: load %s: %w", name, err)
	}
	if !agent.Status.Runnable() {
		o.logger.Info("nightly: agent inactive, skipping", "agent", name, "status", agent.Status)
		return nil, nil
	}
	return &agent, nil
}

func (o *Orchestrator) execute(ctx context.Context, agent model.Agent, prompt string, extra map[string]any) (string, *model.ExecutionResult) {
	opts := []engine.RunOption{engine.WithTrigger(model.TriggerNightly)}
	if extra != nil {
		opts = append(opts, engine.WithContext(extra))
	}
	exec, err := o.runner.Execute(ctx, agent.ID, prompt, opts...)
	if err != nil {
		if errors.Is(err, engine.ErrAgentInactive) {
			return AgentSkipped, nil
		}
		o.logger.Warn("nightly: agent run failed", "agent", agent.Name, "error", err)
		return AgentFailed, nil
	}
	o.logger.Info("nightly: agent run finished", "agent", agent.Name, "status", exec.Status, "execution_id", exec.ExecutionID)
	if exec.Status != model.ExecutionStatusCompleted {
		return AgentFailed, exec
	}
	return AgentCompleted, exec
}

// latestReport returns the newest artifact of agent, whether or not tonight's
// run produced it, or placeholder when there is none.
func (o *Orchestrator) latestReport(ctx context.Context, agent *model.Agent, placeholder string) string {
	if agent == nil {
		return placeholder
	}
	art, err := o.store.LatestArtifact(ctx, agent.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			o.logger.Warn("nightly: load latest artifact", "agent", agent.Name, "error", err)
		}
		return placeholder
	}
	return art.Content
}

// maintain compacts and prunes the memory of every runnable agent.
func (o *Orchestrator) maintain(ctx context.Context) {
	if o.maintainer == nil {
		return
	}
	agents, err := o.store.ListAgents(ctx, nil)
	if err != nil {
		o.logger.Warn("nightly: memory maintenance: list agents", "error", err)
		return
	}
	for _, a := range agents {
		if !a.Status.Runnable() {
			continue
		}
		if _, err := o.maintainer.Compact(ctx, a.ID, o.memoryMaxEntries); err != nil {
			o.logger.Warn("nightly: memory compaction failed", "agent", a.Name, "error", err)
		}
		n, err := o.maintainer.Prune(ctx, a.ID, a.Spec.Memory.RetentionDays)
		if err != nil {
			o.logger.Warn("nightly: memory prune failed", "agent", a.Name, "error", err)
			continue
		}
		if n > 0 {
			o.logger.Info("nightly: pruned memories", "agent", a.Name, "deleted", n)
		}
	}
}
