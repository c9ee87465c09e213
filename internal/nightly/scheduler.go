package nightly

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ashita-ai/yakuin/internal/engine"
	"github.com/ashita-ai/yakuin/internal/model"
)

// DefaultSchedule runs the pipeline at 02:00 UTC.
const DefaultSchedule = "0 2 * * *"

// DefaultSyncInterval is how often agent schedules are re-read from storage.
const DefaultSyncInterval = 5 * time.Minute

// Scheduler fires the nightly pipeline and every active agent's own
// schedules. All schedules are interpreted in UTC; a job still running when
// its next tick arrives skips that tick. Agent schedules are re-read every
// sync interval, so created, edited and deactivated agents take effect
// without a restart.
type Scheduler struct {
	cron      *cron.Cron
	orch      *Orchestrator
	store     Store
	runner    Runner
	spec      string
	syncEvery time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[agentSchedule]cron.EntryID
	invalid map[agentSchedule]bool

	ctx    context.Context
	cancel context.CancelFunc
}

type agentSchedule struct {
	agentID uuid.UUID
	expr    string
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSyncInterval sets how often agent schedules are reconciled.
func WithSyncInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.syncEvery = d
		}
	}
}

// NewScheduler creates a scheduler. An empty spec uses DefaultSchedule.
func NewScheduler(orch *Orchestrator, store Store, runner Runner, spec string, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if spec == "" {
		spec = DefaultSchedule
	}
	cl := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		orch:      orch,
		store:     store,
		runner:    runner,
		spec:      spec,
		syncEvery: DefaultSyncInterval,
		logger:    logger,
		entries:   make(map[agentSchedule]cron.EntryID),
		invalid:   make(map[agentSchedule]bool),
		ctx:       context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers all jobs and starts the cron loop. Jobs run with a context
// derived from ctx that Stop cancels.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if _, err := s.cron.AddFunc(s.spec, func() {
		res := s.orch.Run(s.ctx)
		s.logger.Info("nightly: scheduled pipeline finished", "status", res.Status, "date", res.Date)
	}); err != nil {
		s.cancel()
		return fmt.Errorf("nightly: schedule %q: %w", s.spec, err)
	}

	if err := s.Sync(s.ctx); err != nil {
		s.cancel()
		return err
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.syncEvery), func() {
		if err := s.Sync(s.ctx); err != nil {
			s.logger.Warn("nightly: agent schedule sync failed", "error", err)
		}
	}); err != nil {
		s.cancel()
		return fmt.Errorf("nightly: schedule sync: %w", err)
	}

	s.cron.Start()
	s.logger.Info("nightly: scheduler started", "schedule", s.spec, "jobs", len(s.cron.Entries()))
	return nil
}

// Sync reconciles the cron entries with every runnable agent's
// triggers.schedules: new schedules are added, and schedules that were
// removed or whose agent stopped being runnable are dropped. Invalid
// expressions are logged once and skipped so one bad spec cannot disable
// the pipeline.
func (s *Scheduler) Sync(ctx context.Context) error {
	agents, err := s.store.ListAgents(ctx, nil)
	if err != nil {
		return fmt.Errorf("nightly: list agents: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[agentSchedule]model.Agent)
	for _, a := range agents {
		if !a.Status.Runnable() {
			continue
		}
		for _, expr := range a.Spec.Triggers.Schedules {
			want[agentSchedule{agentID: a.ID, expr: expr}] = a
		}
	}

	for key, id := range s.entries {
		if _, ok := want[key]; !ok {
			s.cron.Remove(id)
			delete(s.entries, key)
			s.logger.Info("nightly: agent schedule removed", "agent_id", key.agentID, "schedule", key.expr)
		}
	}
	for key, a := range want {
		if _, ok := s.entries[key]; ok || s.invalid[key] {
			continue
		}
		id, err := s.cron.AddJob(key.expr, s.agentJob(a.ID, a.Name))
		if err != nil {
			s.invalid[key] = true
			s.logger.Warn("nightly: invalid agent schedule", "agent", a.Name, "schedule", key.expr, "error", err)
			continue
		}
		s.entries[key] = id
	}
	return nil
}

func (s *Scheduler) agentJob(agentID uuid.UUID, name string) cron.Job {
	return cron.FuncJob(func() {
		res, err := s.runner.Execute(s.ctx, agentID, ScheduledPrompt, engine.WithTrigger(model.TriggerSchedule))
		if err != nil {
			s.logger.Warn("nightly: scheduled run failed", "agent", name, "error", err)
			return
		}
		s.logger.Info("nightly: scheduled run finished", "agent", name, "status", res.Status, "execution_id", res.ExecutionID)
	})
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Stop cancels running jobs and waits for them to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
