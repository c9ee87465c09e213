// Package engine runs one agent execution: a bounded loop of model calls and
// permissioned tool calls that ends in a persisted artifact.
//
// Execute returns an error only when no Execution row was created (unknown or
// inactive agent, busy agent, or a failed insert). Once the row exists every
// problem is recorded on it and reported through the result's Status.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/yakuin/internal/llm"
	"github.com/ashita-ai/yakuin/internal/memory"
	"github.com/ashita-ai/yakuin/internal/model"
	"github.com/ashita-ai/yakuin/internal/runlock"
	"github.com/ashita-ai/yakuin/internal/tools"
)

var (
	// ErrAgentBusy is returned when another run of the same agent holds the lock.
	ErrAgentBusy = errors.New("engine: agent is busy")

	// ErrAgentInactive is returned for agents whose status does not accept runs.
	ErrAgentInactive = errors.New("engine: agent is inactive")

	errBudgetExceeded = errors.New("daily budget exceeded")
)

// NoResponse is the answer recorded when the iteration budget runs out
// without any message content.
const NoResponse = "No response generated."

// maxParallelTools bounds concurrent tool invocations within one iteration.
const maxParallelTools = 8

// Store is the persistence the engine writes to. *storage.DB satisfies it.
type Store interface {
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	CreateExecution(ctx context.Context, agentID uuid.UUID, prompt string, trigger model.Trigger) (model.Execution, error)
	FinishExecution(ctx context.Context, id uuid.UUID, out model.ExecutionOutcome) error
	InsertToolCall(ctx context.Context, tc model.ToolCall) (model.ToolCall, error)
	// CompleteExecution commits the artifact, the run memory and the
	// completed transition atomically.
	CompleteExecution(ctx context.Context, id uuid.UUID, out model.ExecutionOutcome, art model.Artifact, mem model.Memory) (model.Artifact, error)
	SpentSince(ctx context.Context, agentID uuid.UUID, since time.Time) (float64, error)
}

// Memory supplies the agent's memory window. *memory.Store satisfies it.
// The run's own memory row is written by Store.CompleteExecution.
type Memory interface {
	Get(ctx context.Context, agentID uuid.UUID, maxTokens int) (string, error)
}

// Tools is the tool registry. *tools.Registry satisfies it.
type Tools interface {
	Definitions(allowed []model.ToolPermission) []llm.Tool
	Invoke(ctx context.Context, agent model.Agent, name, rawArgs string) tools.Result
}

// Observer receives run lifecycle events.
type Observer interface {
	RunStarted(ctx context.Context, agent model.Agent, executionID uuid.UUID) context.Context
	ToolInvoked(ctx context.Context, agent model.Agent, call model.ToolCall)
	RunFinished(ctx context.Context, agent model.Agent, res model.ExecutionResult)
}

// NoopObserver ignores every event.
type NoopObserver struct{}

func (NoopObserver) RunStarted(ctx context.Context, _ model.Agent, _ uuid.UUID) context.Context {
	return ctx
}
func (NoopObserver) ToolInvoked(context.Context, model.Agent, model.ToolCall)        {}
func (NoopObserver) RunFinished(context.Context, model.Agent, model.ExecutionResult) {}

// Config holds the engine's tunables.
type Config struct {
	// MaxIterations bounds model round-trips per run so a model that keeps
	// requesting tools cannot run up unbounded cost.
	MaxIterations int
	// CostInputPerMTok and CostOutputPerMTok are USD per million tokens.
	CostInputPerMTok  float64
	CostOutputPerMTok float64
	// WaitForLock makes a run wait for a busy agent instead of failing fast.
	WaitForLock bool
}

// DefaultConfig returns the settings used when config does not override them.
func DefaultConfig() Config {
	return Config{MaxIterations: 5, CostInputPerMTok: 3, CostOutputPerMTok: 15}
}

// Cost estimates the USD cost of a token count.
func (c Config) Cost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)*c.CostInputPerMTok/1e6 + float64(tokensOut)*c.CostOutputPerMTok/1e6
}

// Engine executes agents.
type Engine struct {
	store    Store
	memory   Memory
	tools    Tools
	llm      llm.Completer
	locker   runlock.Locker
	observer Observer
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// New creates an Engine. A nil locker uses an in-process lock.
func New(store Store, mem Memory, reg Tools, completer llm.Completer, locker runlock.Locker, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if locker == nil {
		locker = runlock.NewMemory()
	}
	e := &Engine{
		store:    store,
		memory:   mem,
		tools:    reg,
		llm:      completer,
		locker:   locker,
		observer: NoopObserver{},
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunOption configures a single Execute call.
type RunOption func(*runOptions)

type runOptions struct {
	context map[string]any
	trigger model.Trigger
}

// WithContext adds a JSON context block after the user prompt.
func WithContext(c map[string]any) RunOption {
	return func(o *runOptions) { o.context = c }
}

// WithTrigger records what started the run. Defaults to manual.
func WithTrigger(t model.Trigger) RunOption {
	return func(o *runOptions) { o.trigger = t }
}

// Execute runs agentID against prompt.
func (e *Engine) Execute(ctx context.Context, agentID uuid.UUID, prompt string, opts ...RunOption) (*model.ExecutionResult, error) {
	ro := runOptions{trigger: model.TriggerManual}
	for _, opt := range opts {
		opt(&ro)
	}

	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.Status.Runnable() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAgentInactive, agent.Name, agent.Status)
	}

	release, err := e.locker.Acquire(ctx, agentID.String(), e.cfg.WaitForLock)
	if err != nil {
		if errors.Is(err, runlock.ErrBusy) {
			return nil, fmt.Errorf("%w: %s", ErrAgentBusy, agent.Name)
		}
		return nil, fmt.Errorf("engine: acquire run lock: %w", err)
	}
	defer release()

	start := time.Now()
	exec, err := e.store.CreateExecution(ctx, agentID, prompt, ro.trigger)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	ctx = e.observer.RunStarted(ctx, agent, exec.ID)

	out, runErr := e.runRecovered(ctx, agent, exec, prompt, ro.context, start)
	res := model.ExecutionResult{
		ExecutionID:     exec.ID,
		AgentID:         agent.ID,
		ToolCalls:       out.toolCalls,
		TokensIn:        out.tokensIn,
		TokensOut:       out.tokensOut,
		CostEstimateUSD: e.cfg.Cost(out.tokensIn, out.tokensOut),
		DurationMS:      time.Since(start).Milliseconds(),
	}

	if runErr != nil {
		e.logger.Error("engine: execution failed", "error", runErr, "agent", agent.Name, "execution_id", exec.ID)
		res.Status = model.ExecutionStatusFailed
		res.Error = runErr.Error()
		e.fail(ctx, exec.ID, res)
	} else {
		res.Status = model.ExecutionStatusCompleted
		res.Content = out.content
		res.ArtifactID = &out.artifactID
	}

	e.observer.RunFinished(ctx, agent, res)
	return &res, nil
}

// fail writes the terminal failed state. The write uses a context detached
// from the caller's cancellation so an aborted request still commits it.
func (e *Engine) fail(ctx context.Context, id uuid.UUID, res model.ExecutionResult) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := e.store.FinishExecution(wctx, id, model.ExecutionOutcome{
		Status:          model.ExecutionStatusFailed,
		DurationMS:      res.DurationMS,
		TokensIn:        res.TokensIn,
		TokensOut:       res.TokensOut,
		CostEstimateUSD: res.CostEstimateUSD,
		Error:           res.Error,
	}); err != nil {
		e.logger.Error("engine: record failed execution", "error", err, "execution_id", id)
	}
}

// runRecovered turns a panic anywhere in the run into a failed execution
// instead of a crashed process and a row stuck in running.
func (e *Engine) runRecovered(ctx context.Context, agent model.Agent, exec model.Execution, prompt string, extra map[string]any, start time.Time) (out runOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine: run panicked", "panic", r, "agent", agent.Name,
				"execution_id", exec.ID, "stack", string(debug.Stack()))
			err = fmt.Errorf("engine: internal error: %v", r)
		}
	}()
	return e.run(ctx, agent, exec, prompt, extra, start)
}

type runOutput struct {
	content    string
	artifactID uuid.UUID
	toolCalls  int
	tokensIn   int
	tokensOut  int
}

func (e *Engine) run(ctx context.Context, agent model.Agent, exec model.Execution, prompt string, extra map[string]any, start time.Time) (runOutput, error) {
	var out runOutput
	spec := agent.Spec

	if budget := spec.Guardrails.BudgetUSDPerDay; budget > 0 {
		now := e.now().UTC()
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		spent, err := e.store.SpentSince(ctx, agent.ID, day)
		if err != nil {
			return out, err
		}
		if spent >= budget {
			return out, errBudgetExceeded
		}
	}

	mem, err := e.memory.Get(ctx, agent.ID, spec.Memory.MaxTokens)
	if err != nil {
		return out, err
	}

	defs := e.tools.Definitions(spec.ToolsAllowed)
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Function.Name
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: BuildSystemPrompt(spec, mem, names)},
		{Role: llm.RoleUser, Content: prompt},
	}
	if len(extra) > 0 {
		b, err := json.MarshalIndent(extra, "", "  ")
		if err != nil {
			return out, fmt.Errorf("engine: encode context: %w", err)
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: "Additional context:\n" + string(b)})
	}

	var (
		final    string
		last     llm.Message
		answered bool
		executed int
	)
	for i := 0; i < e.cfg.MaxIterations; i++ {
		req := llm.Request{
			Model:     spec.LLM.Model,
			Messages:  messages,
			MaxTokens: spec.LLM.MaxTokens,
		}
		if len(defs) > 0 && i < e.cfg.MaxIterations-1 {
			req.Tools = defs
		}

		resp, err := e.llm.Complete(ctx, req)
		if err != nil {
			return out, err
		}
		out.tokensIn += resp.Usage.PromptTokens
		out.tokensOut += resp.Usage.CompletionTokens
		last = resp.Message

		if len(resp.Message.ToolCalls) == 0 {
			final = resp.Message.Content
			answered = true
			break
		}

		messages = append(messages, resp.Message)
		results, err := e.invokeAll(ctx, agent, resp.Message.ToolCalls, &executed)
		if err != nil {
			return out, err
		}
		for j, call := range resp.Message.ToolCalls {
			r := results[j]
			tc, err := e.store.InsertToolCall(ctx, model.ToolCall{
				ExecutionID: exec.ID,
				ToolID:      r.ToolID,
				Input:       r.Input,
				Output:      r.Output,
				DurationMS:  r.DurationMS,
			})
			if err != nil {
				return out, err
			}
			out.toolCalls++
			e.observer.ToolInvoked(ctx, agent, tc)
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Content:    string(r.Output),
			})
		}
	}
	if !answered {
		final = last.Content
		if final == "" {
			final = NoResponse
		}
	}
	out.content = final

	now := e.now().UTC()
	note := runMemory(prompt, out.toolCalls)
	art, err := e.store.CompleteExecution(ctx, exec.ID,
		model.ExecutionOutcome{
			Status:          model.ExecutionStatusCompleted,
			DurationMS:      time.Since(start).Milliseconds(),
			TokensIn:        out.tokensIn,
			TokensOut:       out.tokensOut,
			CostEstimateUSD: e.cfg.Cost(out.tokensIn, out.tokensOut),
		},
		model.Artifact{
			ExecutionID:  exec.ID,
			AgentID:      agent.ID,
			Title:        fmt.Sprintf("%s — %s", agent.DisplayName, now.Format("2006-01-02 15:04")),
			Content:      final,
			ArtifactType: model.ArtifactTypeMarkdown,
			CreatedAt:    now,
		},
		model.Memory{
			AgentID:    agent.ID,
			Content:    note,
			MemoryType: model.MemoryTypeExecution,
			TokenCount: memory.CountTokens(note),
			CreatedAt:  now,
		},
	)
	if err != nil {
		return out, err
	}
	out.artifactID = art.ID
	return out, nil
}

// invokeAll resolves one iteration's tool calls. The per-run limit is applied
// call by call in request order; calls under the limit run concurrently.
// Results are returned in request order. Tool failures are carried in each
// Result; the error is set only when the run's context ends first.
func (e *Engine) invokeAll(ctx context.Context, agent model.Agent, calls []llm.ToolCall, executed *int) ([]tools.Result, error) {
	limit := agent.Spec.Guardrails.MaxToolCallsPerRun
	results := make([]tools.Result, len(calls))

	var g errgroup.Group
	g.SetLimit(maxParallelTools)
	for i, call := range calls {
		if *executed >= limit {
			e.logger.Warn("engine: tool call limit reached", "agent", agent.Name, "limit", limit)
			results[i] = tools.LimitReached(call.Function.Name, call.Function.Arguments)
			continue
		}
		*executed++
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = e.invoke(ctx, agent, call)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("engine: tool calls: %w", err)
	}
	return results, nil
}

// invoke runs one tool, recording a panic as an error result.
func (e *Engine) invoke(ctx context.Context, agent model.Agent, call llm.ToolCall) (res tools.Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine: tool panicked", "tool", call.Function.Name, "panic", r,
				"agent", agent.Name, "stack", string(debug.Stack()))
			res = tools.Failed(call.Function.Name, call.Function.Arguments, fmt.Sprintf("tool %s failed: internal error", call.Function.Name))
		}
	}()
	return e.tools.Invoke(ctx, agent, call.Function.Name, call.Function.Arguments)
}
