// Command yakuin runs the agent execution engine.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/yakuin/api"
	"github.com/ashita-ai/yakuin/internal/agentspec"
	"github.com/ashita-ai/yakuin/internal/auth"
	"github.com/ashita-ai/yakuin/internal/config"
	"github.com/ashita-ai/yakuin/internal/engine"
	"github.com/ashita-ai/yakuin/internal/mcp"
	"github.com/ashita-ai/yakuin/internal/model"
	"github.com/ashita-ai/yakuin/internal/nightly"
	"github.com/ashita-ai/yakuin/internal/ratelimit"
	"github.com/ashita-ai/yakuin/internal/server"
	"github.com/ashita-ai/yakuin/internal/storage"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("yakuin"),
		kong.Description("Agent execution engine with permission-gated tools and a nightly executive pipeline."),
		kong.UsageOnError(),
		kongVars(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	if err := kctx.Run(); err != nil {
		slog.Error("fatal error", "error", err)
		cancel()
		os.Exit(1)
	}
}

// setup loads configuration and installs the JSON logger at the configured level.
func setup() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// Run serves HTTP and MCP until ctx is cancelled.
func (c *ServeCmd) Run(ctx context.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	limiter, err := newLimiter(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = limiter.Close() }()

	keys, err := auth.NewKeyRing(map[model.AgentRole]string{
		model.RoleAdmin:    cfg.AdminAPIKey,
		model.RoleOperator: cfg.OperatorAPIKey,
		model.RoleReader:   cfg.ReaderAPIKey,
	})
	if err != nil {
		return fmt.Errorf("api keys: %w", err)
	}
	if keys.Len() == 0 {
		logger.Warn("no API keys configured, every authenticated route will reject requests")
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("jwt: %w", err)
	}

	mcpSrv := mcp.New(mcp.Deps{
		Store:    a.db,
		Runner:   a.engine,
		Searcher: a.retriever,
		Pipeline: a.pipeline,
	}, logger, version)

	srv := server.New(server.ServerConfig{
		DB:                  a.db,
		Runner:              a.engine,
		Memory:              a.memory,
		Grants:              a.gate,
		JWTMgr:              jwtMgr,
		Keys:                keys,
		Logger:              logger,
		Ingester:            a.retriever,
		Retriever:           a.retriever,
		Pipeline:            a.pipeline,
		Searcher:            a.searcher,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		OpenAPISpec:         api.OpenAPISpec,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MemoryMaxEntries:    cfg.MemoryMaxEntries,
	})

	var sched *nightly.Scheduler
	if cfg.NightlyEnabled {
		sched = nightly.NewScheduler(a.pipeline, a.db, a.engine, cfg.NightlySchedule, logger,
			nightly.WithSyncInterval(cfg.ScheduleSyncInterval))
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("nightly scheduler: %w", err)
		}
		logger.Info("nightly: scheduler started", "schedule", cfg.NightlySchedule, "jobs", sched.Entries())
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Stop taking requests first, then let a running scheduled job finish.
	logger.Info("yakuin shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if sched != nil {
		schedCtx, schedCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := sched.Stop(schedCtx); err != nil {
			logger.Warn("nightly scheduler stop", "error", err)
		}
		schedCancel()
	}

	logger.Info("yakuin stopped")
	return nil
}

func newLimiter(cfg config.Config) (ratelimit.Limiter, error) {
	if !cfg.RateLimitEnabled {
		return ratelimit.NoopLimiter{}, nil
	}
	if cfg.RedisURL != "" {
		l, err := ratelimit.NewRedisLimiterFromURL(cfg.RedisURL, "yakuin:rl:", cfg.RateLimitRPS, cfg.RateLimitBurst)
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		return l, nil
	}
	return ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), nil
}

// Run executes one agent and prints the outcome.
func (c *RunCmd) Run(ctx context.Context) error {
	var runCtx map[string]any
	if c.Context != "" {
		if err := json.Unmarshal([]byte(c.Context), &runCtx); err != nil {
			return fmt.Errorf("--context must be a JSON object: %w", err)
		}
	}

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	agent, err := lookupAgent(ctx, a.db, c.Agent)
	if err != nil {
		return err
	}

	res, err := a.engine.Execute(ctx, agent.ID, c.Prompt,
		engine.WithTrigger(model.TriggerManual),
		engine.WithContext(runCtx),
	)
	if err != nil {
		return fmt.Errorf("run %s: %w", agent.Name, err)
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if res.Status != model.ExecutionStatusCompleted {
		return fmt.Errorf("run %s: %s: %s", agent.Name, res.Status, res.Error)
	}
	fmt.Println(res.Content)
	fmt.Fprintf(os.Stderr, "\nexecution %s: %d tool calls, %d/%d tokens, $%.4f, %dms\n",
		res.ExecutionID, res.ToolCalls, res.TokensIn, res.TokensOut, res.CostEstimateUSD, res.DurationMS)
	return nil
}

// lookupAgent accepts either an agent ID or a spec name.
func lookupAgent(ctx context.Context, db *storage.DB, ref string) (model.Agent, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return db.GetAgent(ctx, id)
	}
	return db.GetAgentByName(ctx, ref)
}

// Run executes the nightly pipeline once and prints its result.
func (c *NightlyCmd) Run(ctx context.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	res := a.pipeline.Run(ctx)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if res.Status != nightly.StatusCompleted {
		return fmt.Errorf("nightly pipeline %s: %s", res.Status, res.Error)
	}
	return nil
}

// Run upserts every spec in the files and grants its data permissions.
func (c *SeedCmd) Run(ctx context.Context) error {
	specs, err := loadSpecs(c.Files)
	if err != nil {
		return err
	}

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	for _, spec := range specs {
		agent, created, err := a.db.UpsertAgent(ctx, spec)
		if err != nil {
			return fmt.Errorf("seed %s: %w", spec.Name, err)
		}
		granted, err := a.gate.GrantFromSpec(ctx, agent.ID, spec)
		if err != nil {
			return fmt.Errorf("seed %s: grant: %w", spec.Name, err)
		}
		action := "updated"
		if created {
			action = "created"
		}
		fmt.Printf("%-24s %s (%s), %d grants\n", spec.Name, action, agent.ID, granted)
	}
	return nil
}

// Run validates every spec in the files and reports each one.
func (c *ValidateCmd) Run() error {
	specs, err := loadSpecs(c.Files)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		fmt.Printf("ok  %-24s %s, %d tools\n", spec.Name, spec.LLM.Model, len(spec.ToolsAllowed))
	}
	return nil
}

func loadSpecs(files []string) ([]model.AgentSpec, error) {
	var specs []model.AgentSpec
	for _, f := range files {
		s, err := agentspec.LoadFile(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		specs = append(specs, s...)
	}
	return specs, nil
}

// Run writes the key pair.
func (c *KeygenCmd) Run() error {
	if err := auth.WriteKeyPair(c.Private, c.Public); err != nil {
		return err
	}
	fmt.Printf("wrote %s and %s\nset YAKUIN_JWT_PRIVATE_KEY and YAKUIN_JWT_PUBLIC_KEY to use them\n", c.Private, c.Public)
	return nil
}

// Run prints the build version.
func (c *VersionCmd) Run() error {
	fmt.Println("yakuin", version)
	return nil
}
