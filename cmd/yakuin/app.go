package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/yakuin/internal/agentspec"
	"github.com/ashita-ai/yakuin/internal/authz"
	"github.com/ashita-ai/yakuin/internal/config"
	"github.com/ashita-ai/yakuin/internal/engine"
	"github.com/ashita-ai/yakuin/internal/llm"
	"github.com/ashita-ai/yakuin/internal/memory"
	"github.com/ashita-ai/yakuin/internal/nightly"
	"github.com/ashita-ai/yakuin/internal/notify"
	"github.com/ashita-ai/yakuin/internal/retrieval"
	"github.com/ashita-ai/yakuin/internal/runlock"
	"github.com/ashita-ai/yakuin/internal/search"
	"github.com/ashita-ai/yakuin/internal/service/embedding"
	"github.com/ashita-ai/yakuin/internal/storage"
	"github.com/ashita-ai/yakuin/internal/telemetry"
	"github.com/ashita-ai/yakuin/internal/tools"
	"github.com/ashita-ai/yakuin/migrations"
)

// decisionCacheTTL bounds how long a positive permission decision is reused.
const decisionCacheTTL = 30 * time.Second

// app holds the wired runtime shared by serve, run, and nightly.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	db        *storage.DB
	gate      *authz.Gate
	searcher  search.Searcher
	retriever *retrieval.Retriever
	memory    *memory.Store
	engine    *engine.Engine
	pipeline  *nightly.Orchestrator

	closers []func(context.Context) error
}

// newApp connects to every backing service and builds the engine. On error
// everything opened so far is closed.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.onClose(otelShutdown)

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.db = db
	a.onClose(func(context.Context) error { db.Close(); return nil })
	db.RegisterPoolMetrics()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}

	embedder := embedding.New(ctx, embedding.Settings{
		Provider:     cfg.EmbeddingProvider,
		OpenAIAPIKey: cfg.OpenAIAPIKey,
		BaseURL:      cfg.EmbeddingBaseURL,
		Model:        cfg.EmbeddingModel,
		Dimensions:   cfg.EmbeddingDimensions,
		OllamaURL:    cfg.OllamaURL,
		OllamaModel:  cfg.OllamaModel,
	}, logger)

	// pgvector always answers; Qdrant, when configured, answers first and
	// receives ingested chunks.
	var indexer search.Indexer
	a.searcher = search.NewPGIndex(db)
	if cfg.QdrantURL != "" {
		q, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		a.onClose(func(context.Context) error { return q.Close() })
		if err := q.EnsureCollection(ctx); err != nil {
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		a.searcher = search.NewFallback(q, a.searcher, logger)
		indexer = q
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL), using pgvector")
	}

	cache := authz.NewDecisionCache(decisionCacheTTL)
	a.onClose(func(context.Context) error { cache.Close(); return nil })
	a.gate = authz.NewGate(db, cache, logger)

	a.retriever = retrieval.New(a.gate, embedder, a.searcher, indexer, db, logger)

	registry, err := tools.NewRegistry(a.retriever, a.gate, logger)
	if err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}

	if !cfg.LLMConfigured() {
		logger.Warn("OPENROUTER_API_KEY is not set, agent runs will fail at the gateway")
	}
	client := llm.NewClient(llm.Options{
		BaseURL:    cfg.LLMBaseURL,
		APIKey:     cfg.OpenRouterAPIKey,
		Timeout:    cfg.LLMTimeout,
		RPS:        cfg.LLMRPS,
		MaxRetries: 2,
	})

	a.memory = memory.NewStore(db, memory.LLMSummarizer{Completer: client, Model: agentspec.DefaultModel}, logger)

	locker, err := newLocker(cfg, logger)
	if err != nil {
		return nil, err
	}
	if c, ok := locker.(interface{ Close() error }); ok {
		a.onClose(func(context.Context) error { return c.Close() })
	}

	observer, err := telemetry.NewEngineObserver()
	if err != nil {
		return nil, fmt.Errorf("telemetry observer: %w", err)
	}

	a.engine = engine.New(db, a.memory, registry, client, locker, engine.Config{
		MaxIterations:     cfg.MaxIterations,
		CostInputPerMTok:  cfg.CostInputPerMTok,
		CostOutputPerMTok: cfg.CostOutputPerMTok,
		WaitForLock:       cfg.RunLockWait,
	}, logger, engine.WithObserver(observer))

	notifier, err := a.newNotifier(ctx)
	if err != nil {
		return nil, err
	}
	a.pipeline = nightly.New(db, a.engine, logger,
		nightly.WithNotifier(notifier),
		nightly.WithMaintenance(a.memory, cfg.MemoryMaxEntries),
	)
	return a, nil
}

func newLocker(cfg config.Config, logger *slog.Logger) (runlock.Locker, error) {
	if cfg.RunLock != "redis" {
		return runlock.NewMemory(), nil
	}
	l, err := runlock.NewRedisFromURL(cfg.RedisURL, "yakuin:runlock:", cfg.RunLockTTL, logger)
	if err != nil {
		return nil, fmt.Errorf("run lock: %w", err)
	}
	return l, nil
}

// newNotifier combines every configured brief sink. With none configured the
// pipeline still runs and the brief lives only in the artifacts table.
func (a *app) newNotifier(ctx context.Context) (notify.Notifier, error) {
	var sinks []notify.Notifier
	if a.cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, notify.NewWebhook(a.cfg.NotifyWebhookURL))
	}
	if a.cfg.NATSURL != "" {
		n, err := notify.NewNATS(a.cfg.NATSURL, a.cfg.NotifyNATSSubject)
		if err != nil {
			return nil, fmt.Errorf("notify: %w", err)
		}
		a.onClose(func(context.Context) error { return n.Close() })
		sinks = append(sinks, n)
	}
	if a.cfg.ArchiveS3Bucket != "" {
		s, err := notify.NewS3Archive(ctx, notify.S3Config{
			Bucket:   a.cfg.ArchiveS3Bucket,
			Region:   a.cfg.ArchiveS3Region,
			Endpoint: a.cfg.ArchiveS3Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("notify: %w", err)
		}
		sinks = append(sinks, s)
	}
	a.logger.Info("notify: configured", "sinks", len(sinks))
	return notify.Combine(sinks...), nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown: close resources", "error", err)
	}
}
