package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jeeves-cluster-organization/finrouter/commbus"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/agents"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/commands"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/config"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/intent"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/knowledge"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/ledger"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/llm"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/logging"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/memory"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/runtime"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/store"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/tools"
)

const (
	busQueryTimeout     = 5 * time.Second
	breakerThreshold    = 5
	breakerResetTimeout = 30 * time.Second
)

// app holds a fully wired Service and the resources backing it.
type app struct {
	cfg     config.Config
	logger  logging.Logger
	repo    *store.Repository
	redis   *redis.Client
	bus     *commbus.InMemoryCommBus
	service *runtime.Service
}

// newApp opens the stores, builds the LLM backend and wires the service.
// The caller must Close the returned app.
func newApp(ctx context.Context, cfg config.Config, logger logging.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	repo, err := store.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.repo = repo

	var (
		history runtime.HistoryStore
		audit   agents.AuditLog
	)
	if cfg.Storage.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Storage.RedisAddr, err)
		}
		history = memory.NewRedisHistory(a.redis,
			memory.WithPrefix(cfg.Storage.RedisPrefix),
			memory.WithTTL(cfg.Storage.HistoryTTL),
			memory.WithMaxMessages(cfg.Router.MaxChatHistory*2),
		)
		audit = memory.NewRedisAuditLog(a.redis, memory.WithPrefix(cfg.Storage.RedisPrefix))
	} else {
		history = memory.NewInMemoryHistory(cfg.Router.MaxChatHistory * 2)
		audit = memory.NewInMemoryAuditLog()
	}

	provider, err := llm.FromConfig(ctx, cfg.LLM, cfg.Router.LLMTimeout)
	if err != nil {
		a.Close()
		return nil, err
	}

	corpus, err := knowledge.Default()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load knowledge corpus: %w", err)
	}
	parser := ledger.NewCSVParser()
	registry, err := agents.NewDefaultRegistry(agents.Deps{
		LLM:            provider,
		Parser:         parser,
		Audit:          audit,
		Corpus:         corpus,
		Logger:         logger,
		KnowledgeTopK:  cfg.Router.KnowledgeTopK,
		KnowledgeFloor: cfg.Router.KnowledgeFloor,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build node registry: %w", err)
	}

	exec := tools.NewToolExecutor()
	if err := commands.Register(exec, repo); err != nil {
		a.Close()
		return nil, fmt.Errorf("register commands: %w", err)
	}

	a.bus = commbus.NewInMemoryCommBus(busQueryTimeout, logger)
	a.bus.AddMiddleware(commbus.NewLoggingMiddleware(logger))
	a.bus.AddMiddleware(commbus.NewCircuitBreakerMiddleware(breakerThreshold, breakerResetTimeout, []string{"HealthCheckRequest"}, logger))

	deps := runtime.ServiceDeps{
		Config:   cfg.Router,
		Loader:   repo,
		Profiles: repo,
		History:  history,
		Classifier: intent.NewClassifier(intent.Options{
			Threshold:     cfg.Router.ClassifyThreshold,
			ConfidenceCap: cfg.Router.FallbackConfidenceCap,
		}, provider, logger),
		Registry: registry,
		Commands: exec,
		Parser:   parser,
		Importer: repo,
		Bus:      a.bus,
		Logger:   logger,
	}
	if cfg.Router.ActionExtraction {
		deps.Extractor = commands.NewExtractor(provider, logger)
	}
	a.service, err = runtime.NewService(deps)
	if err != nil {
		a.Close()
		return nil, err
	}

	logger.Info("app_ready",
		"store_driver", repo.Driver(),
		"redis", cfg.Storage.RedisAddr != "",
		"llm_provider", cfg.LLM.Provider,
	)
	return a, nil
}

// Close releases the stores. It is safe on a partially built app.
func (a *app) Close() error {
	var errs []error
	if a.bus != nil {
		a.bus.Clear()
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.repo != nil {
		errs = append(errs, a.repo.Close())
	}
	return errors.Join(errs...)
}
