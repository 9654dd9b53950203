package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/intake/internal/anthropic"
	"github.com/MikeSquared-Agency/intake/internal/api"
	"github.com/MikeSquared-Agency/intake/internal/config"
	"github.com/MikeSquared-Agency/intake/internal/conversation"
	"github.com/MikeSquared-Agency/intake/internal/extractor"
	"github.com/MikeSquared-Agency/intake/internal/gemini"
	"github.com/MikeSquared-Agency/intake/internal/llm"
	"github.com/MikeSquared-Agency/intake/internal/patch"
	"github.com/MikeSquared-Agency/intake/internal/responder"
	"github.com/MikeSquared-Agency/intake/internal/schema"
	"github.com/MikeSquared-Agency/intake/internal/session"
	"github.com/MikeSquared-Agency/intake/internal/store"
	"github.com/MikeSquared-Agency/intake/internal/submission"
	"github.com/MikeSquared-Agency/intake/internal/worker"
)

// app is the wired conversation engine shared by serve and chat.
type app struct {
	sessions *session.Manager
	worker   *worker.Worker
	orch     *conversation.Orchestrator
	counter  api.StatusCounter
	closers  []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func loadSchema(cfg config.Config) (*schema.Schema, error) {
	if cfg.SchemaPath == "" {
		return schema.Default(), nil
	}
	return schema.LoadFile(cfg.SchemaPath)
}

func loadPolicy(cfg config.Config) (*conversation.Policy, error) {
	if cfg.PolicyPath == "" {
		return conversation.DefaultPolicy(), nil
	}
	return conversation.LoadPolicyFile(cfg.PolicyPath)
}

func newCompleter(ctx context.Context, cfg config.Config, logger *slog.Logger) (llm.Completer, error) {
	var c llm.Completer
	switch cfg.LLMProvider {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
		}
		c = anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		logger.Info("anthropic client ready", "model", cfg.AnthropicModel)
	case "gemini":
		g, err := gemini.NewClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		c = g
		logger.Info("gemini client ready", "model", cfg.GeminiModel)
	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}
	if cfg.LLMRPS > 0 {
		c = llm.Limited(c, cfg.LLMRPS, cfg.LLMBurst)
	}
	return c, nil
}

// newStore opens the configured session store. The returned counter is
// non-nil only for stores that can report status counts.
func newStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (session.Store, api.StatusCounter, func(), error) {
	switch cfg.StoreBackend {
	case "memory", "":
		return store.NewMemory(), nil, func() {}, nil
	case "file":
		f, err := store.NewFile(cfg.StoreDir)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("file session store ready", "dir", cfg.StoreDir)
		return f, nil, func() {}, nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, nil, nil, fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		logger.Info("database connected")
		return db, db, db.Close, nil
	case "redis":
		if cfg.RedisURL == "" {
			return nil, nil, nil, fmt.Errorf("REDIS_URL is required for the redis store")
		}
		r, err := store.NewRedis(ctx, cfg.RedisURL, cfg.SessionTTL)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("redis connected")
		return r, nil, func() { r.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
}

func newGateway(cfg config.Config, logger *slog.Logger) submission.Gateway {
	if cfg.SubmissionURL == "" {
		logger.Warn("SUBMISSION_URL not set, claims are recorded locally")
		return submission.NewLocalGateway(logger)
	}
	return submission.NewHTTPGateway(cfg.SubmissionURL, cfg.SubmissionToken, logger)
}

func buildApp(ctx context.Context, cfg config.Config, sch *schema.Schema, policy *conversation.Policy, notifiers []conversation.Notifier, logger *slog.Logger) (*app, error) {
	completer, err := newCompleter(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	st, counter, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{counter: counter, closers: []func(){closeStore}}

	a.sessions, err = session.NewManager(sch, st, session.Config{
		MaxLive:     cfg.MaxLiveSessions,
		IdleTimeout: cfg.SessionIdleTimeout,
		Location:    cfg.Location(),
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.worker = worker.New(extractor.New(completer, sch, logger), patch.NewMerger(sch), a.sessions, worker.Config{
		Workers:  cfg.ExtractionWorkers,
		MaxTurns: cfg.ExtractionMaxTurns,
		Timeout:  cfg.ExtractionTimeout,
	}, logger)

	replies, err := responder.New(completer, policy.ResponderConfig(), logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.orch = conversation.New(a.sessions, a.worker, newGateway(cfg, logger), replies, policy, conversation.Options{
		Limits: conversation.Limits{
			MaxRetries:            cfg.MaxTurnRetries,
			MaxSubmitAttempts:     cfg.MaxSubmitAttempts,
			MaxExtractionFailures: cfg.MaxExtractionFailures,
		},
		ReplyTimeout:  cfg.ReplyTimeout,
		SubmitTimeout: cfg.SubmitTimeout,
		Notifiers:     notifiers,
	}, logger)

	return a, nil
}

const reapInterval = time.Minute
