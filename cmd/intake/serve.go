package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/intake/internal/api"
	"github.com/MikeSquared-Agency/intake/internal/config"
	"github.com/MikeSquared-Agency/intake/internal/conversation"
	"github.com/MikeSquared-Agency/intake/internal/hermes"
	"github.com/MikeSquared-Agency/intake/internal/slack"
)

// subjectSlackReaction is where slack-forwarder publishes reaction events.
const subjectSlackReaction = "swarm.slack.reaction"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP, WebSocket and NATS transports",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	setupLogging(os.Stdout, cfg.LogLevel)
	logger := slog.Default()

	logger.Info("intake starting", "port", cfg.Port)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sch, err := loadSchema(cfg)
	if err != nil {
		return err
	}
	policy, err := loadPolicy(cfg)
	if err != nil {
		return err
	}

	var notifiers []conversation.Notifier

	// NATS/Hermes (optional)
	var (
		hermesClient *hermes.Client
		events       *hermes.Events
	)
	if cfg.NatsURL != "" {
		hermesClient, err = hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			return err
		}
		defer hermesClient.Close()
		events = hermes.NewEvents(hermesClient, logger)
		notifiers = append(notifiers, events)
		logger.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		logger.Warn("NATS_URL not set, running without lifecycle events")
	}

	// Slack poster (optional; hand-offs are still spoken to the caller without it)
	var poster *slack.Poster
	if cfg.SlackToken != "" && cfg.SlackChannel != "" {
		poster = slack.NewPoster(cfg.SlackToken, cfg.SlackChannel, sch, logger)
		defer poster.Wait()
		notifiers = append(notifiers, poster)
		logger.Info("slack poster ready", "channel", cfg.SlackChannel)
	} else {
		logger.Warn("slack not configured, hand-offs are not posted")
	}

	a, err := buildApp(ctx, cfg, sch, policy, notifiers, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if hermesClient != nil {
		if err := hermes.NewTurnServer(a.orch, cfg.ReplyTimeout*3, logger).Serve(hermesClient); err != nil {
			return err
		}
		if poster != nil {
			if err := hermesClient.Subscribe(subjectSlackReaction, handoffClaims(poster, events, logger)); err != nil {
				return err
			}
		}
		if err := hermesClient.Publish("swarm.agent.intake.registered", map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"port":      cfg.Port,
		}); err != nil {
			logger.Warn("failed to publish registration", "error", err)
		}
	}

	srv := api.NewServer(cfg.Port, cfg.APIToken, a.orch, a.sessions, a.counter, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.worker.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		a.sessions.RunReaper(gctx, reapInterval)
		return nil
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("intake ready", "port", cfg.Port, "store", cfg.StoreBackend, "llm", cfg.LLMProvider)
	err = g.Wait()
	logger.Info("intake stopped")
	return err
}

// handoffClaims announces when an agent reacts to a hand-off post.
func handoffClaims(poster *slack.Poster, events *hermes.Events, logger *slog.Logger) func(string, []byte) {
	return func(_ string, data []byte) {
		evt, err := slack.ParseReactionEvent(data, logger)
		if err != nil {
			logger.Debug("ignoring reaction", "error", err)
			return
		}
		sessionID, claim, ok := poster.ClaimFor(evt)
		if !ok {
			return
		}
		logger.Info("handoff reaction", "session_id", sessionID, "claim", claim, "agent", evt.UserID)
		if claim == slack.ClaimTaken {
			events.HandoffClaimed(sessionID, evt.UserID)
		}
	}
}
