package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/intake/internal/config"
	"github.com/MikeSquared-Agency/intake/internal/conversation"
)

var chatSession string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the intake assistant on the terminal",
	Long: `chat runs one intake conversation on stdin/stdout. Type /status to see
the record collected so far and /quit to leave.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatSession, "session", "", "resume or name a session id")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	// Logs go to stderr so they do not interleave with the conversation.
	setupLogging(os.Stderr, "warn")
	logger := slog.Default()

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
	a, err := buildApp(ctx, cfg, sch, policy, nil, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		a.worker.Run(workerCtx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	return chatLoop(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), a.orch, chatSession)
}

// chatter is the part of the orchestrator the terminal uses.
type chatter interface {
	Start(ctx context.Context, sessionID string) (conversation.Reply, error)
	HandleTurn(ctx context.Context, sessionID, text string) (conversation.Reply, error)
	Describe(ctx context.Context, sessionID string) (conversation.Description, error)
}

func chatLoop(ctx context.Context, in io.Reader, out io.Writer, c chatter, sessionID string) error {
	reply, err := c.Start(ctx, sessionID)
	if err != nil {
		return err
	}
	sessionID = reply.SessionID
	fmt.Fprintf(out, "session %s\n", sessionID)
	fmt.Fprintf(out, "assistant> %s\n", reply.Text)

	scanner := bufio.NewScanner(in)
	for {
		if reply.Terminal {
			return printRecord(ctx, out, c, sessionID)
		}
		fmt.Fprint(out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/status":
			if err := printRecord(ctx, out, c, sessionID); err != nil {
				return err
			}
			continue
		}

		reply, err = c.HandleTurn(ctx, sessionID, line)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		fmt.Fprintf(out, "assistant> %s\n", reply.Text)
	}
}

func printRecord(ctx context.Context, out io.Writer, c chatter, sessionID string) error {
	d, err := c.Describe(ctx, sessionID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(map[string]any{
		"status":  d.Status,
		"record":  d.Record,
		"missing": d.Missing,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\n", data)
	return nil
}
