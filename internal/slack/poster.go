package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/MikeSquared-Agency/intake/internal/schema"
	"github.com/MikeSquared-Agency/intake/internal/session"
	"github.com/MikeSquared-Agency/intake/internal/submission"
)

const defaultPostMessageURL = "https://slack.com/api/chat.postMessage"

// threadCacheSize bounds how many hand-off messages are remembered for
// threaded follow-ups and reaction lookups.
const threadCacheSize = 4096

// Poster tells the human-agent channel about escalated sessions. It
// implements the conversation notifier; posts run in the background so a slow
// Slack API never holds up a caller's turn.
type Poster struct {
	token    string
	channel  string
	client   *http.Client
	logger   *slog.Logger
	apiURL   string
	schema   *schema.Schema
	threads  *lru.Cache[string, string] // session id -> message ts
	sessions *lru.Cache[string, string] // message ts -> session id
	pending  sync.WaitGroup
}

func NewPoster(token, channel string, s *schema.Schema, logger *slog.Logger) *Poster {
	threads, _ := lru.New[string, string](threadCacheSize)
	sessions, _ := lru.New[string, string](threadCacheSize)
	return &Poster{
		token:    token,
		channel:  channel,
		client:   &http.Client{Timeout: 10 * time.Second},
		apiURL:   defaultPostMessageURL,
		logger:   logger,
		schema:   s,
		threads:  threads,
		sessions: sessions,
	}
}

// PostHandoff posts the hand-off summary and returns the message timestamp.
func (p *Poster) PostHandoff(ctx context.Context, sessionID string, h session.Handoff, rec schema.Record) (string, error) {
	text := formatHandoffMessage(sessionID, h, p.schema, rec)

	ts, err := p.post(ctx, map[string]any{
		"channel": p.channel,
		"text":    text,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": text,
				},
			},
			{
				"type": "context",
				"elements": []map[string]any{
					{
						"type": "mrkdwn",
						"text": "React: :eyes: I'm taking it | :leftwards_arrow_with_hook: release",
					},
				},
			},
		},
	})
	if err != nil {
		return "", err
	}

	p.threads.Add(sessionID, ts)
	p.sessions.Add(ts, sessionID)
	p.logger.Info("posted handoff to slack", "ts", ts, "session_id", sessionID, "desk", h.Desk)
	return ts, nil
}

// PostThread posts a threaded reply to a message.
func (p *Poster) PostThread(ctx context.Context, threadTS, text string) error {
	_, err := p.post(ctx, map[string]any{
		"channel":   p.channel,
		"thread_ts": threadTS,
		"text":      text,
	})
	return err
}

// SessionFor returns the session a hand-off message was posted for.
func (p *Poster) SessionFor(messageTS string) (string, bool) {
	return p.sessions.Get(messageTS)
}

// Wait blocks until background posts have finished.
func (p *Poster) Wait() {
	p.pending.Wait()
}

func (p *Poster) SessionStarted(ctx context.Context, sessionID string) {}

func (p *Poster) Submitted(ctx context.Context, sessionID string, res submission.Result) {}

func (p *Poster) Escalated(ctx context.Context, sessionID string, h session.Handoff, rec schema.Record) {
	p.background(func(ctx context.Context) {
		if _, err := p.PostHandoff(ctx, sessionID, h, rec); err != nil {
			p.logger.Warn("slack handoff post failed", "session_id", sessionID, "error", err)
		}
	})
}

// Closed follows up in the hand-off thread, if there is one.
func (p *Poster) Closed(ctx context.Context, sessionID, reason string) {
	ts, ok := p.threads.Get(sessionID)
	if !ok {
		return
	}
	p.background(func(ctx context.Context) {
		if err := p.PostThread(ctx, ts, fmt.Sprintf("Caller session ended: %s", reason)); err != nil {
			p.logger.Warn("slack thread post failed", "session_id", sessionID, "error", err)
		}
	})
}

func (p *Poster) background(fn func(ctx context.Context)) {
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		fn(ctx)
	}()
}

func (p *Poster) post(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var slackResp struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err != nil {
		return "", fmt.Errorf("parse slack response: %w", err)
	}
	if !slackResp.OK {
		return "", fmt.Errorf("slack error: %s", slackResp.Error)
	}
	return slackResp.TS, nil
}

func formatHandoffMessage(sessionID string, h session.Handoff, s *schema.Schema, rec schema.Record) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "*Claim hand-off:* %s (%s)\n", h.Reference, h.Desk)
	fmt.Fprintf(&sb, "*Session:* %s\n", sessionID)
	if h.Reason != "" {
		fmt.Fprintf(&sb, "*Reason:* %s\n", h.Reason)
	}
	sb.WriteString("\n")

	var answered int
	for _, f := range s.Fields() {
		if !rec.Has(f.Path) {
			continue
		}
		answered++
		value := rec.Text(f.Path)
		if f.Kind == schema.KindList {
			value = strings.Join(rec.List(f.Path), ", ")
		}
		fmt.Fprintf(&sb, "• %s: %s\n", f.Label, value)
	}
	if answered == 0 {
		sb.WriteString("_No claim details collected before the hand-off._\n")
	}

	if missing := s.MissingFields(rec); len(missing) > 0 {
		labels := make([]string, 0, len(missing))
		for _, m := range missing {
			labels = append(labels, m.Label)
		}
		fmt.Fprintf(&sb, "\n*Still needed:* %s", strings.Join(labels, ", "))
	}

	return strings.TrimRight(sb.String(), "\n")
}
