// Package llm defines the completion contract shared by the model backends.
package llm

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/time/rate"
)

// ErrEmptyResponse is returned when a backend answers with no text.
var ErrEmptyResponse = errors.New("empty response content")

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer sends a system prompt and conversation to a model and returns its text.
type Completer interface {
	Complete(ctx context.Context, system string, messages []Message, maxTokens int) (string, error)
}

// Limited wraps c so calls wait on a token bucket. rps <= 0 disables limiting.
func Limited(c Completer, rps float64, burst int) Completer {
	if rps <= 0 {
		return c
	}
	if burst < 1 {
		burst = 1
	}
	return &limited{next: c, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

type limited struct {
	next    Completer
	limiter *rate.Limiter
}

func (l *limited) Complete(ctx context.Context, system string, messages []Message, maxTokens int) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return l.next.Complete(ctx, system, messages, maxTokens)
}

// StripFences removes a surrounding markdown code fence, which models add to
// JSON answers even when told not to.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
