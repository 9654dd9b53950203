// Package responder produces the assistant's reply text for each turn.
package responder

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"text/template"

	"github.com/MikeSquared-Agency/intake/internal/llm"
	"github.com/MikeSquared-Agency/intake/internal/schema"
)

// Intent is what the reply has to accomplish.
type Intent string

const (
	IntentGreet   Intent = "greet"
	IntentAsk     Intent = "ask"
	IntentConfirm Intent = "confirm"
	IntentHandoff Intent = "handoff"
	IntentRecover Intent = "recover"
	IntentClosing Intent = "closing"
)

var intentInstructions = map[Intent]string{
	IntentGreet:   "Greet the caller, say you will take down their claim, and ask for the field below.",
	IntentAsk:     "Briefly acknowledge what the caller said, then ask for exactly one thing: the field below. Do not ask for anything else.",
	IntentConfirm: "Tell the caller their claim has been submitted. Include every detail below exactly as written, then list the next steps.",
	IntentHandoff: "Tell the caller you are handing them to a human colleague. Include every detail below exactly as written.",
	IntentRecover: "Apologise for the hiccup and ask the caller to repeat or continue.",
	IntentClosing: "The claim is already closed. Politely remind the caller of the details below and say goodbye. Do not collect anything.",
}

// Request is the context for one reply.
type Request struct {
	SessionID string
	Intent    Intent
	// Ask is the single field to ask for, when the intent asks for one.
	Ask *schema.Missing
	// History is the recent conversation, oldest first.
	History []llm.Message
	// Details must appear verbatim in the reply (reference numbers, phone numbers).
	Details map[string]string
	// NextSteps are listed after a confirmation.
	NextSteps []string
}

type Config struct {
	Persona   string
	MaxTokens int
	// Fallbacks are text/template bodies keyed by intent, rendered with the Request.
	Fallbacks map[Intent]string
}

type Responder struct {
	llm       llm.Completer
	persona   string
	maxTokens int
	fallbacks map[Intent]*template.Template
	logger    *slog.Logger
}

// New builds a responder. A nil completer makes every reply a fallback.
func New(c llm.Completer, cfg Config, logger *slog.Logger) (*Responder, error) {
	r := &Responder{
		llm:       c,
		persona:   cfg.Persona,
		maxTokens: cfg.MaxTokens,
		fallbacks: map[Intent]*template.Template{},
		logger:    logger,
	}
	if r.maxTokens <= 0 {
		r.maxTokens = 400
	}
	for intent, body := range cfg.Fallbacks {
		tmpl, err := template.New(string(intent)).Option("missingkey=zero").Parse(body)
		if err != nil {
			return nil, fmt.Errorf("fallback %s: %w", intent, err)
		}
		r.fallbacks[intent] = tmpl
	}
	return r, nil
}

// GenerateReply asks the model for the reply. Any failure, including a reply
// that drops a required detail, is reported as an error; callers use Fallback.
func (r *Responder) GenerateReply(ctx context.Context, req Request) (string, error) {
	if r.llm == nil {
		return "", fmt.Errorf("no reply model configured")
	}
	text, err := r.llm.Complete(ctx, r.systemPrompt(req), r.messages(req), r.maxTokens)
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", llm.ErrEmptyResponse
	}
	for k, v := range req.Details {
		if v != "" && !strings.Contains(text, v) {
			return "", fmt.Errorf("reply dropped %s", k)
		}
	}
	return text, nil
}

// Reply returns the model reply, or the fallback when the model fails.
func (r *Responder) Reply(ctx context.Context, req Request) string {
	text, err := r.GenerateReply(ctx, req)
	if err == nil {
		return text
	}
	r.logger.Warn("reply generation failed, using fallback",
		"session_id", req.SessionID,
		"intent", req.Intent,
		"error", err,
	)
	return r.Fallback(req)
}

// Fallback renders the configured template for the intent. It never fails.
func (r *Responder) Fallback(req Request) string {
	if tmpl, ok := r.fallbacks[req.Intent]; ok {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, req); err == nil {
			if s := strings.TrimSpace(buf.String()); s != "" {
				return s
			}
		}
	}
	return defaultFallback(req)
}

func defaultFallback(req Request) string {
	switch req.Intent {
	case IntentGreet, IntentAsk:
		if req.Ask != nil {
			return fmt.Sprintf("Could you tell me the %s?", req.Ask.Label)
		}
		return "Could you tell me a bit more?"
	case IntentConfirm:
		return "Your claim has been submitted." + detailSuffix(req.Details)
	case IntentHandoff:
		return "I'm transferring you to a member of our team." + detailSuffix(req.Details)
	case IntentClosing:
		return "This claim is closed." + detailSuffix(req.Details)
	default:
		return "Sorry, something went wrong on my side. Could you say that again?"
	}
}

func detailSuffix(details map[string]string) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s: %s.", k, details[k])
	}
	return sb.String()
}

func (r *Responder) systemPrompt(req Request) string {
	var sb strings.Builder
	sb.WriteString(r.persona)
	sb.WriteString("\n\n## This reply\n")
	sb.WriteString(intentInstructions[req.Intent])
	if req.Ask != nil {
		fmt.Fprintf(&sb, "\n\nField to ask for: %s", req.Ask.Label)
		if req.Ask.Description != "" {
			fmt.Fprintf(&sb, " (%s)", req.Ask.Description)
		}
	}
	if len(req.Details) > 0 {
		sb.WriteString("\n\nDetails:")
		keys := make([]string, 0, len(req.Details))
		for k := range req.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "\n- %s: %s", k, req.Details[k])
		}
	}
	if len(req.NextSteps) > 0 {
		sb.WriteString("\n\nNext steps:")
		for _, s := range req.NextSteps {
			fmt.Fprintf(&sb, "\n- %s", s)
		}
	}
	sb.WriteString("\n\nReply in plain text, at most three sentences.")
	return sb.String()
}

// messages returns the history trimmed to start and end on a user message.
func (r *Responder) messages(req Request) []llm.Message {
	history := req.History
	for len(history) > 0 && history[0].Role != llm.RoleUser {
		history = history[1:]
	}
	out := make([]llm.Message, 0, len(history)+1)
	out = append(out, history...)
	if len(out) == 0 || out[len(out)-1].Role != llm.RoleUser {
		out = append(out, llm.Message{Role: llm.RoleUser, Content: "(caller is waiting for your reply)"})
	}
	return out
}
