package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/intake/internal/llm"
	"github.com/MikeSquared-Agency/intake/internal/patch"
	"github.com/MikeSquared-Agency/intake/internal/schema"
)

const defaultMaxTokens = 2048

// Extractor turns caller turns into patch operations with a language model.
type Extractor struct {
	llm       llm.Completer
	schema    *schema.Schema
	catalog   string
	maxTokens int
	logger    *slog.Logger
}

func New(c llm.Completer, s *schema.Schema, logger *slog.Logger) *Extractor {
	return &Extractor{
		llm:       c,
		schema:    s,
		catalog:   fieldCatalog(s),
		maxTokens: defaultMaxTokens,
		logger:    logger,
	}
}

type llmResponse struct {
	Operations json.RawMessage `json:"operations"`
}

// Extract asks the model for operations against req.Existing. The result is
// validated against the patch wire schema but not yet against the record
// schema; the merger rejects unknown paths.
func (e *Extractor) Extract(ctx context.Context, req Request) ([]patch.Op, error) {
	if len(req.Turns) == 0 {
		return nil, nil
	}

	existing, err := json.MarshalIndent(req.Existing, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal existing record: %w", err)
	}
	prompt := fmt.Sprintf(extractionUserPrompt,
		TemporalContext(req.Now, req.Location),
		e.catalog,
		existing,
		strings.Join(req.Turns, "\n"),
	)

	e.logger.Debug("extracting from turns",
		"session_id", req.SessionID,
		"turns", len(req.Turns),
	)

	raw, err := e.llm.Complete(ctx, systemPrompt, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, e.maxTokens)
	if err != nil {
		return nil, fmt.Errorf("llm extraction: %w", err)
	}

	ops, err := parseOperations(raw)
	if err != nil {
		e.logger.Warn("failed to parse extraction response",
			"session_id", req.SessionID,
			"error", err,
			"raw", raw,
		)
		return nil, fmt.Errorf("parse extraction: %w", err)
	}

	e.logger.Info("extraction complete",
		"session_id", req.SessionID,
		"ops", len(ops),
	)
	return ops, nil
}

// parseOperations accepts either {"operations": [...]} or a bare array.
func parseOperations(raw string) ([]patch.Op, error) {
	body := []byte(llm.StripFences(raw))
	if bytes.HasPrefix(bytes.TrimSpace(body), []byte("[")) {
		return patch.Decode(body)
	}
	var resp llmResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Operations) == 0 || string(resp.Operations) == "null" {
		return nil, nil
	}
	return patch.Decode(resp.Operations)
}

// TemporalContext renders now in loc for the model to anchor relative dates.
func TemporalContext(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	if now.IsZero() {
		now = time.Now()
	}
	local := now.In(loc)
	return fmt.Sprintf("Temporal context: it is %s, %s (%s, UTC%s).",
		local.Format("Monday 2 January 2006"),
		local.Format("15:04"),
		loc.String(),
		local.Format("-07:00"),
	)
}

func fieldCatalog(s *schema.Schema) string {
	var sb strings.Builder
	for _, f := range s.Fields() {
		fmt.Fprintf(&sb, "- %s (%s): %s", f.Path.Pointer(), f.Kind, f.Label)
		if f.Description != "" {
			fmt.Fprintf(&sb, ". %s", f.Description)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
