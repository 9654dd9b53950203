// Package submission hands completed claim records to the claims system.
package submission

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/MikeSquared-Agency/intake/internal/schema"
)

// Result is what the claims system returns for an accepted record.
type Result struct {
	RecordID     string    `json:"record_id"`
	Status       string    `json:"status"`
	Confirmation string    `json:"confirmation"`
	NextSteps    []string  `json:"next_steps"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// Gateway submits a record. Implementations are not assumed idempotent;
// callers submit each session at most once.
type Gateway interface {
	Submit(ctx context.Context, sessionID string, r schema.Record) (Result, error)
}

// IdempotencyKey identifies a (session, record) pair independent of JSON key order.
func IdempotencyKey(sessionID string, r schema.Record) (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize record: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HTTPGateway posts records to a claims API.
type HTTPGateway struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
}

func NewHTTPGateway(url, token string, logger *slog.Logger) *HTTPGateway {
	return &HTTPGateway{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

type submitRequest struct {
	SessionID string        `json:"session_id"`
	Record    schema.Record `json:"record"`
}

func (g *HTTPGateway) Submit(ctx context.Context, sessionID string, r schema.Record) (Result, error) {
	key, err := IdempotencyKey(sessionID, r)
	if err != nil {
		return Result{}, err
	}
	body, err := json.Marshal(submitRequest{SessionID: sessionID, Record: r})
	if err != nil {
		return Result{}, fmt.Errorf("marshal submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("claims api %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var res Result
	if err := json.Unmarshal(respBody, &res); err != nil {
		return Result{}, fmt.Errorf("unmarshal result: %w", err)
	}
	if res.RecordID == "" {
		return Result{}, fmt.Errorf("claims api returned no record id")
	}
	if res.SubmittedAt.IsZero() {
		res.SubmittedAt = time.Now().UTC()
	}

	g.logger.Info("claim submitted", "session_id", sessionID, "record_id", res.RecordID, "status", res.Status)
	return res, nil
}

// DefaultNextSteps is used when no claims API is configured.
var DefaultNextSteps = []string{
	"An adjuster will contact you within two business days.",
	"Keep receipts and photos related to the incident.",
	"Quote your claim reference in any correspondence.",
}

// LocalGateway accepts records in-process and issues local references. It is
// used when no claims API is configured, and in tests.
type LocalGateway struct {
	mu      sync.Mutex
	records map[string]Result
	logger  *slog.Logger
}

func NewLocalGateway(logger *slog.Logger) *LocalGateway {
	return &LocalGateway{records: map[string]Result{}, logger: logger}
}

func (g *LocalGateway) Submit(ctx context.Context, sessionID string, r schema.Record) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	id := "CLM-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
	res := Result{
		RecordID:     id,
		Status:       "received",
		Confirmation: fmt.Sprintf("Claim %s received with %d answered fields.", id, r.Len()),
		NextSteps:    DefaultNextSteps,
		SubmittedAt:  time.Now().UTC(),
	}

	g.mu.Lock()
	g.records[id] = res
	g.mu.Unlock()

	g.logger.Info("claim recorded locally", "session_id", sessionID, "record_id", id)
	return res, nil
}

// Count is the number of records accepted so far.
func (g *LocalGateway) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}
