package hermes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/intake/internal/schema"
	"github.com/MikeSquared-Agency/intake/internal/session"
	"github.com/MikeSquared-Agency/intake/internal/submission"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type published struct {
	subject string
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(subject string, data any) error {
	if f.err != nil {
		return f.err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{subject: subject, payload: payload})
	return nil
}

func (f *fakePublisher) last(t *testing.T) (string, map[string]any) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		t.Fatal("nothing published")
	}
	m := f.msgs[len(f.msgs)-1]
	var body map[string]any
	if err := json.Unmarshal(m.payload, &body); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	return m.subject, body
}

func newEvents(pub Publisher) *Events {
	e := NewEvents(pub, discardLogger())
	e.now = func() time.Time { return time.Date(2026, 10, 17, 14, 30, 0, 0, time.UTC) }
	return e
}

func TestEvents_Lifecycle(t *testing.T) {
	pub := &fakePublisher{}
	e := newEvents(pub)
	ctx := context.Background()

	e.SessionStarted(ctx, "s1")
	subject, body := pub.last(t)
	if subject != SubjectSessionStarted {
		t.Errorf("expected %s, got %s", SubjectSessionStarted, subject)
	}
	if body["session_id"] != "s1" {
		t.Errorf("expected session_id s1, got %v", body["session_id"])
	}
	if body["at"] != "2026-10-17T14:30:00Z" {
		t.Errorf("unexpected timestamp %v", body["at"])
	}

	e.Submitted(ctx, "s1", submission.Result{RecordID: "CLM-0000000001", Status: "received"})
	subject, body = pub.last(t)
	if subject != SubjectSessionSubmitted {
		t.Errorf("expected %s, got %s", SubjectSessionSubmitted, subject)
	}
	sub, _ := body["submission"].(map[string]any)
	if sub["record_id"] != "CLM-0000000001" {
		t.Errorf("expected record id in payload, got %v", body["submission"])
	}

	e.Closed(ctx, "s1", "caller hung up")
	subject, body = pub.last(t)
	if subject != SubjectSessionClosed || body["reason"] != "caller hung up" {
		t.Errorf("unexpected close event %s %v", subject, body)
	}
}

func TestEvents_EscalatedCarriesRecord(t *testing.T) {
	pub := &fakePublisher{}
	e := newEvents(pub)

	s := schema.Default()
	rec, err := s.NewRecord().Set(schema.Path{"claimant", "name"}, "Jane Doe")
	if err != nil {
		t.Fatal(err)
	}
	e.Escalated(context.Background(), "s2", session.Handoff{
		Desk:      "Injury Claims desk",
		Phone:     "1-800-555-0142",
		Reference: "ESC-S2",
		Reason:    "caller asked for a person",
	}, rec)

	subject, body := pub.last(t)
	if subject != SubjectSessionEscalated {
		t.Fatalf("expected %s, got %s", SubjectSessionEscalated, subject)
	}
	if body["reason"] != "caller asked for a person" {
		t.Errorf("expected reason, got %v", body["reason"])
	}
	handoff, _ := body["handoff"].(map[string]any)
	if handoff["desk"] != "Injury Claims desk" {
		t.Errorf("expected desk in payload, got %v", body["handoff"])
	}
	record, _ := body["record"].(map[string]any)
	claimant, _ := record["claimant"].(map[string]any)
	if claimant["name"] != "Jane Doe" {
		t.Errorf("expected record in payload, got %v", body["record"])
	}
}

func TestEvents_PublishErrorIsSwallowed(t *testing.T) {
	e := newEvents(&fakePublisher{err: errors.New("nats: connection closed")})
	e.SessionStarted(context.Background(), "s1")
	e.HandoffClaimed("s1", "U123")
}
