package hermes

import (
	"context"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/intake/internal/schema"
	"github.com/MikeSquared-Agency/intake/internal/session"
	"github.com/MikeSquared-Agency/intake/internal/submission"
)

const (
	SubjectSessionStarted   = "intake.session.started"
	SubjectSessionSubmitted = "intake.session.submitted"
	SubjectSessionEscalated = "intake.session.escalated"
	SubjectSessionClosed    = "intake.session.closed"
	SubjectHandoffClaimed   = "intake.session.handoff_claimed"
)

// SessionEvent is the payload of every intake.session.* message.
type SessionEvent struct {
	SessionID  string             `json:"session_id"`
	At         time.Time          `json:"at"`
	Reason     string             `json:"reason,omitempty"`
	Submission *submission.Result `json:"submission,omitempty"`
	Handoff    *session.Handoff   `json:"handoff,omitempty"`
	Record     *schema.Record     `json:"record,omitempty"`
	Agent      string             `json:"agent,omitempty"`
}

type Publisher interface {
	Publish(subject string, data any) error
}

// Events publishes session lifecycle changes. Publish failures are logged
// and otherwise ignored.
type Events struct {
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

func NewEvents(pub Publisher, logger *slog.Logger) *Events {
	return &Events{pub: pub, logger: logger, now: time.Now}
}

func (e *Events) publish(subject string, evt SessionEvent) {
	evt.At = e.now().UTC()
	if err := e.pub.Publish(subject, evt); err != nil {
		e.logger.Warn("failed to publish session event", "subject", subject, "session_id", evt.SessionID, "error", err)
	}
}

func (e *Events) SessionStarted(ctx context.Context, sessionID string) {
	e.publish(SubjectSessionStarted, SessionEvent{SessionID: sessionID})
}

func (e *Events) Submitted(ctx context.Context, sessionID string, res submission.Result) {
	e.publish(SubjectSessionSubmitted, SessionEvent{SessionID: sessionID, Submission: &res})
}

// Escalated carries the record so a human agent can pick up where the
// assistant left off.
func (e *Events) Escalated(ctx context.Context, sessionID string, h session.Handoff, rec schema.Record) {
	e.publish(SubjectSessionEscalated, SessionEvent{
		SessionID: sessionID,
		Reason:    h.Reason,
		Handoff:   &h,
		Record:    &rec,
	})
}

func (e *Events) Closed(ctx context.Context, sessionID, reason string) {
	e.publish(SubjectSessionClosed, SessionEvent{SessionID: sessionID, Reason: reason})
}

// HandoffClaimed announces that a human agent picked up an escalated session.
func (e *Events) HandoffClaimed(sessionID, agent string) {
	e.publish(SubjectHandoffClaimed, SessionEvent{SessionID: sessionID, Agent: agent})
}
