package conversation

import (
	"context"

	"github.com/MikeSquared-Agency/intake/internal/schema"
	"github.com/MikeSquared-Agency/intake/internal/session"
	"github.com/MikeSquared-Agency/intake/internal/submission"
)

// Description is a read-only view of a session for operators and clients.
type Description struct {
	SessionID  string             `json:"session_id"`
	Status     session.Status     `json:"status"`
	Phase      string             `json:"phase"`
	Complete   bool               `json:"complete"`
	Branch     string             `json:"branch,omitempty"`
	Record     schema.Record      `json:"record"`
	Missing    []schema.Missing   `json:"missing"`
	QueueDepth int                `json:"queue_depth"`
	Retries    int                `json:"retries"`
	Failures   int                `json:"extraction_failures"`
	Submission *submission.Result `json:"submission,omitempty"`
	Handoff    *session.Handoff   `json:"handoff,omitempty"`
	Turns      []session.Turn     `json:"turns"`
}

// Describe reports the session's record, what is still missing and how it ended.
func (o *Orchestrator) Describe(ctx context.Context, sessionID string) (Description, error) {
	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return Description{}, err
	}
	st := sess.State()
	rec := sess.Record()
	report := o.sessions.Schema().Evaluate(rec)
	return Description{
		SessionID:  sess.ID,
		Status:     st.Status,
		Phase:      st.Phase,
		Complete:   report.Complete,
		Branch:     report.Branch,
		Record:     rec,
		Missing:    report.Missing,
		QueueDepth: o.queue.Depth(sess.ID),
		Retries:    st.Retries,
		Failures:   st.ExtractionFailures,
		Submission: st.Submission,
		Handoff:    st.Handoff,
		Turns:      sess.Turns(0),
	}, nil
}
