package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/intake/internal/llm"
	"github.com/MikeSquared-Agency/intake/internal/responder"
	"github.com/MikeSquared-Agency/intake/internal/schema"
	"github.com/MikeSquared-Agency/intake/internal/session"
	"github.com/MikeSquared-Agency/intake/internal/submission"
)

// ErrEmptyTurn is returned for a turn with no text.
var ErrEmptyTurn = errors.New("empty turn")

// Queue is the extraction worker as seen by the orchestrator.
type Queue interface {
	Enqueue(sessionID, text string)
	Cancel(sessionID string)
	Depth(sessionID string) int
}

// Replier produces reply text. It must always return something usable.
type Replier interface {
	Reply(ctx context.Context, req responder.Request) string
}

// Notifier is told about session lifecycle changes. Failures are the
// notifier's to log; they never affect the conversation.
type Notifier interface {
	SessionStarted(ctx context.Context, sessionID string)
	Submitted(ctx context.Context, sessionID string, res submission.Result)
	Escalated(ctx context.Context, sessionID string, h session.Handoff, rec schema.Record)
	Closed(ctx context.Context, sessionID, reason string)
}

type Options struct {
	Limits        Limits
	ReplyTimeout  time.Duration
	SubmitTimeout time.Duration
	// HistoryTurns is how many recent turns the reply generator sees.
	HistoryTurns int
	Notifiers    []Notifier
}

// Reply is what a transport hands back to the caller.
type Reply struct {
	SessionID  string             `json:"session_id"`
	Text       string             `json:"reply"`
	Terminal   bool               `json:"terminal"`
	Status     session.Status     `json:"status"`
	State      State              `json:"state"`
	Missing    []schema.Missing   `json:"missing,omitempty"`
	Submission *submission.Result `json:"submission,omitempty"`
	Handoff    *session.Handoff   `json:"handoff,omitempty"`
}

// maxSteps bounds a single turn's walk through the state machine.
const maxSteps = 16

const stuckReply = "Sorry, something went wrong on my side. Could you say that again?"

type Orchestrator struct {
	sessions *session.Manager
	queue    Queue
	gateway  submission.Gateway
	replies  Replier
	policy   *Policy
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
	steps    int
}

func New(sessions *session.Manager, queue Queue, gateway submission.Gateway, replies Replier, policy *Policy, opts Options, logger *slog.Logger) *Orchestrator {
	opts.Limits = opts.Limits.withDefaults()
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = 30 * time.Second
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 30 * time.Second
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = 8
	}
	o := &Orchestrator{
		sessions: sessions,
		queue:    queue,
		gateway:  gateway,
		replies:  replies,
		policy:   policy,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		steps:    maxSteps,
	}
	sessions.OnClose(queue.Cancel)
	return o
}

// Start opens a session and returns the greeting. An empty id gets a fresh one.
func (o *Orchestrator) Start(ctx context.Context, sessionID string) (Reply, error) {
	sess, created, err := o.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		return Reply{}, err
	}
	release, err := sess.TryBeginTurn(o.now())
	if err != nil {
		return Reply{}, err
	}
	defer release()

	if !created {
		if last, ok := lastAssistantTurn(sess); ok {
			return o.current(sess, AwaitingInput, last), nil
		}
	}

	report := o.sessions.Schema().Evaluate(sess.Record())
	req := responder.Request{SessionID: sess.ID, Intent: responder.IntentGreet}
	if next, ok := report.Next(); ok {
		req.Ask = &next
	}
	text := o.say(ctx, req)
	sess.AppendTurn(session.RoleAssistant, text, o.now())
	sess.Update(func(st *session.State) { st.Phase = string(AwaitingInput) })
	o.save(ctx, sess)

	for _, n := range o.opts.Notifiers {
		n.SessionStarted(ctx, sess.ID)
	}
	return o.current(sess, AwaitingInput, text), nil
}

// HandleTurn runs one caller turn through the state machine. It returns
// session.ErrBusy while another turn for the session is in flight.
func (o *Orchestrator) HandleTurn(ctx context.Context, sessionID, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, ErrEmptyTurn
	}
	sess, created, err := o.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		return Reply{}, err
	}
	if created {
		for _, n := range o.opts.Notifiers {
			n.SessionStarted(ctx, sess.ID)
		}
	}

	release, err := sess.TryBeginTurn(o.now())
	if err != nil {
		return Reply{}, err
	}
	defer release()

	if sess.TakeResumed() && !sess.State().Status.Terminal() {
		o.requeue(sess)
	}
	sess.AppendTurn(session.RoleCaller, text, o.now())
	state, replyText := o.run(ctx, sess, text)
	sess.AppendTurn(session.RoleAssistant, replyText, o.now())
	o.save(ctx, sess)

	return o.current(sess, state, replyText), nil
}

// requeue hands the recent caller turns of a resumed session back to the
// worker. Extraction that was in flight when it left memory is lost, and
// merging the same text twice changes nothing.
func (o *Orchestrator) requeue(sess *session.Session) {
	n := 0
	for _, tr := range sess.Turns(o.opts.HistoryTurns) {
		if tr.Role == session.RoleCaller {
			o.queue.Enqueue(sess.ID, tr.Text)
			n++
		}
	}
	if n > 0 {
		o.logger.Info("requeued turns after resume", "session_id", sess.ID, "turns", n)
	}
}

// Close ends a session. Queued extraction for it is discarded.
func (o *Orchestrator) Close(ctx context.Context, sessionID, reason string) error {
	if err := o.sessions.Close(ctx, sessionID, reason); err != nil {
		return err
	}
	for _, n := range o.opts.Notifiers {
		n.Closed(ctx, sessionID, reason)
	}
	return nil
}

// turn carries the executor's working state through one run.
type turn struct {
	sess   *session.Session
	text   string
	reply  string
	result *submission.Result
}

func (o *Orchestrator) run(ctx context.Context, sess *session.Session, text string) (State, string) {
	st := sess.State()
	facts := Facts{
		Terminal:            st.Status.Terminal(),
		Submitted:           st.Submitted,
		EscalationRequested: st.EscalationRequested,
		Escalated:           st.Status == session.StatusEscalated,
		Retries:             st.Retries,
		SubmitAttempts:      st.SubmitAttempts,
		ExtractionFailures:  st.ExtractionFailures,
	}
	t := &turn{sess: sess, text: text}

	ev := Event{Kind: EventTurn, Escalation: o.policy.WantsHuman(text)}
	state, settled := o.walk(ctx, t, &facts, AwaitingInput, ev, o.steps)
	if !settled {
		// Count the stuck turn as a failure so repeats still reach escalation.
		o.logger.Error("turn did not settle", "session_id", sess.ID, "state", state)
		state, settled = o.walk(ctx, t, &facts, Deciding, Event{Kind: EventFailed}, maxSteps)
		if !settled {
			state = AwaitingInput
		}
	}
	if t.reply == "" {
		t.reply = stuckReply
	}

	o.commitFacts(sess, state, facts)
	return state, t.reply
}

// walk steps the machine from state until the turn is done or budget steps
// have run. It reports whether the turn settled.
func (o *Orchestrator) walk(ctx context.Context, t *turn, facts *Facts, state State, ev Event, budget int) (State, bool) {
	for i := 0; i < budget; i++ {
		step, err := Transition(state, *facts, ev, o.opts.Limits)
		if err != nil {
			o.logger.Error("state machine error", "session_id", t.sess.ID, "error", err)
			ev = Event{Kind: EventFailed}
			continue
		}
		o.logger.Debug("transition",
			"session_id", t.sess.ID,
			"from", state,
			"event", ev.Kind,
			"to", step.Next,
			"action", step.Action,
		)
		*facts, state = step.Facts, step.Next
		if step.Done() {
			return state, true
		}
		ev = o.perform(ctx, t, step)
	}
	return state, false
}

// perform executes a step's side effect and reports the resulting event.
// A panic in a collaborator becomes EventFailed.
func (o *Orchestrator) perform(ctx context.Context, t *turn, step Step) (ev Event) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("action panicked", "session_id", t.sess.ID, "action", step.Action, "panic", fmt.Sprint(r))
			ev = Event{Kind: EventFailed}
		}
	}()

	switch step.Action {
	case ActEnqueue:
		o.queue.Enqueue(t.sess.ID, t.text)
		return Event{Kind: EventEnqueued}

	case ActEvaluate:
		return Event{Kind: EventEvaluated, Report: o.sessions.Schema().Evaluate(t.sess.Record())}

	case ActAsk:
		t.reply = o.say(ctx, o.request(t, responder.IntentAsk, step.Ask))
		return Event{Kind: EventReplied}

	case ActSubmit:
		return o.submit(ctx, t)

	case ActConfirm:
		req := o.request(t, responder.IntentConfirm, nil)
		if t.result != nil {
			req.Details = map[string]string{"reference": t.result.RecordID}
			req.NextSteps = t.result.NextSteps
		}
		t.reply = o.say(ctx, req)
		return Event{Kind: EventReplied}

	case ActEscalate:
		o.escalate(ctx, t, step.Reason)
		return Event{Kind: EventEscalated}

	case ActHandoff:
		h := t.sess.State().Handoff
		if h == nil {
			h = o.handoff(t.sess, "")
		}
		req := o.request(t, responder.IntentHandoff, nil)
		req.Details = map[string]string{"desk": h.Desk, "phone": h.Phone, "reference": h.Reference}
		t.reply = o.say(ctx, req)
		return Event{Kind: EventReplied}

	case ActRecover:
		t.reply = o.say(ctx, o.request(t, responder.IntentRecover, nil))
		return Event{Kind: EventReplied}

	case ActClosing:
		st := t.sess.State()
		req := o.request(t, responder.IntentClosing, nil)
		req.Details = map[string]string{}
		if st.Submission != nil {
			req.Details["reference"] = st.Submission.RecordID
		}
		if st.Handoff != nil {
			req.Details["reference"] = st.Handoff.Reference
			req.Details["phone"] = st.Handoff.Phone
		}
		t.reply = o.say(ctx, req)
		return Event{Kind: EventReplied}
	}
	return Event{Kind: EventFailed}
}

// submit calls the gateway at most once per session. The submitted flag is
// checked under the session lock, so a retried turn reuses the stored result.
func (o *Orchestrator) submit(ctx context.Context, t *turn) Event {
	if st := t.sess.State(); st.Submitted && st.Submission != nil {
		t.result = st.Submission
		return Event{Kind: EventSubmitted}
	}

	subCtx, cancel := context.WithTimeout(ctx, o.opts.SubmitTimeout)
	defer cancel()
	res, err := o.gateway.Submit(subCtx, t.sess.ID, t.sess.Record())
	if err != nil {
		o.logger.Warn("submission failed", "session_id", t.sess.ID, "error", err)
		return Event{Kind: EventSubmitFailed}
	}

	t.result = &res
	t.sess.Update(func(st *session.State) {
		st.Submitted = true
		st.Submission = &res
	})
	o.logger.Info("session submitted", "session_id", t.sess.ID, "record_id", res.RecordID)
	for _, n := range o.opts.Notifiers {
		n.Submitted(ctx, t.sess.ID, res)
	}
	return Event{Kind: EventSubmitted}
}

func (o *Orchestrator) escalate(ctx context.Context, t *turn, reason string) {
	h := o.handoff(t.sess, reason)
	t.sess.Update(func(st *session.State) { st.Handoff = h })
	o.logger.Info("session escalated",
		"session_id", t.sess.ID,
		"reason", reason,
		"desk", h.Desk,
	)
	for _, n := range o.opts.Notifiers {
		n.Escalated(ctx, t.sess.ID, *h, t.sess.Record())
	}
}

// handoff picks the desk for the branch the caller has been describing.
func (o *Orchestrator) handoff(sess *session.Session, reason string) *session.Handoff {
	branch := o.sessions.Schema().Evaluate(sess.Record()).Branch
	c := o.policy.Handoff.Lookup(branch)
	return &session.Handoff{
		Desk:      c.Desk,
		Phone:     c.Phone,
		Email:     c.Email,
		Hours:     c.Hours,
		Reference: reference(sess.ID),
		Reason:    reason,
	}
}

func reference(sessionID string) string {
	ref := strings.ToUpper(strings.ReplaceAll(sessionID, "-", ""))
	if len(ref) > 8 {
		ref = ref[:8]
	}
	return "ESC-" + ref
}

func (o *Orchestrator) request(t *turn, intent responder.Intent, ask *schema.Missing) responder.Request {
	turns := t.sess.Turns(o.opts.HistoryTurns)
	history := make([]llm.Message, 0, len(turns))
	for _, tr := range turns {
		role := llm.RoleUser
		if tr.Role == session.RoleAssistant {
			role = llm.RoleAssistant
		}
		history = append(history, llm.Message{Role: role, Content: tr.Text})
	}
	return responder.Request{
		SessionID: t.sess.ID,
		Intent:    intent,
		Ask:       ask,
		History:   history,
	}
}

// say asks the replier with a timeout. A panicking replier yields a fixed line.
func (o *Orchestrator) say(ctx context.Context, req responder.Request) (text string) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("reply generator panicked", "session_id", req.SessionID, "panic", fmt.Sprint(r))
			text = stuckReply
		}
	}()
	replyCtx, cancel := context.WithTimeout(ctx, o.opts.ReplyTimeout)
	defer cancel()
	text = o.replies.Reply(replyCtx, req)
	if strings.TrimSpace(text) == "" {
		text = stuckReply
	}
	return text
}

// commitFacts writes the turn's outcome back to the session. Extraction
// failures are owned by the worker and are not overwritten.
func (o *Orchestrator) commitFacts(sess *session.Session, state State, f Facts) {
	sess.Update(func(st *session.State) {
		st.Phase = string(state)
		st.Retries = f.Retries
		st.SubmitAttempts = f.SubmitAttempts
		st.EscalationRequested = f.EscalationRequested
		st.Submitted = st.Submitted || f.Submitted
		st.Status = statusFor(state, f)
	})
}

func statusFor(state State, f Facts) session.Status {
	switch {
	case f.Submitted:
		return session.StatusSubmitted
	case f.Escalated:
		return session.StatusEscalated
	case state == Error || (state == AwaitingInput && f.Retries > 0):
		return session.StatusError
	case f.Complete:
		return session.StatusComplete
	default:
		return session.StatusContinuing
	}
}

func (o *Orchestrator) save(ctx context.Context, sess *session.Session) {
	if err := o.sessions.Save(ctx, sess); err != nil {
		o.logger.Warn("failed to persist session", "session_id", sess.ID, "error", err)
	}
}

func lastAssistantTurn(sess *session.Session) (string, bool) {
	turns := sess.Turns(0)
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == session.RoleAssistant {
			return turns[i].Text, true
		}
	}
	return "", false
}

func (o *Orchestrator) current(sess *session.Session, state State, text string) Reply {
	st := sess.State()
	report := o.sessions.Schema().Evaluate(sess.Record())
	r := Reply{
		SessionID:  sess.ID,
		Text:       text,
		Terminal:   st.Status.Terminal(),
		Status:     st.Status,
		State:      state,
		Submission: st.Submission,
		Handoff:    st.Handoff,
	}
	if !r.Terminal {
		r.Missing = report.Missing
	}
	return r
}
