// Package conversation sequences each caller turn through extraction,
// completeness evaluation and the terminal actions.
package conversation

import (
	"errors"
	"fmt"

	"github.com/MikeSquared-Agency/intake/internal/schema"
)

// State is a node of the per-turn state machine.
type State string

const (
	AwaitingInput State = "awaiting_input"
	Extract       State = "extract"
	Deciding      State = "deciding"
	Continue      State = "continue"
	Submit        State = "submit"
	Escalate      State = "escalate"
	Error         State = "error"
	Terminal      State = "terminal"
)

type EventKind string

const (
	EventTurn         EventKind = "turn"
	EventEnqueued     EventKind = "enqueued"
	EventEvaluated    EventKind = "evaluated"
	EventSubmitted    EventKind = "submitted"
	EventSubmitFailed EventKind = "submit_failed"
	EventEscalated    EventKind = "escalated"
	EventReplied      EventKind = "replied"
	EventFailed       EventKind = "failed"
)

type Event struct {
	Kind EventKind
	// Escalation is set on a turn that asks for a person.
	Escalation bool
	// Report is set on EventEvaluated.
	Report schema.Report
}

// Action is the side effect the executor performs after a transition.
type Action string

const (
	ActNone     Action = "none"
	ActEnqueue  Action = "enqueue"
	ActEvaluate Action = "evaluate"
	ActAsk      Action = "ask"
	ActSubmit   Action = "submit"
	ActEscalate Action = "escalate"
	ActConfirm  Action = "confirm"
	ActHandoff  Action = "handoff"
	ActRecover  Action = "recover"
	ActClosing  Action = "closing"
)

// Facts is what the transition function knows about the session.
type Facts struct {
	Terminal            bool
	Complete            bool
	Missing             []schema.Missing
	Submitted           bool
	EscalationRequested bool
	Escalated           bool
	Retries             int
	SubmitAttempts      int
	ExtractionFailures  int
}

type Limits struct {
	MaxRetries            int
	MaxSubmitAttempts     int
	MaxExtractionFailures int
}

func (l Limits) withDefaults() Limits {
	if l.MaxRetries <= 0 {
		l.MaxRetries = 3
	}
	if l.MaxSubmitAttempts <= 0 {
		l.MaxSubmitAttempts = 3
	}
	if l.MaxExtractionFailures <= 0 {
		l.MaxExtractionFailures = 3
	}
	return l
}

// Step is the outcome of one transition.
type Step struct {
	Next   State
	Action Action
	Facts  Facts
	// Ask is the single field to ask for on ActAsk.
	Ask *schema.Missing
	// Reason explains an escalation.
	Reason string
}

// Done reports whether the turn is finished after this step.
func (s Step) Done() bool {
	return s.Action == ActNone && (s.Next == AwaitingInput || s.Next == Terminal)
}

var ErrInvalidTransition = errors.New("invalid transition")

const (
	ReasonRequested         = "caller asked for a person"
	ReasonExtractionFailing = "extraction failing repeatedly"
	ReasonSubmitFailing     = "submission failing repeatedly"
	ReasonErrors            = "repeated errors"
)

// Transition is the pure state-machine step. It never performs I/O.
func Transition(from State, f Facts, ev Event, limits Limits) (Step, error) {
	limits = limits.withDefaults()

	if ev.Kind == EventFailed {
		return failed(from, f, limits), nil
	}

	switch from {
	case AwaitingInput:
		if ev.Kind != EventTurn {
			break
		}
		if f.Terminal {
			return Step{Next: Terminal, Action: ActClosing, Facts: f}, nil
		}
		if ev.Escalation {
			f.EscalationRequested = true
			return Step{Next: Escalate, Action: ActEscalate, Facts: f, Reason: ReasonRequested}, nil
		}
		return Step{Next: Extract, Action: ActEnqueue, Facts: f}, nil

	case Extract:
		if ev.Kind == EventEnqueued {
			return Step{Next: Deciding, Action: ActEvaluate, Facts: f}, nil
		}

	case Deciding:
		if ev.Kind != EventEvaluated {
			break
		}
		f.Complete = ev.Report.Complete
		f.Missing = ev.Report.Missing
		switch {
		case f.Complete && !f.Submitted:
			return Step{Next: Submit, Action: ActSubmit, Facts: f}, nil
		case f.EscalationRequested:
			return Step{Next: Escalate, Action: ActEscalate, Facts: f, Reason: ReasonRequested}, nil
		case f.ExtractionFailures >= limits.MaxExtractionFailures:
			return Step{Next: Escalate, Action: ActEscalate, Facts: f, Reason: ReasonExtractionFailing}, nil
		}
		step := Step{Next: Continue, Action: ActAsk, Facts: f}
		if len(f.Missing) > 0 {
			ask := f.Missing[0]
			step.Ask = &ask
		}
		return step, nil

	case Continue:
		if ev.Kind == EventReplied {
			f.Retries = 0
			return Step{Next: AwaitingInput, Action: ActNone, Facts: f}, nil
		}

	case Submit:
		switch ev.Kind {
		case EventSubmitted:
			f.Submitted = true
			f.Terminal = true
			f.SubmitAttempts++
			return Step{Next: Terminal, Action: ActConfirm, Facts: f}, nil
		case EventSubmitFailed:
			f.SubmitAttempts++
			if f.SubmitAttempts >= limits.MaxSubmitAttempts {
				return Step{Next: Escalate, Action: ActEscalate, Facts: f, Reason: ReasonSubmitFailing}, nil
			}
			return Step{Next: Error, Action: ActRecover, Facts: f}, nil
		}

	case Escalate:
		if ev.Kind == EventEscalated {
			f.EscalationRequested = false
			f.Escalated = true
			f.Terminal = true
			return Step{Next: Terminal, Action: ActHandoff, Facts: f}, nil
		}

	case Error:
		if ev.Kind == EventReplied {
			return Step{Next: AwaitingInput, Action: ActNone, Facts: f}, nil
		}

	case Terminal:
		if ev.Kind == EventReplied {
			return Step{Next: Terminal, Action: ActNone, Facts: f}, nil
		}
	}
	return Step{Next: from, Action: ActNone, Facts: f}, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev.Kind, from)
}

func failed(from State, f Facts, limits Limits) Step {
	switch from {
	case Escalate:
		// The hand-off must still reach the caller; use whatever contact is at hand.
		f.EscalationRequested = false
		f.Escalated = true
		f.Terminal = true
		return Step{Next: Terminal, Action: ActHandoff, Facts: f}
	case Terminal:
		return Step{Next: Terminal, Action: ActNone, Facts: f}
	case Error:
		// The recovery reply itself failed; end the turn.
		return Step{Next: AwaitingInput, Action: ActNone, Facts: f}
	}
	f.Retries++
	if f.Retries >= limits.MaxRetries {
		return Step{Next: Escalate, Action: ActEscalate, Facts: f, Reason: ReasonErrors}
	}
	return Step{Next: Error, Action: ActRecover, Facts: f}
}
