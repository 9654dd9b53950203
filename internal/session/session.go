// Package session holds per-conversation state and the registry of live sessions.
package session

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MikeSquared-Agency/intake/internal/schema"
	"github.com/MikeSquared-Agency/intake/internal/submission"
)

var (
	ErrBusy     = errors.New("session busy")
	ErrClosed   = errors.New("session closed")
	ErrNotFound = errors.New("session not found")
)

type Status string

const (
	StatusContinuing Status = "continuing"
	StatusComplete   Status = "complete"
	StatusSubmitted  Status = "submitted"
	StatusEscalated  Status = "escalated"
	StatusError      Status = "error"
)

// Terminal reports whether the session accepts no more collection.
func (s Status) Terminal() bool {
	return s == StatusSubmitted || s == StatusEscalated
}

type Role string

const (
	RoleCaller    Role = "caller"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Handoff is the human contact given to the caller on escalation.
type Handoff struct {
	Desk      string `json:"desk"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
	Hours     string `json:"hours,omitempty"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

// State is the session bookkeeping guarded by the session mutex. The record
// is not part of it; it has a single writer and is read lock-free.
type State struct {
	Status              Status             `json:"status"`
	Phase               string             `json:"phase,omitempty"`
	Submitted           bool               `json:"submitted"`
	Submission          *submission.Result `json:"submission,omitempty"`
	SubmitAttempts      int                `json:"submit_attempts"`
	EscalationRequested bool               `json:"escalation_requested"`
	Handoff             *Handoff           `json:"handoff,omitempty"`
	Retries             int                `json:"retries"`
	ExtractionFailures  int                `json:"extraction_failures"`
}

type Session struct {
	ID        string
	Location  *time.Location
	CreatedAt time.Time

	record atomic.Pointer[schema.Record]

	mu         sync.Mutex
	state      State
	turns      []Turn
	busy       bool
	closed     bool
	stale      bool
	resumed    bool
	lastActive time.Time

	// saveMu orders snapshot writes so an older snapshot never lands last.
	saveMu sync.Mutex
}

func newSession(id string, rec schema.Record, loc *time.Location, now time.Time) *Session {
	s := &Session{
		ID:         id,
		Location:   loc,
		CreatedAt:  now,
		state:      State{Status: StatusContinuing},
		lastActive: now,
	}
	s.record.Store(&rec)
	return s
}

// Record returns the current record snapshot.
func (s *Session) Record() schema.Record {
	return *s.record.Load()
}

func (s *Session) setRecord(r schema.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.stale {
		return ErrNotFound
	}
	s.record.Store(&r)
	return nil
}

// TryBeginTurn takes the turn lock. The returned func releases it.
func (s *Session) TryBeginTurn(now time.Time) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	// A stale copy was dropped from memory; the caller retries on the live one.
	if s.busy || s.stale {
		return nil, ErrBusy
	}
	s.busy = true
	s.lastActive = now
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.busy = false
			s.lastActive = time.Now()
			s.mu.Unlock()
		})
	}, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Update mutates the state under the session mutex.
func (s *Session) Update(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

func (s *Session) AppendTurn(role Role, text string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, Turn{Role: role, Text: text, At: at})
}

// Turns returns the last n turns, or all when n <= 0.
func (s *Session) Turns(n int) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.turns) {
		n = len(s.turns)
	}
	return slices.Clone(s.turns[len(s.turns)-n:])
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.closed
	s.closed = true
	return !was
}

// TakeResumed reports, once, whether the session was rebuilt from a snapshot.
func (s *Session) TakeResumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.resumed
	s.resumed = false
	return was
}

// detach marks an idle session as dropped from memory. A session in the
// middle of a turn is left usable and detach reports it busy.
func (s *Session) detach() (busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return true
	}
	s.stale = true
	return false
}

func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive, s.busy
}
