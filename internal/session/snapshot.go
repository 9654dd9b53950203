package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MikeSquared-Agency/intake/internal/schema"
)

// Snapshot is the persisted form of a session. In-flight extraction is not
// part of it; the first turn after a resume re-queues the recent caller turns.
type Snapshot struct {
	ID        string          `json:"id"`
	Timezone  string          `json:"timezone"`
	Record    json.RawMessage `json:"record"`
	State     State           `json:"state"`
	Turns     []Turn          `json:"turns"`
	Closed    bool            `json:"closed"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store persists session snapshots. Load returns ErrNotFound for unknown ids.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, id string) (Snapshot, error)
}

// Snapshot captures the session for persistence.
func (s *Session) Snapshot(now time.Time) (Snapshot, error) {
	rec, err := json.Marshal(s.Record())
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tz := "UTC"
	if s.Location != nil {
		tz = s.Location.String()
	}
	return Snapshot{
		ID:        s.ID,
		Timezone:  tz,
		Record:    rec,
		State:     s.state,
		Turns:     append([]Turn(nil), s.turns...),
		Closed:    s.closed,
		CreatedAt: s.CreatedAt,
		UpdatedAt: now,
	}, nil
}

// Restore rebuilds a live session from a snapshot.
func Restore(sch *schema.Schema, snap Snapshot, fallback *time.Location) (*Session, error) {
	rec, err := sch.DecodeRecord(snap.Record)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", snap.ID, err)
	}
	loc := fallback
	if snap.Timezone != "" {
		if l, err := time.LoadLocation(snap.Timezone); err == nil {
			loc = l
		}
	}
	s := newSession(snap.ID, rec, loc, snap.CreatedAt)
	s.state = snap.State
	if s.state.Status == "" {
		s.state.Status = StatusContinuing
	}
	s.turns = append([]Turn(nil), snap.Turns...)
	s.closed = snap.Closed
	s.resumed = true
	s.lastActive = time.Now()
	return s, nil
}
