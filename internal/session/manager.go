package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/MikeSquared-Agency/intake/internal/schema"
)

type Config struct {
	MaxLive     int
	IdleTimeout time.Duration
	Location    *time.Location
}

// storeTimeout bounds store calls made on the worker's behalf.
const storeTimeout = 5 * time.Second

// Manager owns the live sessions. It implements worker.Target: the extraction
// worker commits records through it and nowhere else.
type Manager struct {
	schema *schema.Schema
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// mu guards live, ended and detached. Every Add and Remove on live runs
	// under it, so the evict callback does too.
	mu       sync.Mutex
	live     *lru.Cache[string, *Session]
	ended    *lru.Cache[string, struct{}]
	detached map[string]*Session
	hooksMu  sync.RWMutex
	onClose  []func(id string)
}

// NewManager builds a registry holding at most cfg.MaxLive sessions in
// memory. Sessions pushed out are dropped from memory only; with a store they
// resume on their next turn. A session pushed out mid-turn stays usable and
// is taken back on its next lookup. store may be nil.
func NewManager(sch *schema.Schema, store Store, cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.MaxLive <= 0 {
		cfg.MaxLive = 10000
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	m := &Manager{
		schema:   sch,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		detached: make(map[string]*Session),
	}
	cache, err := lru.NewWithEvict[string, *Session](cfg.MaxLive, m.evicted)
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	m.live = cache
	// Remember recently closed ids so a late turn cannot reopen them.
	ended, err := lru.New[string, struct{}](cfg.MaxLive)
	if err != nil {
		return nil, fmt.Errorf("closed session cache: %w", err)
	}
	m.ended = ended
	return m, nil
}

// OnClose registers fn to run when a session is closed or reaped. Sessions
// pushed out of memory are not closed.
func (m *Manager) OnClose(fn func(id string)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onClose = append(m.onClose, fn)
}

func (m *Manager) runHooks(id string) {
	m.hooksMu.RLock()
	hooks := m.onClose
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}
}

// evicted runs with m.mu held.
func (m *Manager) evicted(id string, s *Session) {
	if s.Closed() {
		return
	}
	if s.detach() {
		m.detached[id] = s
		m.logger.Debug("busy session pushed out of memory", "session_id", id)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.Save(ctx, s); err != nil {
		m.logger.Warn("failed to persist evicted session", "session_id", id, "error", err)
	}
}

func (m *Manager) Schema() *schema.Schema { return m.schema }

// Create starts a new session with a fresh id.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	s := newSession(uuid.NewString(), m.schema.NewRecord(), m.cfg.Location, m.now())
	m.mu.Lock()
	m.live.Add(s.ID, s)
	m.mu.Unlock()
	m.logger.Info("session created", "session_id", s.ID)
	return s, nil
}

// Get returns a live session, resuming it from the store when needed.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(ctx, id)
}

func (m *Manager) getLocked(ctx context.Context, id string) (*Session, error) {
	if s, ok := m.live.Get(id); ok {
		return s, nil
	}
	if s, ok := m.detached[id]; ok {
		delete(m.detached, id)
		m.live.Add(id, s)
		return s, nil
	}
	if m.ended.Contains(id) {
		return nil, ErrClosed
	}
	if m.store == nil {
		return nil, ErrNotFound
	}
	snap, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap.Closed {
		return nil, ErrClosed
	}
	s, err := Restore(m.schema, snap, m.cfg.Location)
	if err != nil {
		return nil, err
	}
	m.live.Add(id, s)
	m.logger.Info("session resumed", "session_id", id, "turns", len(snap.Turns))
	return s, nil
}

// GetOrCreate returns the session with id, creating it on first use. An empty
// id always creates.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*Session, bool, error) {
	if id == "" {
		s, err := m.Create(ctx)
		return s, true, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(ctx, id)
	if err == nil {
		return s, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	s = newSession(id, m.schema.NewRecord(), m.cfg.Location, m.now())
	m.live.Add(id, s)
	m.logger.Info("session created", "session_id", id)
	return s, true, nil
}

// Save persists the session when a store is configured.
func (m *Manager) Save(ctx context.Context, s *Session) error {
	if m.store == nil {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	snap, err := s.Snapshot(m.now())
	if err != nil {
		return err
	}
	if err := m.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

// Close ends a session: queued extraction is discarded and no further record
// commits are accepted. A session only held in the store is closed there.
func (m *Manager) Close(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	s, err := m.getLocked(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	first := s.markClosed()
	m.ended.Add(id, struct{}{})
	m.live.Remove(id)
	m.mu.Unlock()

	if !first {
		return nil
	}
	m.logger.Info("session closed", "session_id", id, "reason", reason)
	m.runHooks(id)
	return m.Save(ctx, s)
}

// Reap closes sessions idle for longer than the configured timeout and
// returns how many it closed.
func (m *Manager) Reap(ctx context.Context) int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.cfg.IdleTimeout)
	var idle []string
	for _, id := range m.live.Keys() {
		s, ok := m.live.Peek(id)
		if !ok {
			continue
		}
		last, busy := s.idleSince()
		if !busy && last.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.Lock()
	for id, s := range m.detached {
		if !s.detach() {
			delete(m.detached, id)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, id := range idle {
		if err := m.Close(ctx, id, "idle"); err != nil {
			if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrClosed) {
				m.logger.Warn("failed to close idle session", "session_id", id, "error", err)
			}
			continue
		}
		n++
	}
	return n
}

// RunReaper reaps idle sessions every interval until ctx is done.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	if m.cfg.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Reap(ctx); n > 0 {
				m.logger.Info("reaped idle sessions", "count", n)
			}
		}
	}
}

// Live is the number of sessions in memory.
func (m *Manager) Live() int { return m.live.Len() }

func (m *Manager) peek(id string) (*Session, error) {
	s, ok := m.live.Peek(id)
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Snapshot returns the record and timezone for extraction, resuming the
// session when it was pushed out of memory.
func (m *Manager) Snapshot(id string) (schema.Record, *time.Location, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	m.mu.Lock()
	s, err := m.getLocked(ctx, id)
	m.mu.Unlock()
	if err != nil {
		return schema.Record{}, nil, err
	}
	if s.Closed() {
		return schema.Record{}, nil, ErrClosed
	}
	return s.Record(), s.Location, nil
}

// Commit stores a new record for an open session and persists it, so a
// committed value survives eviction and restarts.
func (m *Manager) Commit(id string, r schema.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.getLocked(ctx, id)
	if err != nil {
		return err
	}
	if err := s.setRecord(r); err != nil {
		return err
	}
	if err := m.Save(ctx, s); err != nil {
		m.logger.Warn("failed to persist committed record", "session_id", id, "error", err)
	}
	return nil
}

func (m *Manager) ExtractionSucceeded(id string) {
	if s, err := m.peek(id); err == nil {
		s.Update(func(st *State) { st.ExtractionFailures = 0 })
	}
}

func (m *Manager) ExtractionFailed(id string, err error) {
	if s, perr := m.peek(id); perr == nil {
		s.Update(func(st *State) { st.ExtractionFailures++ })
	}
}
