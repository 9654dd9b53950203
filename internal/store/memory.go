package store

import (
	"context"
	"sync"

	"github.com/MikeSquared-Agency/intake/internal/session"
)

// Memory keeps snapshots in process. Used when no backend is configured and in tests.
type Memory struct {
	mu    sync.RWMutex
	snaps map[string]session.Snapshot
}

func NewMemory() *Memory {
	return &Memory{snaps: map[string]session.Snapshot{}}
}

func (m *Memory) Save(ctx context.Context, snap session.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.ID] = snap
	return nil
}

func (m *Memory) Load(ctx context.Context, id string) (session.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[id]
	if !ok {
		return session.Snapshot{}, session.ErrNotFound
	}
	return snap, nil
}
