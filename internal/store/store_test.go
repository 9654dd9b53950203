package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/intake/internal/session"
)

func sampleSnapshot(id string) session.Snapshot {
	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	return session.Snapshot{
		ID:       id,
		Timezone: "UTC",
		Record:   json.RawMessage(`{"claimant":{"name":"Jane Doe"}}`),
		State: session.State{
			Status:  session.StatusContinuing,
			Retries: 1,
		},
		Turns: []session.Turn{
			{Role: session.RoleCaller, Text: "I'm Jane Doe", At: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// exerciseStore is the behaviour every backend shares.
func exerciseStore(t *testing.T, s session.Store, id string) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Load(ctx, id)
	require.ErrorIs(t, err, session.ErrNotFound)

	snap := sampleSnapshot(id)
	require.NoError(t, s.Save(ctx, snap))

	got, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, got.ID)
	assert.JSONEq(t, string(snap.Record), string(got.Record))
	assert.Equal(t, 1, got.State.Retries)
	require.Len(t, got.Turns, 1)
	assert.Equal(t, "I'm Jane Doe", got.Turns[0].Text)

	snap.Closed = true
	snap.State.Status = session.StatusEscalated
	require.NoError(t, s.Save(ctx, snap))
	got, err = s.Load(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Closed)
	assert.Equal(t, session.StatusEscalated, got.State.Status)
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory(), "s-1")
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFile(filepath.Join(dir, "sessions"))
	require.NoError(t, err)
	exerciseStore(t, f, "s-1")

	entries, err := os.ReadDir(filepath.Join(dir, "sessions"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
	assert.Equal(t, "s-1.json", entries[0].Name())
}

func TestFile_RejectsPathIDs(t *testing.T) {
	f, err := NewFile(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, f.Save(context.Background(), sampleSnapshot("../escape")))
	_, err = f.Load(context.Background(), "../escape")
	assert.ErrorIs(t, err, session.ErrNotFound)
}
