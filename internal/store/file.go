package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MikeSquared-Agency/intake/internal/session"
)

// File writes one JSON document per session under a directory.
type File struct {
	dir string
}

func NewFile(dir string) (*File, error) {
	dir = expandHome(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &File{dir: dir}, nil
}

func (f *File) path(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	return filepath.Join(f.dir, id+".json"), nil
}

// Save writes to a temp file and renames it so readers never see a partial document.
func (f *File) Save(ctx context.Context, snap session.Snapshot) error {
	p, err := f.path(snap.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(f.dir, snap.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

func (f *File) Load(ctx context.Context, id string) (session.Snapshot, error) {
	p, err := f.path(id)
	if err != nil {
		return session.Snapshot{}, session.ErrNotFound
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return session.Snapshot{}, session.ErrNotFound
		}
		return session.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return session.Snapshot{}, fmt.Errorf("parse snapshot: %w", err)
	}
	return snap, nil
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
