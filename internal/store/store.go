// Package store persists session snapshots.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeSquared-Agency/intake/internal/session"
)

// Postgres keeps one JSONB row per session.
type Postgres struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS intake_sessions (
	id         TEXT PRIMARY KEY,
	snapshot   JSONB NOT NULL,
	status     TEXT NOT NULL,
	closed     BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS intake_sessions_status_idx ON intake_sessions (status, updated_at);`

// Migrate creates the sessions table if it does not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Postgres) Save(ctx context.Context, snap session.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO intake_sessions (id, snapshot, status, closed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			snapshot = EXCLUDED.snapshot,
			status = EXCLUDED.status,
			closed = EXCLUDED.closed,
			updated_at = EXCLUDED.updated_at`,
		snap.ID, data, string(snap.State.Status), snap.Closed, snap.CreatedAt, snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *Postgres) Load(ctx context.Context, id string) (session.Snapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT snapshot FROM intake_sessions WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Snapshot{}, session.ErrNotFound
	}
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("query session: %w", err)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return session.Snapshot{}, fmt.Errorf("parse snapshot: %w", err)
	}
	return snap, nil
}

// CountByStatus reports how many sessions are in each status, updated since the given time.
func (s *Postgres) CountByStatus(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, count(*) FROM intake_sessions
		WHERE updated_at >= $1
		GROUP BY status`, since)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
