package statestore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sandboxes (
	name       TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	image      TEXT NOT NULL,
	vcpus      INT NOT NULL,
	memory_mb  INT NOT NULL,
	vsock_cid  BIGINT,
	created_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore backs Store with a shared PostgreSQL database, for
// deployments running multiple supervisor processes against one record of
// sandbox state.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and ensures the sandboxes table
// exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("statestore: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("statestore: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("statestore: apply postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Put(ctx context.Context, state SandboxState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sandboxes (name, kind, image, vcpus, memory_mb, vsock_cid, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (name) DO UPDATE SET
			kind = excluded.kind, image = excluded.image, vcpus = excluded.vcpus,
			memory_mb = excluded.memory_mb, vsock_cid = excluded.vsock_cid`,
		state.Name, state.Kind, state.Image, state.VCPUs, state.MemoryMB, state.VsockCID, state.CreatedAt)
	if err != nil {
		return fmt.Errorf("statestore: put %s: %w", state.Name, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, name string) (SandboxState, error) {
	var state SandboxState
	err := s.pool.QueryRow(ctx,
		`SELECT name, kind, image, vcpus, memory_mb, vsock_cid, created_at FROM sandboxes WHERE name = $1`, name,
	).Scan(&state.Name, &state.Kind, &state.Image, &state.VCPUs, &state.MemoryMB, &state.VsockCID, &state.CreatedAt)
	if err == pgx.ErrNoRows {
		return SandboxState{}, ErrNotFound
	}
	if err != nil {
		return SandboxState{}, fmt.Errorf("statestore: get %s: %w", name, err)
	}
	return state, nil
}

func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sandboxes WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("statestore: delete %s: %w", name, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]SandboxState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, kind, image, vcpus, memory_mb, vsock_cid, created_at FROM sandboxes ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("statestore: list: %w", err)
	}
	defer rows.Close()

	var out []SandboxState
	for rows.Next() {
		var state SandboxState
		if err := rows.Scan(&state.Name, &state.Kind, &state.Image, &state.VCPUs, &state.MemoryMB, &state.VsockCID, &state.CreatedAt); err != nil {
			return nil, fmt.Errorf("statestore: scan row: %w", err)
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
