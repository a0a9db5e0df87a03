package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sandboxes (
	name       TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	image      TEXT NOT NULL,
	vcpus      INTEGER NOT NULL,
	memory_mb  INTEGER NOT NULL,
	vsock_cid  INTEGER,
	created_at TEXT NOT NULL
);
`

// SQLiteStore backs Store with a single SQLite database, for deployments
// that want to query sandbox history without scraping a JSON directory.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the state database under
// dataDir.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("statestore: create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "sandboxes.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("statestore: open sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("statestore: apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, state SandboxState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sandboxes (name, kind, image, vcpus, memory_mb, vsock_cid, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			kind=excluded.kind, image=excluded.image, vcpus=excluded.vcpus,
			memory_mb=excluded.memory_mb, vsock_cid=excluded.vsock_cid`,
		state.Name, state.Kind, state.Image, state.VCPUs, state.MemoryMB,
		state.VsockCID, state.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("statestore: put %s: %w", state.Name, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, name string) (SandboxState, error) {
	var state SandboxState
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, kind, image, vcpus, memory_mb, vsock_cid, created_at FROM sandboxes WHERE name = ?`,
		name,
	).Scan(&state.Name, &state.Kind, &state.Image, &state.VCPUs, &state.MemoryMB, &state.VsockCID, &createdAt)
	if err == sql.ErrNoRows {
		return SandboxState{}, ErrNotFound
	}
	if err != nil {
		return SandboxState{}, fmt.Errorf("statestore: get %s: %w", name, err)
	}
	state.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return state, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("statestore: delete %s: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]SandboxState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, kind, image, vcpus, memory_mb, vsock_cid, created_at FROM sandboxes ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("statestore: list: %w", err)
	}
	defer rows.Close()

	var out []SandboxState
	for rows.Next() {
		var state SandboxState
		var createdAt string
		if err := rows.Scan(&state.Name, &state.Kind, &state.Image, &state.VCPUs, &state.MemoryMB, &state.VsockCID, &createdAt); err != nil {
			return nil, fmt.Errorf("statestore: scan row: %w", err)
		}
		state.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, state)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
