package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteBackend = "sqlite"

// SQLiteStore persists positions in a SQLite database, one row per resource.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (or creates) the database at path.
// ":memory:" is accepted for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serialises writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			resource TEXT PRIMARY KEY,
			position TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT resource, position FROM checkpoints`)
	if err != nil {
		checkpointErrorsTotal.WithLabelValues(sqliteBackend, "load").Inc()
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}
	defer rows.Close()

	state := make(State)
	for rows.Next() {
		var resource, value string
		if err := rows.Scan(&resource, &value); err != nil {
			checkpointErrorsTotal.WithLabelValues(sqliteBackend, "load").Inc()
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		pos, err := decodeValue(resource, []byte(value))
		if err != nil {
			checkpointErrorsTotal.WithLabelValues(sqliteBackend, "load").Inc()
			return nil, err
		}
		state[resource] = pos
	}
	if err := rows.Err(); err != nil {
		checkpointErrorsTotal.WithLabelValues(sqliteBackend, "load").Inc()
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return state, nil
}

// Commit implements Store.
func (s *SQLiteStore) Commit(ctx context.Context, resource string, pos Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	value, err := encodeValue(pos)
	if err != nil {
		return fmt.Errorf("commit %q: %w", resource, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (resource, position, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(resource) DO UPDATE SET
			position = excluded.position,
			updated_at = excluded.updated_at
	`, resource, string(value), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		checkpointErrorsTotal.WithLabelValues(sqliteBackend, "commit").Inc()
		return fmt.Errorf("save checkpoint: %w", err)
	}

	checkpointCommitsTotal.WithLabelValues(sqliteBackend).Inc()
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
