// Package store persists pipeline artifacts in SQLite: partial results,
// completed summary records, and the learned strategy-performance table.
// Rich fields (task lists, quality grades) are serialized as JSON blobs;
// query paths only need the indexed scalar columns.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"docsum/internal/logging"
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path. ":memory:" gives
// an ephemeral store for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The modernc driver serializes writes per connection; one connection
	// avoids SQLITE_BUSY between the handler and the sweeps.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Get(logging.CategoryStore).Info("sqlite store ready at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS partial_results (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		total_segments INTEGER NOT NULL,
		completion_pct REAL NOT NULL,
		partial_summary TEXT,
		user_comment TEXT,
		completed_segments TEXT NOT NULL,
		quality TEXT NOT NULL,
		cancellation_time DATETIME NOT NULL,
		accepted_time DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_partials_user ON partial_results(user_id);
	CREATE INDEX IF NOT EXISTS idx_partials_batch ON partial_results(batch_id);
	CREATE INDEX IF NOT EXISTS idx_partials_status ON partial_results(status);
	CREATE INDEX IF NOT EXISTS idx_partials_cancelled ON partial_results(cancellation_time);

	CREATE TABLE IF NOT EXISTS summaries (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		final_summary TEXT NOT NULL,
		strategy TEXT,
		method TEXT,
		quality TEXT,
		statistics TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_summaries_user ON summaries(user_id);
	CREATE INDEX IF NOT EXISTS idx_summaries_batch ON summaries(batch_id);

	CREATE TABLE IF NOT EXISTS strategy_history (
		strategy TEXT PRIMARY KEY,
		avg_quality REAL NOT NULL,
		avg_satisfaction REAL NOT NULL,
		usage_count INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}
