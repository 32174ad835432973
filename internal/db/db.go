// Package db provides a centralized database connection and schema for flowsyncd.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

// Open opens the database and initializes the schema
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db}, nil
}

// initSchema creates all required tables
func initSchema(db *sql.DB) error {
	// Desired configuration - versioned JSON objects keyed by (node, kind, id)
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS node_config (
			node TEXT NOT NULL,
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			payload TEXT NOT NULL,
			version INTEGER DEFAULT 1,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (node, kind, id)
		);
		CREATE INDEX IF NOT EXISTS idx_node_config_node ON node_config(node);
	`)
	if err != nil {
		return fmt.Errorf("failed to create node_config table: %w", err)
	}

	// Reconciliation ledger - append-only history of reconciliation runs
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS event_ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			node TEXT,
			run_id TEXT,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_type_ts ON event_ledger(event_type, timestamp);
		CREATE INDEX IF NOT EXISTS idx_ledger_node_ts ON event_ledger(node, timestamp);
	`)
	if err != nil {
		return fmt.Errorf("failed to create event_ledger table: %w", err)
	}

	// Only one terminal event per run
	_, err = db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_run_terminal
		ON event_ledger(run_id)
		WHERE run_id IS NOT NULL AND event_type != 'reconcile_started';
	`)
	if err != nil {
		return fmt.Errorf("failed to create idx_ledger_run_terminal index: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
