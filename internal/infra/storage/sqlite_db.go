package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// InitSQLite initializes the local SQLite database and creates the schemas
// for the live session row, the epoch-keyed history log and snapshots.
func InitSQLite(dbPath string) (*sql.DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection: SQLite serializes writers anyway and this keeps
	// transactions from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	if err := createSchemas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schemas: %w", err)
	}

	return db, nil
}

func createSchemas(db *sql.DB) error {
	schemas := []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA synchronous = NORMAL;`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			session_id TEXT NOT NULL,
			round_id TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			last_seq INTEGER NOT NULL,
			meta_json TEXT NOT NULL,
			state_json TEXT NOT NULL,
			last_updated TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS history (
			epoch INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			id TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			entry_json TEXT NOT NULL,
			PRIMARY KEY (epoch, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			module TEXT NOT NULL,
			created_at TEXT NOT NULL,
			entries INTEGER NOT NULL,
			snapshot_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_history_actor_id ON history(epoch, actor_id);`,
	}

	for _, query := range schemas {
		if _, err := db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}
