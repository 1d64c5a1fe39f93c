// Package db opens the SQLite database that holds the presence audit log.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// migrations are applied in order; the schema version is the number applied.
// Append new steps, never edit released ones.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS presence_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		role TEXT NOT NULL,
		client_id TEXT NOT NULL,
		device_id TEXT,
		name TEXT,
		reason TEXT,
		connected_at INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_presence_client_id ON presence_events(client_id);
	CREATE INDEX IF NOT EXISTS idx_presence_device_id ON presence_events(device_id);`,

	`CREATE INDEX IF NOT EXISTS idx_presence_at ON presence_events(at);`,
}

// Open opens (creating if needed) the database at path and brings its schema
// up to date. The parent directory is created when missing.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	database, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets the HTTP API read while the presence sink writes.
	if _, err := database.Exec("PRAGMA journal_mode=WAL"); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := Migrate(database); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// NewTestDB creates a fresh in-memory database for tests.
func NewTestDB() (*sql.DB, error) {
	database, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open test database: %w", err)
	}

	// Every pooled connection to ":memory:" would get its own database.
	database.SetMaxOpenConns(1)

	if err := Migrate(database); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// Migrate applies the migrations newer than the database's user_version.
func Migrate(database *sql.DB) error {
	var version int
	if err := database.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := database.Begin()
		if err != nil {
			return fmt.Errorf("failed to start migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to run migration %d: %w", i+1, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", i+1, err)
		}
	}
	return nil
}

// SchemaVersion returns the number of migrations applied.
func SchemaVersion(database *sql.DB) (int, error) {
	var version int
	err := database.QueryRow("PRAGMA user_version").Scan(&version)
	return version, err
}
