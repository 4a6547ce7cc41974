// Package sqlite keeps progress, ingested item ids and run checkpoints in a
// single SQLite file, for single-host deployments and local development.
package sqlite

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema versions:
// 1 - progress, items, runs, run_steps
const currentSchemaVersion = 1

// Store owns the database handle shared by the ProgressStore, DedupIndex and
// StepStore views.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	// One writer at a time avoids SQLITE_BUSY under the runner's concurrency.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set user_version: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Progress returns the ProgressStore view.
func (s *Store) Progress() *ProgressStore { return &ProgressStore{db: s.db} }

// Dedup returns the DedupIndex view.
func (s *Store) Dedup() *DedupIndex { return &DedupIndex{db: s.db} }

// Steps returns the StepStore view.
func (s *Store) Steps() *StepStore { return &StepStore{db: s.db} }
