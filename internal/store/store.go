// Package store is the export ledger: a SQLite file with one row per
// recorded export run and the warnings that run produced.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store is an open export ledger.
type Store struct {
	db   *sql.DB
	path string
}

// New opens the ledger at dbPath, creating the file and its directory on
// first use and bringing the schema up to date.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create export ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open export ledger: %w", err)
	}

	// Warnings cascade with their export only while foreign_keys is on, and
	// the pragma is per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{
		db:   db,
		path: dbPath,
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate export ledger: %w", err)
	}

	return s, nil
}

// Close releases the ledger.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the connection for ad hoc queries against the ledger tables.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path is the ledger file, as shown by "aslexport history".
func (s *Store) Path() string {
	return s.path
}
