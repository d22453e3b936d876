// Package storage owns the SQLite database: connection pool, schema
// migrations, transactions and maintenance (backup, stats, purge). Domain
// stores in other packages run their queries through DB().
package storage

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"recurbill/internal/errors"
)

// SQLiteStorage wraps the shared database handle.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// NewSQLiteStorage wraps an already opened database. path is informational
// and may be empty.
func NewSQLiteStorage(db *sql.DB, path string) *SQLiteStorage {
	return &SQLiteStorage{db: db, path: path}
}

// DB returns the underlying handle.
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path the storage was opened with.
func (s *SQLiteStorage) Path() string {
	return s.path
}

// Ping checks the database is reachable.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return errors.WrapPersistence(s.db.PingContext(ctx), "ping database")
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
