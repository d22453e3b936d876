// Package storagetest provides migrated in-memory databases for tests.
package storagetest

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"recurbill/internal/storage"
)

// NewStorage returns a migrated in-memory database that is closed when the
// test ends. Each call gets its own database.
func NewStorage(t testing.TB) *storage.SQLiteStorage {
	t.Helper()

	db, err := sql.Open("sqlite3", storage.MemoryPath+"?_foreign_keys=on")
	require.NoError(t, err)

	// One connection, never recycled: closing it would drop the database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := storage.NewSQLiteStorage(db, storage.MemoryPath)
	require.NoError(t, s.Migrate(context.Background()))

	t.Cleanup(func() { _ = s.Close() })
	return s
}

// NewDB is NewStorage for callers that only need the handle.
func NewDB(t testing.TB) *sql.DB {
	t.Helper()
	return NewStorage(t).DB()
}
