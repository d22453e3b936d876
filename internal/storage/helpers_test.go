package storage

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()

	db, err := sql.Open("sqlite3", MemoryPath+"?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	s := NewSQLiteStorage(db, MemoryPath)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func insertJob(t *testing.T, db *sql.DB, id, endDate string) {
	t.Helper()

	var end interface{}
	if endDate != "" {
		end = endDate
	}
	_, err := db.Exec(`
		INSERT INTO recurring_jobs (id, client_id, title, frequency, day_of_week, duration_seconds, start_date, end_date)
		VALUES (?, 'client-1', 'Lawn care', 'weekly', 1, 3600, '2024-01-01', ?)`,
		id, end)
	require.NoError(t, err)
}

func insertOccurrence(t *testing.T, db *sql.DB, id, jobID, date, status string) {
	t.Helper()

	_, err := db.Exec(`
		INSERT INTO occurrences (id, recurring_job_id, scheduled_date, status)
		VALUES (?, ?, ?, ?)`,
		id, jobID, date, status)
	require.NoError(t, err)
}

func count(t *testing.T, db *sql.DB, query string, args ...interface{}) int {
	t.Helper()

	var n int
	require.NoError(t, db.QueryRow(query, args...).Scan(&n))
	return n
}
