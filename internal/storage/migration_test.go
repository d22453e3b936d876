package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate_CreatesSchema(t *testing.T) {
	s := newTestStorage(t)

	for _, table := range []string{"clients", "recurring_jobs", "occurrences", "work_sessions", "invoices", "schema_migrations"} {
		n := count(t, s.DB(), `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
		assert.Equal(t, 1, n, "table %s", table)
	}

	status, err := s.GetMigrationStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint(1), status.Version)
	assert.False(t, status.Dirty)
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStorage(t)

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}

func TestMigrate_CanceledContext(t *testing.T) {
	s := newTestStorage(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Migrate(ctx), context.Canceled)
}

func TestSchema_OccurrenceDateUnique(t *testing.T) {
	s := newTestStorage(t)
	insertJob(t, s.DB(), "job-1", "")
	insertOccurrence(t, s.DB(), "occ-1", "job-1", "2024-01-01", "pending")

	_, err := s.DB().Exec(`
		INSERT INTO occurrences (id, recurring_job_id, scheduled_date) VALUES ('occ-2', 'job-1', '2024-01-01')`)
	assert.Error(t, err)

	res, err := s.DB().Exec(`
		INSERT INTO occurrences (id, recurring_job_id, scheduled_date) VALUES ('occ-3', 'job-1', '2024-01-01')
		ON CONFLICT(recurring_job_id, scheduled_date) DO NOTHING`)
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSchema_DeleteJobCascadesOccurrences(t *testing.T) {
	s := newTestStorage(t)
	insertJob(t, s.DB(), "job-1", "")
	insertJob(t, s.DB(), "job-2", "")
	insertOccurrence(t, s.DB(), "occ-1", "job-1", "2024-01-01", "pending")
	insertOccurrence(t, s.DB(), "occ-2", "job-1", "2024-01-08", "completed")
	insertOccurrence(t, s.DB(), "occ-3", "job-2", "2024-01-01", "pending")

	_, err := s.DB().Exec(`DELETE FROM recurring_jobs WHERE id = 'job-1'`)
	require.NoError(t, err)

	assert.Equal(t, 0, count(t, s.DB(), `SELECT COUNT(*) FROM occurrences WHERE recurring_job_id = 'job-1'`))
	assert.Equal(t, 1, count(t, s.DB(), `SELECT COUNT(*) FROM occurrences`))
}

func TestSchema_RejectsUnknownStatus(t *testing.T) {
	s := newTestStorage(t)
	insertJob(t, s.DB(), "job-1", "")

	_, err := s.DB().Exec(`
		INSERT INTO occurrences (id, recurring_job_id, scheduled_date, status) VALUES ('occ-1', 'job-1', '2024-01-01', 'overdue')`)
	assert.Error(t, err)
}
