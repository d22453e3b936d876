package storage

import (
	"context"

	"cloud.google.com/go/civil"

	"recurbill/internal/errors"
)

// PurgeEndedJobs deletes recurring jobs whose end_date is before the given
// date and that have no pending occurrences left. Their occurrences go with
// them through the cascade; sessions and invoices are kept. Returns the
// number of jobs deleted.
func (s *SQLiteStorage) PurgeEndedJobs(ctx context.Context, before civil.Date) (int64, error) {
	if !before.IsValid() {
		return 0, errors.NewValidationf("purge cutoff %s is not a valid date", before)
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM recurring_jobs
		WHERE end_date IS NOT NULL
		  AND end_date < ?
		  AND NOT EXISTS (
			SELECT 1 FROM occurrences o
			WHERE o.recurring_job_id = recurring_jobs.id AND o.status = 'pending'
		  )
	`, before.String())
	if err != nil {
		return 0, errors.WrapPersistence(err, "purge ended jobs")
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.WrapPersistence(err, "purge ended jobs rows affected")
	}
	return n, nil
}
