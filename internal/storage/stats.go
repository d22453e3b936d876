package storage

import (
	"context"
	"time"

	"recurbill/internal/errors"
)

// Stats is a point-in-time summary of the scheduler tables.
type Stats struct {
	Jobs                 int64     `json:"jobs"`
	ActiveJobs           int64     `json:"active_jobs"`
	PendingOccurrences   int64     `json:"pending_occurrences"`
	CompletedOccurrences int64     `json:"completed_occurrences"`
	SkippedOccurrences   int64     `json:"skipped_occurrences"`
	UninvoicedAuto       int64     `json:"uninvoiced_auto"` // completed auto-invoice occurrences without an invoice
	Invoices             int64     `json:"invoices"`
	CollectedAt          time.Time `json:"collected_at"`
}

// GetStats collects Stats in a single read.
func (s *SQLiteStorage) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		CollectedAt: time.Now().UTC(),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM recurring_jobs),
			(SELECT COUNT(*) FROM recurring_jobs WHERE is_active),
			(SELECT COUNT(*) FROM occurrences WHERE status = 'pending'),
			(SELECT COUNT(*) FROM occurrences WHERE status = 'completed'),
			(SELECT COUNT(*) FROM occurrences WHERE status = 'skipped'),
			(SELECT COUNT(*) FROM occurrences o
				JOIN recurring_jobs j ON j.id = o.recurring_job_id
				WHERE o.status = 'completed' AND j.auto_invoice AND o.invoice_id IS NULL),
			(SELECT COUNT(*) FROM invoices)
	`).Scan(
		&stats.Jobs,
		&stats.ActiveJobs,
		&stats.PendingOccurrences,
		&stats.CompletedOccurrences,
		&stats.SkippedOccurrences,
		&stats.UninvoicedAuto,
		&stats.Invoices,
	)
	if err != nil {
		return nil, errors.WrapPersistence(err, "collect stats")
	}

	return stats, nil
}
