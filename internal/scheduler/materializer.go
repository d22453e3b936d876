package scheduler

import (
	"context"

	"cloud.google.com/go/civil"
	"go.uber.org/zap"

	"recurbill/internal/errors"
	"recurbill/internal/metrics"
	"recurbill/internal/recurrence"
)

// Materializer turns the dates a job's rule matches into persisted pending
// occurrences, each exactly once.
type Materializer struct {
	store Store
	log   *zap.SugaredLogger
}

// NewMaterializer creates a Materializer over store.
func NewMaterializer(store Store, log *zap.SugaredLogger) *Materializer {
	return &Materializer{store: store, log: log}
}

// Window returns the inclusive date range the next materialization of job
// as of asOf would scan, and false when there is nothing to scan. The range
// starts the day after the watermark (or at start_date when there is none)
// and ends at asOf, clamped to end_date.
func Window(job *RecurringJob, asOf civil.Date) (from, through civil.Date, ok bool) {
	from = job.StartDate
	if wm := job.LastGeneratedDate; wm != nil && !wm.Before(from) {
		from = wm.AddDays(1)
	}

	through = asOf
	if job.EndDate != nil && job.EndDate.Before(through) {
		through = *job.EndDate
	}

	if through.Before(from) {
		return civil.Date{}, civil.Date{}, false
	}
	return from, through, true
}

// Materialize inserts the occurrences job has accrued up to asOf and
// returns how many rows were new. Inactive jobs and jobs whose window is
// empty are left alone. On success job.LastGeneratedDate reflects the
// advanced watermark.
func (m *Materializer) Materialize(ctx context.Context, job *RecurringJob, asOf civil.Date) (int, error) {
	if !job.IsActive {
		return 0, nil
	}

	rule := job.Rule.Normalized()
	if err := rule.Validate(); err != nil {
		return 0, errors.Wrapf(err, "job %s has an unusable rule", job.ID)
	}

	from, through, ok := Window(job, asOf)
	if !ok {
		m.log.Debugw("Nothing to materialize", "job_id", job.ID, "as_of", asOf)
		return 0, nil
	}

	dates := recurrence.GenerateDates(rule, from, through)
	inserted, err := m.store.InsertOccurrences(ctx, job.ID, dates, through)
	if err != nil {
		return 0, errors.Wrapf(err, "materialize job %s", job.ID)
	}

	if job.LastGeneratedDate == nil || job.LastGeneratedDate.Before(through) {
		wm := through
		job.LastGeneratedDate = &wm
	}

	metrics.OccurrencesMaterialized.Add(float64(inserted))
	m.log.Debugw("Materialized job",
		"job_id", job.ID,
		"from", from,
		"through", through,
		"matched", len(dates),
		"inserted", inserted)
	return inserted, nil
}
