package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/civil"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"recurbill/internal/errors"
	"recurbill/internal/metrics"
	"recurbill/internal/worker"
)

// JobFailure records one job whose materialization failed during a refresh.
type JobFailure struct {
	JobID string `json:"job_id"`
	Title string `json:"title"`
	Error string `json:"error"`
	err   error
}

// Unwrap returns the underlying error.
func (f JobFailure) Unwrap() error { return f.err }

// RefreshResult summarizes one Refresh call. Coalesced is set when another
// refresh was already materializing and only the due list was read.
type RefreshResult struct {
	AsOf          civil.Date    `json:"as_of"`
	Due           []*Occurrence `json:"due"`
	JobsProcessed int           `json:"jobs_processed"`
	Inserted      int           `json:"inserted"`
	Failures      []JobFailure  `json:"failures,omitempty"`
	Coalesced     bool          `json:"coalesced"`
	Duration      time.Duration `json:"duration"`
}

// Err aggregates the per-job failures, or returns nil when every job
// materialized.
func (r *RefreshResult) Err() error {
	var merr *multierror.Error
	for _, f := range r.Failures {
		merr = multierror.Append(merr, errors.Wrapf(f.err, "job %s", f.JobID))
	}
	return merr.ErrorOrNil()
}

// Driver runs materialization across every active job and reports the due
// list. At most one materialization pass runs at a time per Driver.
type Driver struct {
	store        Store
	materializer *Materializer
	pool         *worker.WorkerPool
	log          *zap.SugaredLogger

	inFlight atomic.Bool
}

// NewDriver creates a Driver that fans jobs out over pool. The pool must be
// started by the caller.
func NewDriver(store Store, materializer *Materializer, pool *worker.WorkerPool, log *zap.SugaredLogger) *Driver {
	return &Driver{
		store:        store,
		materializer: materializer,
		pool:         pool,
		log:          log,
	}
}

// InFlight reports whether a refresh is currently materializing.
func (d *Driver) InFlight() bool {
	return d.inFlight.Load()
}

// Refresh materializes every active job up to asOf and returns the due list.
// Cancelling ctx does not interrupt a refresh once started. A failing job is
// recorded in the result and does not stop the others; the returned error is
// reserved for failures that prevent the refresh as a whole.
func (d *Driver) Refresh(ctx context.Context, asOf civil.Date) (*RefreshResult, error) {
	if !asOf.IsValid() {
		return nil, errors.NewValidationf("refresh date %s is not a valid date", asOf)
	}
	ctx = context.WithoutCancel(ctx)

	start := time.Now()
	result := &RefreshResult{AsOf: asOf}

	if !d.inFlight.CompareAndSwap(false, true) {
		metrics.RefreshesCoalesced.Inc()
		d.log.Debugw("Refresh already in flight, reading due list only", "as_of", asOf)
		result.Coalesced = true
		return d.finish(ctx, result, start)
	}
	defer d.inFlight.Store(false)

	metrics.RefreshInFlight.Set(1)
	defer metrics.RefreshInFlight.Set(0)

	if err := d.materializeAll(ctx, result); err != nil {
		return nil, err
	}

	res, err := d.finish(ctx, result, start)
	if err != nil {
		return nil, err
	}
	metrics.RefreshDuration.Observe(res.Duration.Seconds())
	return res, nil
}

// MaterializeJob materializes a single job up to asOf under the same
// in-flight flag as Refresh. When a refresh is already running it does
// nothing and reports false; that pass or the next one covers the job.
func (d *Driver) MaterializeJob(ctx context.Context, job *RecurringJob, asOf civil.Date) (int, bool, error) {
	if !d.inFlight.CompareAndSwap(false, true) {
		return 0, false, nil
	}
	defer d.inFlight.Store(false)

	n, err := d.materializer.Materialize(context.WithoutCancel(ctx), job, asOf)
	return n, true, err
}

func (d *Driver) materializeAll(ctx context.Context, result *RefreshResult) error {
	jobs, err := d.store.ListJobs(ctx, JobFilter{ActiveOnly: true})
	if err != nil {
		return errors.Wrap(err, "list active jobs")
	}

	var mu sync.Mutex
	tasks := make([]worker.Task, len(jobs))
	for i, job := range jobs {
		job := job
		tasks[i] = worker.TaskFunc(func(ctx context.Context) error {
			n, err := d.materializer.Materialize(ctx, job, result.AsOf)
			if err != nil {
				return err
			}
			mu.Lock()
			result.Inserted += n
			mu.Unlock()
			return nil
		})
	}

	errs := d.pool.Run(ctx, tasks)
	result.JobsProcessed = len(jobs)
	for i, err := range errs {
		if err == nil {
			continue
		}
		metrics.MaterializeFailures.Inc()
		d.log.Warnw("Failed to materialize job, continuing with others",
			"job_id", jobs[i].ID, "error", err)
		result.Failures = append(result.Failures, JobFailure{
			JobID: jobs[i].ID,
			Title: jobs[i].Title,
			Error: err.Error(),
			err:   err,
		})
	}

	d.log.Infow("Refresh materialized",
		"as_of", result.AsOf,
		"jobs", result.JobsProcessed,
		"inserted", result.Inserted,
		"failures", len(result.Failures))
	return nil
}

func (d *Driver) finish(ctx context.Context, result *RefreshResult, start time.Time) (*RefreshResult, error) {
	due, err := d.store.ListOccurrences(ctx, DueFilter(result.AsOf))
	if err != nil {
		return nil, errors.Wrap(err, "list due occurrences")
	}
	result.Due = due
	result.Duration = time.Since(start)
	metrics.DueOccurrences.Set(float64(len(due)))
	return result, nil
}
