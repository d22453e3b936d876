// Package scheduler turns recurring jobs into dated occurrences and moves
// those occurrences through their lifecycle.
//
// The pieces, leaves first: Materializer persists the dates a job's rule
// matches; Lifecycle completes or skips pending occurrences and triggers
// auto-invoicing; Driver materializes every active job and reports the due
// list; Ticker calls the Driver on a cron schedule. Scheduler wires them
// together behind the operations the host application calls.
package scheduler

import (
	"context"

	"cloud.google.com/go/civil"
	"go.uber.org/zap"

	"recurbill/internal/clock"
	"recurbill/internal/errors"
	"recurbill/internal/recurrence"
	"recurbill/internal/worker"
)

// Config controls background refreshing.
type Config struct {
	// TickSchedule is a cron expression for periodic refreshes. Empty
	// disables the ticker.
	TickSchedule string

	// Workers bounds how many jobs materialize concurrently.
	Workers int

	// RefreshOnStart runs a refresh as of today from Start.
	RefreshOnStart bool
}

// JobInput is the user-editable part of a RecurringJob.
type JobInput struct {
	ClientID string `json:"client_id" validate:"required"`
	Title    string `json:"title" validate:"required,max=200"`
	Notes    string `json:"notes,omitempty" validate:"max=2000"`

	recurrence.Rule

	DurationSeconds int64 `json:"duration_seconds" validate:"gt=0"`
	AutoInvoice     bool  `json:"auto_invoice"`

	// IsActive defaults to true when omitted.
	IsActive *bool `json:"is_active,omitempty"`
}

// Scheduler is the facade the host application drives.
type Scheduler struct {
	cfg       Config
	store     Store
	clients   ClientDirectory
	lifecycle *Lifecycle
	driver    *Driver
	pool      *worker.WorkerPool
	ticker    *Ticker
	clock     clock.Clock
	log       *zap.SugaredLogger
}

// New wires a Scheduler. clients, sessions and invoices may be nil, which
// disables client checks, CompleteWithNewSession and invoicing respectively.
func New(cfg Config, store Store, clients ClientDirectory, sessions SessionCreator, invoices InvoiceCreator, clk clock.Clock, log *zap.SugaredLogger) (*Scheduler, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.Named("scheduler")

	pool := worker.NewWorkerPool(cfg.Workers)
	driver := NewDriver(store, NewMaterializer(store, log), pool, log)

	s := &Scheduler{
		cfg:       cfg,
		store:     store,
		clients:   clients,
		lifecycle: NewLifecycle(store, sessions, invoices, log),
		driver:    driver,
		pool:      pool,
		clock:     clk,
		log:       log,
	}

	if cfg.TickSchedule != "" {
		ticker, err := NewTicker(cfg.TickSchedule, driver, clk, log)
		if err != nil {
			return nil, err
		}
		s.ticker = ticker
	}
	return s, nil
}

// Start starts the worker pool, optionally refreshes as of today, then
// starts the ticker. A failed initial refresh is logged, not returned.
func (s *Scheduler) Start(ctx context.Context) {
	s.pool.Start()

	if s.cfg.RefreshOnStart {
		if res, err := s.RefreshToday(ctx); err != nil {
			s.log.Warnw("Initial refresh failed", "error", err)
		} else {
			s.log.Infow("Initial refresh", "inserted", res.Inserted, "due", len(res.Due), "failures", len(res.Failures))
		}
	}

	if s.ticker != nil {
		s.ticker.Start()
	}
}

// Stop stops the ticker and the worker pool.
func (s *Scheduler) Stop() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.pool.Stop()
}

// Today returns the scheduler clock's current date.
func (s *Scheduler) Today() civil.Date {
	return clock.Today(s.clock)
}

// PoolStats reports the materialization worker pool counters.
func (s *Scheduler) PoolStats() worker.PoolStats {
	return s.pool.Stats()
}

// RefreshInFlight reports whether a refresh is materializing right now.
func (s *Scheduler) RefreshInFlight() bool {
	return s.driver.InFlight()
}

// CreateJob validates in, checks the client exists, stores the job and
// materializes it up to today.
func (s *Scheduler) CreateJob(ctx context.Context, in JobInput) (*RecurringJob, error) {
	in.Rule = in.Rule.Normalized()
	if err := recurrence.Check(in); err != nil {
		return nil, err
	}
	if err := s.checkClient(ctx, in.ClientID); err != nil {
		return nil, err
	}

	job := &RecurringJob{IsActive: true}
	applyInput(job, in)
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	s.log.Infow("Recurring job created", "job_id", job.ID, "frequency", job.Frequency, "client_id", job.ClientID)

	s.materializeNow(ctx, job)
	return job, nil
}

// UpdateJob replaces a job's editable fields. The watermark is kept, so a
// changed rule applies from the day after it onwards. Reactivating a job
// that had been generating moves its watermark to yesterday: dates that fell
// while it was inactive are never generated.
func (s *Scheduler) UpdateJob(ctx context.Context, id string, in JobInput) (*RecurringJob, error) {
	in.Rule = in.Rule.Normalized()
	if err := recurrence.Check(in); err != nil {
		return nil, err
	}

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.ClientID != job.ClientID {
		if err := s.checkClient(ctx, in.ClientID); err != nil {
			return nil, err
		}
	}

	wasActive := job.IsActive
	applyInput(job, in)
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	s.log.Infow("Recurring job updated", "job_id", job.ID)

	if wasActive || !job.IsActive {
		return job, nil
	}
	return s.resume(ctx, job)
}

func (s *Scheduler) resume(ctx context.Context, job *RecurringJob) (*RecurringJob, error) {
	if job.LastGeneratedDate != nil {
		today := s.Today()
		if _, err := s.store.InsertOccurrences(ctx, job.ID, nil, today.AddDays(-1)); err != nil {
			return nil, errors.Wrapf(err, "move watermark of reactivated job %s", job.ID)
		}
		fresh, err := s.store.GetJob(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		job = fresh
		s.log.Infow("Recurring job reactivated", "job_id", job.ID, "resumes_after", job.LastGeneratedDate)
	}

	s.materializeNow(ctx, job)
	return job, nil
}

// materializeNow brings a created or reactivated job up to today unless a
// refresh is already running. A failure is logged; the next refresh catches
// up.
func (s *Scheduler) materializeNow(ctx context.Context, job *RecurringJob) {
	_, ran, err := s.driver.MaterializeJob(ctx, job, s.Today())
	switch {
	case err != nil:
		s.log.Warnw("Materialization after job change failed", "job_id", job.ID, "error", err)
	case !ran:
		s.log.Debugw("Refresh in flight, materialization left to it", "job_id", job.ID)
	}
}

// DeleteJob deletes a job together with its occurrences.
func (s *Scheduler) DeleteJob(ctx context.Context, id string) error {
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.log.Infow("Recurring job deleted", "job_id", id)
	return nil
}

// GetJob returns a job by ID.
func (s *Scheduler) GetJob(ctx context.Context, id string) (*RecurringJob, error) {
	return s.store.GetJob(ctx, id)
}

// ListJobs returns the jobs matching filter.
func (s *Scheduler) ListJobs(ctx context.Context, filter JobFilter) ([]*RecurringJob, error) {
	return s.store.ListJobs(ctx, filter)
}

// Occurrences returns every occurrence of a job by date.
func (s *Scheduler) Occurrences(ctx context.Context, jobID string) ([]*Occurrence, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListOccurrences(ctx, OccurrenceFilter{JobID: jobID})
}

// GetOccurrence returns an occurrence by ID.
func (s *Scheduler) GetOccurrence(ctx context.Context, id string) (*Occurrence, error) {
	return s.store.GetOccurrence(ctx, id)
}

// DueList returns pending occurrences dated on or before asOf without
// materializing anything.
func (s *Scheduler) DueList(ctx context.Context, asOf civil.Date) ([]*Occurrence, error) {
	if !asOf.IsValid() {
		return nil, errors.NewValidationf("date %s is not a valid date", asOf)
	}
	return s.store.ListOccurrences(ctx, DueFilter(asOf))
}

// CompleteOccurrence completes a pending occurrence with an existing session.
func (s *Scheduler) CompleteOccurrence(ctx context.Context, id, sessionID string) (*Occurrence, error) {
	return s.lifecycle.Complete(ctx, id, sessionID)
}

// CompleteOccurrenceWithNewSession creates the session for the occurrence
// and completes it.
func (s *Scheduler) CompleteOccurrenceWithNewSession(ctx context.Context, id string) (*Occurrence, error) {
	return s.lifecycle.CompleteWithNewSession(ctx, id)
}

// SkipOccurrence skips a pending occurrence.
func (s *Scheduler) SkipOccurrence(ctx context.Context, id string) (*Occurrence, error) {
	return s.lifecycle.Skip(ctx, id)
}

// RetryInvoice requests the missing invoice of a completed occurrence.
func (s *Scheduler) RetryInvoice(ctx context.Context, id string) (*Occurrence, error) {
	return s.lifecycle.RetryInvoice(ctx, id)
}

// Refresh materializes every active job up to asOf and returns the due list.
func (s *Scheduler) Refresh(ctx context.Context, asOf civil.Date) (*RefreshResult, error) {
	return s.driver.Refresh(ctx, asOf)
}

// RefreshToday is Refresh as of the scheduler clock's date.
func (s *Scheduler) RefreshToday(ctx context.Context) (*RefreshResult, error) {
	return s.driver.Refresh(ctx, s.Today())
}

func (s *Scheduler) checkClient(ctx context.Context, clientID string) error {
	if s.clients == nil {
		return nil
	}
	ok, err := s.clients.ClientExists(ctx, clientID)
	if err != nil {
		return errors.Wrapf(err, "look up client %s", clientID)
	}
	if !ok {
		return errors.NewNotFoundf("client %s not found", clientID)
	}
	return nil
}

func applyInput(job *RecurringJob, in JobInput) {
	job.ClientID = in.ClientID
	job.Title = in.Title
	job.Notes = in.Notes
	job.Rule = in.Rule
	job.DurationSeconds = in.DurationSeconds
	job.AutoInvoice = in.AutoInvoice
	if in.IsActive != nil {
		job.IsActive = *in.IsActive
	}
}
