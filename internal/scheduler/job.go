package scheduler

import (
	"context"
	"time"

	"cloud.google.com/go/civil"

	"recurbill/internal/recurrence"
)

// Status is the lifecycle state of an Occurrence.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
)

// transitions maps a target status to the statuses it may be entered from.
// Completed and skipped have no outgoing edges.
var transitions = map[Status][]Status{
	StatusCompleted: {StatusPending},
	StatusSkipped:   {StatusPending},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusSkipped:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, src := range transitions[to] {
		if src == from {
			return true
		}
	}
	return false
}

// RecurringJob is a repeating piece of work for a client. The embedded Rule
// decides which dates it produces; LastGeneratedDate is an advisory
// watermark of how far materialization has already run.
type RecurringJob struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id"`
	Title    string `json:"title"`
	Notes    string `json:"notes,omitempty"`

	recurrence.Rule

	DurationSeconds   int64       `json:"duration_seconds"`
	AutoInvoice       bool        `json:"auto_invoice"`
	IsActive          bool        `json:"is_active"`
	LastGeneratedDate *civil.Date `json:"last_generated_date,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Occurrence is one dated instance of a RecurringJob.
type Occurrence struct {
	ID             string     `json:"id"`
	RecurringJobID string     `json:"recurring_job_id"`
	ScheduledDate  civil.Date `json:"scheduled_date"`
	Status         Status     `json:"status"`
	SessionID      string     `json:"session_id,omitempty"`
	InvoiceID      string     `json:"invoice_id,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Store defines the persistence operations the scheduler needs. Every
// mutation of an occurrence is a guarded write; implementations must not
// read-then-write.
type Store interface {
	// CreateJob inserts a job, assigning ID and timestamps when unset.
	CreateJob(ctx context.Context, job *RecurringJob) error

	// GetJob retrieves a job by ID
	GetJob(ctx context.Context, id string) (*RecurringJob, error)

	// UpdateJob replaces the user-editable fields of a job. The watermark is
	// left untouched.
	UpdateJob(ctx context.Context, job *RecurringJob) error

	// DeleteJob deletes a job and, by cascade, its occurrences.
	DeleteJob(ctx context.Context, id string) error

	// ListJobs returns all jobs matching the filter, oldest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*RecurringJob, error)

	// InsertOccurrences inserts a pending occurrence for every date not
	// already present for the job and advances the job's watermark to
	// through if it is behind, all in one transaction. It returns the
	// number of rows actually inserted.
	InsertOccurrences(ctx context.Context, jobID string, dates []civil.Date, through civil.Date) (int, error)

	// GetOccurrence retrieves an occurrence by ID
	GetOccurrence(ctx context.Context, id string) (*Occurrence, error)

	// ListOccurrences returns occurrences matching the filter ordered by
	// scheduled date.
	ListOccurrences(ctx context.Context, filter OccurrenceFilter) ([]*Occurrence, error)

	// Transition moves an occurrence to status to if and only if its current
	// status is an allowed source. sessionID is recorded on completion.
	Transition(ctx context.Context, id string, to Status, sessionID string) (*Occurrence, error)

	// AttachInvoice records invoiceID on a completed occurrence that has none.
	AttachInvoice(ctx context.Context, id, invoiceID string) (*Occurrence, error)
}

// JobFilter defines criteria for listing jobs
type JobFilter struct {
	ClientID   string `json:"client_id,omitempty"`
	ActiveOnly bool   `json:"active_only,omitempty"`
}

// OccurrenceFilter defines criteria for listing occurrences. Zero dates are
// unbounded.
type OccurrenceFilter struct {
	JobID    string     `json:"job_id,omitempty"`
	Statuses []Status   `json:"statuses,omitempty"`
	From     civil.Date `json:"from,omitempty"`
	Through  civil.Date `json:"through,omitempty"`
	Limit    int        `json:"limit,omitempty"`
}

// DueFilter selects the due list as of asOf: pending occurrences dated on or
// before it, across all jobs.
func DueFilter(asOf civil.Date) OccurrenceFilter {
	return OccurrenceFilter{
		Statuses: []Status{StatusPending},
		Through:  asOf,
	}
}
