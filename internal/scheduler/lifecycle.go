package scheduler

import (
	"context"

	"go.uber.org/zap"

	"recurbill/internal/errors"
	"recurbill/internal/metrics"
)

// Lifecycle moves occurrences out of pending and runs the auto-invoice side
// effect. Every state change is a guarded write in the Store.
type Lifecycle struct {
	store    Store
	sessions SessionCreator
	invoices InvoiceCreator
	log      *zap.SugaredLogger
}

// NewLifecycle creates a Lifecycle. sessions may be nil if
// CompleteWithNewSession is never used; invoices may be nil if no job has
// auto_invoice set.
func NewLifecycle(store Store, sessions SessionCreator, invoices InvoiceCreator, log *zap.SugaredLogger) *Lifecycle {
	return &Lifecycle{store: store, sessions: sessions, invoices: invoices, log: log}
}

// Complete marks a pending occurrence completed with the given session. If
// the owning job auto-invoices, an invoice is requested afterwards. A failed
// invoice does not undo the completion: the completed occurrence is returned
// together with an ErrCollaborator-marked error.
func (l *Lifecycle) Complete(ctx context.Context, id, sessionID string) (*Occurrence, error) {
	if sessionID == "" {
		return nil, errors.NewValidationf("session id is required to complete occurrence %s", id)
	}

	occ, err := l.store.Transition(ctx, id, StatusCompleted, sessionID)
	if err != nil {
		return nil, err
	}
	metrics.OccurrenceTransitions.WithLabelValues(string(StatusCompleted)).Inc()
	l.log.Infow("Occurrence completed", "occurrence_id", id, "session_id", sessionID)

	job, err := l.store.GetJob(ctx, occ.RecurringJobID)
	if err != nil {
		return occ, errors.Wrapf(err, "load job for completed occurrence %s", id)
	}
	if !job.AutoInvoice {
		return occ, nil
	}
	return l.invoice(ctx, job, occ)
}

// CompleteWithNewSession asks the session collaborator for a session sized
// by the job's duration and completes the occurrence with it. A session
// failure aborts before any occurrence change. If the completion then loses
// a race, the new session is discarded when the collaborator supports it.
func (l *Lifecycle) CompleteWithNewSession(ctx context.Context, id string) (*Occurrence, error) {
	if l.sessions == nil {
		return nil, errors.WrapCollaborator(errors.New("no session collaborator configured"), "create session")
	}

	occ, err := l.store.GetOccurrence(ctx, id)
	if err != nil {
		return nil, err
	}
	if occ.Status.Terminal() {
		return nil, errors.NewStateConflictf("occurrence %s is %s and cannot become %s", id, occ.Status, StatusCompleted)
	}

	job, err := l.store.GetJob(ctx, occ.RecurringJobID)
	if err != nil {
		return nil, err
	}

	sessionID, err := l.sessions.CreateSession(ctx, SessionRequest{
		ClientID:        job.ClientID,
		RecurringJobID:  job.ID,
		OccurrenceID:    occ.ID,
		Title:           job.Title,
		Notes:           job.Notes,
		Date:            occ.ScheduledDate,
		DurationSeconds: job.DurationSeconds,
	})
	if err != nil {
		metrics.CollaboratorFailures.WithLabelValues("session").Inc()
		l.log.Warnw("Session creation failed", "occurrence_id", id, "error", err)
		return nil, errors.WrapCollaborator(err, "create session")
	}

	done, err := l.Complete(ctx, id, sessionID)
	if errors.IsStateConflict(err) || errors.IsNotFound(err) {
		l.discardSession(ctx, sessionID)
	}
	return done, err
}

// Skip marks a pending occurrence skipped. There are no side effects.
func (l *Lifecycle) Skip(ctx context.Context, id string) (*Occurrence, error) {
	occ, err := l.store.Transition(ctx, id, StatusSkipped, "")
	if err != nil {
		return nil, err
	}
	metrics.OccurrenceTransitions.WithLabelValues(string(StatusSkipped)).Inc()
	l.log.Infow("Occurrence skipped", "occurrence_id", id)
	return occ, nil
}

// RetryInvoice requests the invoice for a completed occurrence that has
// none, typically after an auto-invoice failure.
func (l *Lifecycle) RetryInvoice(ctx context.Context, id string) (*Occurrence, error) {
	occ, err := l.store.GetOccurrence(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case occ.Status != StatusCompleted:
		return nil, errors.NewStateConflictf("occurrence %s is %s, only completed occurrences are invoiced", id, occ.Status)
	case occ.InvoiceID != "":
		return nil, errors.NewStateConflictf("occurrence %s already has invoice %s", id, occ.InvoiceID)
	}

	job, err := l.store.GetJob(ctx, occ.RecurringJobID)
	if err != nil {
		return nil, err
	}
	return l.invoice(ctx, job, occ)
}

func (l *Lifecycle) invoice(ctx context.Context, job *RecurringJob, occ *Occurrence) (*Occurrence, error) {
	if l.invoices == nil {
		return occ, errors.WrapCollaborator(errors.New("no invoice collaborator configured"), "create invoice")
	}

	invoiceID, err := l.invoices.CreateInvoice(ctx, InvoiceRequest{
		SessionID:      occ.SessionID,
		ClientID:       job.ClientID,
		RecurringJobID: job.ID,
		OccurrenceID:   occ.ID,
		Date:           occ.ScheduledDate,
	})
	if err != nil {
		metrics.CollaboratorFailures.WithLabelValues("invoice").Inc()
		l.log.Warnw("Invoice creation failed, occurrence stays completed",
			"occurrence_id", occ.ID, "session_id", occ.SessionID, "error", err)
		return occ, errors.WithHint(
			errors.WrapCollaborator(err, "create invoice for occurrence "+occ.ID),
			"the occurrence is completed; retry the invoice later")
	}

	// The invoice exists now, so the link is written even if the caller has
	// gone away.
	linked, err := l.store.AttachInvoice(context.WithoutCancel(ctx), occ.ID, invoiceID)
	if errors.IsStateConflict(err) {
		// A concurrent retry may have linked the same invoice first.
		if current, gerr := l.store.GetOccurrence(context.WithoutCancel(ctx), occ.ID); gerr == nil && current.InvoiceID == invoiceID {
			l.log.Debugw("Invoice already linked", "occurrence_id", occ.ID, "invoice_id", invoiceID)
			return current, nil
		}
	}
	if err != nil {
		return occ, errors.Wrapf(err, "record invoice %s", invoiceID)
	}
	l.log.Infow("Occurrence invoiced", "occurrence_id", occ.ID, "invoice_id", invoiceID)
	return linked, nil
}

func (l *Lifecycle) discardSession(ctx context.Context, sessionID string) {
	d, ok := l.sessions.(SessionDiscarder)
	if !ok {
		l.log.Warnw("Orphaned session after lost completion", "session_id", sessionID)
		return
	}
	if err := d.DiscardSession(context.WithoutCancel(ctx), sessionID); err != nil {
		l.log.Warnw("Failed to discard orphaned session", "session_id", sessionID, "error", err)
	}
}
