package scheduler

import (
	"context"

	"cloud.google.com/go/civil"
)

// ClientDirectory answers whether an opaque client reference exists.
type ClientDirectory interface {
	ClientExists(ctx context.Context, clientID string) (bool, error)
}

// SessionRequest describes the work session implied by completing an
// occurrence.
type SessionRequest struct {
	ClientID        string
	RecurringJobID  string
	OccurrenceID    string
	Title           string
	Notes           string
	Date            civil.Date
	DurationSeconds int64
}

// SessionCreator produces a work-session record and returns its ID.
type SessionCreator interface {
	CreateSession(ctx context.Context, req SessionRequest) (string, error)
}

// SessionDiscarder is optionally implemented by a SessionCreator to remove a
// session whose completion lost a race.
type SessionDiscarder interface {
	DiscardSession(ctx context.Context, sessionID string) error
}

// InvoiceRequest asks for an invoice covering exactly one session.
type InvoiceRequest struct {
	SessionID      string
	ClientID       string
	RecurringJobID string
	OccurrenceID   string
	Date           civil.Date
}

// InvoiceCreator produces an invoice and returns its ID. Failures are
// recoverable; the caller may retry later.
type InvoiceCreator interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (string, error)
}
