// Package billing keeps the minimal client, work-session and invoice records
// the scheduler needs from its host. It implements the scheduler's
// ClientDirectory, SessionCreator, SessionDiscarder and InvoiceCreator over
// the same SQLite database.
package billing

import (
	"context"
	"database/sql"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"recurbill/internal/clock"
	"recurbill/internal/errors"
	"recurbill/internal/recurrence"
	"recurbill/internal/scheduler"
	"recurbill/internal/storage"
)

// Client is someone work is done for.
type Client struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Email           string    `json:"email,omitempty"`
	HourlyRateCents int64     `json:"hourly_rate_cents"`
	CreatedAt       time.Time `json:"created_at"`
}

// ClientInput is the user-supplied part of a Client.
type ClientInput struct {
	Name            string `json:"name" validate:"required,max=200"`
	Email           string `json:"email,omitempty" validate:"omitempty,email"`
	HourlyRateCents int64  `json:"hourly_rate_cents" validate:"gte=0"`
}

// Session is a timed block of work for a client.
type Session struct {
	ID              string     `json:"id"`
	ClientID        string     `json:"client_id"`
	RecurringJobID  string     `json:"recurring_job_id,omitempty"`
	Title           string     `json:"title"`
	WorkDate        civil.Date `json:"work_date"`
	DurationSeconds int64      `json:"duration_seconds"`
	Notes           string     `json:"notes,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Invoice bills exactly one session.
type Invoice struct {
	ID          string     `json:"id"`
	ClientID    string     `json:"client_id"`
	SessionID   string     `json:"session_id"`
	AmountCents int64      `json:"amount_cents"`
	IssuedOn    civil.Date `json:"issued_on"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Service implements the billing records over SQLite.
type Service struct {
	db    *sql.DB
	clock clock.Clock
	log   *zap.SugaredLogger
}

var (
	_ scheduler.ClientDirectory  = (*Service)(nil)
	_ scheduler.SessionCreator   = (*Service)(nil)
	_ scheduler.SessionDiscarder = (*Service)(nil)
	_ scheduler.InvoiceCreator   = (*Service)(nil)
)

// NewService creates a billing Service.
func NewService(db *sql.DB, clk clock.Clock, log *zap.SugaredLogger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{db: db, clock: clk, log: log.Named("billing")}
}

// CreateClient validates in and stores a new client.
func (s *Service) CreateClient(ctx context.Context, in ClientInput) (*Client, error) {
	if err := recurrence.Check(in); err != nil {
		return nil, err
	}

	c := &Client{
		ID:              uuid.New().String(),
		Name:            in.Name,
		Email:           in.Email,
		HourlyRateCents: in.HourlyRateCents,
		CreatedAt:       s.clock.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, email, hourly_rate_cents, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Name, nullString(c.Email), c.HourlyRateCents, c.CreatedAt)
	if err != nil {
		return nil, errors.WrapPersistence(err, "insert client")
	}
	s.log.Infow("Client created", "client_id", c.ID)
	return c, nil
}

// GetClient retrieves a client by ID
func (s *Service) GetClient(ctx context.Context, id string) (*Client, error) {
	var (
		c     Client
		email sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, hourly_rate_cents, created_at
		FROM clients WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &email, &c.HourlyRateCents, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundf("client %s not found", id)
	}
	if err != nil {
		return nil, errors.WrapPersistence(err, "get client")
	}
	c.Email = email.String
	return &c, nil
}

// ListClients returns every client by name.
func (s *Service) ListClients(ctx context.Context) ([]*Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, hourly_rate_cents, created_at
		FROM clients ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, errors.WrapPersistence(err, "query clients")
	}
	defer rows.Close()

	var clients []*Client
	for rows.Next() {
		var (
			c     Client
			email sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Name, &email, &c.HourlyRateCents, &c.CreatedAt); err != nil {
			return nil, errors.WrapPersistence(err, "scan client")
		}
		c.Email = email.String
		clients = append(clients, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapPersistence(err, "iterate clients")
	}
	return clients, nil
}

// ClientExists implements scheduler.ClientDirectory
func (s *Service) ClientExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clients WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, errors.WrapPersistence(err, "look up client")
	}
	return n > 0, nil
}

// CreateSession implements scheduler.SessionCreator. The client must exist.
func (s *Service) CreateSession(ctx context.Context, req scheduler.SessionRequest) (string, error) {
	if req.DurationSeconds <= 0 {
		return "", errors.NewValidationf("session duration must be positive, got %d", req.DurationSeconds)
	}

	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_sessions (id, client_id, recurring_job_id, title, work_date, duration_seconds, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, req.ClientID, nullString(req.RecurringJobID), req.Title, req.Date.String(),
		req.DurationSeconds, nullString(req.Notes), s.clock.Now().UTC())
	if isForeignKeyViolation(err) {
		return "", errors.NewNotFoundf("client %s or recurring job %s not found", req.ClientID, req.RecurringJobID)
	}
	if err != nil {
		return "", errors.WrapPersistence(err, "insert session")
	}

	s.log.Infow("Session created",
		"session_id", id,
		"client_id", req.ClientID,
		"occurrence_id", req.OccurrenceID,
		"duration_seconds", req.DurationSeconds)
	return id, nil
}

// DiscardSession implements scheduler.SessionDiscarder. Invoiced sessions
// are kept.
func (s *Service) DiscardSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM work_sessions
		WHERE id = ? AND NOT EXISTS (SELECT 1 FROM invoices WHERE session_id = ?)`,
		id, id)
	if err != nil {
		return errors.WrapPersistence(err, "delete session")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.WrapPersistence(err, "delete session rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundf("uninvoiced session %s not found", id)
	}
	s.log.Infow("Session discarded", "session_id", id)
	return nil
}

// GetSession retrieves a session by ID
func (s *Service) GetSession(ctx context.Context, id string) (*Session, error) {
	var (
		sess         Session
		jobID, notes sql.NullString
		workDate     string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, recurring_job_id, title, work_date, duration_seconds, notes, created_at
		FROM work_sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.ClientID, &jobID, &sess.Title, &workDate, &sess.DurationSeconds, &notes, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundf("session %s not found", id)
	}
	if err != nil {
		return nil, errors.WrapPersistence(err, "get session")
	}

	if sess.WorkDate, err = civil.ParseDate(workDate); err != nil {
		return nil, errors.WrapPersistence(err, "parse session work_date")
	}
	sess.RecurringJobID = jobID.String
	sess.Notes = notes.String
	return &sess, nil
}

// CreateInvoice implements scheduler.InvoiceCreator. The amount is the
// session duration at the client's hourly rate, rounded to the nearest
// cent. Asking twice for the same session returns the existing invoice.
func (s *Service) CreateInvoice(ctx context.Context, req scheduler.InvoiceRequest) (string, error) {
	if req.SessionID == "" {
		return "", errors.NewValidationf("invoice requires a session")
	}

	var id string
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT id FROM invoices WHERE session_id = ?`, req.SessionID).Scan(&id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return errors.WrapPersistence(err, "look up invoice")
		}

		var clientID string
		var duration, rate int64
		err = tx.QueryRowContext(ctx, `
			SELECT s.client_id, s.duration_seconds, c.hourly_rate_cents
			FROM work_sessions s JOIN clients c ON c.id = s.client_id
			WHERE s.id = ?`, req.SessionID,
		).Scan(&clientID, &duration, &rate)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.NewNotFoundf("session %s not found", req.SessionID)
		}
		if err != nil {
			return errors.WrapPersistence(err, "load session for invoice")
		}

		issued := req.Date
		if issued == (civil.Date{}) {
			issued = clock.Today(s.clock)
		}
		id = uuid.New().String()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO invoices (id, client_id, session_id, amount_cents, issued_on, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, clientID, req.SessionID, Amount(duration, rate), issued.String(), s.clock.Now().UTC())
		return errors.WrapPersistence(err, "insert invoice")
	})
	if err != nil {
		return "", err
	}

	s.log.Infow("Invoice ready", "invoice_id", id, "session_id", req.SessionID, "occurrence_id", req.OccurrenceID)
	return id, nil
}

// GetInvoice retrieves an invoice by ID
func (s *Service) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	var (
		inv    Invoice
		issued string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, session_id, amount_cents, issued_on, created_at
		FROM invoices WHERE id = ?`, id,
	).Scan(&inv.ID, &inv.ClientID, &inv.SessionID, &inv.AmountCents, &issued, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundf("invoice %s not found", id)
	}
	if err != nil {
		return nil, errors.WrapPersistence(err, "get invoice")
	}
	if inv.IssuedOn, err = civil.ParseDate(issued); err != nil {
		return nil, errors.WrapPersistence(err, "parse invoice issued_on")
	}
	return &inv, nil
}

// Amount prices durationSeconds of work at rateCents per hour, rounded half
// up to the cent.
func Amount(durationSeconds, rateCents int64) int64 {
	return (durationSeconds*rateCents + 1800) / 3600
}

func isForeignKeyViolation(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
