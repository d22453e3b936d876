package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"recurbill/internal/clock"
	"recurbill/internal/errors"
	"recurbill/internal/storage"
)

const jobColumns = `
	id, client_id, title, notes, frequency, day_of_week, day_of_month,
	duration_seconds, auto_invoice, is_active, start_date, end_date,
	last_generated_date, created_at, updated_at`

const occurrenceColumns = `
	id, recurring_job_id, scheduled_date, status, session_id, invoice_id,
	resolved_at, created_at, updated_at`

// SQLiteStore implements Store using SQLite. Dates are stored as
// YYYY-MM-DD text so they sort and compare lexically.
type SQLiteStore struct {
	db    *sql.DB
	clock clock.Clock
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed store. The schema is owned by
// the storage package migrations.
func NewSQLiteStore(db *sql.DB, clk clock.Clock) *SQLiteStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &SQLiteStore{db: db, clock: clk}
}

func (s *SQLiteStore) now() time.Time {
	return s.clock.Now().UTC()
}

// CreateJob implements Store
func (s *SQLiteStore) CreateJob(ctx context.Context, job *RecurringJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recurring_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ClientID, job.Title, nullString(job.Notes), job.Frequency,
		nullInt(job.DayOfWeek), nullInt(job.DayOfMonth),
		job.DurationSeconds, job.AutoInvoice, job.IsActive,
		job.StartDate.String(), nullDate(job.EndDate), nullDate(job.LastGeneratedDate),
		job.CreatedAt, job.UpdatedAt,
	)
	return errors.WrapPersistence(err, "insert job")
}

// GetJob implements Store
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*RecurringJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM recurring_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundf("recurring job %s not found", id)
	}
	if err != nil {
		return nil, errors.WrapPersistence(err, "get job")
	}
	return job, nil
}

// UpdateJob implements Store
func (s *SQLiteStore) UpdateJob(ctx context.Context, job *RecurringJob) error {
	job.UpdatedAt = s.now()

	result, err := s.db.ExecContext(ctx, `
		UPDATE recurring_jobs SET
			client_id = ?, title = ?, notes = ?, frequency = ?,
			day_of_week = ?, day_of_month = ?, duration_seconds = ?,
			auto_invoice = ?, is_active = ?, start_date = ?, end_date = ?,
			updated_at = ?
		WHERE id = ?`,
		job.ClientID, job.Title, nullString(job.Notes), job.Frequency,
		nullInt(job.DayOfWeek), nullInt(job.DayOfMonth), job.DurationSeconds,
		job.AutoInvoice, job.IsActive, job.StartDate.String(), nullDate(job.EndDate),
		job.UpdatedAt,
		job.ID,
	)
	if err != nil {
		return errors.WrapPersistence(err, "update job")
	}
	return requireAffected(result, "recurring job", job.ID)
}

// DeleteJob implements Store
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM recurring_jobs WHERE id = ?`, id)
	if err != nil {
		return errors.WrapPersistence(err, "delete job")
	}
	return requireAffected(result, "recurring job", id)
}

// ListJobs implements Store
func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]*RecurringJob, error) {
	var conditions []string
	var args []interface{}

	if filter.ClientID != "" {
		conditions = append(conditions, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.ActiveOnly {
		conditions = append(conditions, "is_active")
	}

	query := "SELECT " + jobColumns + " FROM recurring_jobs"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapPersistence(err, "query jobs")
	}
	defer rows.Close()

	var jobs []*RecurringJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.WrapPersistence(err, "scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapPersistence(err, "iterate jobs")
	}
	return jobs, nil
}

// InsertOccurrences implements Store
func (s *SQLiteStore) InsertOccurrences(ctx context.Context, jobID string, dates []civil.Date, through civil.Date) (int, error) {
	now := s.now()
	inserted := 0

	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO occurrences (id, recurring_job_id, scheduled_date, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (recurring_job_id, scheduled_date) DO NOTHING`)
		if err != nil {
			return errors.WrapPersistence(err, "prepare occurrence insert")
		}
		defer stmt.Close()

		for _, d := range dates {
			result, err := stmt.ExecContext(ctx, uuid.New().String(), jobID, d.String(), StatusPending, now, now)
			if err != nil {
				return errors.WrapPersistence(err, fmt.Sprintf("insert occurrence %s", d))
			}
			n, err := result.RowsAffected()
			if err != nil {
				return errors.WrapPersistence(err, "occurrence rows affected")
			}
			inserted += int(n)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE recurring_jobs SET last_generated_date = ?
			WHERE id = ? AND (last_generated_date IS NULL OR last_generated_date < ?)`,
			through.String(), jobID, through.String())
		return errors.WrapPersistence(err, "advance watermark")
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetOccurrence implements Store
func (s *SQLiteStore) GetOccurrence(ctx context.Context, id string) (*Occurrence, error) {
	return getOccurrence(ctx, s.db, id)
}

// ListOccurrences implements Store
func (s *SQLiteStore) ListOccurrences(ctx context.Context, filter OccurrenceFilter) ([]*Occurrence, error) {
	var conditions []string
	var args []interface{}

	if filter.JobID != "" {
		conditions = append(conditions, "recurring_job_id = ?")
		args = append(args, filter.JobID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)",
			strings.Join(placeholders, ",")))
	}
	if filter.From != (civil.Date{}) {
		conditions = append(conditions, "scheduled_date >= ?")
		args = append(args, filter.From.String())
	}
	if filter.Through != (civil.Date{}) {
		conditions = append(conditions, "scheduled_date <= ?")
		args = append(args, filter.Through.String())
	}

	query := "SELECT " + occurrenceColumns + " FROM occurrences"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY scheduled_date ASC, recurring_job_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapPersistence(err, "query occurrences")
	}
	defer rows.Close()

	var occs []*Occurrence
	for rows.Next() {
		occ, err := scanOccurrence(rows)
		if err != nil {
			return nil, errors.WrapPersistence(err, "scan occurrence")
		}
		occs = append(occs, occ)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapPersistence(err, "iterate occurrences")
	}
	return occs, nil
}

// Transition implements Store. The UPDATE carries the allowed source
// statuses in its WHERE clause; when it matches nothing the row is read
// back only to tell a missing occurrence from a conflicting one.
func (s *SQLiteStore) Transition(ctx context.Context, id string, to Status, sessionID string) (*Occurrence, error) {
	sources := transitions[to]
	if len(sources) == 0 {
		return nil, errors.NewValidationf("no transition leads to status %q", to)
	}

	placeholders := make([]string, len(sources))
	now := s.now()
	args := []interface{}{to, nullString(sessionID), now, now, id}
	for i, src := range sources {
		placeholders[i] = "?"
		args = append(args, src)
	}

	var occ *Occurrence
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE occurrences
			SET status = ?, session_id = ?, resolved_at = ?, updated_at = ?
			WHERE id = ? AND status IN (`+strings.Join(placeholders, ",")+`)`,
			args...)
		if err != nil {
			return errors.WrapPersistence(err, "transition occurrence")
		}
		n, err := result.RowsAffected()
		if err != nil {
			return errors.WrapPersistence(err, "transition rows affected")
		}

		occ, err = getOccurrence(ctx, tx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.WithDetailf(
				errors.NewStateConflictf("occurrence %s is %s and cannot become %s", id, occ.Status, to),
				"session_id=%q invoice_id=%q", occ.SessionID, occ.InvoiceID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return occ, nil
}

// AttachInvoice implements Store
func (s *SQLiteStore) AttachInvoice(ctx context.Context, id, invoiceID string) (*Occurrence, error) {
	if invoiceID == "" {
		return nil, errors.NewValidationf("invoice id cannot be empty")
	}

	var occ *Occurrence
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE occurrences SET invoice_id = ?, updated_at = ?
			WHERE id = ? AND status = ? AND invoice_id IS NULL`,
			invoiceID, s.now(), id, StatusCompleted)
		if err != nil {
			return errors.WrapPersistence(err, "attach invoice")
		}
		n, err := result.RowsAffected()
		if err != nil {
			return errors.WrapPersistence(err, "attach invoice rows affected")
		}

		occ, err = getOccurrence(ctx, tx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			if occ.Status != StatusCompleted {
				return errors.NewStateConflictf("occurrence %s is %s, only completed occurrences are invoiced", id, occ.Status)
			}
			return errors.NewStateConflictf("occurrence %s already has invoice %s", id, occ.InvoiceID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return occ, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getOccurrence(ctx context.Context, q queryRower, id string) (*Occurrence, error) {
	row := q.QueryRowContext(ctx, `SELECT `+occurrenceColumns+` FROM occurrences WHERE id = ?`, id)
	occ, err := scanOccurrence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundf("occurrence %s not found", id)
	}
	if err != nil {
		return nil, errors.WrapPersistence(err, "get occurrence")
	}
	return occ, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(sc scanner) (*RecurringJob, error) {
	var (
		job                    RecurringJob
		notes                  sql.NullString
		dayOfWeek, dayOfMonth  sql.NullInt64
		startDate              string
		endDate, lastGenerated sql.NullString
	)
	err := sc.Scan(
		&job.ID, &job.ClientID, &job.Title, &notes, &job.Frequency,
		&dayOfWeek, &dayOfMonth, &job.DurationSeconds, &job.AutoInvoice,
		&job.IsActive, &startDate, &endDate, &lastGenerated,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Notes = notes.String
	job.DayOfWeek = intPtr(dayOfWeek)
	job.DayOfMonth = intPtr(dayOfMonth)
	if job.StartDate, err = civil.ParseDate(startDate); err != nil {
		return nil, errors.Wrapf(err, "job %s start_date", job.ID)
	}
	if job.EndDate, err = datePtr(endDate); err != nil {
		return nil, errors.Wrapf(err, "job %s end_date", job.ID)
	}
	if job.LastGeneratedDate, err = datePtr(lastGenerated); err != nil {
		return nil, errors.Wrapf(err, "job %s last_generated_date", job.ID)
	}
	return &job, nil
}

func scanOccurrence(sc scanner) (*Occurrence, error) {
	var (
		occ                  Occurrence
		scheduled            string
		sessionID, invoiceID sql.NullString
		resolvedAt           sql.NullTime
	)
	err := sc.Scan(
		&occ.ID, &occ.RecurringJobID, &scheduled, &occ.Status,
		&sessionID, &invoiceID, &resolvedAt, &occ.CreatedAt, &occ.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if occ.ScheduledDate, err = civil.ParseDate(scheduled); err != nil {
		return nil, errors.Wrapf(err, "occurrence %s scheduled_date", occ.ID)
	}
	occ.SessionID = sessionID.String
	occ.InvoiceID = invoiceID.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		occ.ResolvedAt = &t
	}
	return &occ, nil
}

func requireAffected(result sql.Result, kind, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return errors.WrapPersistence(err, "get rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundf("%s %s not found", kind, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullDate(d *civil.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func datePtr(s sql.NullString) (*civil.Date, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := civil.ParseDate(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
