package scheduler

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"recurbill/internal/clock"
	"recurbill/internal/errors"
	"recurbill/internal/recurrence"
	"recurbill/internal/storage/storagetest"
)

func day(y int, m time.Month, d int) civil.Date {
	return civil.Date{Year: y, Month: m, Day: d}
}

func intp(v int) *int { return &v }

func testLogger(t *testing.T) *zap.SugaredLogger {
	return zaptest.NewLogger(t).Sugar()
}

type fixture struct {
	db    *sql.DB
	store *SQLiteStore
	clock *clock.FakeClock
	log   *zap.SugaredLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storagetest.NewDB(t)
	clk := clock.Fake(time.Date(2024, time.January, 31, 9, 0, 0, 0, time.UTC))
	return &fixture{
		db:    db,
		store: NewSQLiteStore(db, clk),
		clock: clk,
		log:   testLogger(t),
	}
}

// mondayJob is weekly on Mondays from 2024-01-01.
func mondayJob() *RecurringJob {
	return &RecurringJob{
		ClientID: "client-1",
		Title:    "Office cleaning",
		Rule: recurrence.Rule{
			Frequency: recurrence.Weekly,
			DayOfWeek: intp(int(time.Monday)),
			StartDate: day(2024, time.January, 1),
		},
		DurationSeconds: 7200,
		IsActive:        true,
	}
}

func (f *fixture) createJob(t *testing.T, job *RecurringJob) *RecurringJob {
	t.Helper()
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func (f *fixture) occurrenceDates(t *testing.T, jobID string) []string {
	t.Helper()
	occs, err := f.store.ListOccurrences(context.Background(), OccurrenceFilter{JobID: jobID})
	require.NoError(t, err)
	out := make([]string, len(occs))
	for i, o := range occs {
		out[i] = o.ScheduledDate.String()
	}
	return out
}

// seedOccurrence materializes the job for exactly one date and returns the
// occurrence.
func (f *fixture) seedOccurrence(t *testing.T, job *RecurringJob, d civil.Date) *Occurrence {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.InsertOccurrences(ctx, job.ID, []civil.Date{d}, d)
	require.NoError(t, err)
	occs, err := f.store.ListOccurrences(ctx, OccurrenceFilter{JobID: job.ID, From: d, Through: d})
	require.NoError(t, err)
	require.Len(t, occs, 1)
	return occs[0]
}

type fakeSessions struct {
	mu        sync.Mutex
	err       error
	created   []SessionRequest
	discarded []string
}

func (f *fakeSessions) CreateSession(ctx context.Context, req SessionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.created = append(f.created, req)
	return "session-" + req.OccurrenceID, nil
}

func (f *fakeSessions) DiscardSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded = append(f.discarded, sessionID)
	return nil
}

type fakeInvoices struct {
	mu       sync.Mutex
	err      error
	requests []InvoiceRequest
}

func (f *fakeInvoices) CreateInvoice(ctx context.Context, req InvoiceRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return "invoice-" + req.SessionID, nil
}

func (f *fakeInvoices) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeClients map[string]bool

func (f fakeClients) ClientExists(ctx context.Context, id string) (bool, error) {
	if id == "broken" {
		return false, errors.WrapPersistence(errors.New("directory offline"), "lookup")
	}
	return f[id], nil
}

// flakyStore fails InsertOccurrences for one job.
type flakyStore struct {
	Store
	failJob string
}

func (s *flakyStore) InsertOccurrences(ctx context.Context, jobID string, dates []civil.Date, through civil.Date) (int, error) {
	if jobID == s.failJob {
		return 0, errors.WrapPersistence(errors.New("database is locked"), "insert occurrences")
	}
	return s.Store.InsertOccurrences(ctx, jobID, dates, through)
}

// blockingStore holds ListJobs until release is closed.
type blockingStore struct {
	Store
	release chan struct{}
}

func (s *blockingStore) ListJobs(ctx context.Context, filter JobFilter) ([]*RecurringJob, error) {
	<-s.release
	return s.Store.ListJobs(ctx, filter)
}

// staleStore reports every occurrence as pending, as a reader that lost a
// race with a concurrent resolution would see it.
type staleStore struct {
	Store
}

func (s *staleStore) GetOccurrence(ctx context.Context, id string) (*Occurrence, error) {
	occ, err := s.Store.GetOccurrence(ctx, id)
	if err != nil {
		return nil, err
	}
	occ.Status = StatusPending
	return occ, nil
}

// preLinkedStore links linkID to the occurrence just before the real
// AttachInvoice runs, as a concurrent invoice retry winning the race would.
type preLinkedStore struct {
	Store
	linkID string
}

func (s *preLinkedStore) AttachInvoice(ctx context.Context, id, invoiceID string) (*Occurrence, error) {
	if _, err := s.Store.AttachInvoice(ctx, id, s.linkID); err != nil {
		return nil, err
	}
	return s.Store.AttachInvoice(ctx, id, invoiceID)
}
