package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"recurbill/internal/clock"
	"recurbill/internal/errors"
)

// ParseSchedule parses a standard five-field cron expression or a
// descriptor such as "@every 15m" or "@hourly".
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid tick schedule %q", spec), errors.ErrValidation)
	}
	return sched, nil
}

// Ticker triggers a refresh as of the clock's current date on a cron
// schedule. A tick that fires while the previous one is still running is
// skipped.
type Ticker struct {
	cron   *cron.Cron
	driver *Driver
	clock  clock.Clock
	spec   string
	log    *zap.SugaredLogger

	mu       sync.Mutex
	lastTick time.Time
	ticks    int64
}

// NewTicker creates a stopped Ticker for spec.
func NewTicker(spec string, driver *Driver, clk clock.Clock, log *zap.SugaredLogger) (*Ticker, error) {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}

	cl := cronLogger{log: log}
	t := &Ticker{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		driver: driver,
		clock:  clk,
		spec:   spec,
		log:    log,
	}
	t.cron.Schedule(sched, cron.FuncJob(t.Tick))
	return t, nil
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.cron.Start()
	t.log.Infow("Refresh ticker started", "schedule", t.spec)
}

// Stop stops scheduling and waits for a running tick to finish.
func (t *Ticker) Stop() {
	<-t.cron.Stop().Done()
	t.log.Infow("Refresh ticker stopped", "ticks", t.Ticks())
}

// Tick runs one refresh as of today.
func (t *Ticker) Tick() {
	now := t.clock.Now()
	t.mu.Lock()
	t.lastTick = now
	t.ticks++
	t.mu.Unlock()

	res, err := t.driver.Refresh(context.Background(), clock.Today(t.clock))
	if err != nil {
		t.log.Warnw("Scheduled refresh failed", "error", err)
		return
	}
	t.log.Infow("Scheduled refresh",
		"as_of", res.AsOf,
		"inserted", res.Inserted,
		"due", len(res.Due),
		"failures", len(res.Failures),
		"coalesced", res.Coalesced)
}

// Ticks returns how many ticks have run.
func (t *Ticker) Ticks() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticks
}

// LastTick returns the clock time of the most recent tick.
func (t *Ticker) LastTick() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTick
}

// Next returns when the ticker fires next, or the zero time if it is not
// running.
func (t *Ticker) Next() time.Time {
	entries := t.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// cronLogger adapts zap to the robfig/cron Logger interface.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
