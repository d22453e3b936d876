// Package worker runs batches of independent tasks on a fixed set of
// goroutines.
package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"recurbill/internal/errors"
)

var (
	// ErrPoolNotStarted is returned for tasks handed to a pool before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStopped is returned for tasks that were queued when Stop ran.
	ErrPoolStopped = errors.New("worker pool stopped")
)

// Task represents a unit of work for the worker pool
type Task interface {
	Process(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context) error

// Process calls f.
func (f TaskFunc) Process(ctx context.Context) error { return f(ctx) }

type queued struct {
	ctx  context.Context
	task Task
	done func(error)
}

// WorkerPool manages a pool of worker goroutines
// and a queue of tasks to process
type WorkerPool struct {
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	workers  int
	tasks    chan queued // buffered channel for tasks
	queueCap int         // capacity of the task queue

	mu      sync.RWMutex
	started bool
	stopped bool

	processed atomic.Int64
	failed    atomic.Int64
}

// PoolStats holds monitoring information about the worker pool
type PoolStats struct {
	Workers     int   `json:"workers"`
	QueueLength int   `json:"queue_length"`
	Processed   int64 `json:"processed"`
	Failed      int64 `json:"failed"`
}

// NewWorkerPool creates a new WorkerPool with the given number of workers.
// Values below one are raised to one.
func NewWorkerPool(workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	queueCap := workers * 4
	return &WorkerPool{
		ctx:      ctx,
		cancel:   cancel,
		workers:  workers,
		tasks:    make(chan queued, queueCap),
		queueCap: queueCap,
	}
}

// Start launches the worker goroutines
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop()
	}
}

// Stop signals all workers to exit and waits for them to finish. Tasks still
// queued complete with ErrPoolStopped.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	for {
		select {
		case q := <-p.tasks:
			q.done(ErrPoolStopped)
		default:
			return
		}
	}
}

// Run hands every task to the pool and blocks until all of them have
// finished. The returned slice is parallel to tasks; a nil entry means that
// task succeeded. A failing task never affects the others.
func (p *WorkerPool) Run(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))
	var wg sync.WaitGroup

	for i, task := range tasks {
		i := i
		wg.Add(1)
		q := queued{ctx: ctx, task: task, done: func(err error) {
			errs[i] = err
			wg.Done()
		}}

		p.mu.RLock()
		switch {
		case p.stopped:
			q.done(ErrPoolStopped)
		case !p.started:
			q.done(ErrPoolNotStarted)
		default:
			p.tasks <- q
		}
		p.mu.RUnlock()
	}

	wg.Wait()
	return errs
}

// workerLoop is the main loop for each worker goroutine
func (p *WorkerPool) workerLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case q := <-p.tasks:
			q.done(p.process(q))
		}
	}
}

func (p *WorkerPool) process(q queued) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("task panicked: %v", r)
		}
		p.processed.Add(1)
		if err != nil {
			p.failed.Add(1)
		}
	}()
	return q.task.Process(q.ctx)
}

// Workers returns the number of worker goroutines
func (p *WorkerPool) Workers() int {
	return p.workers
}

// Stats returns current statistics about the worker pool
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Workers:     p.workers,
		QueueLength: len(p.tasks),
		Processed:   p.processed.Load(),
		Failed:      p.failed.Load(),
	}
}
