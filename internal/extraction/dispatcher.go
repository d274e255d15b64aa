package extraction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/observability"
)

// ErrQueueClosed is returned by Enqueue after Shutdown.
var ErrQueueClosed = errors.New("job queue is shut down")

// Dispatcher feeds queued job ids to a fixed number of workers, each running
// one job at a time.
type Dispatcher struct {
	runner  Runner
	logger  *observability.Logger
	workers int
	timeout time.Duration

	ch     chan uuid.UUID
	wg     sync.WaitGroup
	once   sync.Once
	base   context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWorkers sets the number of jobs processed concurrently.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithQueueSize sets how many jobs may wait before Enqueue blocks.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.ch = make(chan uuid.UUID, n)
		}
	}
}

// WithJobTimeout caps a single job run. By default runs are bounded only by
// the deadline the orchestrator derives from the job's own limits.
func WithJobTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// NewDispatcher starts the workers.
func NewDispatcher(runner Runner, logger *observability.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = observability.NopLogger()
	}
	d := &Dispatcher{
		runner:  runner,
		logger:  logger.WithOperation("dispatcher"),
		workers: 4,
		ch:      make(chan uuid.UUID, 256),
	}
	for _, o := range opts {
		o(d)
	}
	d.base, d.cancel = context.WithCancel(context.Background())
	d.start()
	return d
}

func (d *Dispatcher) start() {
	d.once.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.work(i + 1)
		}
	})
}

func (d *Dispatcher) work(workerID int) {
	defer d.wg.Done()
	for id := range d.ch {
		d.runOne(workerID, id)
	}
}

func (d *Dispatcher) runOne(workerID int, id uuid.UUID) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if d.timeout > 0 {
		ctx, cancel = context.WithTimeout(d.base, d.timeout)
	} else {
		ctx, cancel = context.WithCancel(d.base)
	}
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Int("worker_id", workerID).
				Str("job_id", id.String()).
				Str("panic", fmt.Sprint(r)).
				Msg("Job run panicked")
		}
	}()

	start := time.Now()
	if err := d.runner.Run(ctx, id); err != nil {
		d.logger.Error().Int("worker_id", workerID).Str("job_id", id.String()).Err(err).Msg("Job run failed")
		return
	}
	d.logger.Debug().
		Int("worker_id", workerID).
		Str("job_id", id.String()).
		Dur("elapsed", time.Since(start)).
		Msg("Job run finished")
}

// Enqueue schedules a job. It blocks while the queue is full.
func (d *Dispatcher) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrQueueClosed
	}
	select {
	case d.ch <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting jobs and waits for running ones. When ctx expires
// first, running jobs are cancelled and recorded as interrupted.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); d.wg.Wait() }()

	select {
	case <-done:
		d.cancel()
		d.logger.Info().Msg("Job queue drained")
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		d.logger.Warn().Msg("Shutdown deadline reached, running jobs cancelled")
		return ctx.Err()
	}
}
