package extraction

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runnerFunc func(ctx context.Context, id uuid.UUID) error

func (f runnerFunc) Run(ctx context.Context, id uuid.UUID) error { return f(ctx, id) }

func TestDispatcher_RunsEveryJob(t *testing.T) {
	var mu sync.Mutex
	seen := map[uuid.UUID]bool{}
	d := NewDispatcher(runnerFunc(func(_ context.Context, id uuid.UUID) error {
		mu.Lock()
		seen[id] = true
		mu.Unlock()
		return nil
	}), nil, WithWorkers(3), WithQueueSize(4))

	ids := make([]uuid.UUID, 10)
	for i := range ids {
		ids[i] = uuid.New()
		require.NoError(t, d.Enqueue(context.Background(), ids[i]))
	}
	require.NoError(t, d.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		assert.True(t, seen[id])
	}
}

func TestDispatcher_BoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	d := NewDispatcher(runnerFunc(func(context.Context, uuid.UUID) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil
	}), nil, WithWorkers(2))

	for i := 0; i < 8; i++ {
		require.NoError(t, d.Enqueue(context.Background(), uuid.New()))
	}
	require.NoError(t, d.Shutdown(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestDispatcher_EnqueueAfterShutdown(t *testing.T) {
	d := NewDispatcher(runnerFunc(func(context.Context, uuid.UUID) error { return nil }), nil)
	require.NoError(t, d.Shutdown(context.Background()))
	assert.ErrorIs(t, d.Enqueue(context.Background(), uuid.New()), ErrQueueClosed)
	assert.NoError(t, d.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestDispatcher_RecoversFromPanics(t *testing.T) {
	var ran atomic.Int32
	d := NewDispatcher(runnerFunc(func(_ context.Context, id uuid.UUID) error {
		if ran.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}), nil, WithWorkers(1))

	require.NoError(t, d.Enqueue(context.Background(), uuid.New()))
	require.NoError(t, d.Enqueue(context.Background(), uuid.New()))
	require.NoError(t, d.Shutdown(context.Background()))
	assert.EqualValues(t, 2, ran.Load())
}

func TestDispatcher_ShutdownDeadlineCancelsRuns(t *testing.T) {
	var cancelled atomic.Bool
	started := make(chan struct{})
	d := NewDispatcher(runnerFunc(func(ctx context.Context, _ uuid.UUID) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return nil
	}), nil, WithWorkers(1))

	require.NoError(t, d.Enqueue(context.Background(), uuid.New()))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Shutdown(ctx), context.DeadlineExceeded)
	assert.True(t, cancelled.Load())
}

func TestDispatcher_JobTimeout(t *testing.T) {
	errs := make(chan error, 1)
	d := NewDispatcher(runnerFunc(func(ctx context.Context, _ uuid.UUID) error {
		<-ctx.Done()
		errs <- ctx.Err()
		return nil
	}), nil, WithJobTimeout(10*time.Millisecond))

	require.NoError(t, d.Enqueue(context.Background(), uuid.New()))
	assert.ErrorIs(t, <-errs, context.DeadlineExceeded)
	require.NoError(t, d.Shutdown(context.Background()))
}
