package refresh

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Lifecycle(t *testing.T) {
	t.Parallel()

	var processed atomic.Int64
	p := newPool(2, 8, func(context.Context, int) { processed.Add(1) }, nil)

	assert.ErrorIs(t, p.submit(1), ErrPoolNotStarted)

	require.NoError(t, p.start(context.Background()))
	assert.ErrorIs(t, p.start(context.Background()), ErrPoolAlreadyStarted)

	for i := 0; i < 5; i++ {
		require.NoError(t, p.submit(i))
	}
	require.NoError(t, p.stop(time.Second))
	assert.Equal(t, int64(5), processed.Load(), "stop drains queued jobs")

	assert.ErrorIs(t, p.submit(6), ErrPoolStopped)
	assert.NoError(t, p.stop(time.Second), "second stop is a no-op")
}

func TestPool_QueueFull(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	p := newPool(1, 1, func(context.Context, int) {
		started <- struct{}{}
		<-release
	}, nil)
	require.NoError(t, p.start(context.Background()))

	require.NoError(t, p.submit(1))
	<-started
	require.NoError(t, p.submit(2))
	assert.Equal(t, 1, p.depth())
	assert.ErrorIs(t, p.submit(3), ErrQueueFull)

	close(release)
	require.NoError(t, p.stop(time.Second))
}

func TestPool_PanicIsolated(t *testing.T) {
	t.Parallel()

	var (
		mu        sync.Mutex
		panicked  []int
		processed atomic.Int64
	)
	p := newPool(1, 4,
		func(_ context.Context, job int) {
			if job == 1 {
				panic("boom")
			}
			processed.Add(1)
		},
		func(job int, recovered any) {
			mu.Lock()
			defer mu.Unlock()
			panicked = append(panicked, job)
			assert.Equal(t, "boom", recovered)
		},
	)
	require.NoError(t, p.start(context.Background()))

	require.NoError(t, p.submit(1))
	require.NoError(t, p.submit(2))
	require.NoError(t, p.stop(time.Second))

	assert.Equal(t, int64(1), processed.Load(), "the worker survives a panicking job")
	mu.Lock()
	assert.Equal(t, []int{1}, panicked)
	mu.Unlock()
}

func TestPool_StopTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)

	started := make(chan struct{})
	p := newPool(1, 1, func(context.Context, int) {
		close(started)
		<-release
	}, nil)
	require.NoError(t, p.start(context.Background()))
	require.NoError(t, p.submit(1))
	<-started

	assert.ErrorIs(t, p.stop(20*time.Millisecond), ErrStopTimeout)
}

func TestPool_ContextCancelStopsWorkers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := newPool(3, 1, func(context.Context, int) {}, nil)
	require.NoError(t, p.start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("workers did not exit after cancel")
	}
}

func TestNewPool_MinimumSizes(t *testing.T) {
	t.Parallel()

	p := newPool(0, -1, func(context.Context, int) {}, nil)
	assert.Equal(t, 1, p.workers)
	assert.Equal(t, 1, p.queueSize)
}
