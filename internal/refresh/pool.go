package refresh

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Pool errors.
var (
	ErrPoolNotStarted     = errors.New("refresh pool not started")
	ErrPoolStopped        = errors.New("refresh pool stopped")
	ErrPoolAlreadyStarted = errors.New("refresh pool already started")
	ErrQueueFull          = errors.New("refresh pool queue full")
	ErrStopTimeout        = errors.New("timeout waiting for refresh workers to stop")
)

// pool runs jobs on a fixed number of workers fed by a bounded queue.
// Submit never blocks: a full queue rejects the job.
type pool[T any] struct {
	workers   int
	queueSize int
	process   func(context.Context, T)
	onPanic   func(job T, recovered any)

	queue chan T
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

func newPool[T any](
	workers, queueSize int, process func(context.Context, T), onPanic func(T, any),
) *pool[T] {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &pool[T]{
		workers:   workers,
		queueSize: queueSize,
		process:   process,
		onPanic:   onPanic,
		queue:     make(chan T, queueSize),
	}
}

func (p *pool[T]) start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
	p.started = true
	return nil
}

func (p *pool[T]) submit(job T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// stop closes the queue and waits for queued jobs to finish.
func (p *pool[T]) stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

func (p *pool[T]) depth() int {
	return len(p.queue)
}

func (p *pool[T]) work(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(ctx, job)
		}
	}
}

// run isolates the worker from a panicking job.
func (p *pool[T]) run(ctx context.Context, job T) {
	defer func() {
		if r := recover(); r != nil && p.onPanic != nil {
			p.onPanic(job, r)
		}
	}()
	p.process(ctx, job)
}
