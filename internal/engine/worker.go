package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool is a bounded goroutine pool. The sweeper uses it to expire
// instances concurrently without unbounded fan-out.
type WorkerPool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	done   chan struct{}
	closed bool

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64

	// OnError, when set, receives every task error and recovered panic.
	OnError func(err error)
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Size returns the pool's concurrency limit.
func (p *WorkerPool) Size() int { return cap(p.sem) }

// Submit enqueues work into the pool. It blocks while the pool is at
// capacity and respects context cancellation while waiting.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.failed.Add(1)
				p.report(fmt.Errorf("worker panic: %v", r))
			}
			p.active.Add(-1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			p.failed.Add(1)
			p.report(err)
			return
		}
		p.completed.Add(1)
	}()

	return nil
}

func (p *WorkerPool) report(err error) {
	if p.OnError != nil {
		p.OnError(err)
	}
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown prevents new submissions and waits for active work to complete.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
