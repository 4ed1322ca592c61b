package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RespectsLimit(t *testing.T) {
	pool := NewWorkerPool(3)
	defer pool.Shutdown()
	assert.Equal(t, 3, pool.Size())

	var current, peak atomic.Int64
	for range 12 {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			c := current.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, int64(12), pool.Metrics().Completed)
}

func TestWorkerPool_Backpressure(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	started, block := make(chan struct{}), make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started

	submitted := make(chan struct{})
	go func() {
		_ = pool.Submit(context.Background(), func(context.Context) error { return nil })
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("second submit should block while the pool is full")
	case <-time.After(30 * time.Millisecond):
	}

	close(block)
	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("second submit never unblocked")
	}
	pool.Wait()
}

func TestWorkerPool_ErrorsAndPanicsReported(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var mu sync.Mutex
	var reported []error
	pool.OnError = func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}

	boom := errors.New("expire failed")
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { return boom }))
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { panic("bad row") }))
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { return nil }))
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Completed)
	assert.Equal(t, int64(2), m.Failed)
	assert.Equal(t, int64(1), m.Panics)
	assert.Zero(t, m.Active)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 2)
	assert.Contains(t, reported, boom)
}

func TestWorkerPool_SubmitCancelled(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-block
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Submit(ctx, func(context.Context) error { return nil })
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("submit did not observe cancellation")
	}
	close(block)
}

func TestWorkerPool_Shutdown(t *testing.T) {
	pool := NewWorkerPool(2)

	var done atomic.Int64
	for range 4 {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			time.Sleep(10 * time.Millisecond)
			done.Add(1)
			return nil
		}))
	}
	pool.Shutdown()
	pool.Shutdown()

	assert.Equal(t, int64(4), done.Load())
	assert.ErrorIs(t, pool.Submit(context.Background(), func(context.Context) error { return nil }), ErrPoolShutdown)
}
