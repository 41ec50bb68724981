package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPoolRunBatchCompletesAllSlots(t *testing.T) {
	pool := NewPool(zap.NewNop(), 4, nil)
	pool.Start()
	defer pool.Stop()

	results := make([]int, 100)
	err := pool.RunBatch(context.Background(), len(results), func(i int) error {
		results[i] = i * i
		return nil
	})
	require.NoError(t, err)

	for i, got := range results {
		assert.Equal(t, i*i, got)
	}
}

func TestPoolRecoversFromPanic(t *testing.T) {
	pool := NewPool(zap.NewNop(), 2, nil)
	pool.Start()
	defer pool.Stop()

	var mu sync.Mutex
	completed := 0
	err := pool.RunBatch(context.Background(), 10, func(i int) error {
		if i == 3 {
			panic("boom")
		}
		mu.Lock()
		completed++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 9, completed, "surviving tasks must all run")
}

func TestPoolSubmitCancelledContext(t *testing.T) {
	pool := NewPool(zap.NewNop(), 1, nil)
	pool.Start()
	defer pool.Stop()

	block := make(chan struct{})
	started := make(chan struct{})

	// Occupy the only worker.
	err := pool.Submit(context.Background(), func() error {
		close(started)
		<-block
		return nil
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = pool.Submit(ctx, func() error { return nil })
	require.ErrorIs(t, err, context.Canceled)

	close(block)
}

func TestPoolRunBatchStopsDispatchOnCancel(t *testing.T) {
	pool := NewPool(zap.NewNop(), 1, nil)
	pool.Start()
	defer pool.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- pool.RunBatch(ctx, 5, func(i int) error {
			if i == 0 {
				close(started)
				<-block
			}
			return nil
		})
	}()

	<-started
	cancel()
	close(block)

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("RunBatch did not return after cancellation")
	}
}

func TestPoolStopIdempotent(t *testing.T) {
	pool := NewPool(zap.NewNop(), 2, nil)
	pool.Start()
	pool.Stop()
	pool.Stop()
}

func TestPoolDefaultSize(t *testing.T) {
	pool := NewPool(zap.NewNop(), 0, nil)
	assert.Greater(t, pool.Size(), 0)
}
