package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startPool(t *testing.T, workers, queue int) (*WorkingPool, context.CancelFunc, <-chan struct{}) {
	t.Helper()
	pool := NewWorkingPool(workers, queue)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Start(ctx)
		close(done)
	}()
	return pool, cancel, done
}

func TestWorkingPool_RunsSubmittedJobs(t *testing.T) {
	pool, cancel, done := startPool(t, 3, 10)

	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		require.True(t, pool.SubmitJob(func(ctx context.Context) error {
			defer wg.Done()
			ran.Add(1)
			return nil
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(5), ran.Load())

	cancel()
	<-done
}

func TestWorkingPool_DrainsQueueOnShutdown(t *testing.T) {
	pool := NewWorkingPool(1, 10)
	var ran atomic.Int32
	for i := 0; i < 4; i++ {
		require.True(t, pool.SubmitJob(func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pool.Start(ctx)

	assert.Equal(t, int32(4), ran.Load(), "queued jobs run after shutdown is signalled")
	assert.False(t, pool.SubmitJob(func(ctx context.Context) error { return nil }), "stopped pool rejects jobs")
}

func TestWorkingPool_FullQueueRejects(t *testing.T) {
	pool := NewWorkingPool(1, 1)

	assert.True(t, pool.SubmitJob(func(ctx context.Context) error { return nil }))
	assert.False(t, pool.SubmitJob(func(ctx context.Context) error { return nil }))
}

func TestWorkingPool_DispatchDropsWhenQueueFull(t *testing.T) {
	pool := NewWorkingPool(1, 0)
	var dropped []string
	pool.OnDrop = func(action string) { dropped = append(dropped, action) }

	ran := false
	pool.Dispatch("archive_report", func(ctx context.Context) error {
		ran = true
		return nil
	})

	assert.False(t, ran, "the caller never runs the job itself")
	assert.Equal(t, int64(1), pool.Dropped())
	assert.Equal(t, []string{"archive_report"}, dropped)
}

func TestWorkingPool_DispatchDropsAfterShutdown(t *testing.T) {
	pool, cancel, done := startPool(t, 1, 10)
	cancel()
	<-done

	ran := false
	pool.Dispatch("certificate_status", func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.False(t, ran)
	assert.Equal(t, int64(1), pool.Dropped())
}

func TestWorkingPool_PanicDoesNotKillWorker(t *testing.T) {
	pool, cancel, done := startPool(t, 1, 10)
	defer func() {
		cancel()
		<-done
	}()

	require.True(t, pool.SubmitJob(func(ctx context.Context) error { panic("boom") }))

	finished := make(chan struct{})
	require.True(t, pool.SubmitJob(func(ctx context.Context) error {
		close(finished)
		return nil
	}))

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
}
