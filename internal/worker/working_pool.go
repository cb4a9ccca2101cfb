package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Job func(ctx context.Context) error

// WorkingPool runs submitted jobs on a fixed number of goroutines. Jobs
// already queued when the pool stops are still executed.
type WorkingPool struct {
	NumWorkers int
	JobTimeout time.Duration
	// OnDrop, when set, is called with the action name of every dispatched
	// job the pool could not queue.
	OnDrop  func(action string)
	jobChan chan Job
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewWorkingPool(numWorkers int, queueSize int) *WorkingPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &WorkingPool{
		NumWorkers: numWorkers,
		JobTimeout: 30 * time.Second,
		jobChan:    make(chan Job, queueSize),
	}
}

// SubmitJob queues job without blocking. It returns false when the queue is
// full or the pool has stopped.
func (p *WorkingPool) SubmitJob(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}
	select {
	case p.jobChan <- job:
		return true
	default:
		return false
	}
}

// Dispatch queues fn and never blocks the caller. A job the pool cannot take
// is dropped and counted.
func (p *WorkingPool) Dispatch(name string, fn func(ctx context.Context) error) {
	job := func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			slog.Warn("Side effect failed", "action", name, "error", err)
			return err
		}
		return nil
	}
	if p.SubmitJob(job) {
		return
	}

	p.dropped.Add(1)
	slog.Warn("[WorkingPool] Queue unavailable, dropping job", "action", name)
	if p.OnDrop != nil {
		p.OnDrop(name)
	}
}

// Dropped returns how many dispatched jobs were dropped.
func (p *WorkingPool) Dropped() int64 {
	return p.dropped.Load()
}

// Start blocks until ctx is done and every queued job has finished.
func (p *WorkingPool) Start(ctx context.Context) {
	var workerWg sync.WaitGroup

	for i := range p.NumWorkers {
		workerWg.Add(1)
		go p.worker(ctx, &workerWg, i+1)
	}

	<-ctx.Done()

	slog.Info("[WorkingPool] Shutdown signaled. Closing job channel.")
	p.mu.Lock()
	p.closed = true
	close(p.jobChan)
	p.mu.Unlock()

	workerWg.Wait()
	slog.Info("[WorkingPool] All workers stopped.")
}

func (p *WorkingPool) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()

	// Queued jobs outlive the shutdown signal, each bounded by JobTimeout.
	base := context.WithoutCancel(ctx)
	for job := range p.jobChan {
		jobCtx, cancel := context.WithTimeout(base, p.JobTimeout)
		_ = p.safeExecution(jobCtx, job, id)
		cancel()
	}
}

func (p *WorkingPool) safeExecution(ctx context.Context, job Job, workerID int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[WorkingPool] Panic recovered in job", "worker", workerID, "panic", r)
		}
	}()

	return job(ctx)
}
