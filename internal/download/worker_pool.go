// Package download runs background caching jobs for songs that are being
// streamed so the next play can be served from the cache.
package download

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hachimi/hachimi-core/internal/monitoring"
)

// DefaultLimit is the number of caching jobs kept alive at once
const DefaultLimit = 3

// Job is one background caching request
type Job struct {
	ID        string
	SongID    uint64
	DisplayID string
	ctx       context.Context
	cancel    context.CancelFunc
}

// Result represents the result of a job execution
type Result struct {
	JobID   string
	Success bool
	Error   error
}

// JobHandler is a function that processes a job
type JobHandler func(ctx context.Context, job *Job) error

// WorkerPool runs at most limit jobs. Submitting into a full pool cancels the
// oldest job, so the most recently requested songs win.
type WorkerPool struct {
	limit   int
	handler JobHandler
	logger  *zap.Logger

	mu      sync.Mutex
	active  []*Job // submission order, oldest first
	results chan *Result
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(limit int, handler JobHandler, logger *zap.Logger) *WorkerPool {
	if limit <= 0 {
		limit = DefaultLimit
	}

	return &WorkerPool{
		limit:   limit,
		handler: handler,
		logger:  monitoring.Component(logger, "download"),
		results: make(chan *Result, limit*4),
	}
}

// Start enables job submission. Jobs are cancelled when ctx is.
func (wp *WorkerPool) Start(ctx context.Context) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.started {
		return fmt.Errorf("worker pool already started")
	}
	if wp.handler == nil {
		return fmt.Errorf("job handler not set")
	}

	wp.ctx, wp.cancel = context.WithCancel(ctx)
	wp.started = true
	return nil
}

// Submit starts a job. A job whose ID is already active is ignored.
func (wp *WorkerPool) Submit(job *Job) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if !wp.started {
		return fmt.Errorf("worker pool not started")
	}
	if wp.ctx.Err() != nil {
		return fmt.Errorf("worker pool is shutting down")
	}

	for _, existing := range wp.active {
		if existing.ID == job.ID {
			return nil
		}
	}

	for len(wp.active) >= wp.limit {
		oldest := wp.active[0]
		wp.active = wp.active[1:]
		oldest.cancel()
		wp.logger.Debug("cancelled oldest caching job", zap.String("job_id", oldest.ID))
	}

	job.ctx, job.cancel = context.WithCancel(wp.ctx)
	wp.active = append(wp.active, job)

	wp.wg.Add(1)
	go wp.processJob(job)
	return nil
}

func (wp *WorkerPool) processJob(job *Job) {
	defer wp.wg.Done()
	defer job.cancel()

	err := wp.handler(job.ctx, job)

	wp.remove(job)

	if err != nil {
		wp.logger.Debug("caching job finished with error",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}

	result := &Result{
		JobID:   job.ID,
		Success: err == nil,
		Error:   err,
	}

	select {
	case wp.results <- result:
	default:
		// nobody is draining results
	}
}

func (wp *WorkerPool) remove(job *Job) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	for i, existing := range wp.active {
		if existing == job {
			wp.active = append(wp.active[:i], wp.active[i+1:]...)
			return
		}
	}
}

// Stop cancels every job and waits for the handlers to return
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.started {
		wp.mu.Unlock()
		return
	}
	wp.started = false
	wp.cancel()
	wp.active = nil
	wp.mu.Unlock()

	wp.wg.Wait()
	close(wp.results)
}

// Results returns the results channel. Results are dropped when it is full.
func (wp *WorkerPool) Results() <-chan *Result {
	return wp.results
}

// CancelJob cancels a specific job by ID
func (wp *WorkerPool) CancelJob(jobID string) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	for i, job := range wp.active {
		if job.ID == jobID {
			job.cancel()
			wp.active = append(wp.active[:i], wp.active[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("job not found: %s", jobID)
}

// CancelAll cancels all active jobs
func (wp *WorkerPool) CancelAll() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	for _, job := range wp.active {
		job.cancel()
	}
	if len(wp.active) > 0 {
		wp.logger.Info("cancelled caching jobs", zap.Int("count", len(wp.active)))
	}
	wp.active = nil
}

// GetActiveJobCount returns the number of currently active jobs
func (wp *WorkerPool) GetActiveJobCount() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return len(wp.active)
}

// IsJobActive checks if a job is currently active
func (wp *WorkerPool) IsJobActive(jobID string) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	for _, job := range wp.active {
		if job.ID == jobID {
			return true
		}
	}
	return false
}

// GetLimit returns the maximum number of live jobs
func (wp *WorkerPool) GetLimit() int {
	return wp.limit
}
