package download

import (
	"context"
	"errors"
	"testing"
	"time"
)

func blockingHandler(started chan<- string) JobHandler {
	return func(ctx context.Context, job *Job) error {
		if started != nil {
			started <- job.ID
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

func TestWorkerPoolCreation(t *testing.T) {
	pool := NewWorkerPool(0, func(ctx context.Context, job *Job) error { return nil }, nil)

	if pool.GetLimit() != DefaultLimit {
		t.Errorf("Expected limit %d, got %d", DefaultLimit, pool.GetLimit())
	}
}

func TestWorkerPoolStartStop(t *testing.T) {
	pool := NewWorkerPool(2, func(ctx context.Context, job *Job) error { return nil }, nil)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	if err := pool.Start(context.Background()); err == nil {
		t.Error("Expected error when starting already started pool")
	}
	pool.Stop()
}

func TestWorkerPoolSubmitBeforeStart(t *testing.T) {
	pool := NewWorkerPool(2, func(ctx context.Context, job *Job) error { return nil }, nil)

	if err := pool.Submit(&Job{ID: "a"}); err == nil {
		t.Error("Expected error when submitting to a stopped pool")
	}
}

func TestWorkerPoolJobProcessing(t *testing.T) {
	processed := make(chan string, 10)
	pool := NewWorkerPool(3, func(ctx context.Context, job *Job) error {
		processed <- job.ID
		return nil
	}, nil)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop()

	for _, id := range []string{"1", "2", "3"} {
		if err := pool.Submit(&Job{ID: id}); err != nil {
			t.Errorf("Failed to submit job: %v", err)
		}
	}

	timeout := time.After(5 * time.Second)
	for count := 0; count < 3; {
		select {
		case <-processed:
			count++
		case <-timeout:
			t.Fatalf("Timeout waiting for jobs, got %d/3", count)
		}
	}
}

func TestWorkerPoolCancelsOldestWhenFull(t *testing.T) {
	started := make(chan string, 10)
	pool := NewWorkerPool(2, blockingHandler(started), nil)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop()

	for _, id := range []string{"first", "second", "third"} {
		if err := pool.Submit(&Job{ID: id}); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case result := <-pool.Results():
		if result.JobID != "first" {
			t.Errorf("cancelled job = %s, want first", result.JobID)
		}
		if !errors.Is(result.Error, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", result.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for the oldest job to be cancelled")
	}

	if pool.IsJobActive("first") {
		t.Error("first should no longer be active")
	}
	if !pool.IsJobActive("second") || !pool.IsJobActive("third") {
		t.Error("second and third should still be active")
	}
	if got := pool.GetActiveJobCount(); got != 2 {
		t.Errorf("active = %d, want 2", got)
	}
}

func TestWorkerPoolIgnoresDuplicateJob(t *testing.T) {
	started := make(chan string, 10)
	pool := NewWorkerPool(3, blockingHandler(started), nil)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop()

	_ = pool.Submit(&Job{ID: "same"})
	_ = pool.Submit(&Job{ID: "same"})

	if got := pool.GetActiveJobCount(); got != 1 {
		t.Errorf("active = %d, want 1", got)
	}
}

func TestWorkerPoolJobCancellation(t *testing.T) {
	started := make(chan string, 1)
	pool := NewWorkerPool(2, blockingHandler(started), nil)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop()

	if err := pool.Submit(&Job{ID: "test-job"}); err != nil {
		t.Fatal(err)
	}
	<-started

	if err := pool.CancelJob("test-job"); err != nil {
		t.Errorf("Failed to cancel job: %v", err)
	}
	if err := pool.CancelJob("test-job"); err == nil {
		t.Error("Expected error cancelling an unknown job")
	}

	select {
	case result := <-pool.Results():
		if result.Success {
			t.Error("Expected job to fail after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Error("Timeout waiting for cancelled job result")
	}
}

func TestWorkerPoolCancelAll(t *testing.T) {
	pool := NewWorkerPool(3, blockingHandler(nil), nil)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop()

	_ = pool.Submit(&Job{ID: "a"})
	_ = pool.Submit(&Job{ID: "b"})
	pool.CancelAll()

	if got := pool.GetActiveJobCount(); got != 0 {
		t.Errorf("active = %d, want 0", got)
	}
}

func TestWorkerPoolStopCancelsRunningJobs(t *testing.T) {
	started := make(chan string, 1)
	pool := NewWorkerPool(1, blockingHandler(started), nil)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	_ = pool.Submit(&Job{ID: "long"})
	<-started

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
