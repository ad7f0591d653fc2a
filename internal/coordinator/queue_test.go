package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func awaitResult(t *testing.T, ch <-chan QueueResult) QueueResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for queue result")
		return QueueResult{}
	}
}

func TestQueueRunsJob(t *testing.T) {
	q := NewRequestQueue(time.Millisecond, nil)
	defer q.Shutdown()

	r := awaitResult(t, q.Enqueue(1, "positions", func(context.Context) (any, error) {
		return "done", nil
	}))
	if r.Skipped || r.Err != nil {
		t.Fatalf("unexpected result: %+v", r)
	}
	if r.Value != "done" {
		t.Errorf("got value %v, want %q", r.Value, "done")
	}
}

func TestQueueErrorPropagation(t *testing.T) {
	q := NewRequestQueue(time.Millisecond, nil)
	defer q.Shutdown()

	boom := errors.New("boom")
	r := awaitResult(t, q.Enqueue(1, "sensor_data", func(context.Context) (any, error) {
		return nil, boom
	}))
	if !errors.Is(r.Err, boom) {
		t.Errorf("got error %v, want %v", r.Err, boom)
	}

	// A failed job must not poison the lane.
	r = awaitResult(t, q.Enqueue(1, "sensor_data", func(context.Context) (any, error) {
		return 7, nil
	}))
	if r.Err != nil || r.Value != 7 {
		t.Errorf("lane unusable after failure: %+v", r)
	}
}

func TestQueueDuplicateSuppression(t *testing.T) {
	q := NewRequestQueue(time.Millisecond, nil)
	defer q.Shutdown()

	started := make(chan struct{})
	release := make(chan struct{})
	first := q.Enqueue(1, "notifications", func(context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started

	// Same type while the first is running: skipped without running.
	dup := awaitResult(t, q.Enqueue(1, "notifications", func(context.Context) (any, error) {
		t.Error("duplicate job must not run")
		return nil, nil
	}))
	if !dup.Skipped {
		t.Errorf("duplicate job not skipped: %+v", dup)
	}

	// A different type queues normally behind the running job.
	other := q.Enqueue(1, "sensor_data", func(context.Context) (any, error) {
		return "other", nil
	})

	close(release)
	if r := awaitResult(t, first); r.Err != nil {
		t.Errorf("first job failed: %v", r.Err)
	}
	if r := awaitResult(t, other); r.Skipped || r.Value != "other" {
		t.Errorf("queued job of different type: %+v", r)
	}
}

func TestQueuePerDeviceSpacing(t *testing.T) {
	const delay = 50 * time.Millisecond
	q := NewRequestQueue(delay, nil)
	defer q.Shutdown()

	var mu sync.Mutex
	var starts []time.Time
	job := func(context.Context) (any, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil, nil
	}

	first := q.Enqueue(1, "a", job)
	second := q.Enqueue(1, "b", job)
	awaitResult(t, first)
	awaitResult(t, second)

	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 2 {
		t.Fatalf("got %d job runs, want 2", len(starts))
	}
	if gap := starts[1].Sub(starts[0]); gap < delay {
		t.Errorf("jobs on the same device started %v apart, want at least %v", gap, delay)
	}
}

func TestQueueCrossDeviceParallel(t *testing.T) {
	q := NewRequestQueue(time.Millisecond, nil)
	defer q.Shutdown()

	// Each job blocks until the other has started. Only parallel
	// execution across device lanes lets both finish.
	var wg sync.WaitGroup
	wg.Add(2)
	job := func(context.Context) (any, error) {
		wg.Done()
		wg.Wait()
		return nil, nil
	}

	first := q.Enqueue(1, "positions", job)
	second := q.Enqueue(2, "positions", job)

	if r := awaitResult(t, first); r.Err != nil {
		t.Errorf("device 1 job: %v", r.Err)
	}
	if r := awaitResult(t, second); r.Err != nil {
		t.Errorf("device 2 job: %v", r.Err)
	}
}

func TestQueueShutdownResolvesQueued(t *testing.T) {
	q := NewRequestQueue(time.Millisecond, nil)

	started := make(chan struct{})
	running := q.Enqueue(1, "a", func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	<-started
	queued := q.Enqueue(1, "b", func(context.Context) (any, error) {
		return nil, nil
	})

	q.Shutdown()

	if r := awaitResult(t, running); r.Err == nil {
		t.Error("running job should observe cancellation")
	}
	if r := awaitResult(t, queued); r.Err == nil {
		t.Error("queued job should resolve with a cancellation error")
	}
}

func TestQueueEnqueueAfterShutdown(t *testing.T) {
	q := NewRequestQueue(time.Millisecond, nil)
	q.Shutdown()
	// Idempotent.
	q.Shutdown()

	r := awaitResult(t, q.Enqueue(1, "a", func(context.Context) (any, error) {
		t.Error("job must not run after shutdown")
		return nil, nil
	}))
	if !errors.Is(r.Err, context.Canceled) {
		t.Errorf("got error %v, want context.Canceled", r.Err)
	}
}
