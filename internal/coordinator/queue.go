package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/pajbridge/internal/observability"
)

// defaultRequestDelay is the minimum gap between consecutive vendor API
// calls on the same device. Different devices are not affected by each
// other's delays.
const defaultRequestDelay = 200 * time.Millisecond

// QueueResult is the outcome of one enqueued job. Skipped is true when
// the job was suppressed because a job of the same type was already
// queued or running for the device; Value and Err are then both unset.
type QueueResult struct {
	Value   any
	Err     error
	Skipped bool
}

type queuedJob struct {
	jobType string
	run     func(context.Context) (any, error)
	result  chan QueueResult
}

// RequestQueue serializes vendor API calls per device. Jobs for the
// same device run one at a time, FIFO, with a minimum delay between
// consecutive jobs; jobs for different devices run fully in parallel.
// Enqueueing a job type that is already queued or running for a device
// resolves immediately to a skipped result, so slow API responses never
// pile up duplicate work.
type RequestQueue struct {
	delay  time.Duration
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[int]*deviceWorker
	closed  bool
}

// deviceWorker is the per-device FIFO lane: one goroutine consuming
// jobs from a dedicated channel for the queue's lifetime.
type deviceWorker struct {
	jobs chan queuedJob

	mu      sync.Mutex
	pending map[string]bool // job types waiting in the channel
	running string          // job type currently executing, "" if idle
}

// NewRequestQueue creates a queue with the given inter-request delay.
// A non-positive delay selects the default (200 ms).
func NewRequestQueue(delay time.Duration, logger *slog.Logger) *RequestQueue {
	if delay <= 0 {
		delay = defaultRequestDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RequestQueue{
		delay:   delay,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[int]*deviceWorker),
	}
}

// Enqueue schedules run on the FIFO lane for deviceID. The returned
// channel always delivers exactly one QueueResult, so callers can await
// it unconditionally: a duplicate job type resolves immediately as
// skipped, a cancelled queue resolves with the cancellation error, and
// a job failure carries the job's error without affecting the worker.
func (q *RequestQueue) Enqueue(deviceID int, jobType string, run func(context.Context) (any, error)) <-chan QueueResult {
	result := make(chan QueueResult, 1)

	// The whole enqueue happens under q.mu so it is strictly ordered
	// against Shutdown: once closed is observed false here, the job is
	// in the lane before Shutdown's final drain runs.
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		result <- QueueResult{Err: context.Canceled}
		return result
	}
	w, ok := q.workers[deviceID]
	if !ok {
		w = &deviceWorker{
			// Duplicate suppression bounds the channel occupancy to
			// one job per distinct job type, so this buffer never
			// fills and the send below never blocks.
			jobs:    make(chan queuedJob, 16),
			pending: make(map[string]bool),
		}
		q.workers[deviceID] = w
		q.wg.Add(1)
		go q.work(deviceID, w)
	}

	w.mu.Lock()
	if w.pending[jobType] || w.running == jobType {
		w.mu.Unlock()
		observability.QueueJobs.WithLabelValues(jobType, "skipped").Inc()
		result <- QueueResult{Skipped: true}
		return result
	}
	w.pending[jobType] = true
	w.mu.Unlock()

	w.jobs <- queuedJob{jobType: jobType, run: run, result: result}
	return result
}

// work consumes one device's job lane until the queue shuts down.
func (q *RequestQueue) work(deviceID int, w *deviceWorker) {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			q.drain(w)
			return
		case job := <-w.jobs:
			w.mu.Lock()
			delete(w.pending, job.jobType)
			w.running = job.jobType
			w.mu.Unlock()

			value, err := job.run(q.ctx)
			if err != nil {
				observability.QueueJobs.WithLabelValues(job.jobType, "error").Inc()
			} else {
				observability.QueueJobs.WithLabelValues(job.jobType, "ok").Inc()
			}
			job.result <- QueueResult{Value: value, Err: err}

			w.mu.Lock()
			w.running = ""
			w.mu.Unlock()

			// Minimum inter-request delay before the next job for
			// this device, regardless of the job's outcome.
			timer := time.NewTimer(q.delay)
			select {
			case <-q.ctx.Done():
				timer.Stop()
				q.drain(w)
				return
			case <-timer.C:
			}
		}
	}
}

// drain resolves any jobs still sitting in the lane so no caller hangs
// across shutdown.
func (q *RequestQueue) drain(w *deviceWorker) {
	for {
		select {
		case job := <-w.jobs:
			w.mu.Lock()
			delete(w.pending, job.jobType)
			w.mu.Unlock()
			job.result <- QueueResult{Err: q.ctx.Err()}
		default:
			return
		}
	}
}

// Shutdown cancels all worker lanes and waits for them to exit.
// Idempotent; jobs still queued resolve with a cancellation error.
func (q *RequestQueue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()

	// Workers drain on their way out, but a job enqueued between the
	// cancel and a worker's exit can still be sitting in its lane.
	for _, w := range q.workers {
		q.drain(w)
	}
	q.logger.Debug("request queue shut down")
}
