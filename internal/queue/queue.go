package queue

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/amaumene/ytgrab/internal/models"
)

// Handle identifies an enqueued job
type Handle string

// CancelResult tells the caller what Cancel did
type CancelResult int

const (
	CancelNotFound  CancelResult = iota // unknown or already finished
	CancelRemoved                       // job was waiting and is now Cancelled
	CancelSignalled                     // job is running, its cancel flag is set
)

// Queue holds pending and active jobs. Pending jobs are dispatched strictly in
// enqueue order and never more than maxConcurrency are active at once.
type Queue struct {
	mu             sync.Mutex
	maxConcurrency int
	capacity       int

	pending      []*models.Job
	active       map[string]*models.Job
	destinations map[string]string // cleaned destination -> job id

	ready chan struct{}
}

// New creates a queue. A capacity of 0 leaves the pending list unbounded.
func New(maxConcurrency, capacity int) *Queue {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		maxConcurrency: maxConcurrency,
		capacity:       capacity,
		active:         make(map[string]*models.Job),
		destinations:   make(map[string]string),
		ready:          make(chan struct{}, 1),
	}
}

// MaxConcurrency returns the active job limit
func (q *Queue) MaxConcurrency() int {
	return q.maxConcurrency
}

// Enqueue appends a queued job. It fails with QueueFull when the pending list
// is at capacity and with DuplicateDestination when an unfinished job already
// writes to the same path.
func (q *Queue) Enqueue(job *models.Job) (Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && len(q.pending) >= q.capacity {
		return "", &models.QueueError{Kind: models.ErrQueueFull, JobID: job.ID}
	}

	dest := cleanDestination(job.Destination)
	if dest != "" {
		if _, taken := q.destinations[dest]; taken {
			return "", &models.QueueError{Kind: models.ErrDuplicateDestination, JobID: job.ID, Path: dest}
		}
		q.destinations[dest] = job.ID
	}

	q.pending = append(q.pending, job)
	q.signal()
	return Handle(job.ID), nil
}

// DequeueNext pops the oldest pending job and marks it active, or returns nil
// when nothing is pending or the concurrency limit is reached
func (q *Queue) DequeueNext() *models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 || len(q.active) >= q.maxConcurrency {
		return nil
	}

	job := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.active[job.ID] = job

	if len(q.pending) > 0 && len(q.active) < q.maxConcurrency {
		q.signal()
	}
	return job
}

// Next blocks until a job can be dispatched or ctx is done
func (q *Queue) Next(ctx context.Context) (*models.Job, error) {
	for {
		if job := q.DequeueNext(); job != nil {
			return job, nil
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release frees the slot and destination of a job that reached a terminal state
func (q *Queue) Release(job *models.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, job.ID)
	q.releaseDestination(job)
	q.signal()
}

// Cancel removes a pending job, marking it Cancelled, or raises the cancel
// flag of an active one for its worker to observe
func (q *Queue) Cancel(h Handle) CancelResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := string(h)
	for i, job := range q.pending {
		if job.ID != id {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.releaseDestination(job)
		job.RequestCancel()
		job.Transition(models.JobStateCancelled, nil)
		return CancelRemoved
	}

	if job, ok := q.active[id]; ok {
		if job.RequestCancel() {
			return CancelSignalled
		}
	}
	return CancelNotFound
}

// Pending returns the number of waiting jobs
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Active returns the number of running jobs
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// Position returns the 1-based position of a pending job, 0 if not pending
func (q *Queue) Position(h Handle) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, job := range q.pending {
		if job.ID == string(h) {
			return i + 1
		}
	}
	return 0
}

func (q *Queue) releaseDestination(job *models.Job) {
	dest := cleanDestination(job.Destination)
	if owner, ok := q.destinations[dest]; ok && owner == job.ID {
		delete(q.destinations, dest)
	}
}

// signal wakes one waiting worker without blocking
func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func cleanDestination(path string) string {
	if path == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
