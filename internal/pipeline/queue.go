package pipeline

import (
	"context"
	"sync"

	apperrors "github.com/clipferry/backend/internal/errors"
)

// Queue is a bounded in-memory FIFO with an identity table. Enqueue never
// blocks: when the buffer is full the submission is rejected immediately so
// the requester gets a prompt "busy" answer instead of silence. A submission
// whose dedup key matches an in-flight job coalesces onto that job rather
// than occupying a second slot.
type Queue struct {
	mu       sync.Mutex
	jobs     chan *Job
	inflight map[string]*Job
	closed   bool
}

// NewQueue creates a queue holding at most capacity pending jobs.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		jobs:     make(chan *Job, capacity),
		inflight: make(map[string]*Job),
	}
}

// Enqueue admits a job, or coalesces it onto an in-flight duplicate. When it
// coalesces, the returned job is the existing one and coalesced is true; the
// submitted job is discarded.
func (q *Queue) Enqueue(job *Job) (admitted *Job, coalesced bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, false, apperrors.QueueFull()
	}

	if existing, ok := q.inflight[job.DedupKey]; ok {
		for _, req := range job.Requesters() {
			if !existing.AttachRequester(req) {
				// Lost the race against terminal completion; fall through to
				// admitting a fresh job.
				delete(q.inflight, job.DedupKey)
				return q.admit(job)
			}
		}
		return existing, true, nil
	}

	return q.admit(job)
}

// admit places a job on the buffer. Caller holds q.mu.
func (q *Queue) admit(job *Job) (*Job, bool, error) {
	select {
	case q.jobs <- job:
		q.inflight[job.DedupKey] = job
		return job, false, nil
	default:
		return nil, false, apperrors.QueueFull()
	}
}

// Dequeue blocks until a job is available, the queue is closed, or ctx ends.
// Closed-and-drained returns (nil, nil) so workers can exit cleanly.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	select {
	case job, ok := <-q.jobs:
		if !ok {
			return nil, nil
		}
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release drops a finished job from the identity table. After this a repeat
// submission of the same URL is a fresh job, not a duplicate.
func (q *Queue) Release(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight[job.DedupKey] == job {
		delete(q.inflight, job.DedupKey)
	}
}

// Lookup finds an in-flight job by dedup key.
func (q *Queue) Lookup(dedupKey string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.inflight[dedupKey]
	return job, ok
}

// LookupID finds an in-flight job by job ID.
func (q *Queue) LookupID(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.inflight {
		if job.ID == id {
			return job, true
		}
	}
	return nil, false
}

// Depth reports how many jobs are waiting in the buffer.
func (q *Queue) Depth() int {
	return len(q.jobs)
}

// InFlight reports how many jobs hold an identity slot (queued or running).
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Close stops admission. Workers drain the remaining buffer and then see
// Dequeue return nil.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
}
