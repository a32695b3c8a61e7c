package queue

import (
	"context"
	"sync"
	"time"

	"github.com/speakpair/speakpair-server/internal/domain"
)

// MemoryQueue is an in-process Queue for single-node deployments and tests.
type MemoryQueue struct {
	jobs chan domain.AnalysisJob

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

// NewMemory creates an in-process queue with the given buffer size.
func NewMemory(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{
		jobs:   make(chan domain.AnalysisJob, size),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Enqueue makes a job available immediately.
func (q *MemoryQueue) Enqueue(ctx context.Context, job domain.AnalysisJob) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.mu.Unlock()

	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueAfter makes a job available once delay has elapsed.
func (q *MemoryQueue) EnqueueAfter(ctx context.Context, job domain.AnalysisJob, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, job)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		q.jobs <- job
	})
	q.timers[timer] = struct{}{}
	return nil
}

// Dequeue blocks until a job is available or ctx is done.
func (q *MemoryQueue) Dequeue(ctx context.Context) (domain.AnalysisJob, error) {
	select {
	case job, ok := <-q.jobs:
		if !ok {
			return domain.AnalysisJob{}, ErrClosed
		}
		return job, nil
	case <-ctx.Done():
		return domain.AnalysisJob{}, ctx.Err()
	}
}

// Close stops pending delayed jobs. Buffered jobs remain readable until
// drained.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = nil
	return nil
}
