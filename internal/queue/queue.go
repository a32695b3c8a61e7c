// Package queue provides the durable work queue feeding the analysis
// pipeline. Delivery is at-least-once; consumers must tolerate redelivery.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/speakpair/speakpair-server/internal/domain"
)

// ErrClosed is returned by Dequeue after the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue carries analysis jobs from the session state machine to the worker
// pool.
type Queue interface {
	// Enqueue makes a job available immediately.
	Enqueue(ctx context.Context, job domain.AnalysisJob) error

	// EnqueueAfter makes a job available once delay has elapsed. Backs the
	// retry/backoff policy.
	EnqueueAfter(ctx context.Context, job domain.AnalysisJob, delay time.Duration) error

	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (domain.AnalysisJob, error)

	// Close releases queue resources.
	Close() error
}
