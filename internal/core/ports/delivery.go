package ports

import (
	"context"
	"time"

	"omnigate/internal/core/domain"
)

// DeliveryQueue is the durable queue of webhook delivery jobs.
// Retry scheduling is owned by the queue: Nack either reschedules the job
// with backoff or moves it to the terminal failed set.
type DeliveryQueue interface {
	Enqueue(ctx context.Context, job *domain.DeliveryJob) error

	// Reserve blocks up to wait for a ready job. Returns (nil, nil) when none.
	Reserve(ctx context.Context, wait time.Duration) (*domain.DeliveryJob, error)

	Ack(ctx context.Context, job *domain.DeliveryJob) error
	Nack(ctx context.Context, job *domain.DeliveryJob, cause error) (domain.JobState, error)

	ListFailed(ctx context.Context, limit int) ([]*domain.DeliveryJob, error)

	// Retry moves a failed job back to ready with a fresh attempt budget
	Retry(ctx context.Context, jobID string) error

	// TrimFailed drops failed jobs that finished before the cutoff
	TrimFailed(ctx context.Context, before time.Time) (int, error)

	Stats(ctx context.Context) (domain.QueueStats, error)
}

// EventDispatcher fans an event out to webhook subscribers
type EventDispatcher interface {
	Dispatch(ctx context.Context, accountID, eventType string, data any) (int, error)
}

// DeliveryObserver is told about every delivery attempt outcome
type DeliveryObserver interface {
	OnDeliveryAttempt(ctx context.Context, job *domain.DeliveryJob, state domain.JobState, err error)
}
