// Package queue implements the durable webhook delivery queue
package queue

import (
	"time"

	"omnigate/internal/core/domain"
)

// RetryPolicy decides what happens to a job after a failed attempt
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy mirrors the delivery defaults in config
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Minute,
	}
}

// Backoff returns the delay before the next attempt after `attempts` failures:
// base, 2*base, 4*base ... capped at MaxDelay
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p RetryPolicy) maxAttemptsFor(job *domain.DeliveryJob) int {
	if job.MaxAttempts > 0 {
		return job.MaxAttempts
	}
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return 1
}

// apply records a failed attempt on the job and returns its next state
func (p RetryPolicy) apply(job *domain.DeliveryJob, cause error, now time.Time) domain.JobState {
	if cause != nil {
		job.LastError = cause.Error()
	}
	if job.Attempts >= p.maxAttemptsFor(job) {
		job.State = domain.JobStateFailed
		job.FinishedAt = now
		return job.State
	}
	job.State = domain.JobStateRetrying
	job.NextAttemptAt = now.Add(p.Backoff(job.Attempts))
	return job.State
}
