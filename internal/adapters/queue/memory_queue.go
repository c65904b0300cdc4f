package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"omnigate/internal/core/domain"
	"omnigate/internal/core/ports"
)

var _ ports.DeliveryQueue = (*MemoryQueue)(nil)

// MemoryQueue is a process-local DeliveryQueue. Jobs do not survive restarts;
// use it for single-node development and tests.
type MemoryQueue struct {
	mu         sync.Mutex
	policy     RetryPolicy
	now        func() time.Time
	ready      []*domain.DeliveryJob
	delayed    []*domain.DeliveryJob
	processing map[string]*domain.DeliveryJob
	failed     []*domain.DeliveryJob
	notify     chan struct{}
}

// NewMemoryQueue creates an empty queue with the given retry policy
func NewMemoryQueue(policy RetryPolicy) *MemoryQueue {
	return &MemoryQueue{
		policy:     policy,
		now:        time.Now,
		processing: make(map[string]*domain.DeliveryJob),
		notify:     make(chan struct{}, 1),
	}
}

func cloneJob(j *domain.DeliveryJob) *domain.DeliveryJob {
	cp := *j
	cp.Body = append([]byte(nil), j.Body...)
	return &cp
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *domain.DeliveryJob) error {
	q.mu.Lock()
	j := cloneJob(job)
	j.State = domain.JobStateEnqueued
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = q.now()
	}
	q.ready = append(q.ready, j)
	q.mu.Unlock()

	q.wake()
	return nil
}

// promote moves due delayed jobs to ready. Caller holds mu.
func (q *MemoryQueue) promote() {
	now := q.now()
	kept := q.delayed[:0]
	for _, j := range q.delayed {
		if !j.NextAttemptAt.After(now) {
			q.ready = append(q.ready, j)
		} else {
			kept = append(kept, j)
		}
	}
	q.delayed = kept
}

// nextDue returns how long until the earliest delayed job is due. Caller holds mu.
func (q *MemoryQueue) nextDue() (time.Duration, bool) {
	if len(q.delayed) == 0 {
		return 0, false
	}
	earliest := q.delayed[0].NextAttemptAt
	for _, j := range q.delayed[1:] {
		if j.NextAttemptAt.Before(earliest) {
			earliest = j.NextAttemptAt
		}
	}
	return earliest.Sub(q.now()), true
}

func (q *MemoryQueue) Reserve(ctx context.Context, wait time.Duration) (*domain.DeliveryJob, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		q.promote()
		if len(q.ready) > 0 {
			j := q.ready[0]
			q.ready = q.ready[1:]
			j.Attempts++
			j.State = domain.JobStateAttempting
			q.processing[j.ID] = j
			out := cloneJob(j)
			q.mu.Unlock()
			return out, nil
		}
		due, hasDelayed := q.nextDue()
		q.mu.Unlock()

		var (
			dueTimer *time.Timer
			dueC     <-chan time.Time
		)
		if hasDelayed {
			if due < 0 {
				due = 0
			}
			dueTimer = time.NewTimer(due)
			dueC = dueTimer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(dueTimer)
			return nil, ctx.Err()
		case <-deadline.C:
			stopTimer(dueTimer)
			return nil, nil
		case <-q.notify:
		case <-dueC:
		}
		stopTimer(dueTimer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, job *domain.DeliveryJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.processing[job.ID]; !ok {
		return domain.ErrJobNotFound
	}
	delete(q.processing, job.ID)
	job.State = domain.JobStateDelivered
	job.FinishedAt = q.now()
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, job *domain.DeliveryJob, cause error) (domain.JobState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.processing[job.ID]
	if !ok {
		return "", domain.ErrJobNotFound
	}
	delete(q.processing, job.ID)

	state := q.policy.apply(j, cause, q.now())
	if state == domain.JobStateFailed {
		q.failed = append(q.failed, j)
	} else {
		q.delayed = append(q.delayed, j)
		q.wake()
	}
	*job = *cloneJob(j)
	return state, nil
}

func (q *MemoryQueue) ListFailed(ctx context.Context, limit int) ([]*domain.DeliveryJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*domain.DeliveryJob, 0, len(q.failed))
	// newest first
	for i := len(q.failed) - 1; i >= 0; i-- {
		out = append(out, cloneJob(q.failed[i]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *MemoryQueue) Retry(ctx context.Context, jobID string) error {
	q.mu.Lock()
	idx := -1
	for i, j := range q.failed {
		if j.ID == jobID {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return domain.ErrJobNotFound
	}
	j := q.failed[idx]
	q.failed = append(q.failed[:idx], q.failed[idx+1:]...)
	j.Attempts = 0
	j.State = domain.JobStateEnqueued
	j.LastError = ""
	j.FinishedAt = time.Time{}
	q.ready = append(q.ready, j)
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *MemoryQueue) TrimFailed(ctx context.Context, before time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.failed[:0]
	removed := 0
	for _, j := range q.failed {
		if j.FinishedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, j)
	}
	q.failed = kept
	return removed, nil
}

func (q *MemoryQueue) Stats(ctx context.Context) (domain.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return domain.QueueStats{
		Ready:      int64(len(q.ready)),
		Processing: int64(len(q.processing)),
		Delayed:    int64(len(q.delayed)),
		Failed:     int64(len(q.failed)),
	}, nil
}

// Pending returns ready and delayed jobs ordered by enqueue time (inspection and tests)
func (q *MemoryQueue) Pending() []*domain.DeliveryJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*domain.DeliveryJob, 0, len(q.ready)+len(q.delayed))
	for _, j := range q.ready {
		out = append(out, cloneJob(j))
	}
	for _, j := range q.delayed {
		out = append(out, cloneJob(j))
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].EnqueuedAt.Before(out[k].EnqueuedAt) })
	return out
}
