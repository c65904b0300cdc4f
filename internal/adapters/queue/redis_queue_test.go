package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnigate/internal/core/domain"
)

// newTestRedisQueue returns a queue on a throwaway Redis and a clock driving its schedule
func newTestRedisQueue(t *testing.T) (*RedisQueue, *redis.Client, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	q := NewRedisQueue(client, "test:deliveries", RetryPolicy{MaxAttempts: 2, BaseDelay: time.Minute, MaxDelay: time.Hour})
	q.now = func() time.Time { return clock }
	return q, client, &clock
}

func reserveRedis(t *testing.T, q *RedisQueue) *domain.DeliveryJob {
	t.Helper()
	job, err := q.Reserve(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

// failJob drives a single-attempt job into the failed list at the current clock
func failJob(t *testing.T, q *RedisQueue, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, newJob(id, 1)))
	state, err := q.Nack(ctx, reserveRedis(t, q), errors.New("subscriber responded 500"))
	require.NoError(t, err)
	require.Equal(t, domain.JobStateFailed, state)
}

// TestRedisQueue_RetryLifecycle tests delayed retry, promotion and exhaustion
func TestRedisQueue_RetryLifecycle(t *testing.T) {
	q, _, clock := newTestRedisQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, newJob("j-1", 0)))

	job := reserveRedis(t, q)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, domain.JobStateAttempting, job.State)

	state, err := q.Nack(ctx, job, errors.New("subscriber responded 500"))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateRetrying, state)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{Delayed: 1}, stats)

	// not due yet
	early, err := q.Reserve(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, early)

	*clock = clock.Add(2 * time.Minute)
	job = reserveRedis(t, q)
	assert.Equal(t, "j-1", job.ID)
	assert.Equal(t, 2, job.Attempts)

	state, err = q.Nack(ctx, job, errors.New("subscriber responded 502"))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, state)

	*clock = clock.Add(time.Hour)
	never, err := q.Reserve(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, never)

	failed, err := q.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, domain.JobStateFailed, failed[0].State)
	assert.Equal(t, "subscriber responded 502", failed[0].LastError)
	assert.Equal(t, 2, failed[0].Attempts)

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{Failed: 1}, stats)
}

// TestRedisQueue_AckRemovesJob tests that delivered jobs leave no trace
func TestRedisQueue_AckRemovesJob(t *testing.T) {
	q, client, _ := newTestRedisQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, newJob("j-1", 3)))

	job := reserveRedis(t, q)
	require.NoError(t, q.Ack(ctx, job))
	assert.Equal(t, domain.JobStateDelivered, job.State)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{}, stats)

	exists, err := client.HExists(ctx, "test:deliveries:jobs", "j-1").Result()
	require.NoError(t, err)
	assert.False(t, exists)
}

// TestRedisQueue_Retry tests manual requeue of a failed job
func TestRedisQueue_Retry(t *testing.T) {
	q, _, _ := newTestRedisQueue(t)
	ctx := context.Background()
	failJob(t, q, "j-1")

	require.NoError(t, q.Retry(ctx, "j-1"))
	assert.ErrorIs(t, q.Retry(ctx, "j-1"), domain.ErrJobNotFound)
	assert.ErrorIs(t, q.Retry(ctx, "nope"), domain.ErrJobNotFound)

	job := reserveRedis(t, q)
	assert.Equal(t, "j-1", job.ID)
	assert.Equal(t, 1, job.Attempts)
	assert.Empty(t, job.LastError)

	failed, err := q.ListFailed(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

// TestRedisQueue_Recover tests that jobs reserved by a dead worker return to ready
func TestRedisQueue_Recover(t *testing.T) {
	q, _, _ := newTestRedisQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, newJob("j-1", 3)))
	require.NoError(t, q.Enqueue(ctx, newJob("j-2", 3)))
	reserveRedis(t, q)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{Ready: 2}, stats)

	n, err = q.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestRedisQueue_TrimFailed tests retention of failed jobs by finish time
func TestRedisQueue_TrimFailed(t *testing.T) {
	q, client, clock := newTestRedisQueue(t)
	ctx := context.Background()

	failJob(t, q, "j-old")
	*clock = clock.Add(2 * time.Hour)
	failJob(t, q, "j-new")

	removed, err := q.TrimFailed(ctx, clock.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	failed, err := q.ListFailed(ctx, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "j-new", failed[0].ID)

	exists, err := client.HExists(ctx, "test:deliveries:jobs", "j-old").Result()
	require.NoError(t, err)
	assert.False(t, exists)
}
