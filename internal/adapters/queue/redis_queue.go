package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"omnigate/internal/core/domain"
	"omnigate/internal/core/ports"
)

var _ ports.DeliveryQueue = (*RedisQueue)(nil)

// RedisQueue is a durable DeliveryQueue on Redis.
//
// Keys (prefix p):
//
//	p:jobs        HASH  job id -> job JSON
//	p:ready       LIST  job ids waiting for a worker
//	p:processing  LIST  job ids reserved by a worker
//	p:delayed     ZSET  job ids scored by next attempt (unix ms)
//	p:failed      LIST  job ids that exhausted their attempts, newest first
type RedisQueue struct {
	client *redis.Client
	policy RetryPolicy
	prefix string
	now    func() time.Time
}

// promoteScript moves due delayed jobs onto the ready list atomically
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
end
return #due
`)

// NewRedisQueue creates a queue under the given key prefix
func NewRedisQueue(client *redis.Client, prefix string, policy RetryPolicy) *RedisQueue {
	if prefix == "" {
		prefix = "omnigate:deliveries"
	}
	return &RedisQueue{
		client: client,
		policy: policy,
		prefix: prefix,
		now:    time.Now,
	}
}

func (q *RedisQueue) key(name string) string { return q.prefix + ":" + name }

func (q *RedisQueue) saveJob(ctx context.Context, pipe redis.Pipeliner, job *domain.DeliveryJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe.HSet(ctx, q.key("jobs"), job.ID, raw)
	return nil
}

func (q *RedisQueue) loadJob(ctx context.Context, id string) (*domain.DeliveryJob, error) {
	raw, err := q.client.HGet(ctx, q.key("jobs"), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	var job domain.DeliveryJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// Recover moves jobs left in processing by a crashed worker back to ready.
// Call once at startup before workers begin reserving.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.key("processing"), q.key("ready"), "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("recover processing: %w", err)
		}
		moved++
	}
	if moved > 0 {
		slog.Warn("Requeued in-flight deliveries from previous run", "count", moved)
	}
	return moved, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *domain.DeliveryJob) error {
	job.State = domain.JobStateEnqueued
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now()
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := q.saveJob(ctx, pipe, job); err != nil {
			return err
		}
		pipe.LPush(ctx, q.key("ready"), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (q *RedisQueue) promote(ctx context.Context) error {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	return promoteScript.Run(ctx, q.client, []string{q.key("delayed"), q.key("ready")}, now, 100).Err()
}

func (q *RedisQueue) Reserve(ctx context.Context, wait time.Duration) (*domain.DeliveryJob, error) {
	if err := q.promote(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("promote delayed: %w", err)
	}

	id, err := q.client.BLMove(ctx, q.key("ready"), q.key("processing"), "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reserve job: %w", err)
	}

	job, err := q.loadJob(ctx, id)
	if errors.Is(err, domain.ErrJobNotFound) {
		// Orphaned id; drop it
		q.client.LRem(ctx, q.key("processing"), 1, id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job.Attempts++
	job.State = domain.JobStateAttempting
	if _, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return q.saveJob(ctx, pipe, job)
	}); err != nil {
		return nil, fmt.Errorf("mark attempting: %w", err)
	}
	return job, nil
}

func (q *RedisQueue) Ack(ctx context.Context, job *domain.DeliveryJob) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key("processing"), 1, job.ID)
		pipe.HDel(ctx, q.key("jobs"), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	job.State = domain.JobStateDelivered
	job.FinishedAt = q.now()
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, job *domain.DeliveryJob, cause error) (domain.JobState, error) {
	state := q.policy.apply(job, cause, q.now())

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key("processing"), 1, job.ID)
		if err := q.saveJob(ctx, pipe, job); err != nil {
			return err
		}
		if state == domain.JobStateFailed {
			pipe.LPush(ctx, q.key("failed"), job.ID)
		} else {
			pipe.ZAdd(ctx, q.key("delayed"), redis.Z{
				Score:  float64(job.NextAttemptAt.UnixMilli()),
				Member: job.ID,
			})
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("nack job: %w", err)
	}
	return state, nil
}

func (q *RedisQueue) ListFailed(ctx context.Context, limit int) ([]*domain.DeliveryJob, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := q.client.LRange(ctx, q.key("failed"), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}
	out := make([]*domain.DeliveryJob, 0, len(ids))
	for _, id := range ids {
		job, err := q.loadJob(ctx, id)
		if errors.Is(err, domain.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (q *RedisQueue) Retry(ctx context.Context, jobID string) error {
	removed, err := q.client.LRem(ctx, q.key("failed"), 1, jobID).Result()
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if removed == 0 {
		return domain.ErrJobNotFound
	}
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Attempts = 0
	job.LastError = ""
	job.FinishedAt = time.Time{}
	return q.Enqueue(ctx, job)
}

func (q *RedisQueue) TrimFailed(ctx context.Context, before time.Time) (int, error) {
	jobs, err := q.ListFailed(ctx, 0)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, job := range jobs {
		if !job.FinishedAt.Before(before) {
			continue
		}
		_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.key("failed"), 1, job.ID)
			pipe.HDel(ctx, q.key("jobs"), job.ID)
			return nil
		})
		if err != nil {
			return removed, fmt.Errorf("trim failed: %w", err)
		}
		removed++
	}
	return removed, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (domain.QueueStats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.key("ready"))
	processing := pipe.LLen(ctx, q.key("processing"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	failed := pipe.LLen(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return domain.QueueStats{
		Ready:      ready.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		Failed:     failed.Val(),
	}, nil
}
