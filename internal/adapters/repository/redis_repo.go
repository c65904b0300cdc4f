package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"omnigate/internal/core/domain"
	"omnigate/internal/core/ports"
)

// Ensure RedisRepository implements DedupRepository and RegistryCache
var (
	_ ports.DedupRepository = (*RedisRepository)(nil)
	_ ports.RegistryCache   = (*RedisRepository)(nil)
)

// RedisRepository implements the dedup fast path and the registry cache on Redis.
// Both are advisory: every miss or error falls through to the store.
type RedisRepository struct {
	client   *redis.Client
	cacheTTL time.Duration
}

// NewRedisRepository creates a new Redis repository instance
func NewRedisRepository(client *redis.Client, cacheTTL time.Duration) *RedisRepository {
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &RedisRepository{
		client:   client,
		cacheTTL: cacheTTL,
	}
}

// IsDuplicate checks if an event ID has already been processed
func (r *RedisRepository) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	key := buildDedupKey(eventID)

	_, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		slog.Error("Failed to check deduplication",
			"error", err,
			"event_id", eventID,
		)
		return false, fmt.Errorf("check duplicate: %w", err)
	}

	slog.Debug("Duplicate inbound event detected",
		"event_id", eventID,
		"key", key,
	)
	return true, nil
}

// MarkProcessed marks an event as processed in Redis with TTL
func (r *RedisRepository) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	key := buildDedupKey(eventID)

	// Value is timestamp for debugging purposes
	if err := r.client.Set(ctx, key, time.Now().Unix(), ttl).Err(); err != nil {
		slog.Error("Failed to mark event as processed",
			"error", err,
			"event_id", eventID,
			"ttl", ttl,
		)
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// ============================================================================
// RegistryCache Implementation
// ============================================================================

func (r *RedisRepository) GetContact(ctx context.Context, accountID, externalID string) (*domain.Contact, bool) {
	var c domain.Contact
	if !r.getJSON(ctx, buildRegistryKey("contact", accountID, externalID), &c) {
		return nil, false
	}
	return &c, true
}

func (r *RedisRepository) SetContact(ctx context.Context, c *domain.Contact) {
	r.setJSON(ctx, buildRegistryKey("contact", c.AccountID, c.ExternalID), c)
}

func (r *RedisRepository) GetAgent(ctx context.Context, accountID, externalID string) (*domain.Agent, bool) {
	var a domain.Agent
	if !r.getJSON(ctx, buildRegistryKey("agent", accountID, externalID), &a) {
		return nil, false
	}
	return &a, true
}

func (r *RedisRepository) SetAgent(ctx context.Context, a *domain.Agent) {
	r.setJSON(ctx, buildRegistryKey("agent", a.AccountID, a.ExternalID), a)
}

func (r *RedisRepository) getJSON(ctx context.Context, key string, v any) bool {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("Registry cache read failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		slog.Warn("Registry cache entry corrupt", "key", key, "error", err)
		return false
	}
	return true
}

func (r *RedisRepository) setJSON(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, key, raw, r.cacheTTL).Err(); err != nil {
		slog.Warn("Registry cache write failed", "key", key, "error", err)
	}
}

// buildDedupKey constructs the Redis key for deduplication
// Key format dedup:msg:{channel_id}:{channel_msg_id}
func buildDedupKey(eventID string) string {
	return fmt.Sprintf("dedup:msg:%s", eventID)
}

func buildRegistryKey(kind, accountID, externalID string) string {
	return fmt.Sprintf("registry:%s:%s:%s", kind, accountID, externalID)
}
