package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnigate/internal/core/domain"
)

func newTestRedisRepository(t *testing.T) (*RedisRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	return NewRedisRepository(client, 5*time.Minute), mr
}

// TestRedisRepository_Dedup tests marking, TTL and expiry of processed ids
func TestRedisRepository_Dedup(t *testing.T) {
	r, mr := newTestRedisRepository(t)
	ctx := context.Background()

	seen, err := r.IsDuplicate(ctx, "ch-1:m-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, r.MarkProcessed(ctx, "ch-1:m-1", time.Hour))
	seen, err = r.IsDuplicate(ctx, "ch-1:m-1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, time.Hour, mr.TTL("dedup:msg:ch-1:m-1"))

	mr.FastForward(time.Hour + time.Second)
	seen, err = r.IsDuplicate(ctx, "ch-1:m-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

// TestRedisRepository_RegistryCache tests the contact and agent round trip and its TTL
func TestRedisRepository_RegistryCache(t *testing.T) {
	r, mr := newTestRedisRepository(t)
	ctx := context.Background()

	r.SetContact(ctx, &domain.Contact{
		ID:                 "c-1",
		AccountID:          "acc-1",
		ExternalID:         "visitor-1",
		Name:               "Visitor",
		ChannelIdentifiers: map[domain.ChannelKind]string{domain.ChannelKindWebchat: "visitor-1"},
	})
	c, ok := r.GetContact(ctx, "acc-1", "visitor-1")
	require.True(t, ok)
	assert.Equal(t, "c-1", c.ID)
	assert.Equal(t, "Visitor", c.Name)
	assert.Equal(t, "visitor-1", c.ChannelIdentifiers[domain.ChannelKindWebchat])
	assert.Equal(t, 5*time.Minute, mr.TTL("registry:contact:acc-1:visitor-1"))

	r.SetAgent(ctx, &domain.Agent{ID: "a-1", AccountID: "acc-1", ExternalID: "alice", Type: domain.AgentTypeHuman, Skills: []string{"billing"}})
	a, ok := r.GetAgent(ctx, "acc-1", "alice")
	require.True(t, ok)
	assert.Equal(t, "a-1", a.ID)
	assert.Equal(t, []string{"billing"}, a.Skills)

	_, ok = r.GetAgent(ctx, "acc-2", "alice")
	assert.False(t, ok)

	mr.FastForward(6 * time.Minute)
	_, ok = r.GetContact(ctx, "acc-1", "visitor-1")
	assert.False(t, ok)
}

// TestRedisRepository_CorruptEntry tests that an unreadable cache entry is a miss
func TestRedisRepository_CorruptEntry(t *testing.T) {
	r, mr := newTestRedisRepository(t)
	require.NoError(t, mr.Set("registry:agent:acc-1:alice", "{not json"))

	_, ok := r.GetAgent(context.Background(), "acc-1", "alice")
	assert.False(t, ok)
}

// TestRedisRepository_Unavailable tests error reporting when Redis is gone
func TestRedisRepository_Unavailable(t *testing.T) {
	r, mr := newTestRedisRepository(t)
	ctx := context.Background()
	mr.Close()

	_, err := r.IsDuplicate(ctx, "ch-1:m-1")
	assert.Error(t, err)
	assert.Error(t, r.MarkProcessed(ctx, "ch-1:m-1", time.Hour))

	_, ok := r.GetContact(ctx, "acc-1", "visitor-1")
	assert.False(t, ok)
}
