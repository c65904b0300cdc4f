package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"omnigate/internal/adapters/queue"
	"omnigate/internal/adapters/repository"
	"omnigate/internal/core/domain"
)

// ============================================================================
// Mocks
// ============================================================================

// MockDeliveryQueue mocks the Enqueue side of DeliveryQueue; the rest is unused by the dispatcher
type MockDeliveryQueue struct {
	mock.Mock
	*queue.MemoryQueue
}

func (m *MockDeliveryQueue) Enqueue(ctx context.Context, job *domain.DeliveryJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func createSubscription(t *testing.T, svc *WebhookService, eventType, target string) *domain.WebhookSubscription {
	t.Helper()
	w, err := svc.Create(context.Background(), testAccount, eventType, target)
	require.NoError(t, err)
	return w
}

func fixedClock() func() time.Time {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

// ============================================================================
// Unit Tests
// ============================================================================

// TestDispatch_OneJobPerActiveSubscriber tests the fan-out and envelope shape
func TestDispatch_OneJobPerActiveSubscriber(t *testing.T) {
	store := repository.NewMemoryRepository()
	q := queue.NewMemoryQueue(queue.DefaultRetryPolicy())
	subs := NewWebhookService(store)
	d := NewDispatcher(store, q, 5)
	d.now = fixedClock()
	ctx := context.Background()

	a := createSubscription(t, subs, domain.EventMessageCreated, "https://a.example.com/hook")
	b := createSubscription(t, subs, domain.EventMessageCreated, "https://b.example.com/hook")
	off := createSubscription(t, subs, domain.EventMessageCreated, "https://off.example.com/hook")
	createSubscription(t, subs, domain.EventConversationAssigned, "https://other.example.com/hook")

	inactive := false
	_, err := subs.Update(ctx, testAccount, off.ID, WebhookUpdate{IsActive: &inactive})
	require.NoError(t, err)

	n, err := d.Dispatch(ctx, testAccount, domain.EventMessageCreated, map[string]string{"hello": "world"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	jobs := q.Pending()
	require.Len(t, jobs, 2)

	secrets := map[string]string{a.ID: a.SecretKey, b.ID: b.SecretKey}
	for _, job := range jobs {
		assert.Equal(t, domain.JobName(domain.EventMessageCreated, job.SubscriptionID), job.Name)
		assert.Equal(t, 5, job.MaxAttempts)
		assert.Equal(t, domain.JobStateEnqueued, job.State)

		var env domain.Envelope
		require.NoError(t, json.Unmarshal(job.Body, &env))
		assert.Equal(t, domain.EventMessageCreated, env.Event)
		assert.Equal(t, "2026-03-01T12:00:00Z", env.Timestamp)
		assert.JSONEq(t, `{"hello":"world"}`, string(env.Data))
		assert.Equal(t, job.Signature, env.Signature)

		ok, err := VerifyEnvelope(secrets[job.SubscriptionID], job.Body)
		require.NoError(t, err)
		assert.True(t, ok, "envelope must verify with the subscriber's own secret")
	}
}

// TestDispatch_NoSubscribers tests that nothing is enqueued
func TestDispatch_NoSubscribers(t *testing.T) {
	store := repository.NewMemoryRepository()
	q := queue.NewMemoryQueue(queue.DefaultRetryPolicy())
	d := NewDispatcher(store, q, 5)

	n, err := d.Dispatch(context.Background(), testAccount, domain.EventMessageCreated, struct{}{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, q.Pending())
}

// TestDispatch_EnqueueErrorDoesNotStopOthers tests partial failure
func TestDispatch_EnqueueErrorDoesNotStopOthers(t *testing.T) {
	store := repository.NewMemoryRepository()
	subs := NewWebhookService(store)
	bad := createSubscription(t, subs, domain.EventMessageCreated, "https://bad.example.com/hook")
	createSubscription(t, subs, domain.EventMessageCreated, "https://good.example.com/hook")

	mq := &MockDeliveryQueue{MemoryQueue: queue.NewMemoryQueue(queue.DefaultRetryPolicy())}
	mq.On("Enqueue", mock.Anything, mock.MatchedBy(func(j *domain.DeliveryJob) bool {
		return j.SubscriptionID == bad.ID
	})).Return(errors.New("redis down"))
	mq.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

	d := NewDispatcher(store, mq, 5)
	n, err := d.Dispatch(context.Background(), testAccount, domain.EventMessageCreated, struct{}{})

	assert.Equal(t, 1, n)
	assert.Error(t, err)
	mq.AssertNumberOfCalls(t, "Enqueue", 2)
}

// TestDispatch_UnmarshalableData tests that bad payloads are rejected before enqueueing
func TestDispatch_UnmarshalableData(t *testing.T) {
	store := repository.NewMemoryRepository()
	subs := NewWebhookService(store)
	createSubscription(t, subs, domain.EventMessageCreated, "https://a.example.com/hook")
	q := queue.NewMemoryQueue(queue.DefaultRetryPolicy())
	d := NewDispatcher(store, q, 5)

	_, err := d.Dispatch(context.Background(), testAccount, domain.EventMessageCreated, func() {})
	assert.Error(t, err)
	assert.Empty(t, q.Pending())
}
