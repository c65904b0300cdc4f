package services

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnigate/internal/adapters/repository"
	"omnigate/internal/core/domain"
)

// TestWebhookCreate_ReturnsSecretOnce tests that only Create exposes the secret
func TestWebhookCreate_ReturnsSecretOnce(t *testing.T) {
	svc := NewWebhookService(repository.NewMemoryRepository())
	ctx := context.Background()

	w := createSubscription(t, svc, domain.EventMessageCreated, "https://example.com/hook")
	assert.True(t, strings.HasPrefix(w.SecretKey, "whsec_"))
	assert.Len(t, w.SecretKey, len("whsec_")+48)
	assert.True(t, w.IsActive)

	got, err := svc.Get(ctx, testAccount, w.ID)
	require.NoError(t, err)
	assert.Empty(t, got.SecretKey)
	assert.Equal(t, w.TargetURL, got.TargetURL)

	list, err := svc.List(ctx, testAccount)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].SecretKey)
}

// TestWebhookCreate_Validation tests rejected input
func TestWebhookCreate_Validation(t *testing.T) {
	svc := NewWebhookService(repository.NewMemoryRepository())

	tests := []struct {
		name      string
		account   string
		eventType string
		target    string
	}{
		{"missing account", "", domain.EventMessageCreated, "https://example.com"},
		{"unknown event", testAccount, "CONTACT_DELETED", "https://example.com"},
		{"relative url", testAccount, domain.EventMessageCreated, "/hook"},
		{"bad scheme", testAccount, domain.EventMessageCreated, "ftp://example.com/hook"},
		{"garbage", testAccount, domain.EventMessageCreated, "::"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tt.account, tt.eventType, tt.target)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

// TestWebhookUpdate tests partial updates
func TestWebhookUpdate(t *testing.T) {
	svc := NewWebhookService(repository.NewMemoryRepository())
	ctx := context.Background()
	w := createSubscription(t, svc, domain.EventMessageCreated, "https://example.com/hook")

	target := "https://example.com/v2"
	updated, err := svc.Update(ctx, testAccount, w.ID, WebhookUpdate{TargetURL: &target})
	require.NoError(t, err)
	assert.Equal(t, target, updated.TargetURL)
	assert.True(t, updated.IsActive)
	assert.Empty(t, updated.SecretKey)

	off := false
	updated, err = svc.Update(ctx, testAccount, w.ID, WebhookUpdate{IsActive: &off})
	require.NoError(t, err)
	assert.False(t, updated.IsActive)
	assert.Equal(t, target, updated.TargetURL)

	bad := "nope"
	_, err = svc.Update(ctx, testAccount, w.ID, WebhookUpdate{TargetURL: &bad})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.Update(ctx, "acc-other", w.ID, WebhookUpdate{IsActive: &off})
	assert.ErrorIs(t, err, domain.ErrWebhookNotFound)
}

// TestWebhookDelete tests removal
func TestWebhookDelete(t *testing.T) {
	svc := NewWebhookService(repository.NewMemoryRepository())
	ctx := context.Background()
	w := createSubscription(t, svc, domain.EventMessageCreated, "https://example.com/hook")

	require.NoError(t, svc.Delete(ctx, testAccount, w.ID))

	_, err := svc.Get(ctx, testAccount, w.ID)
	assert.ErrorIs(t, err, domain.ErrWebhookNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, testAccount, w.ID), domain.ErrWebhookNotFound)
}

// ============================================================================
// Signatures
// ============================================================================

// TestSign_KnownVector tests the HMAC against RFC 4231 test case 2
func TestSign_KnownVector(t *testing.T) {
	got := Sign("Jefe", []byte("what do ya want for nothing?"))
	assert.Equal(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843", got)
}

// TestVerifySignature tests header verification
func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"event":"MESSAGE_CREATED"}`)
	header := SignatureHeaderValue(Sign("whsec_a", payload))

	assert.True(t, VerifySignature("whsec_a", payload, header))
	assert.False(t, VerifySignature("whsec_b", payload, header))
	assert.False(t, VerifySignature("whsec_a", []byte(`{}`), header))
	assert.False(t, VerifySignature("whsec_a", payload, strings.TrimPrefix(header, "sha256=")))
}

// TestVerifyEnvelope tests the embedded signature
func TestVerifyEnvelope(t *testing.T) {
	env := domain.Envelope{
		Event:     domain.EventMessageCreated,
		Timestamp: "2026-03-01T12:00:00Z",
		Data:      []byte(`{"a":1}`),
	}
	canonical, err := CanonicalEnvelope(env)
	require.NoError(t, err)
	assert.NotContains(t, string(canonical), "signature")

	env.Signature = Sign("whsec_a", canonical)
	body, err := json.Marshal(env)
	require.NoError(t, err)

	ok, err := VerifyEnvelope("whsec_a", body)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyEnvelope("whsec_b", body)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = VerifyEnvelope("whsec_a", canonical)
	require.NoError(t, err)
	assert.False(t, ok, "unsigned envelope")

	_, err = VerifyEnvelope("whsec_a", []byte("not json"))
	assert.Error(t, err)
}

// TestNewWebhookSecret tests that secrets are unique
func TestNewWebhookSecret(t *testing.T) {
	a, err := NewWebhookSecret()
	require.NoError(t, err)
	b, err := NewWebhookSecret()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
