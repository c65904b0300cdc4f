package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"omnigate/internal/adapters/dto"
	"omnigate/internal/core/domain"
	"omnigate/internal/core/services"
)

// ============================================================================
// Mocks
// ============================================================================

// MockIngestor mocks InboundIngestor interface
type MockIngestor struct {
	mock.Mock
}

func (m *MockIngestor) IngestInbound(ctx context.Context, accountID, channelID string, msg domain.NormalizedMessage) (*domain.IngestResult, error) {
	args := m.Called(ctx, accountID, channelID, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.IngestResult), args.Error(1)
}

// MockChannelFinder mocks ChannelFinder interface
type MockChannelFinder struct {
	mock.Mock
}

func (m *MockChannelFinder) FindByExternalRef(ctx context.Context, kind domain.ChannelKind, ref string) (*domain.Channel, error) {
	args := m.Called(ctx, kind, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Channel), args.Error(1)
}

// ============================================================================
// Test Helper Functions
// ============================================================================

const testAppSecret = "app-secret"

func userMessage(mid, psid, text string) dto.FacebookMessaging {
	return dto.FacebookMessaging{
		Sender:    dto.FacebookUser{ID: psid},
		Recipient: dto.FacebookUser{ID: "page-1"},
		Timestamp: 1767225600000,
		Message:   &dto.FacebookMessage{MID: mid, Text: text},
	}
}

func signedRequest(body string, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook/facebook", strings.NewReader(body))
	if secret != "" {
		req.Header.Set("X-Hub-Signature-256", services.SignatureHeaderValue(services.Sign(secret, []byte(body))))
	}
	return req
}

// ============================================================================
// Unit Tests
// ============================================================================

// TestHandleFacebookVerify tests the subscription handshake
func TestHandleFacebookVerify(t *testing.T) {
	h := NewWebhookHandler(new(MockIngestor), new(MockChannelFinder), testAppSecret, "verify-me")

	tests := []struct {
		name     string
		query    string
		wantCode int
		wantBody string
	}{
		{"valid", "hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", http.StatusOK, "12345"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=12345", http.StatusForbidden, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=12345", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.HandleFacebookVerify(rec, httptest.NewRequest(http.MethodGet, "/webhook/facebook?"+tt.query, nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

// TestHandleFacebookEvent_Signature tests that unsigned or badly signed bodies are rejected
func TestHandleFacebookEvent_Signature(t *testing.T) {
	ingestor := new(MockIngestor)
	h := NewWebhookHandler(ingestor, new(MockChannelFinder), testAppSecret, "verify-me")
	body := `{"object":"page","entry":[]}`

	rec := httptest.NewRecorder()
	h.HandleFacebookEvent(rec, signedRequest(body, ""))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	h.HandleFacebookEvent(rec, signedRequest(body, "other-secret"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	h.HandleFacebookEvent(rec, signedRequest("not json", testAppSecret))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ingestor.AssertNotCalled(t, "IngestInbound", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// TestHandleFacebookEvent_AcceptsAndIngests tests the asynchronous path end to end
func TestHandleFacebookEvent_AcceptsAndIngests(t *testing.T) {
	ingestor := new(MockIngestor)
	finder := new(MockChannelFinder)
	h := NewWebhookHandler(ingestor, finder, testAppSecret, "verify-me")

	finder.On("FindByExternalRef", mock.Anything, domain.ChannelKindMessenger, "page-1").
		Return(&domain.Channel{ID: "fb-1", AccountID: "acc-1", Kind: domain.ChannelKindMessenger}, nil)

	done := make(chan struct{})
	ingestor.On("IngestInbound", mock.Anything, "acc-1", "fb-1", mock.AnythingOfType("domain.NormalizedMessage")).
		Return(&domain.IngestResult{}, nil).
		Run(func(mock.Arguments) { close(done) }).
		Once()

	body := `{"object":"page","entry":[{"id":"page-1","time":1,"messaging":[` +
		`{"sender":{"id":"psid-1"},"recipient":{"id":"page-1"},"timestamp":1,"message":{"mid":"m-1","text":"hi"}}]}]}`

	rec := httptest.NewRecorder()
	h.HandleFacebookEvent(rec, signedRequest(body, testAppSecret))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "EVENT_RECEIVED", rec.Body.String())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not ingested")
	}
	ingestor.AssertExpectations(t)
}

// TestProcess_CountsNewMessagesOnly tests filtering of echoes, receipts, duplicates and unknown pages
func TestProcess_CountsNewMessagesOnly(t *testing.T) {
	ingestor := new(MockIngestor)
	finder := new(MockChannelFinder)
	h := NewWebhookHandler(ingestor, finder, testAppSecret, "verify-me")

	finder.On("FindByExternalRef", mock.Anything, domain.ChannelKindMessenger, "page-1").
		Return(&domain.Channel{ID: "fb-1", AccountID: "acc-1", Kind: domain.ChannelKindMessenger}, nil)
	finder.On("FindByExternalRef", mock.Anything, domain.ChannelKindMessenger, "page-unknown").
		Return(nil, domain.ErrChannelNotFound)

	matchMID := func(mid string) any {
		return mock.MatchedBy(func(m domain.NormalizedMessage) bool { return m.ChannelMessageID == mid })
	}
	ingestor.On("IngestInbound", mock.Anything, "acc-1", "fb-1", matchMID("m-new")).Return(&domain.IngestResult{}, nil)
	ingestor.On("IngestInbound", mock.Anything, "acc-1", "fb-1", matchMID("m-dup")).Return(&domain.IngestResult{Duplicate: true}, nil)
	ingestor.On("IngestInbound", mock.Anything, "acc-1", "fb-1", matchMID("m-err")).Return(nil, errors.New("db down"))

	echo := userMessage("m-echo", "page-1", "from the page")
	echo.Message.IsEcho = true
	receipt := dto.FacebookMessaging{Sender: dto.FacebookUser{ID: "psid-1"}, Delivery: &dto.FacebookDelivery{MIDs: []string{"m-new"}}}

	payload := &dto.FacebookWebhookRequest{
		Object: "page",
		Entry: []dto.FacebookEntry{
			{ID: "page-1", Messaging: []dto.FacebookMessaging{
				userMessage("m-new", "psid-1", "hello"),
				userMessage("m-dup", "psid-1", "hello again"),
				userMessage("m-err", "psid-1", "boom"),
				echo,
				receipt,
			}},
			{ID: "page-unknown", Messaging: []dto.FacebookMessaging{userMessage("m-x", "psid-2", "hi")}},
		},
	}

	n := h.process(context.Background(), payload)
	assert.Equal(t, 1, n)
	ingestor.AssertNumberOfCalls(t, "IngestInbound", 3)

	assert.Zero(t, h.process(context.Background(), &dto.FacebookWebhookRequest{Object: "instagram"}))
}

// TestUserMessage_ToNormalized tests the Messenger to gateway conversion
func TestUserMessage_ToNormalized(t *testing.T) {
	m := userMessage("m-1", "psid-1", "hello")
	n := m.ToNormalized()

	require.True(t, m.IsUserMessage())
	assert.Equal(t, "m-1", n.ChannelMessageID)
	assert.Equal(t, "psid-1", n.ExternalSenderID)
	assert.Equal(t, "hello", n.Body)
	assert.Equal(t, domain.DirectionInbound, n.Direction)
	assert.Equal(t, time.UnixMilli(1767225600000).UTC(), n.SentAt)
	assert.Equal(t, "page-1", n.Metadata["page_id"])
}
