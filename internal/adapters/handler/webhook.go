package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"omnigate/internal/adapters/dto"
	"omnigate/internal/core/domain"
	"omnigate/internal/core/services"
)

// InboundIngestor is the ingestion entry point channel handlers feed
type InboundIngestor interface {
	IngestInbound(ctx context.Context, accountID, channelID string, msg domain.NormalizedMessage) (*domain.IngestResult, error)
}

// ChannelFinder resolves a channel from its adapter-level reference
type ChannelFinder interface {
	FindByExternalRef(ctx context.Context, kind domain.ChannelKind, ref string) (*domain.Channel, error)
}

// WebhookHandler handles Facebook webhook verification and events.
// Facebook expects an answer within a few seconds, so events are processed
// after the response is written.
type WebhookHandler struct {
	ingestor       InboundIngestor
	channels       ChannelFinder
	appSecret      string // For HMAC signature validation
	verifyToken    string // For webhook verification
	processTimeout time.Duration
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(ingestor InboundIngestor, channels ChannelFinder, appSecret, verifyToken string) *WebhookHandler {
	return &WebhookHandler{
		ingestor:       ingestor,
		channels:       channels,
		appSecret:      appSecret,
		verifyToken:    verifyToken,
		processTimeout: 30 * time.Second,
	}
}

// ============================================================================
// GET /webhook/facebook - Webhook Verification
// ============================================================================

// HandleFacebookVerify handles webhook verification challenge from Facebook
// Ref: https://developers.facebook.com/docs/messenger-platform/webhooks#verification
func (h *WebhookHandler) HandleFacebookVerify(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && h.verifyToken != "" && token == h.verifyToken {
		slog.Info("Webhook verification successful")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(challenge))
		return
	}

	slog.Warn("Webhook verification failed", "mode", mode)
	http.Error(w, "Forbidden", http.StatusForbidden)
}

// ============================================================================
// POST /webhook/facebook - Webhook Events
// ============================================================================

// HandleFacebookEvent validates the signature, answers 200 immediately and
// ingests the user messages in the background
func (h *WebhookHandler) HandleFacebookEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		slog.Error("Failed to read webhook body", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	// Do NOT process without a valid signature
	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		slog.Warn("Webhook received without signature header")
		http.Error(w, "Forbidden - No signature", http.StatusForbidden)
		return
	}
	if !services.VerifySignature(h.appSecret, body, signature) {
		slog.Warn("Webhook signature validation failed")
		http.Error(w, "Forbidden - Invalid signature", http.StatusForbidden)
		return
	}

	var payload dto.FacebookWebhookRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		slog.Warn("Webhook body is not valid JSON", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("EVENT_RECEIVED"))

	ctx := context.WithoutCancel(r.Context())
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("PANIC in webhook processing goroutine", "panic", rec)
			}
		}()
		ctx, cancel := context.WithTimeout(ctx, h.processTimeout)
		defer cancel()
		h.process(ctx, &payload)
	}()

	slog.Info("Webhook received and queued for processing",
		"content_length", len(body),
	)
}

// process ingests every user message of the payload. Returns how many were new.
func (h *WebhookHandler) process(ctx context.Context, payload *dto.FacebookWebhookRequest) int {
	if payload.Object != "page" {
		slog.Debug("Ignoring non-page webhook object", "object", payload.Object)
		return 0
	}

	ingested := 0
	for _, entry := range payload.Entry {
		ch, err := h.channels.FindByExternalRef(ctx, domain.ChannelKindMessenger, entry.ID)
		if errors.Is(err, domain.ErrChannelNotFound) {
			slog.Warn("Webhook for unknown Messenger page", "page_id", entry.ID)
			continue
		}
		if err != nil {
			slog.Error("Failed to resolve Messenger page", "error", err, "page_id", entry.ID)
			continue
		}

		for i := range entry.Messaging {
			event := &entry.Messaging[i]
			if !event.IsUserMessage() {
				continue
			}
			res, err := h.ingestor.IngestInbound(ctx, ch.AccountID, ch.ID, event.ToNormalized())
			if err != nil {
				slog.Error("Failed to ingest Messenger message",
					"error", err,
					"page_id", entry.ID,
					"mid", event.GetMessageID(),
				)
				continue
			}
			if !res.Duplicate {
				ingested++
			}
		}
	}
	return ingested
}
