package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"omnigate/internal/core/domain"
	"omnigate/internal/core/ports"
)

// knownEvents lists the event types subscribers may register for
var knownEvents = map[string]bool{
	domain.EventMessageCreated:       true,
	domain.EventConversationAssigned: true,
}

// WebhookUpdate is a partial update; nil fields are left alone
type WebhookUpdate struct {
	TargetURL *string `json:"targetUrl,omitempty"`
	IsActive  *bool   `json:"isActive,omitempty"`
}

// WebhookService manages webhook subscriptions
type WebhookService struct {
	repo ports.WebhookRepository
	now  func() time.Time
}

// NewWebhookService creates the subscription service
func NewWebhookService(repo ports.WebhookRepository) *WebhookService {
	return &WebhookService{repo: repo, now: time.Now}
}

// Create registers a subscription. The returned value is the only one that
// carries the secret.
func (s *WebhookService) Create(ctx context.Context, accountID, eventType, targetURL string) (*domain.WebhookSubscription, error) {
	if accountID == "" {
		return nil, domain.Invalid("account id is required")
	}
	if !knownEvents[eventType] {
		return nil, domain.Invalid("unknown event type %q", eventType)
	}
	if err := validateTargetURL(targetURL); err != nil {
		return nil, err
	}
	secret, err := NewWebhookSecret()
	if err != nil {
		return nil, err
	}

	w := &domain.WebhookSubscription{
		ID:        uuid.NewString(),
		AccountID: accountID,
		EventType: eventType,
		TargetURL: targetURL,
		SecretKey: secret,
		IsActive:  true,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.CreateWebhook(ctx, w); err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	slog.Info("Webhook subscription created",
		"webhook_id", w.ID,
		"account_id", accountID,
		"event", eventType,
	)
	return w, nil
}

// List returns the account's subscriptions with secrets stripped
func (s *WebhookService) List(ctx context.Context, accountID string) ([]*domain.WebhookSubscription, error) {
	subs, err := s.repo.ListWebhooks(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, w := range subs {
		w.SecretKey = ""
	}
	return subs, nil
}

// Get returns one subscription with its secret stripped
func (s *WebhookService) Get(ctx context.Context, accountID, id string) (*domain.WebhookSubscription, error) {
	w, err := s.repo.GetWebhook(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	w.SecretKey = ""
	return w, nil
}

// Update changes the target URL and/or active flag
func (s *WebhookService) Update(ctx context.Context, accountID, id string, upd WebhookUpdate) (*domain.WebhookSubscription, error) {
	w, err := s.repo.GetWebhook(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	if upd.TargetURL != nil {
		if err := validateTargetURL(*upd.TargetURL); err != nil {
			return nil, err
		}
		w.TargetURL = *upd.TargetURL
	}
	if upd.IsActive != nil {
		w.IsActive = *upd.IsActive
	}
	if err := s.repo.UpdateWebhook(ctx, w); err != nil {
		return nil, fmt.Errorf("update webhook: %w", err)
	}
	slog.Info("Webhook subscription updated",
		"webhook_id", w.ID,
		"is_active", w.IsActive,
	)
	w.SecretKey = ""
	return w, nil
}

// Delete removes a subscription. Jobs already queued still run.
func (s *WebhookService) Delete(ctx context.Context, accountID, id string) error {
	if err := s.repo.DeleteWebhook(ctx, accountID, id); err != nil {
		return err
	}
	slog.Info("Webhook subscription deleted", "webhook_id", id)
	return nil
}

func validateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return domain.Invalid("target url %q is not an absolute url", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return domain.Invalid("target url must be http or https")
	}
	return nil
}
