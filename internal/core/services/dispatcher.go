// Package services contains core business logic
// Following Hexagonal Architecture: Services orchestrate domain logic using ports
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"omnigate/internal/core/domain"
	"omnigate/internal/core/ports"
)

var _ ports.EventDispatcher = (*Dispatcher)(nil)

// Dispatcher fans events out to webhook subscribers by enqueueing one signed
// delivery job per active subscription. It never performs HTTP itself.
type Dispatcher struct {
	webhookRepo ports.WebhookRepository
	queue       ports.DeliveryQueue
	maxAttempts int
	now         func() time.Time
}

// NewDispatcher creates a new dispatcher instance with dependencies injected
func NewDispatcher(webhookRepo ports.WebhookRepository, queue ports.DeliveryQueue, maxAttempts int) *Dispatcher {
	return &Dispatcher{
		webhookRepo: webhookRepo,
		queue:       queue,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// Dispatch enqueues a delivery job for every active subscription of the account
// for eventType. Returns how many jobs were enqueued. Enqueue failures for
// individual subscriptions do not stop the others.
func (d *Dispatcher) Dispatch(ctx context.Context, accountID, eventType string, data any) (int, error) {
	subs, err := d.webhookRepo.ListActiveWebhooks(ctx, accountID, eventType)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		slog.Debug("No subscribers for event",
			"account_id", accountID,
			"event", eventType,
		)
		return 0, nil
	}

	rawData, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshal event data: %w", err)
	}
	env := domain.Envelope{
		Event:     eventType,
		Timestamp: d.now().UTC().Format(time.RFC3339Nano),
		Data:      rawData,
	}
	canonical, err := CanonicalEnvelope(env)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	var errs []error
	for _, sub := range subs {
		job, err := d.buildJob(env, canonical, sub)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := d.queue.Enqueue(ctx, job); err != nil {
			slog.Error("Failed to enqueue webhook delivery",
				"error", err,
				"job", job.Name,
				"target_url", sub.TargetURL,
			)
			errs = append(errs, fmt.Errorf("enqueue %s: %w", job.Name, err))
			continue
		}
		enqueued++
	}

	slog.Info("Event dispatched",
		"account_id", accountID,
		"event", eventType,
		"subscribers", len(subs),
		"enqueued", enqueued,
	)
	return enqueued, errors.Join(errs...)
}

func (d *Dispatcher) buildJob(env domain.Envelope, canonical []byte, sub *domain.WebhookSubscription) (*domain.DeliveryJob, error) {
	var signature string
	if sub.SecretKey != "" {
		signature = Sign(sub.SecretKey, canonical)
		env.Signature = signature
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal signed envelope: %w", err)
	}
	return &domain.DeliveryJob{
		ID:             uuid.NewString(),
		Name:           domain.JobName(env.Event, sub.ID),
		AccountID:      sub.AccountID,
		SubscriptionID: sub.ID,
		EventType:      env.Event,
		TargetURL:      sub.TargetURL,
		Body:           body,
		Signature:      signature,
		MaxAttempts:    d.maxAttempts,
		State:          domain.JobStateEnqueued,
		EnqueuedAt:     d.now().UTC(),
	}, nil
}
