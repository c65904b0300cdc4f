package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"omnigate/internal/core/domain"
	"omnigate/internal/core/ports"
)

// ChannelDirectory maps channel ids to their configuration and to the sender
// registered for the channel's kind
type ChannelDirectory struct {
	repo ports.ChannelRepository

	mu      sync.RWMutex
	senders map[domain.ChannelKind]ports.ChannelSender
}

// NewChannelDirectory creates an empty directory
func NewChannelDirectory(repo ports.ChannelRepository) *ChannelDirectory {
	return &ChannelDirectory{
		repo:    repo,
		senders: make(map[domain.ChannelKind]ports.ChannelSender),
	}
}

// RegisterSender installs the outbound client for a channel kind
func (d *ChannelDirectory) RegisterSender(kind domain.ChannelKind, sender ports.ChannelSender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[kind] = sender
}

// Get returns channel configuration
func (d *ChannelDirectory) Get(ctx context.Context, channelID string) (*domain.Channel, error) {
	return d.repo.GetChannel(ctx, channelID)
}

// Resolve returns the channel and a sender able to reach it.
// Unknown, inactive or sender-less channels yield ErrNoActiveChannelClient.
func (d *ChannelDirectory) Resolve(ctx context.Context, channelID string) (*domain.Channel, ports.ChannelSender, error) {
	ch, err := d.repo.GetChannel(ctx, channelID)
	if errors.Is(err, domain.ErrChannelNotFound) {
		return nil, nil, fmt.Errorf("channel %s unknown: %w", channelID, domain.ErrNoActiveChannelClient)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get channel: %w", err)
	}
	if !ch.IsActive {
		return nil, nil, fmt.Errorf("channel %s inactive: %w", channelID, domain.ErrNoActiveChannelClient)
	}

	d.mu.RLock()
	sender, ok := d.senders[ch.Kind]
	d.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("no %s client: %w", ch.Kind, domain.ErrNoActiveChannelClient)
	}
	return ch, sender, nil
}

// Save validates and stores channel configuration
func (d *ChannelDirectory) Save(ctx context.Context, ch *domain.Channel) (*domain.Channel, error) {
	if ch.AccountID == "" {
		return nil, domain.Invalid("account id is required")
	}
	switch ch.Kind {
	case domain.ChannelKindMessenger, domain.ChannelKindWebchat, domain.ChannelKindTelegram,
		domain.ChannelKindWhatsApp, domain.ChannelKindEmail:
	default:
		return nil, domain.Invalid("unknown channel kind %q", ch.Kind)
	}
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}
	if err := d.repo.SaveChannel(ctx, ch); err != nil {
		return nil, fmt.Errorf("save channel: %w", err)
	}
	slog.Info("Channel saved", "channel_id", ch.ID, "kind", ch.Kind, "account_id", ch.AccountID)
	return ch, nil
}

// List returns the account's channels
func (d *ChannelDirectory) List(ctx context.Context, accountID string) ([]*domain.Channel, error) {
	return d.repo.ListChannels(ctx, accountID)
}

// FindByExternalRef resolves an adapter-level id (e.g. a Messenger page id)
func (d *ChannelDirectory) FindByExternalRef(ctx context.Context, kind domain.ChannelKind, ref string) (*domain.Channel, error) {
	return d.repo.GetChannelByExternalRef(ctx, kind, ref)
}

// Deactivate stops outbound traffic on a channel
func (d *ChannelDirectory) Deactivate(ctx context.Context, channelID string) error {
	if err := d.repo.DeactivateChannel(ctx, channelID); err != nil {
		return err
	}
	slog.Warn("Channel deactivated", "channel_id", channelID)
	return nil
}
