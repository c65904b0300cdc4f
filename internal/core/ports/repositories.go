// Package ports defines interfaces for dependency inversion
// Following Hexagonal Architecture: Core defines contracts, Adapters implement them
package ports

import (
	"context"
	"time"

	"omnigate/internal/core/domain"
)

// ContactRepository persists contacts.
// Unique (account_id, external_id); a losing insert returns domain.ErrConflict.
type ContactRepository interface {
	CreateContact(ctx context.Context, c *domain.Contact) error
	GetContact(ctx context.Context, id string) (*domain.Contact, error)
	GetContactByExternalID(ctx context.Context, accountID, externalID string) (*domain.Contact, error)

	// UpdateContact writes profile fields (name, email, phone, metadata, identifiers)
	UpdateContact(ctx context.Context, c *domain.Contact) error

	// TouchContactInteraction refreshes last_interaction_at
	TouchContactInteraction(ctx context.Context, id string, at time.Time) error

	SearchContacts(ctx context.Context, accountID, query string, limit int) ([]*domain.Contact, error)
}

// AgentRepository persists agents and serves as the assignment store
type AgentRepository interface {
	CreateAgent(ctx context.Context, a *domain.Agent) error
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	GetAgentByExternalID(ctx context.Context, accountID, externalID string) (*domain.Agent, error)
	ListAgents(ctx context.Context, accountID string) ([]*domain.Agent, error)

	// UpdateAgent writes profile and presence fields only.
	// current_load, last_assignment_at and assignment_version are owned by ClaimAgent/ReleaseAgent.
	UpdateAgent(ctx context.Context, a *domain.Agent) error

	// FindTriageBot returns the account's first BOT agent (created_at, id order)
	// or domain.ErrAgentNotFound
	FindTriageBot(ctx context.Context, accountID string) (*domain.Agent, error)

	// ListAvailableHumans returns HUMAN, active, ONLINE agents below capacity
	// ordered by last_assignment_at ascending with never-assigned agents first
	ListAvailableHumans(ctx context.Context, accountID string) ([]*domain.Agent, error)

	// ClaimAgent sets last_assignment_at and increments current_load only if the
	// agent's assignment_version still equals expectedVersion and it has capacity.
	// Returns false when another writer won.
	ClaimAgent(ctx context.Context, agentID string, expectedVersion int64, at time.Time) (bool, error)

	// ReleaseAgent decrements current_load, never below zero
	ReleaseAgent(ctx context.Context, agentID string) error

	TouchAgentActivity(ctx context.Context, agentID string, at time.Time) error
}

// ConversationRepository persists conversations.
// Unique (channel_id, contact_id).
type ConversationRepository interface {
	CreateConversation(ctx context.Context, c *domain.Conversation) error
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	FindConversation(ctx context.Context, channelID, contactID string) (*domain.Conversation, error)
	ListConversations(ctx context.Context, accountID string, limit int) ([]*domain.Conversation, error)

	// ReassignConversation moves ownership only if agent_id still equals fromAgentID
	ReassignConversation(ctx context.Context, id, fromAgentID, toAgentID string) (bool, error)

	// TouchConversation refreshes last_message_at
	TouchConversation(ctx context.Context, id string, at time.Time) error
}

// MessageRepository persists messages.
// Unique (channel_id, channel_message_id); append-only.
type MessageRepository interface {
	CreateMessage(ctx context.Context, m *domain.Message) error
	GetMessageByChannelID(ctx context.Context, channelID, channelMessageID string) (*domain.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error)
	CountMessages(ctx context.Context) (int64, error)
}

// WebhookRepository persists webhook subscriptions
type WebhookRepository interface {
	CreateWebhook(ctx context.Context, w *domain.WebhookSubscription) error
	GetWebhook(ctx context.Context, accountID, id string) (*domain.WebhookSubscription, error)
	ListWebhooks(ctx context.Context, accountID string) ([]*domain.WebhookSubscription, error)

	// ListActiveWebhooks returns active subscriptions for one event type
	ListActiveWebhooks(ctx context.Context, accountID, eventType string) ([]*domain.WebhookSubscription, error)

	UpdateWebhook(ctx context.Context, w *domain.WebhookSubscription) error
	DeleteWebhook(ctx context.Context, accountID, id string) error
}

// ChannelRepository persists channel configuration
type ChannelRepository interface {
	SaveChannel(ctx context.Context, ch *domain.Channel) error
	GetChannel(ctx context.Context, id string) (*domain.Channel, error)
	GetChannelByExternalRef(ctx context.Context, kind domain.ChannelKind, ref string) (*domain.Channel, error)
	ListChannels(ctx context.Context, accountID string) ([]*domain.Channel, error)

	// DeactivateChannel marks a channel unusable (e.g. revoked token)
	DeactivateChannel(ctx context.Context, id string) error
}

// Store aggregates every repository a single backend implements
type Store interface {
	ContactRepository
	AgentRepository
	ConversationRepository
	MessageRepository
	WebhookRepository
	ChannelRepository

	Ping(ctx context.Context) error
	Close() error
}

// DedupRepository handles deduplication of inbound events using cache
// It is a fast path only; the message unique constraint is authoritative
type DedupRepository interface {
	// IsDuplicate checks if an event ID has already been processed
	IsDuplicate(ctx context.Context, eventID string) (bool, error)

	// MarkProcessed marks an event as processed with a TTL
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error
}

// RegistryCache is the read-through/write-through cache in front of
// contact and agent lookups by (account, external id)
type RegistryCache interface {
	GetContact(ctx context.Context, accountID, externalID string) (*domain.Contact, bool)
	SetContact(ctx context.Context, c *domain.Contact)
	GetAgent(ctx context.Context, accountID, externalID string) (*domain.Agent, bool)
	SetAgent(ctx context.Context, a *domain.Agent)
}
