// Package domain contains core business entities
// Following Hexagonal Architecture: These models are infrastructure-agnostic
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// AgentType distinguishes human operators from automated responders
type AgentType string

const (
	AgentTypeHuman AgentType = "HUMAN"
	AgentTypeBot   AgentType = "BOT"
)

// AgentStatus is the presence of an agent
type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "ONLINE"
	AgentStatusOffline AgentStatus = "OFFLINE"
)

// Direction of a message relative to the gateway
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// ChannelKind identifies the adapter family a channel belongs to
type ChannelKind string

const (
	ChannelKindMessenger ChannelKind = "MESSENGER"
	ChannelKindWebchat   ChannelKind = "WEBCHAT"
	ChannelKindTelegram  ChannelKind = "TELEGRAM"
	ChannelKindWhatsApp  ChannelKind = "WHATSAPP"
	ChannelKindEmail     ChannelKind = "EMAIL"
)

// ConversationStatus constants
const (
	ConversationStatusOpen   = "OPEN"
	ConversationStatusClosed = "CLOSED"
)

// Event types published to webhook subscribers
const (
	EventMessageCreated       = "MESSAGE_CREATED"
	EventConversationAssigned = "CONVERSATION_ASSIGNED"
)

// DefaultMaxConcurrentChats applies when an agent registers without a cap
const DefaultMaxConcurrentChats = 5

// Contact is an end user on an external channel
type Contact struct {
	ID                 string                 `json:"id" db:"id"`
	AccountID          string                 `json:"accountId" db:"account_id"`
	ExternalID         string                 `json:"externalId" db:"external_id"`
	Name               string                 `json:"name,omitempty" db:"name"`
	Email              string                 `json:"email,omitempty" db:"email"`
	Phone              string                 `json:"phone,omitempty" db:"phone"`
	Metadata           map[string]string      `json:"metadata,omitempty" db:"metadata"`
	ChannelIdentifiers map[ChannelKind]string `json:"channelIdentifiers,omitempty" db:"channel_identifiers"`
	LastInteractionAt  *time.Time             `json:"lastInteractionAt,omitempty" db:"last_interaction_at"`
	CreatedAt          time.Time              `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time              `json:"updatedAt" db:"updated_at"`
}

// Clone returns a deep copy so cached contacts are never shared
func (c *Contact) Clone() *Contact {
	if c == nil {
		return nil
	}
	out := *c
	out.Metadata = cloneStringMap(c.Metadata)
	if c.ChannelIdentifiers != nil {
		out.ChannelIdentifiers = make(map[ChannelKind]string, len(c.ChannelIdentifiers))
		for k, v := range c.ChannelIdentifiers {
			out.ChannelIdentifiers[k] = v
		}
	}
	if c.LastInteractionAt != nil {
		t := *c.LastInteractionAt
		out.LastInteractionAt = &t
	}
	return &out
}

// AddressFor returns the identifier to use when sending on a channel kind
func (c *Contact) AddressFor(kind ChannelKind) string {
	if addr := c.ChannelIdentifiers[kind]; addr != "" {
		return addr
	}
	return c.ExternalID
}

// Agent is a human operator or bot that can own conversations
type Agent struct {
	ID                 string            `json:"id" db:"id"`
	AccountID          string            `json:"accountId" db:"account_id"`
	ExternalID         string            `json:"externalId" db:"external_id"`
	Name               string            `json:"name" db:"name"`
	Email              string            `json:"email,omitempty" db:"email"`
	Type               AgentType         `json:"type" db:"type"`
	IsActive           bool              `json:"isActive" db:"is_active"`
	Status             AgentStatus       `json:"status" db:"status"`
	MaxConcurrentChats int               `json:"maxConcurrentChats" db:"max_concurrent_chats"`
	CurrentLoad        int               `json:"currentLoad" db:"current_load"`
	LastAssignmentAt   *time.Time        `json:"lastAssignmentAt,omitempty" db:"last_assignment_at"`
	LastActivityAt     *time.Time        `json:"lastActivityAt,omitempty" db:"last_activity_at"`
	Skills             []string          `json:"skills,omitempty" db:"skills"`
	Metadata           map[string]string `json:"metadata,omitempty" db:"metadata"`
	AssignmentVersion  int64             `json:"-" db:"assignment_version"`
	CreatedAt          time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time         `json:"updatedAt" db:"updated_at"`
}

// Clone returns a deep copy of the agent
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	out := *a
	out.Metadata = cloneStringMap(a.Metadata)
	if a.Skills != nil {
		out.Skills = append([]string(nil), a.Skills...)
	}
	if a.LastAssignmentAt != nil {
		t := *a.LastAssignmentAt
		out.LastAssignmentAt = &t
	}
	if a.LastActivityAt != nil {
		t := *a.LastActivityAt
		out.LastActivityAt = &t
	}
	return &out
}

// IsBot reports whether the agent is an automated responder
func (a *Agent) IsBot() bool {
	return a.Type == AgentTypeBot
}

// CanKeepConversation reports whether the agent may retain an existing conversation.
// Bots always can; humans only while active and online.
func (a *Agent) CanKeepConversation() bool {
	if a.IsBot() {
		return true
	}
	return a.IsActive && a.Status == AgentStatusOnline
}

// HasCapacity reports whether a human agent can accept one more conversation
func (a *Agent) HasCapacity() bool {
	if a.IsBot() {
		return true
	}
	return a.CurrentLoad < a.MaxConcurrentChats
}

// Conversation is the thread between one contact and the account on one channel
type Conversation struct {
	ID            string     `json:"id" db:"id"`
	AccountID     string     `json:"accountId" db:"account_id"`
	ChannelID     string     `json:"channelId" db:"channel_id"`
	ContactID     string     `json:"contactId" db:"contact_id"`
	AgentID       string     `json:"agentId" db:"agent_id"`
	Status        string     `json:"status" db:"status"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty" db:"last_message_at"`
	CreatedAt     time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time  `json:"updatedAt" db:"updated_at"`
}

// Message is an immutable record of one inbound or outbound message
type Message struct {
	ID               string         `json:"id" db:"id"`
	ConversationID   string         `json:"conversationId" db:"conversation_id"`
	ChannelID        string         `json:"channelId" db:"channel_id"`
	ChannelMessageID string         `json:"channelMessageId" db:"channel_message_id"`
	Direction        Direction      `json:"direction" db:"direction"`
	SenderID         string         `json:"senderId" db:"sender_id"`
	Content          string         `json:"content" db:"content"`
	SentAt           time.Time      `json:"sentAt" db:"sent_at"`
	Metadata         map[string]any `json:"metadata,omitempty" db:"metadata"`
	CreatedAt        time.Time      `json:"createdAt" db:"created_at"`
}

// Channel is the configuration of one connected channel (page, widget, bot, inbox)
type Channel struct {
	ID          string      `json:"id" db:"id"`
	AccountID   string      `json:"accountId" db:"account_id"`
	Kind        ChannelKind `json:"kind" db:"kind"`
	Name        string      `json:"name" db:"name"`
	ExternalRef string      `json:"externalRef,omitempty" db:"external_ref"` // e.g. Messenger page id
	AccessToken string      `json:"-" db:"access_token"`                     // Never expose in JSON
	IsActive    bool        `json:"isActive" db:"is_active"`
	CreatedAt   time.Time   `json:"createdAt" db:"created_at"`
}

// WebhookSubscription registers a target URL for one event type of one account
type WebhookSubscription struct {
	ID        string    `json:"id" db:"id"`
	AccountID string    `json:"accountId" db:"account_id"`
	EventType string    `json:"eventType" db:"event_type"`
	TargetURL string    `json:"targetUrl" db:"target_url"`
	SecretKey string    `json:"-" db:"secret_key"` // Only revealed once, at creation
	IsActive  bool      `json:"isActive" db:"is_active"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// NormalizedMessage is what a channel adapter hands to ingestion
type NormalizedMessage struct {
	ChannelMessageID string         `json:"channelMessageId"`
	ExternalSenderID string         `json:"externalSenderId"`
	SenderName       string         `json:"senderName,omitempty"`
	Body             string         `json:"body"`
	SentAt           time.Time      `json:"sentAt"`
	Direction        Direction      `json:"direction,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Envelope is the body POSTed to webhook subscribers
type Envelope struct {
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature,omitempty"`
}

// MessageCreatedPayload is the data of a MESSAGE_CREATED event
type MessageCreatedPayload struct {
	Message      *Message      `json:"message"`
	Conversation *Conversation `json:"conversation"`
	Contact      *Contact      `json:"contact,omitempty"`
}

// AssignmentReason explains how routing picked an agent
type AssignmentReason string

const (
	ReasonNewConversation AssignmentReason = "new_conversation"
	ReasonSticky          AssignmentReason = "sticky"
	ReasonFallback        AssignmentReason = "fallback"
	ReasonDegraded        AssignmentReason = "degraded"
	ReasonEscalation      AssignmentReason = "escalation"
)

// Assignment is a routing decision
type Assignment struct {
	AgentID         string           `json:"agentId"`
	AgentType       AgentType        `json:"agentType"`
	Reason          AssignmentReason `json:"reason"`
	PreviousAgentID string           `json:"previousAgentId,omitempty"`
	ConversationID  string           `json:"conversationId,omitempty"`
}

// Changed reports whether the decision moves the conversation to a new owner
func (a *Assignment) Changed() bool {
	return a.PreviousAgentID != a.AgentID
}

// AssignmentEvent is delivered to assignment sinks when a conversation changes owner
type AssignmentEvent struct {
	AccountID       string           `json:"accountId"`
	ConversationID  string           `json:"conversationId"`
	AgentID         string           `json:"agentId"`
	PreviousAgentID string           `json:"previousAgentId,omitempty"`
	Reason          AssignmentReason `json:"reason"`
	At              time.Time        `json:"at"`
}

// IngestResult is the outcome of ingesting one message
type IngestResult struct {
	Message      *Message      `json:"message"`
	Conversation *Conversation `json:"conversation"`
	Contact      *Contact      `json:"contact,omitempty"`
	Channel      *Channel      `json:"-"`
	Assignment   *Assignment   `json:"assignment,omitempty"`
	Duplicate    bool          `json:"duplicate"`
}

// ContainsAny reports whether text contains any keyword, case-insensitively
func ContainsAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, k := range keywords {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
