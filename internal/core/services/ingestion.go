package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"omnigate/internal/core/domain"
	"omnigate/internal/core/ports"
)

// IngestionConfig tunes the pipeline
type IngestionConfig struct {
	SendTimeout time.Duration // outbound channel send deadline
	DedupTTL    time.Duration
}

// IngestionPipeline turns normalized channel messages into persisted,
// routed, dispatched records
type IngestionPipeline struct {
	contacts      *ContactRegistry
	routing       *RoutingEngine
	channels      *ChannelDirectory
	conversations ports.ConversationRepository
	messages      ports.MessageRepository
	agents        ports.AgentRepository
	dedupRepo     ports.DedupRepository
	dispatcher    ports.EventDispatcher
	sinks         []ports.AssignmentSink
	observers     []ports.InboundObserver
	cfg           IngestionConfig
	now           func() time.Time
}

// NewIngestionPipeline wires the pipeline. dedupRepo may be nil.
func NewIngestionPipeline(
	contacts *ContactRegistry,
	routing *RoutingEngine,
	channels *ChannelDirectory,
	conversations ports.ConversationRepository,
	messages ports.MessageRepository,
	agents ports.AgentRepository,
	dedupRepo ports.DedupRepository,
	dispatcher ports.EventDispatcher,
	cfg IngestionConfig,
) *IngestionPipeline {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	return &IngestionPipeline{
		contacts:      contacts,
		routing:       routing,
		channels:      channels,
		conversations: conversations,
		messages:      messages,
		agents:        agents,
		dedupRepo:     dedupRepo,
		dispatcher:    dispatcher,
		cfg:           cfg,
		now:           time.Now,
	}
}

// AddAssignmentSink registers a listener for ownership changes
func (p *IngestionPipeline) AddAssignmentSink(s ports.AssignmentSink) {
	p.sinks = append(p.sinks, s)
}

// AddInboundObserver registers a listener for freshly ingested inbound messages
func (p *IngestionPipeline) AddInboundObserver(o ports.InboundObserver) {
	p.observers = append(p.observers, o)
}

func dedupKey(channelID, channelMessageID string) string {
	return channelID + ":" + channelMessageID
}

// IngestInbound records one inbound message. Redelivery of an already
// ingested (channel, channel message id) returns the stored message with
// Duplicate set and dispatches nothing.
func (p *IngestionPipeline) IngestInbound(ctx context.Context, accountID, channelID string, msg domain.NormalizedMessage) (*domain.IngestResult, error) {
	if accountID == "" || channelID == "" {
		return nil, domain.Invalid("account id and channel id are required")
	}
	if msg.ChannelMessageID == "" {
		return nil, domain.Invalid("channel message id is required")
	}
	if msg.ExternalSenderID == "" {
		return nil, domain.Invalid("external sender id is required")
	}

	// A channel of another account does not exist for this caller
	ch, err := p.channels.Get(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("load channel: %w", err)
	}
	if ch.AccountID != accountID {
		return nil, fmt.Errorf("channel %s: %w", channelID, domain.ErrChannelNotFound)
	}

	// Step 1: dedup. The store lookup and the insert's unique constraint
	// are authoritative; a cache miss proves nothing.
	if existing, err := p.findExisting(ctx, channelID, msg.ChannelMessageID); err != nil {
		return nil, err
	} else if existing != nil {
		slog.Info("Duplicate inbound message, skipping",
			"channel_id", channelID,
			"channel_message_id", msg.ChannelMessageID,
		)
		return &domain.IngestResult{Message: existing, Channel: ch, Duplicate: true}, nil
	}

	// Step 2: contact
	contact, err := p.contacts.FindOrCreate(ctx, accountID, msg.ExternalSenderID, ContactProfile{
		Name:        msg.SenderName,
		ChannelKind: ch.Kind,
		Address:     msg.ExternalSenderID,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve contact: %w", err)
	}

	// Step 3: routing + conversation
	decision, err := p.routing.AssignAgent(ctx, accountID, contact.ID, channelID)
	if err != nil {
		return nil, err
	}
	conv, err := p.upsertConversation(ctx, accountID, channelID, contact.ID, decision)
	if err != nil {
		return nil, err
	}
	decision.ConversationID = conv.ID

	now := p.now().UTC()
	if err := p.agents.TouchAgentActivity(ctx, conv.AgentID, now); err != nil {
		slog.Warn("Failed to touch agent activity", "agent_id", conv.AgentID, "error", err)
	}

	// Step 4: persist
	sentAt := msg.SentAt
	if sentAt.IsZero() {
		sentAt = now
	}
	message := &domain.Message{
		ID:               uuid.NewString(),
		ConversationID:   conv.ID,
		ChannelID:        channelID,
		ChannelMessageID: msg.ChannelMessageID,
		Direction:        domain.DirectionInbound,
		SenderID:         contact.ID,
		Content:          msg.Body,
		SentAt:           sentAt.UTC(),
		Metadata:         msg.Metadata,
		CreatedAt:        now,
	}
	if err := p.messages.CreateMessage(ctx, message); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			existing, getErr := p.messages.GetMessageByChannelID(ctx, channelID, msg.ChannelMessageID)
			if getErr != nil {
				return nil, fmt.Errorf("load concurrently ingested message: %w", getErr)
			}
			slog.Info("Inbound message ingested concurrently, skipping dispatch",
				"channel_id", channelID,
				"channel_message_id", msg.ChannelMessageID,
			)
			return &domain.IngestResult{Message: existing, Conversation: conv, Contact: contact, Channel: ch, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("save message: %w", err)
	}
	if decision.Changed() {
		p.notifyAssigned(ctx, accountID, decision, now)
	}

	// Step 5: fan out; delivery problems never fail ingestion
	p.dispatch(ctx, accountID, message, conv, contact)

	// Step 6: bookkeeping
	if err := p.conversations.TouchConversation(ctx, conv.ID, now); err != nil {
		slog.Warn("Failed to touch conversation", "conversation_id", conv.ID, "error", err)
	} else {
		conv.LastMessageAt = &now
	}
	if err := p.contacts.Touch(ctx, contact, now); err != nil {
		slog.Warn("Failed to touch contact", "contact_id", contact.ID, "error", err)
	} else {
		contact.LastInteractionAt = &now
	}
	if p.dedupRepo != nil {
		if err := p.dedupRepo.MarkProcessed(ctx, dedupKey(channelID, msg.ChannelMessageID), p.cfg.DedupTTL); err != nil {
			slog.Warn("Failed to mark message in dedup cache",
				"error", err,
				"channel_message_id", msg.ChannelMessageID,
			)
		}
	}

	slog.Info("Inbound message ingested",
		"message_id", message.ID,
		"conversation_id", conv.ID,
		"agent_id", conv.AgentID,
		"routing", decision.Reason,
		"content_preview", preview(message.Content),
	)

	res := &domain.IngestResult{
		Message:      message,
		Conversation: conv,
		Contact:      contact,
		Channel:      ch,
		Assignment:   decision,
	}
	for _, o := range p.observers {
		o.OnInboundMessage(ctx, res)
	}
	return res, nil
}

// findExisting returns the stored message for (channel, channel message id), if any.
// The cache entry may have expired or been lost, so the store is always asked.
func (p *IngestionPipeline) findExisting(ctx context.Context, channelID, channelMessageID string) (*domain.Message, error) {
	cached := false
	if p.dedupRepo != nil {
		seen, err := p.dedupRepo.IsDuplicate(ctx, dedupKey(channelID, channelMessageID))
		if err != nil {
			slog.Warn("Dedup cache unavailable, falling back to store", "error", err)
		}
		cached = seen
	}
	existing, err := p.messages.GetMessageByChannelID(ctx, channelID, channelMessageID)
	if errors.Is(err, domain.ErrMessageNotFound) {
		if cached {
			slog.Warn("Dedup cache marks a message the store does not have",
				"channel_id", channelID,
				"channel_message_id", channelMessageID,
			)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}
	return existing, nil
}

// upsertConversation finds or creates the (channel, contact) conversation and
// applies the routing decision to it
func (p *IngestionPipeline) upsertConversation(ctx context.Context, accountID, channelID, contactID string, decision *domain.Assignment) (*domain.Conversation, error) {
	conv, err := p.conversations.FindConversation(ctx, channelID, contactID)
	if errors.Is(err, domain.ErrConversationNotFound) {
		now := p.now().UTC()
		conv = &domain.Conversation{
			ID:        uuid.NewString(),
			AccountID: accountID,
			ChannelID: channelID,
			ContactID: contactID,
			AgentID:   decision.AgentID,
			Status:    domain.ConversationStatusOpen,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err = p.conversations.CreateConversation(ctx, conv)
		if err == nil {
			slog.Info("Conversation created",
				"conversation_id", conv.ID,
				"agent_id", conv.AgentID,
			)
			return conv, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		// Lost the creation race; the winner's owner stands
		conv, err = p.conversations.FindConversation(ctx, channelID, contactID)
		if err != nil {
			return nil, fmt.Errorf("re-read conversation after conflict: %w", err)
		}
		decision.AgentID = conv.AgentID
		decision.PreviousAgentID = conv.AgentID
		decision.Reason = domain.ReasonSticky
		return conv, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}

	if decision.PreviousAgentID == "" {
		decision.PreviousAgentID = conv.AgentID
	}
	if _, err := p.routing.Apply(ctx, conv, decision); err != nil {
		return nil, err
	}
	return conv, nil
}

func (p *IngestionPipeline) notifyAssigned(ctx context.Context, accountID string, decision *domain.Assignment, at time.Time) {
	ev := domain.AssignmentEvent{
		AccountID:       accountID,
		ConversationID:  decision.ConversationID,
		AgentID:         decision.AgentID,
		PreviousAgentID: decision.PreviousAgentID,
		Reason:          decision.Reason,
		At:              at,
	}
	for _, s := range p.sinks {
		s.OnAgentAssigned(ctx, ev)
	}
}

func (p *IngestionPipeline) dispatch(ctx context.Context, accountID string, m *domain.Message, conv *domain.Conversation, contact *domain.Contact) {
	if p.dispatcher == nil {
		return
	}
	payload := domain.MessageCreatedPayload{Message: m, Conversation: conv, Contact: contact}
	if _, err := p.dispatcher.Dispatch(ctx, accountID, domain.EventMessageCreated, payload); err != nil {
		slog.Error("Failed to dispatch message event",
			"error", err,
			"message_id", m.ID,
		)
	}
}

// IngestOutbound sends text to the conversation's contact through the
// conversation's channel, then records and dispatches it
func (p *IngestionPipeline) IngestOutbound(ctx context.Context, conversationID, text, agentID string) (*domain.IngestResult, error) {
	if conversationID == "" {
		return nil, domain.Invalid("conversation id is required")
	}
	if text == "" {
		return nil, domain.Invalid("message text is required")
	}

	conv, err := p.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if agentID != "" {
		agent, err := p.agents.GetAgent(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if agent.AccountID != conv.AccountID {
			return nil, fmt.Errorf("agent %s: %w", agentID, domain.ErrAgentNotFound)
		}
	}
	contact, err := p.contacts.Get(ctx, conv.ContactID)
	if err != nil {
		return nil, fmt.Errorf("load contact: %w", err)
	}
	ch, sender, err := p.channels.Resolve(ctx, conv.ChannelID)
	if err != nil {
		return nil, err
	}

	channelMessageID, err := p.send(ctx, sender, ch, contact.AddressFor(ch.Kind), text)
	if err != nil {
		slog.Error("Outbound send failed",
			"error", err,
			"conversation_id", conv.ID,
			"channel_id", ch.ID,
		)
		return nil, err
	}
	if channelMessageID == "" {
		channelMessageID = "out-" + uuid.NewString()
	}

	now := p.now().UTC()
	senderID := agentID
	if senderID == "" {
		senderID = conv.AgentID
	}
	message := &domain.Message{
		ID:               uuid.NewString(),
		ConversationID:   conv.ID,
		ChannelID:        ch.ID,
		ChannelMessageID: channelMessageID,
		Direction:        domain.DirectionOutbound,
		SenderID:         senderID,
		Content:          text,
		SentAt:           now,
		Metadata:         map[string]any{"agent_id": senderID},
		CreatedAt:        now,
	}
	if err := p.messages.CreateMessage(ctx, message); err != nil {
		// The channel already delivered it; surface the storage failure
		return nil, fmt.Errorf("save outbound message: %w", err)
	}
	if err := p.conversations.TouchConversation(ctx, conv.ID, now); err != nil {
		slog.Warn("Failed to touch conversation", "conversation_id", conv.ID, "error", err)
	} else {
		conv.LastMessageAt = &now
	}
	if err := p.agents.TouchAgentActivity(ctx, senderID, now); err != nil {
		slog.Debug("Failed to touch agent activity", "agent_id", senderID, "error", err)
	}

	p.dispatch(ctx, conv.AccountID, message, conv, contact)

	slog.Info("Outbound message sent",
		"message_id", message.ID,
		"conversation_id", conv.ID,
		"channel_message_id", channelMessageID,
	)
	return &domain.IngestResult{Message: message, Conversation: conv, Contact: contact, Channel: ch}, nil
}

// send runs the channel call under the send deadline. A sender that ignores
// its context still cannot hold the caller past the deadline.
func (p *IngestionPipeline) send(ctx context.Context, sender ports.ChannelSender, ch *domain.Channel, recipient, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("channel sender panic: %v", r)}
			}
		}()
		id, err := sender.Send(ctx, ch, recipient, text)
		done <- result{id: id, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.id, nil
		}
		if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() != nil {
			return "", fmt.Errorf("%w after %s", domain.ErrChannelSendTimeout, p.cfg.SendTimeout)
		}
		return "", fmt.Errorf("%w: %w", domain.ErrChannelSendFailed, r.err)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", domain.ErrChannelSendTimeout, p.cfg.SendTimeout)
		}
		return "", ctx.Err()
	}
}

func preview(content string) string {
	r := []rune(content)
	if len(r) > 50 {
		return string(r[:50]) + "..."
	}
	return content
}
