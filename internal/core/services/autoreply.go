package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"omnigate/internal/core/domain"
	"omnigate/internal/core/ports"
)

// DefaultEscalationKeywords trigger a handoff to a human instead of an AI reply
var DefaultEscalationKeywords = []string{"human", "agent", "operator", "manusia", "cs", "admin"}

// OutboundSender is the part of the ingestion pipeline the auto-responder replies through
type OutboundSender interface {
	IngestOutbound(ctx context.Context, conversationID, text, agentID string) (*domain.IngestResult, error)
}

// AutoReplyConfig tunes the webchat auto-responder
type AutoReplyConfig struct {
	HistoryLimit       int
	ReplyTimeout       time.Duration
	EscalationKeywords []string
	HandoffText        string
}

// AutoResponder answers webchat messages of bot-owned conversations with an AI reply
type AutoResponder struct {
	ai       ports.AIResponder
	messages ports.MessageRepository
	agents   ports.AgentRepository
	routing  *RoutingEngine
	outbound OutboundSender
	panic    *PanicMode
	sinks    []ports.AssignmentSink
	cfg      AutoReplyConfig
}

var _ ports.InboundObserver = (*AutoResponder)(nil)

// NewAutoResponder creates the responder. ai may be nil; replies then fail
// with ErrNoAIProviderConfigured while escalation keeps working.
func NewAutoResponder(
	ai ports.AIResponder,
	messages ports.MessageRepository,
	agents ports.AgentRepository,
	routing *RoutingEngine,
	outbound OutboundSender,
	panicMode *PanicMode,
	cfg AutoReplyConfig,
) *AutoResponder {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 30 * time.Second
	}
	if cfg.EscalationKeywords == nil {
		cfg.EscalationKeywords = DefaultEscalationKeywords
	}
	if cfg.HandoffText == "" {
		cfg.HandoffText = "Connecting you with a human agent, please wait."
	}
	if panicMode == nil {
		panicMode = NewPanicMode()
	}
	return &AutoResponder{
		ai:       ai,
		messages: messages,
		agents:   agents,
		routing:  routing,
		outbound: outbound,
		panic:    panicMode,
		cfg:      cfg,
	}
}

// AddAssignmentSink registers a listener for escalation handoffs
func (a *AutoResponder) AddAssignmentSink(s ports.AssignmentSink) {
	a.sinks = append(a.sinks, s)
}

// OnInboundMessage reacts to a freshly ingested message. Errors are logged.
func (a *AutoResponder) OnInboundMessage(ctx context.Context, res *domain.IngestResult) {
	if _, err := a.Respond(ctx, res); err != nil {
		slog.Error("Auto-reply failed",
			"error", err,
			"conversation_id", res.Conversation.ID,
		)
	}
}

// Respond handles one inbound webchat message. Returns the outbound message
// sent, or nil when nothing was sent.
func (a *AutoResponder) Respond(ctx context.Context, res *domain.IngestResult) (*domain.Message, error) {
	if res == nil || res.Duplicate || res.Channel == nil || res.Conversation == nil {
		return nil, nil
	}
	if res.Channel.Kind != domain.ChannelKindWebchat {
		return nil, nil
	}
	owner, err := a.agents.GetAgent(ctx, res.Conversation.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load conversation owner: %w", err)
	}
	if !owner.IsBot() {
		return nil, nil
	}

	if domain.ContainsAny(res.Message.Content, a.cfg.EscalationKeywords) {
		return a.escalate(ctx, res)
	}

	if a.panic.IsActive() {
		slog.Warn("AI reply suppressed: panic mode active",
			"conversation_id", res.Conversation.ID,
		)
		return nil, nil
	}
	if a.ai == nil {
		return nil, domain.ErrNoAIProviderConfigured
	}

	history, err := a.messages.ListMessages(ctx, res.Conversation.ID, a.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	replyCtx, cancel := context.WithTimeout(ctx, a.cfg.ReplyTimeout)
	defer cancel()
	reply, err := a.ai.Reply(replyCtx, history)
	if err != nil {
		return nil, fmt.Errorf("ai reply: %w", err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		slog.Warn("AI returned an empty reply", "conversation_id", res.Conversation.ID)
		return nil, nil
	}

	out, err := a.outbound.IngestOutbound(ctx, res.Conversation.ID, reply, owner.ID)
	if err != nil {
		return nil, err
	}
	slog.Info("AI reply sent",
		"conversation_id", res.Conversation.ID,
		"message_id", out.Message.ID,
	)
	return out.Message, nil
}

func (a *AutoResponder) escalate(ctx context.Context, res *domain.IngestResult) (*domain.Message, error) {
	conv := res.Conversation
	decision, err := a.routing.Handoff(ctx, conv)
	if err != nil {
		return nil, fmt.Errorf("handoff: %w", err)
	}
	if decision == nil {
		slog.Warn("Escalation requested but no human agent is available",
			"conversation_id", conv.ID,
		)
		return nil, nil
	}
	if decision.Changed() {
		ev := domain.AssignmentEvent{
			AccountID:       conv.AccountID,
			ConversationID:  conv.ID,
			AgentID:         decision.AgentID,
			PreviousAgentID: decision.PreviousAgentID,
			Reason:          decision.Reason,
			At:              time.Now().UTC(),
		}
		for _, s := range a.sinks {
			s.OnAgentAssigned(ctx, ev)
		}
	}
	slog.Info("Conversation escalated to human",
		"conversation_id", conv.ID,
		"agent_id", decision.AgentID,
	)

	out, err := a.outbound.IngestOutbound(ctx, conv.ID, a.cfg.HandoffText, decision.PreviousAgentID)
	if errors.Is(err, domain.ErrNoActiveChannelClient) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out.Message, nil
}
