package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"omnigate/internal/core/domain"
	"omnigate/internal/core/ports"
)

// defaultClaimRounds bounds how often the fallback selector re-reads
// candidates after losing compare-and-set races
const defaultClaimRounds = 3

// RoutingEngine decides which agent owns a conversation.
//
//  1. No conversation yet: the account's triage bot.
//  2. Existing conversation whose agent is a bot, or an active online human: keep it.
//  3. Otherwise the least-recently-assigned available human (never-assigned first),
//     claimed with compare-and-set so concurrent routers cannot double-book.
//  4. No human available: the triage bot, logged as degraded routing.
//
// It reads agents straight from the store, never from the registry cache.
type RoutingEngine struct {
	agents        ports.AgentRepository
	conversations ports.ConversationRepository
	claimRounds   int
	now           func() time.Time
}

// NewRoutingEngine creates a routing engine over the assignment store
func NewRoutingEngine(agents ports.AgentRepository, conversations ports.ConversationRepository) *RoutingEngine {
	return &RoutingEngine{
		agents:        agents,
		conversations: conversations,
		claimRounds:   defaultClaimRounds,
		now:           time.Now,
	}
}

// AssignAgent returns the agent that should own the (channel, contact)
// conversation. It does not modify the conversation; fallback claims do
// update the chosen agent's assignment bookkeeping.
func (r *RoutingEngine) AssignAgent(ctx context.Context, accountID, contactID, channelID string) (*domain.Assignment, error) {
	conv, err := r.conversations.FindConversation(ctx, channelID, contactID)
	if errors.Is(err, domain.ErrConversationNotFound) {
		bot, err := r.triageBot(ctx, accountID)
		if err != nil {
			return nil, err
		}
		return &domain.Assignment{
			AgentID:   bot.ID,
			AgentType: bot.Type,
			Reason:    domain.ReasonNewConversation,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}

	previous, err := r.agents.GetAgent(ctx, conv.AgentID)
	switch {
	case err == nil && previous.CanKeepConversation():
		return &domain.Assignment{
			AgentID:         previous.ID,
			AgentType:       previous.Type,
			Reason:          domain.ReasonSticky,
			PreviousAgentID: conv.AgentID,
			ConversationID:  conv.ID,
		}, nil
	case err != nil && !errors.Is(err, domain.ErrAgentNotFound):
		return nil, fmt.Errorf("load previous agent: %w", err)
	}

	human, err := r.ClaimHuman(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if human != nil {
		return &domain.Assignment{
			AgentID:         human.ID,
			AgentType:       human.Type,
			Reason:          domain.ReasonFallback,
			PreviousAgentID: conv.AgentID,
			ConversationID:  conv.ID,
		}, nil
	}

	bot, err := r.triageBot(ctx, accountID)
	if err != nil {
		return nil, err
	}
	slog.Warn("Degraded routing: no human agent available, using triage bot",
		"account_id", accountID,
		"conversation_id", conv.ID,
		"previous_agent_id", conv.AgentID,
	)
	return &domain.Assignment{
		AgentID:         bot.ID,
		AgentType:       bot.Type,
		Reason:          domain.ReasonDegraded,
		PreviousAgentID: conv.AgentID,
		ConversationID:  conv.ID,
	}, nil
}

// ClaimHuman picks and claims the least-recently-assigned available human.
// Returns (nil, nil) when nobody is available.
func (r *RoutingEngine) ClaimHuman(ctx context.Context, accountID string) (*domain.Agent, error) {
	for round := 0; round < r.claimRounds; round++ {
		candidates, err := r.agents.ListAvailableHumans(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("list available humans: %w", err)
		}
		if len(candidates) == 0 {
			return nil, nil
		}
		for _, c := range candidates {
			ok, err := r.agents.ClaimAgent(ctx, c.ID, c.AssignmentVersion, r.now().UTC())
			if err != nil {
				return nil, fmt.Errorf("claim agent %s: %w", c.ID, err)
			}
			if ok {
				c.CurrentLoad++
				c.AssignmentVersion++
				return c, nil
			}
			slog.Debug("Lost agent claim race, trying next candidate", "agent_id", c.ID)
		}
	}
	slog.Warn("Could not claim any human agent after retries", "account_id", accountID)
	return nil, nil
}

func (r *RoutingEngine) triageBot(ctx context.Context, accountID string) (*domain.Agent, error) {
	bot, err := r.agents.FindTriageBot(ctx, accountID)
	if errors.Is(err, domain.ErrAgentNotFound) {
		return nil, fmt.Errorf("account %s: %w", accountID, domain.ErrNoTriageAgentConfigured)
	}
	if err != nil {
		return nil, fmt.Errorf("find triage bot: %w", err)
	}
	return bot, nil
}

// Handoff moves an existing conversation to a freshly claimed human.
// Returns (nil, nil) when no human is available; the conversation is unchanged.
func (r *RoutingEngine) Handoff(ctx context.Context, conv *domain.Conversation) (*domain.Assignment, error) {
	human, err := r.ClaimHuman(ctx, conv.AccountID)
	if err != nil || human == nil {
		return nil, err
	}
	decision := &domain.Assignment{
		AgentID:         human.ID,
		AgentType:       human.Type,
		Reason:          domain.ReasonEscalation,
		PreviousAgentID: conv.AgentID,
		ConversationID:  conv.ID,
	}
	if _, err := r.Apply(ctx, conv, decision); err != nil {
		return nil, err
	}
	return decision, nil
}

// Apply writes a decision onto an existing conversation. If another writer
// reassigned the conversation first, the claimed agent is released and the
// current owner wins. Returns the resulting owner id.
func (r *RoutingEngine) Apply(ctx context.Context, conv *domain.Conversation, decision *domain.Assignment) (string, error) {
	if conv.AgentID == decision.AgentID {
		return conv.AgentID, nil
	}

	ok, err := r.conversations.ReassignConversation(ctx, conv.ID, conv.AgentID, decision.AgentID)
	if err != nil {
		r.release(ctx, decision)
		return "", fmt.Errorf("reassign conversation: %w", err)
	}
	if !ok {
		r.release(ctx, decision)
		current, err := r.conversations.GetConversation(ctx, conv.ID)
		if err != nil {
			return "", fmt.Errorf("reload conversation: %w", err)
		}
		slog.Info("Conversation reassigned concurrently, keeping current owner",
			"conversation_id", conv.ID,
			"agent_id", current.AgentID,
		)
		*conv = *current
		decision.AgentID = current.AgentID
		decision.Reason = domain.ReasonSticky
		return current.AgentID, nil
	}

	// The previous human no longer carries this conversation
	if prev, err := r.agents.GetAgent(ctx, conv.AgentID); err == nil && !prev.IsBot() {
		if err := r.agents.ReleaseAgent(ctx, prev.ID); err != nil {
			slog.Warn("Failed to release previous agent", "agent_id", prev.ID, "error", err)
		}
	}

	slog.Info("Conversation reassigned",
		"conversation_id", conv.ID,
		"from_agent_id", conv.AgentID,
		"to_agent_id", decision.AgentID,
		"reason", decision.Reason,
	)
	conv.AgentID = decision.AgentID
	return conv.AgentID, nil
}

// release undoes a fallback/escalation claim that did not take effect
func (r *RoutingEngine) release(ctx context.Context, decision *domain.Assignment) {
	if decision.Reason != domain.ReasonFallback && decision.Reason != domain.ReasonEscalation {
		return
	}
	if err := r.agents.ReleaseAgent(ctx, decision.AgentID); err != nil {
		slog.Warn("Failed to release unused agent claim", "agent_id", decision.AgentID, "error", err)
	}
}
