package ports

import (
	"context"

	"omnigate/internal/core/domain"
)

// ChannelSender delivers outbound text through one channel family.
// Returns the channel-assigned message id.
type ChannelSender interface {
	Send(ctx context.Context, ch *domain.Channel, recipient, text string) (string, error)
}

// AssignmentSink is notified when a conversation gets a new owner
type AssignmentSink interface {
	OnAgentAssigned(ctx context.Context, ev domain.AssignmentEvent)
}

// InboundObserver is notified after an inbound message is persisted and dispatched
type InboundObserver interface {
	OnInboundMessage(ctx context.Context, res *domain.IngestResult)
}

// AIResponder produces a reply for a conversation history (oldest first)
type AIResponder interface {
	Reply(ctx context.Context, history []*domain.Message) (string, error)
}
