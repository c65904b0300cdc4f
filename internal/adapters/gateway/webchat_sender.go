package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"omnigate/internal/adapters/websocket"
	"omnigate/internal/core/domain"
	"omnigate/internal/core/ports"
)

// EventPublisher pushes a frame to websocket subscribers of a topic
type EventPublisher interface {
	Publish(topic, eventType string, data any) error
}

// WebchatMessage is what a visitor's widget receives for an outbound message
type WebchatMessage struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sentAt"`
}

var _ ports.ChannelSender = (*WebchatSender)(nil)

// WebchatSender delivers outbound messages to webchat widgets over the hub.
// The recipient is the visitor id the widget connected with.
type WebchatSender struct {
	pub EventPublisher
}

// NewWebchatSender creates the sender
func NewWebchatSender(pub EventPublisher) *WebchatSender {
	return &WebchatSender{pub: pub}
}

// Send publishes the message to the visitor's topic and returns its id
func (s *WebchatSender) Send(ctx context.Context, ch *domain.Channel, recipient, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msg := WebchatMessage{
		ID:        "wc-" + uuid.NewString(),
		ChannelID: ch.ID,
		Text:      text,
		SentAt:    time.Now().UTC(),
	}
	if err := s.pub.Publish(websocket.WebchatTopic(recipient), "MESSAGE", msg); err != nil {
		return "", fmt.Errorf("publish webchat message: %w", err)
	}
	return msg.ID, nil
}
