package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"omnigate/internal/core/domain"
)

// ============================================================================
// ConversationRepository Implementation
// ============================================================================

const conversationColumns = `id, account_id, channel_id, contact_id, agent_id, status,
	last_message_at, created_at, updated_at`

func scanConversation(s rowScanner) (*domain.Conversation, error) {
	var (
		c           domain.Conversation
		lastMessage sql.NullTime
	)
	if err := s.Scan(&c.ID, &c.AccountID, &c.ChannelID, &c.ContactID, &c.AgentID, &c.Status,
		&lastMessage, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.LastMessageAt = timePtr(lastMessage)
	c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
	return &c, nil
}

func (r *SQLRepository) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	return r.insert(ctx, "conversation",
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AccountID, c.ChannelID, c.ContactID, c.AgentID, c.Status,
		nullTime(c.LastMessageAt), c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
}

func (r *SQLRepository) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	c, err := scanConversation(r.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (r *SQLRepository) FindConversation(ctx context.Context, channelID, contactID string) (*domain.Conversation, error) {
	c, err := scanConversation(r.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE channel_id = ? AND contact_id = ?`,
		channelID, contactID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return c, nil
}

func (r *SQLRepository) ListConversations(ctx context.Context, accountID string, limit int) ([]*domain.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		WHERE account_id = ? ORDER BY updated_at DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *SQLRepository) ReassignConversation(ctx context.Context, id, fromAgentID, toAgentID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET agent_id = ?, updated_at = ? WHERE id = ? AND agent_id = ?`,
		toAgentID, time.Now().UTC(), id, fromAgentID)
	if err != nil {
		return false, fmt.Errorf("reassign conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reassign conversation rows: %w", err)
	}
	return n == 1, nil
}

func (r *SQLRepository) TouchConversation(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ?, updated_at = ? WHERE id = ?`, at.UTC(), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// ============================================================================
// MessageRepository Implementation
// ============================================================================

const messageColumns = `id, conversation_id, channel_id, channel_message_id, direction, sender_id,
	content, sent_at, metadata, created_at`

func scanMessage(s rowScanner) (*domain.Message, error) {
	var (
		m                 domain.Message
		direction         string
		content, metadata sql.NullString
	)
	if err := s.Scan(&m.ID, &m.ConversationID, &m.ChannelID, &m.ChannelMessageID, &direction, &m.SenderID,
		&content, &m.SentAt, &metadata, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Direction = domain.Direction(direction)
	m.Content = content.String
	decodeJSON(metadata, &m.Metadata)
	m.SentAt, m.CreatedAt = m.SentAt.UTC(), m.CreatedAt.UTC()
	return &m, nil
}

func (r *SQLRepository) CreateMessage(ctx context.Context, m *domain.Message) error {
	return r.insert(ctx, "message",
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.ChannelID, m.ChannelMessageID, string(m.Direction), m.SenderID,
		m.Content, m.SentAt.UTC(), encodeJSON(m.Metadata), m.CreatedAt.UTC(),
	)
}

func (r *SQLRepository) GetMessageByChannelID(ctx context.Context, channelID, channelMessageID string) (*domain.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE channel_id = ? AND channel_message_id = ?`,
		channelID, channelMessageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ListMessages returns the most recent messages of a conversation, oldest first
func (r *SQLRepository) ListMessages(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *SQLRepository) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// ============================================================================
// WebhookRepository Implementation
// ============================================================================

const webhookColumns = `id, account_id, event_type, target_url, secret_key, is_active, created_at`

func scanWebhook(s rowScanner) (*domain.WebhookSubscription, error) {
	var w domain.WebhookSubscription
	if err := s.Scan(&w.ID, &w.AccountID, &w.EventType, &w.TargetURL, &w.SecretKey, &w.IsActive, &w.CreatedAt); err != nil {
		return nil, err
	}
	w.CreatedAt = w.CreatedAt.UTC()
	return &w, nil
}

func (r *SQLRepository) queryWebhooks(ctx context.Context, query string, args ...any) ([]*domain.WebhookSubscription, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query webhooks: %w", err)
	}
	defer rows.Close()

	var out []*domain.WebhookSubscription
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *SQLRepository) CreateWebhook(ctx context.Context, w *domain.WebhookSubscription) error {
	return r.insert(ctx, "webhook",
		`INSERT INTO webhook_subscriptions (`+webhookColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.AccountID, w.EventType, w.TargetURL, w.SecretKey, w.IsActive, w.CreatedAt.UTC(),
	)
}

func (r *SQLRepository) GetWebhook(ctx context.Context, accountID, id string) (*domain.WebhookSubscription, error) {
	w, err := scanWebhook(r.db.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_subscriptions WHERE id = ? AND account_id = ?`, id, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrWebhookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return w, nil
}

func (r *SQLRepository) ListWebhooks(ctx context.Context, accountID string) ([]*domain.WebhookSubscription, error) {
	return r.queryWebhooks(ctx,
		`SELECT `+webhookColumns+` FROM webhook_subscriptions WHERE account_id = ? ORDER BY created_at ASC, id ASC`,
		accountID)
}

func (r *SQLRepository) ListActiveWebhooks(ctx context.Context, accountID, eventType string) ([]*domain.WebhookSubscription, error) {
	return r.queryWebhooks(ctx,
		`SELECT `+webhookColumns+` FROM webhook_subscriptions
		WHERE account_id = ? AND event_type = ? AND is_active = 1 ORDER BY created_at ASC, id ASC`,
		accountID, eventType)
}

func (r *SQLRepository) UpdateWebhook(ctx context.Context, w *domain.WebhookSubscription) error {
	return r.execOne(ctx, domain.ErrWebhookNotFound,
		`UPDATE webhook_subscriptions SET target_url = ?, is_active = ? WHERE id = ? AND account_id = ?`,
		w.TargetURL, w.IsActive, w.ID, w.AccountID)
}

func (r *SQLRepository) DeleteWebhook(ctx context.Context, accountID, id string) error {
	return r.execOne(ctx, domain.ErrWebhookNotFound,
		`DELETE FROM webhook_subscriptions WHERE id = ? AND account_id = ?`, id, accountID)
}

// ============================================================================
// ChannelRepository Implementation
// ============================================================================

const channelColumns = `id, account_id, kind, name, external_ref, access_token, is_active, created_at`

func scanChannel(s rowScanner) (*domain.Channel, error) {
	var (
		ch               domain.Channel
		kind             string
		name, ref, token sql.NullString
	)
	if err := s.Scan(&ch.ID, &ch.AccountID, &kind, &name, &ref, &token, &ch.IsActive, &ch.CreatedAt); err != nil {
		return nil, err
	}
	ch.Kind = domain.ChannelKind(kind)
	ch.Name, ch.ExternalRef, ch.AccessToken = name.String, ref.String, token.String
	ch.CreatedAt = ch.CreatedAt.UTC()
	return &ch, nil
}

// SaveChannel inserts or replaces channel configuration
func (r *SQLRepository) SaveChannel(ctx context.Context, ch *domain.Channel) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE channels SET account_id = ?, kind = ?, name = ?, external_ref = ?, access_token = ?, is_active = ?
		WHERE id = ?`,
		ch.AccountID, string(ch.Kind), ch.Name, ch.ExternalRef, ch.AccessToken, ch.IsActive, ch.ID)
	if err != nil {
		return fmt.Errorf("save channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return r.insert(ctx, "channel",
		`INSERT INTO channels (`+channelColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.AccountID, string(ch.Kind), ch.Name, ch.ExternalRef, ch.AccessToken, ch.IsActive, ch.CreatedAt.UTC())
}

func (r *SQLRepository) GetChannel(ctx context.Context, id string) (*domain.Channel, error) {
	ch, err := scanChannel(r.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return ch, nil
}

func (r *SQLRepository) GetChannelByExternalRef(ctx context.Context, kind domain.ChannelKind, ref string) (*domain.Channel, error) {
	ch, err := scanChannel(r.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE kind = ? AND external_ref = ? LIMIT 1`, string(kind), ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel by ref: %w", err)
	}
	return ch, nil
}

func (r *SQLRepository) ListChannels(ctx context.Context, accountID string) ([]*domain.Channel, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE account_id = ? ORDER BY id ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []*domain.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// DeactivateChannel marks a channel inactive (e.g. after Messenger reports an expired token)
func (r *SQLRepository) DeactivateChannel(ctx context.Context, id string) error {
	return r.execOne(ctx, domain.ErrChannelNotFound, `UPDATE channels SET is_active = 0 WHERE id = ?`, id)
}
