package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"omnigate/internal/core/domain"
	"omnigate/internal/core/ports"
)

var _ ports.Store = (*MemoryRepository)(nil)

// MemoryRepository is a single-process Store. Every method takes the one
// mutex, so unique checks and compare-and-set updates are atomic.
// Values are cloned in and out so callers never alias stored records.
type MemoryRepository struct {
	mu sync.Mutex

	contacts      map[string]*domain.Contact
	agents        map[string]*domain.Agent
	conversations map[string]*domain.Conversation
	messages      map[string]*domain.Message
	webhooks      map[string]*domain.WebhookSubscription
	channels      map[string]*domain.Channel

	// unique indexes
	contactKeys map[string]string
	agentKeys   map[string]string
	convKeys    map[string]string
	msgKeys     map[string]string
}

// NewMemoryRepository creates an empty in-memory store
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		contacts:      make(map[string]*domain.Contact),
		agents:        make(map[string]*domain.Agent),
		conversations: make(map[string]*domain.Conversation),
		messages:      make(map[string]*domain.Message),
		webhooks:      make(map[string]*domain.WebhookSubscription),
		channels:      make(map[string]*domain.Channel),
		contactKeys:   make(map[string]string),
		agentKeys:     make(map[string]string),
		convKeys:      make(map[string]string),
		msgKeys:       make(map[string]string),
	}
}

func pairKey(a, b string) string { return a + "\x00" + b }

func (r *MemoryRepository) Ping(ctx context.Context) error { return nil }
func (r *MemoryRepository) Close() error                   { return nil }

// ============================================================================
// Contacts
// ============================================================================

func (r *MemoryRepository) CreateContact(ctx context.Context, c *domain.Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey(c.AccountID, c.ExternalID)
	if _, ok := r.contactKeys[key]; ok {
		return domain.ErrConflict
	}
	r.contactKeys[key] = c.ID
	r.contacts[c.ID] = c.Clone()
	return nil
}

func (r *MemoryRepository) GetContact(ctx context.Context, id string) (*domain.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contacts[id]
	if !ok {
		return nil, domain.ErrContactNotFound
	}
	return c.Clone(), nil
}

func (r *MemoryRepository) GetContactByExternalID(ctx context.Context, accountID, externalID string) (*domain.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.contactKeys[pairKey(accountID, externalID)]
	if !ok {
		return nil, domain.ErrContactNotFound
	}
	return r.contacts[id].Clone(), nil
}

func (r *MemoryRepository) UpdateContact(ctx context.Context, c *domain.Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.contacts[c.ID]
	if !ok {
		return domain.ErrContactNotFound
	}
	updated := c.Clone()
	updated.LastInteractionAt = existing.LastInteractionAt
	updated.CreatedAt = existing.CreatedAt
	r.contacts[c.ID] = updated
	return nil
}

func (r *MemoryRepository) TouchContactInteraction(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contacts[id]
	if !ok {
		return domain.ErrContactNotFound
	}
	t := at
	c.LastInteractionAt = &t
	return nil
}

func (r *MemoryRepository) SearchContacts(ctx context.Context, accountID, query string, limit int) ([]*domain.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q := strings.ToLower(query)
	var out []*domain.Contact
	for _, c := range r.contacts {
		if c.AccountID != accountID {
			continue
		}
		if q == "" ||
			strings.Contains(strings.ToLower(c.Name), q) ||
			strings.Contains(strings.ToLower(c.Email), q) ||
			strings.Contains(c.Phone, q) ||
			strings.Contains(strings.ToLower(c.ExternalID), q) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ============================================================================
// Agents
// ============================================================================

func (r *MemoryRepository) CreateAgent(ctx context.Context, a *domain.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey(a.AccountID, a.ExternalID)
	if _, ok := r.agentKeys[key]; ok {
		return domain.ErrConflict
	}
	r.agentKeys[key] = a.ID
	r.agents[a.ID] = a.Clone()
	return nil
}

func (r *MemoryRepository) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return nil, domain.ErrAgentNotFound
	}
	return a.Clone(), nil
}

func (r *MemoryRepository) GetAgentByExternalID(ctx context.Context, accountID, externalID string) (*domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.agentKeys[pairKey(accountID, externalID)]
	if !ok {
		return nil, domain.ErrAgentNotFound
	}
	return r.agents[id].Clone(), nil
}

func (r *MemoryRepository) ListAgents(ctx context.Context, accountID string) ([]*domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Agent
	for _, a := range r.agents {
		if a.AccountID == accountID {
			out = append(out, a.Clone())
		}
	}
	sortAgentsByCreation(out)
	return out, nil
}

func (r *MemoryRepository) UpdateAgent(ctx context.Context, a *domain.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.agents[a.ID]
	if !ok {
		return domain.ErrAgentNotFound
	}
	updated := a.Clone()
	updated.CurrentLoad = existing.CurrentLoad
	updated.LastAssignmentAt = existing.LastAssignmentAt
	updated.AssignmentVersion = existing.AssignmentVersion
	updated.LastActivityAt = existing.LastActivityAt
	updated.CreatedAt = existing.CreatedAt
	r.agents[a.ID] = updated
	return nil
}

func (r *MemoryRepository) FindTriageBot(ctx context.Context, accountID string) (*domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var bots []*domain.Agent
	for _, a := range r.agents {
		if a.AccountID == accountID && a.Type == domain.AgentTypeBot && a.IsActive {
			bots = append(bots, a)
		}
	}
	if len(bots) == 0 {
		return nil, domain.ErrAgentNotFound
	}
	sortAgentsByCreation(bots)
	return bots[0].Clone(), nil
}

func (r *MemoryRepository) ListAvailableHumans(ctx context.Context, accountID string) ([]*domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Agent
	for _, a := range r.agents {
		if a.AccountID != accountID || a.Type != domain.AgentTypeHuman {
			continue
		}
		if !a.IsActive || a.Status != domain.AgentStatusOnline || !a.HasCapacity() {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].LastAssignmentAt, out[j].LastAssignmentAt
		switch {
		case ai == nil && aj == nil:
			return out[i].ID < out[j].ID
		case ai == nil:
			return true
		case aj == nil:
			return false
		case !ai.Equal(*aj):
			return ai.Before(*aj)
		default:
			return out[i].ID < out[j].ID
		}
	})
	return out, nil
}

func (r *MemoryRepository) ClaimAgent(ctx context.Context, agentID string, expectedVersion int64, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return false, domain.ErrAgentNotFound
	}
	if a.AssignmentVersion != expectedVersion || !a.HasCapacity() {
		return false, nil
	}
	t := at
	a.LastAssignmentAt = &t
	a.CurrentLoad++
	a.AssignmentVersion++
	return true, nil
}

func (r *MemoryRepository) ReleaseAgent(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return domain.ErrAgentNotFound
	}
	if a.CurrentLoad > 0 {
		a.CurrentLoad--
	}
	return nil
}

func (r *MemoryRepository) TouchAgentActivity(ctx context.Context, agentID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return domain.ErrAgentNotFound
	}
	t := at
	a.LastActivityAt = &t
	return nil
}

func sortAgentsByCreation(agents []*domain.Agent) {
	sort.Slice(agents, func(i, j int) bool {
		if !agents[i].CreatedAt.Equal(agents[j].CreatedAt) {
			return agents[i].CreatedAt.Before(agents[j].CreatedAt)
		}
		return agents[i].ID < agents[j].ID
	})
}

// ============================================================================
// Conversations
// ============================================================================

func (r *MemoryRepository) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey(c.ChannelID, c.ContactID)
	if _, ok := r.convKeys[key]; ok {
		return domain.ErrConflict
	}
	r.convKeys[key] = c.ID
	cp := *c
	r.conversations[c.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conversations[id]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) FindConversation(ctx context.Context, channelID, contactID string) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.convKeys[pairKey(channelID, contactID)]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	cp := *r.conversations[id]
	return &cp, nil
}

func (r *MemoryRepository) ListConversations(ctx context.Context, accountID string, limit int) ([]*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Conversation
	for _, c := range r.conversations {
		if c.AccountID == accountID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) ReassignConversation(ctx context.Context, id, fromAgentID, toAgentID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conversations[id]
	if !ok {
		return false, domain.ErrConversationNotFound
	}
	if c.AgentID != fromAgentID {
		return false, nil
	}
	c.AgentID = toAgentID
	c.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *MemoryRepository) TouchConversation(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conversations[id]
	if !ok {
		return domain.ErrConversationNotFound
	}
	t := at
	c.LastMessageAt = &t
	c.UpdatedAt = at
	return nil
}

// ============================================================================
// Messages
// ============================================================================

func (r *MemoryRepository) CreateMessage(ctx context.Context, m *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey(m.ChannelID, m.ChannelMessageID)
	if _, ok := r.msgKeys[key]; ok {
		return domain.ErrConflict
	}
	r.msgKeys[key] = m.ID
	cp := *m
	r.messages[m.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetMessageByChannelID(ctx context.Context, channelID, channelMessageID string) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.msgKeys[pairKey(channelID, channelMessageID)]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	cp := *r.messages[id]
	return &cp, nil
}

func (r *MemoryRepository) ListMessages(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Message
	for _, m := range r.messages {
		if m.ConversationID == conversationID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	// keep the most recent `limit`, oldest first
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *MemoryRepository) CountMessages(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.messages)), nil
}

// ============================================================================
// Webhook subscriptions
// ============================================================================

func (r *MemoryRepository) CreateWebhook(ctx context.Context, w *domain.WebhookSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *w
	r.webhooks[w.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetWebhook(ctx context.Context, accountID, id string) (*domain.WebhookSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.webhooks[id]
	if !ok || w.AccountID != accountID {
		return nil, domain.ErrWebhookNotFound
	}
	cp := *w
	return &cp, nil
}

func (r *MemoryRepository) ListWebhooks(ctx context.Context, accountID string) ([]*domain.WebhookSubscription, error) {
	return r.listWebhooks(accountID, func(*domain.WebhookSubscription) bool { return true }), nil
}

func (r *MemoryRepository) ListActiveWebhooks(ctx context.Context, accountID, eventType string) ([]*domain.WebhookSubscription, error) {
	return r.listWebhooks(accountID, func(w *domain.WebhookSubscription) bool {
		return w.IsActive && w.EventType == eventType
	}), nil
}

func (r *MemoryRepository) listWebhooks(accountID string, keep func(*domain.WebhookSubscription) bool) []*domain.WebhookSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.WebhookSubscription
	for _, w := range r.webhooks {
		if w.AccountID == accountID && keep(w) {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *MemoryRepository) UpdateWebhook(ctx context.Context, w *domain.WebhookSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.webhooks[w.ID]
	if !ok || existing.AccountID != w.AccountID {
		return domain.ErrWebhookNotFound
	}
	existing.TargetURL = w.TargetURL
	existing.IsActive = w.IsActive
	return nil
}

func (r *MemoryRepository) DeleteWebhook(ctx context.Context, accountID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.webhooks[id]
	if !ok || w.AccountID != accountID {
		return domain.ErrWebhookNotFound
	}
	delete(r.webhooks, id)
	return nil
}

// ============================================================================
// Channels
// ============================================================================

func (r *MemoryRepository) SaveChannel(ctx context.Context, ch *domain.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *ch
	r.channels[ch.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetChannel(ctx context.Context, id string) (*domain.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[id]
	if !ok {
		return nil, domain.ErrChannelNotFound
	}
	cp := *ch
	return &cp, nil
}

func (r *MemoryRepository) GetChannelByExternalRef(ctx context.Context, kind domain.ChannelKind, ref string) (*domain.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ch := range r.channels {
		if ch.Kind == kind && ch.ExternalRef == ref {
			cp := *ch
			return &cp, nil
		}
	}
	return nil, domain.ErrChannelNotFound
}

func (r *MemoryRepository) ListChannels(ctx context.Context, accountID string) ([]*domain.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Channel
	for _, ch := range r.channels {
		if ch.AccountID == accountID {
			cp := *ch
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) DeactivateChannel(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[id]
	if !ok {
		return domain.ErrChannelNotFound
	}
	ch.IsActive = false
	return nil
}
