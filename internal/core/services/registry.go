package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"omnigate/internal/core/domain"
	"omnigate/internal/core/ports"
)

// ContactProfile carries optional fields a channel knows about a contact.
// Non-empty fields overwrite stored values; empty fields leave them alone.
type ContactProfile struct {
	Name        string
	Email       string
	Phone       string
	Metadata    map[string]string
	ChannelKind domain.ChannelKind
	Address     string // identifier on ChannelKind
}

// ContactRegistry resolves contacts by (account, external id).
// The store's unique constraint decides races; the cache only saves reads.
type ContactRegistry struct {
	repo  ports.ContactRepository
	cache ports.RegistryCache
	group singleflight.Group
	now   func() time.Time
}

// NewContactRegistry creates a contact registry. cache may be nil.
func NewContactRegistry(repo ports.ContactRepository, cache ports.RegistryCache) *ContactRegistry {
	return &ContactRegistry{repo: repo, cache: cache, now: time.Now}
}

// FindOrCreate returns the contact, creating it on first sight and merging
// the profile into it otherwise. Concurrent callers for the same key in this
// process share one lookup. The store is only written when the profile adds something.
func (r *ContactRegistry) FindOrCreate(ctx context.Context, accountID, externalID string, profile ContactProfile) (*domain.Contact, error) {
	return r.findOrCreate(ctx, accountID, externalID, profile, false)
}

// Register is an explicit registration update: like FindOrCreate, but
// updatedAt is refreshed even when no field changed.
func (r *ContactRegistry) Register(ctx context.Context, accountID, externalID string, profile ContactProfile) (*domain.Contact, error) {
	return r.findOrCreate(ctx, accountID, externalID, profile, true)
}

func (r *ContactRegistry) findOrCreate(ctx context.Context, accountID, externalID string, profile ContactProfile, touch bool) (*domain.Contact, error) {
	if accountID == "" || externalID == "" {
		return nil, domain.Invalid("account id and external id are required")
	}

	// The shared lookup must outlive a cancelled leader
	key := accountID + ":" + externalID
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.resolve(context.WithoutCancel(ctx), accountID, externalID, profile)
	})
	if err != nil {
		return nil, err
	}
	contact := v.(*domain.Contact).Clone()

	if !mergeContact(contact, profile) && !touch {
		return contact, nil
	}
	contact.UpdatedAt = r.now().UTC()
	if err := r.repo.UpdateContact(ctx, contact); err != nil {
		return nil, fmt.Errorf("update contact: %w", err)
	}
	r.cacheContact(ctx, contact)
	return contact, nil
}

func (r *ContactRegistry) resolve(ctx context.Context, accountID, externalID string, profile ContactProfile) (*domain.Contact, error) {
	if r.cache != nil {
		if c, ok := r.cache.GetContact(ctx, accountID, externalID); ok {
			return c, nil
		}
	}

	c, err := r.repo.GetContactByExternalID(ctx, accountID, externalID)
	if err == nil {
		r.cacheContact(ctx, c)
		return c, nil
	}
	if !errors.Is(err, domain.ErrContactNotFound) {
		return nil, fmt.Errorf("get contact: %w", err)
	}

	now := r.now().UTC()
	c = &domain.Contact{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		ExternalID: externalID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	mergeContact(c, profile)

	err = r.repo.CreateContact(ctx, c)
	if errors.Is(err, domain.ErrConflict) {
		// Another node created it first
		c, err = r.repo.GetContactByExternalID(ctx, accountID, externalID)
		if err != nil {
			return nil, fmt.Errorf("re-read contact after conflict: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("create contact: %w", err)
	} else {
		slog.Info("Contact registered",
			"contact_id", c.ID,
			"account_id", accountID,
			"external_id", externalID,
		)
	}
	r.cacheContact(ctx, c)
	return c, nil
}

// Get loads a contact by id straight from the store
func (r *ContactRegistry) Get(ctx context.Context, id string) (*domain.Contact, error) {
	return r.repo.GetContact(ctx, id)
}

// Touch records an interaction with the contact
func (r *ContactRegistry) Touch(ctx context.Context, c *domain.Contact, at time.Time) error {
	if err := r.repo.TouchContactInteraction(ctx, c.ID, at); err != nil {
		return err
	}
	touched := c.Clone()
	touched.LastInteractionAt = &at
	r.cacheContact(ctx, touched)
	return nil
}

// Search finds contacts by name, email, phone or external id
func (r *ContactRegistry) Search(ctx context.Context, accountID, query string, limit int) ([]*domain.Contact, error) {
	return r.repo.SearchContacts(ctx, accountID, query, limit)
}

func (r *ContactRegistry) cacheContact(ctx context.Context, c *domain.Contact) {
	if r.cache != nil {
		r.cache.SetContact(ctx, c)
	}
}

// mergeContact applies non-empty profile fields and reports whether anything changed
func mergeContact(c *domain.Contact, p ContactProfile) bool {
	changed := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&c.Name, p.Name)
	set(&c.Email, p.Email)
	set(&c.Phone, p.Phone)

	for k, v := range p.Metadata {
		if c.Metadata == nil {
			c.Metadata = make(map[string]string)
		}
		if c.Metadata[k] != v {
			c.Metadata[k] = v
			changed = true
		}
	}
	if p.ChannelKind != "" && p.Address != "" {
		if c.ChannelIdentifiers == nil {
			c.ChannelIdentifiers = make(map[domain.ChannelKind]string)
		}
		if c.ChannelIdentifiers[p.ChannelKind] != p.Address {
			c.ChannelIdentifiers[p.ChannelKind] = p.Address
			changed = true
		}
	}
	return changed
}

// ============================================================================
// Agents
// ============================================================================

// AgentRegistration describes an agent as reported by an operator or bot runtime
type AgentRegistration struct {
	ExternalID         string             `json:"externalId"`
	Name               string             `json:"name"`
	Email              string             `json:"email,omitempty"`
	Type               domain.AgentType   `json:"type,omitempty"`
	Status             domain.AgentStatus `json:"status,omitempty"`
	MaxConcurrentChats int                `json:"maxConcurrentChats,omitempty"`
	Skills             []string           `json:"skills,omitempty"`
	Metadata           map[string]string  `json:"metadata,omitempty"`
}

// AgentStats summarises an account's agent pool
type AgentStats struct {
	Total        int `json:"total"`
	Active       int `json:"active"`
	Online       int `json:"online"`
	Bots         int `json:"bots"`
	Humans       int `json:"humans"`
	TotalLoad    int `json:"totalLoad"`
	FreeCapacity int `json:"freeCapacity"`
}

// AgentRegistry manages agent identity and presence.
// Load and last-assignment bookkeeping belong to the routing engine.
type AgentRegistry struct {
	repo  ports.AgentRepository
	cache ports.RegistryCache
	group singleflight.Group
	now   func() time.Time
}

// NewAgentRegistry creates an agent registry. cache may be nil.
func NewAgentRegistry(repo ports.AgentRepository, cache ports.RegistryCache) *AgentRegistry {
	return &AgentRegistry{repo: repo, cache: cache, now: time.Now}
}

// Register creates the agent or updates it in place; updatedAt always refreshes
func (r *AgentRegistry) Register(ctx context.Context, accountID string, reg AgentRegistration) (*domain.Agent, error) {
	if accountID == "" || reg.ExternalID == "" {
		return nil, domain.Invalid("account id and external id are required")
	}
	if reg.Type != "" && reg.Type != domain.AgentTypeHuman && reg.Type != domain.AgentTypeBot {
		return nil, domain.Invalid("unknown agent type %q", reg.Type)
	}
	if reg.Status != "" && reg.Status != domain.AgentStatusOnline && reg.Status != domain.AgentStatusOffline {
		return nil, domain.Invalid("unknown agent status %q", reg.Status)
	}

	key := accountID + ":" + reg.ExternalID
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.resolve(context.WithoutCancel(ctx), accountID, reg)
	})
	if err != nil {
		return nil, err
	}
	agent := v.(*domain.Agent).Clone()

	mergeAgent(agent, reg)
	agent.UpdatedAt = r.now().UTC()
	if err := r.repo.UpdateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	r.cacheAgent(ctx, agent)
	return agent, nil
}

func (r *AgentRegistry) resolve(ctx context.Context, accountID string, reg AgentRegistration) (*domain.Agent, error) {
	if r.cache != nil {
		if a, ok := r.cache.GetAgent(ctx, accountID, reg.ExternalID); ok {
			return a, nil
		}
	}

	a, err := r.repo.GetAgentByExternalID(ctx, accountID, reg.ExternalID)
	if err == nil {
		r.cacheAgent(ctx, a)
		return a, nil
	}
	if !errors.Is(err, domain.ErrAgentNotFound) {
		return nil, fmt.Errorf("get agent: %w", err)
	}

	now := r.now().UTC()
	a = &domain.Agent{
		ID:                 uuid.NewString(),
		AccountID:          accountID,
		ExternalID:         reg.ExternalID,
		Name:               reg.Name,
		Email:              reg.Email,
		Type:               reg.Type,
		Status:             reg.Status,
		IsActive:           true,
		MaxConcurrentChats: reg.MaxConcurrentChats,
		Skills:             reg.Skills,
		Metadata:           reg.Metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if a.Type == "" {
		a.Type = domain.AgentTypeHuman
	}
	if a.Status == "" {
		a.Status = domain.AgentStatusOffline
	}
	if a.MaxConcurrentChats <= 0 {
		a.MaxConcurrentChats = domain.DefaultMaxConcurrentChats
	}

	err = r.repo.CreateAgent(ctx, a)
	if errors.Is(err, domain.ErrConflict) {
		a, err = r.repo.GetAgentByExternalID(ctx, accountID, reg.ExternalID)
		if err != nil {
			return nil, fmt.Errorf("re-read agent after conflict: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	} else {
		slog.Info("Agent registered",
			"agent_id", a.ID,
			"account_id", accountID,
			"type", a.Type,
		)
	}
	r.cacheAgent(ctx, a)
	return a, nil
}

// SetStatus changes an agent's presence
func (r *AgentRegistry) SetStatus(ctx context.Context, agentID string, status domain.AgentStatus) (*domain.Agent, error) {
	if status != domain.AgentStatusOnline && status != domain.AgentStatusOffline {
		return nil, domain.Invalid("unknown agent status %q", status)
	}
	return r.update(ctx, agentID, func(a *domain.Agent) { a.Status = status })
}

// SetActive enables or disables an agent for routing
func (r *AgentRegistry) SetActive(ctx context.Context, agentID string, active bool) (*domain.Agent, error) {
	return r.update(ctx, agentID, func(a *domain.Agent) { a.IsActive = active })
}

func (r *AgentRegistry) update(ctx context.Context, agentID string, mutate func(*domain.Agent)) (*domain.Agent, error) {
	a, err := r.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	mutate(a)
	a.UpdatedAt = r.now().UTC()
	if err := r.repo.UpdateAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	r.cacheAgent(ctx, a)
	slog.Info("Agent updated",
		"agent_id", a.ID,
		"status", a.Status,
		"is_active", a.IsActive,
	)
	return a, nil
}

// Get loads an agent by id straight from the store
func (r *AgentRegistry) Get(ctx context.Context, id string) (*domain.Agent, error) {
	return r.repo.GetAgent(ctx, id)
}

// List returns every agent of the account
func (r *AgentRegistry) List(ctx context.Context, accountID string) ([]*domain.Agent, error) {
	return r.repo.ListAgents(ctx, accountID)
}

// Stats summarises the account's agent pool
func (r *AgentRegistry) Stats(ctx context.Context, accountID string) (AgentStats, error) {
	agents, err := r.repo.ListAgents(ctx, accountID)
	if err != nil {
		return AgentStats{}, err
	}
	var s AgentStats
	for _, a := range agents {
		s.Total++
		if a.IsBot() {
			s.Bots++
		} else {
			s.Humans++
		}
		if !a.IsActive {
			continue
		}
		s.Active++
		if a.Status == domain.AgentStatusOnline {
			s.Online++
			if !a.IsBot() && a.MaxConcurrentChats > a.CurrentLoad {
				s.FreeCapacity += a.MaxConcurrentChats - a.CurrentLoad
			}
		}
		s.TotalLoad += a.CurrentLoad
	}
	return s, nil
}

func (r *AgentRegistry) cacheAgent(ctx context.Context, a *domain.Agent) {
	if r.cache != nil {
		r.cache.SetAgent(ctx, a)
	}
}

// mergeAgent applies non-empty registration fields and reports whether anything changed
func mergeAgent(a *domain.Agent, reg AgentRegistration) bool {
	changed := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&a.Name, reg.Name)
	set(&a.Email, reg.Email)
	if reg.Type != "" && a.Type != reg.Type {
		a.Type = reg.Type
		changed = true
	}
	if reg.Status != "" && a.Status != reg.Status {
		a.Status = reg.Status
		changed = true
	}
	if reg.MaxConcurrentChats > 0 && a.MaxConcurrentChats != reg.MaxConcurrentChats {
		a.MaxConcurrentChats = reg.MaxConcurrentChats
		changed = true
	}
	if len(reg.Skills) > 0 && !equalStrings(a.Skills, reg.Skills) {
		a.Skills = append([]string(nil), reg.Skills...)
		changed = true
	}
	for k, v := range reg.Metadata {
		if a.Metadata == nil {
			a.Metadata = make(map[string]string)
		}
		if a.Metadata[k] != v {
			a.Metadata[k] = v
			changed = true
		}
	}
	return changed
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
