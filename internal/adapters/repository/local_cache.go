package repository

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"omnigate/internal/core/domain"
	"omnigate/internal/core/ports"
)

var (
	_ ports.DedupRepository = (*LocalCache)(nil)
	_ ports.RegistryCache   = (*LocalCache)(nil)
)

// LocalCache is the single-process counterpart of RedisRepository.
// Every call first drops whatever has expired, oldest first.
type LocalCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	dedup    map[string]time.Time
	contacts map[string]cachedContact
	agents   map[string]cachedAgent
	expiries expiryHeap
}

const (
	entryDedup = iota
	entryContact
	entryAgent
)

type expiry struct {
	kind int
	key  string
	at   time.Time
}

// expiryHeap orders entries by expiry time. A key written twice has two
// entries; the stale one is skipped when popped.
type expiryHeap []expiry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)        { *h = append(*h, x.(expiry)) }
func (h *expiryHeap) Pop() any {
	old := *h
	e := old[len(old)-1]
	*h = old[:len(old)-1]
	return e
}

type cachedContact struct {
	c       *domain.Contact
	expires time.Time
}

type cachedAgent struct {
	a       *domain.Agent
	expires time.Time
}

// NewLocalCache creates an in-process cache whose registry entries live for ttl
func NewLocalCache(ttl time.Duration) *LocalCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &LocalCache{
		ttl:      ttl,
		now:      time.Now,
		dedup:    make(map[string]time.Time),
		contacts: make(map[string]cachedContact),
		agents:   make(map[string]cachedAgent),
	}
}

// expire evicts everything due by now. Caller holds mu.
func (l *LocalCache) expire(now time.Time) {
	for len(l.expiries) > 0 && now.After(l.expiries[0].at) {
		e := heap.Pop(&l.expiries).(expiry)
		switch e.kind {
		case entryDedup:
			if at, ok := l.dedup[e.key]; ok && now.After(at) {
				delete(l.dedup, e.key)
			}
		case entryContact:
			if c, ok := l.contacts[e.key]; ok && now.After(c.expires) {
				delete(l.contacts, e.key)
			}
		case entryAgent:
			if a, ok := l.agents[e.key]; ok && now.After(a.expires) {
				delete(l.agents, e.key)
			}
		}
	}
}

func (l *LocalCache) track(kind int, key string, at time.Time) {
	heap.Push(&l.expiries, expiry{kind: kind, key: key, at: at})
}

func (l *LocalCache) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.expire(l.now())
	_, ok := l.dedup[eventID]
	return ok, nil
}

func (l *LocalCache) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.expire(now)
	at := now.Add(ttl)
	l.dedup[eventID] = at
	l.track(entryDedup, eventID, at)
	return nil
}

func (l *LocalCache) GetContact(ctx context.Context, accountID, externalID string) (*domain.Contact, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.expire(l.now())
	e, ok := l.contacts[pairKey(accountID, externalID)]
	if !ok {
		return nil, false
	}
	return e.c.Clone(), true
}

func (l *LocalCache) SetContact(ctx context.Context, c *domain.Contact) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.expire(now)
	key := pairKey(c.AccountID, c.ExternalID)
	at := now.Add(l.ttl)
	l.contacts[key] = cachedContact{c: c.Clone(), expires: at}
	l.track(entryContact, key, at)
}

func (l *LocalCache) GetAgent(ctx context.Context, accountID, externalID string) (*domain.Agent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.expire(l.now())
	e, ok := l.agents[pairKey(accountID, externalID)]
	if !ok {
		return nil, false
	}
	return e.a.Clone(), true
}

func (l *LocalCache) SetAgent(ctx context.Context, a *domain.Agent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.expire(now)
	key := pairKey(a.AccountID, a.ExternalID)
	at := now.Add(l.ttl)
	l.agents[key] = cachedAgent{a: a.Clone(), expires: at}
	l.track(entryAgent, key, at)
}
