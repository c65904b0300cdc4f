package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnigate/internal/adapters/repository"
	"omnigate/internal/core/domain"
)

// ============================================================================
// Contacts
// ============================================================================

// TestContactFindOrCreate_CreatesOnce tests that concurrent first sightings share one contact
func TestContactFindOrCreate_CreatesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := env.contacts.FindOrCreate(ctx, testAccount, "psid-1", ContactProfile{})
			if assert.NoError(t, err) {
				ids[i] = c.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	found, err := env.contacts.Search(ctx, testAccount, "", 0)
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

// TestContactFindOrCreate_MergesProfile tests that non-empty fields overwrite and empty ones keep
func TestContactFindOrCreate_MergesProfile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.contacts.FindOrCreate(ctx, testAccount, "psid-1", ContactProfile{
		Name:  "Budi",
		Email: "budi@example.com",
	})
	require.NoError(t, err)

	second, err := env.contacts.FindOrCreate(ctx, testAccount, "psid-1", ContactProfile{
		Phone:       "+62811",
		ChannelKind: domain.ChannelKindMessenger,
		Address:     "psid-1",
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Budi", second.Name)
	assert.Equal(t, "budi@example.com", second.Email)
	assert.Equal(t, "+62811", second.Phone)
	assert.Equal(t, "psid-1", second.AddressFor(domain.ChannelKindMessenger))

	stored, err := env.contacts.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "+62811", stored.Phone)
}

// TestContactRegister_RefreshesUpdatedAt tests that explicit registration always writes
func TestContactRegister_RefreshesUpdatedAt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.contacts.Register(ctx, testAccount, "psid-1", ContactProfile{Name: "Budi"})
	require.NoError(t, err)

	later := first.UpdatedAt.Add(1)
	env.contacts.now = func() time.Time { return later }

	again, err := env.contacts.Register(ctx, testAccount, "psid-1", ContactProfile{})
	require.NoError(t, err)
	assert.True(t, again.UpdatedAt.Equal(later.UTC()))
}

// slowContacts holds the first external id lookup until released and honours cancellation
type slowContacts struct {
	*repository.MemoryRepository
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (r *slowContacts) GetContactByExternalID(ctx context.Context, accountID, externalID string) (*domain.Contact, error) {
	r.once.Do(func() {
		close(r.entered)
		<-r.release
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.MemoryRepository.GetContactByExternalID(ctx, accountID, externalID)
}

// TestContactFindOrCreate_LeaderCancelled tests that a waiting caller is not failed by the first caller's cancellation
func TestContactFindOrCreate_LeaderCancelled(t *testing.T) {
	repo := &slowContacts{
		MemoryRepository: repository.NewMemoryRepository(),
		entered:          make(chan struct{}),
		release:          make(chan struct{}),
	}
	reg := NewContactRegistry(repo, nil)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, err := reg.FindOrCreate(leaderCtx, testAccount, "visitor-1", ContactProfile{})
		leaderDone <- err
	}()
	<-repo.entered

	type result struct {
		c   *domain.Contact
		err error
	}
	followerDone := make(chan result, 1)
	go func() {
		c, err := reg.FindOrCreate(context.Background(), testAccount, "visitor-1", ContactProfile{})
		followerDone <- result{c, err}
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	close(repo.release)

	got := <-followerDone
	require.NoError(t, got.err)
	assert.Equal(t, "visitor-1", got.c.ExternalID)
	<-leaderDone
}

// TestContactFindOrCreate_RequiresKeys tests validation
func TestContactFindOrCreate_RequiresKeys(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.contacts.FindOrCreate(context.Background(), testAccount, "", ContactProfile{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

// TestContactSearch tests matching on name, email and phone
func TestContactSearch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.contacts.Register(ctx, testAccount, "a", ContactProfile{Name: "Siti Rahma"})
	require.NoError(t, err)
	_, err = env.contacts.Register(ctx, testAccount, "b", ContactProfile{Email: "rahma@example.com"})
	require.NoError(t, err)
	_, err = env.contacts.Register(ctx, testAccount, "c", ContactProfile{Name: "Joko"})
	require.NoError(t, err)
	_, err = env.contacts.Register(ctx, "acc-other", "d", ContactProfile{Name: "Rahma"})
	require.NoError(t, err)

	found, err := env.contacts.Search(ctx, testAccount, "rahma", 10)
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

// ============================================================================
// Agents
// ============================================================================

// TestAgentRegister_Defaults tests defaults for a bare registration
func TestAgentRegister_Defaults(t *testing.T) {
	env := newTestEnv(t)

	a, err := env.agents.Register(context.Background(), testAccount, AgentRegistration{ExternalID: "op-1", Name: "Op"})
	require.NoError(t, err)

	assert.Equal(t, domain.AgentTypeHuman, a.Type)
	assert.Equal(t, domain.AgentStatusOffline, a.Status)
	assert.Equal(t, domain.DefaultMaxConcurrentChats, a.MaxConcurrentChats)
	assert.True(t, a.IsActive)
}

// TestAgentRegister_UpdateKeepsLoad tests that re-registration never touches routing bookkeeping
func TestAgentRegister_UpdateKeepsLoad(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addHuman(t, "alice", 3)

	claimed, err := env.routing.ClaimHuman(ctx, testAccount)
	require.NoError(t, err)
	require.Equal(t, alice.ID, claimed.ID)

	updated, err := env.agents.Register(ctx, testAccount, AgentRegistration{
		ExternalID: "alice",
		Name:       "Alice A.",
		Skills:     []string{"billing"},
	})
	require.NoError(t, err)
	assert.Equal(t, alice.ID, updated.ID)
	assert.Equal(t, "Alice A.", updated.Name)

	stored := env.agent(t, alice.ID)
	assert.Equal(t, 1, stored.CurrentLoad)
	assert.Equal(t, []string{"billing"}, stored.Skills)
}

// TestAgentRegister_RejectsUnknownType tests validation
func TestAgentRegister_RejectsUnknownType(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.agents.Register(context.Background(), testAccount, AgentRegistration{ExternalID: "x", Type: "ROBOT"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

// TestAgentSetStatus tests presence changes and their effect on availability
func TestAgentSetStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addHuman(t, "alice", 2)

	a, err := env.agents.SetStatus(ctx, alice.ID, domain.AgentStatusOffline)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusOffline, a.Status)

	available, err := env.store.ListAvailableHumans(ctx, testAccount)
	require.NoError(t, err)
	assert.Empty(t, available)

	_, err = env.agents.SetStatus(ctx, alice.ID, "AWAY")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = env.agents.SetStatus(ctx, "missing", domain.AgentStatusOnline)
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
}

// TestAgentStats tests the pool summary
func TestAgentStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addBot(t)
	env.addHuman(t, "alice", 3)
	bob := env.addHuman(t, "bob", 2)
	_, err := env.agents.SetActive(ctx, bob.ID, false)
	require.NoError(t, err)

	_, err = env.routing.ClaimHuman(ctx, testAccount)
	require.NoError(t, err)

	stats, err := env.agents.Stats(ctx, testAccount)
	require.NoError(t, err)

	assert.Equal(t, AgentStats{
		Total:        3,
		Active:       2,
		Online:       2,
		Bots:         1,
		Humans:       2,
		TotalLoad:    1,
		FreeCapacity: 2,
	}, stats)
}
