package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"omnigate/internal/adapters/repository"
	"omnigate/internal/core/domain"
	"omnigate/internal/core/ports"
)

// ============================================================================
// Mocks
// ============================================================================

// MockEventDispatcher mocks EventDispatcher interface
type MockEventDispatcher struct {
	mock.Mock
}

func (m *MockEventDispatcher) Dispatch(ctx context.Context, accountID, eventType string, data any) (int, error) {
	args := m.Called(ctx, accountID, eventType, data)
	return args.Int(0), args.Error(1)
}

// MockChannelSender mocks ChannelSender interface
type MockChannelSender struct {
	mock.Mock
}

func (m *MockChannelSender) Send(ctx context.Context, ch *domain.Channel, recipient, text string) (string, error) {
	args := m.Called(ctx, ch, recipient, text)
	return args.String(0), args.Error(1)
}

// MockAIResponder mocks AIResponder interface
type MockAIResponder struct {
	mock.Mock
}

func (m *MockAIResponder) Reply(ctx context.Context, history []*domain.Message) (string, error) {
	args := m.Called(ctx, history)
	return args.String(0), args.Error(1)
}

// recordingSink collects assignment events
type recordingSink struct {
	mu     sync.Mutex
	events []domain.AssignmentEvent
}

func (s *recordingSink) OnAgentAssigned(_ context.Context, ev domain.AssignmentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) all() []domain.AssignmentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AssignmentEvent(nil), s.events...)
}

// ============================================================================
// Fixtures
// ============================================================================

const testAccount = "acc-1"

// testEnv wires the core services over the in-memory store
type testEnv struct {
	store      *repository.MemoryRepository
	contacts   *ContactRegistry
	agents     *AgentRegistry
	routing    *RoutingEngine
	channels   *ChannelDirectory
	dispatcher *MockEventDispatcher
	sender     *MockChannelSender
	sink       *recordingSink
	pipeline   *IngestionPipeline
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := repository.NewMemoryRepository()
	cache := repository.NewLocalCache(time.Minute)
	env := &testEnv{
		store:      store,
		contacts:   NewContactRegistry(store, cache),
		agents:     NewAgentRegistry(store, cache),
		routing:    NewRoutingEngine(store, store),
		channels:   NewChannelDirectory(store),
		dispatcher: new(MockEventDispatcher),
		sender:     new(MockChannelSender),
		sink:       &recordingSink{},
	}
	env.channels.RegisterSender(domain.ChannelKindWebchat, env.sender)
	env.pipeline = env.newPipeline(store, cache, env.dispatcher)
	return env
}

// newPipeline builds another pipeline over the same store, registries and sink
func (e *testEnv) newPipeline(messages ports.MessageRepository, dedup ports.DedupRepository, dispatcher ports.EventDispatcher) *IngestionPipeline {
	p := NewIngestionPipeline(
		e.contacts,
		e.routing,
		e.channels,
		e.store,
		messages,
		e.store,
		dedup,
		dispatcher,
		IngestionConfig{SendTimeout: 200 * time.Millisecond},
	)
	p.AddAssignmentSink(e.sink)
	return p
}

// addChannel stores an active channel of the given kind
func (e *testEnv) addChannel(t *testing.T, id string, kind domain.ChannelKind) *domain.Channel {
	t.Helper()
	ch, err := e.channels.Save(context.Background(), &domain.Channel{
		ID:        id,
		AccountID: testAccount,
		Kind:      kind,
		Name:      id,
		IsActive:  true,
	})
	require.NoError(t, err)
	return ch
}

// addBot registers the triage bot
func (e *testEnv) addBot(t *testing.T) *domain.Agent {
	t.Helper()
	a, err := e.agents.Register(context.Background(), testAccount, AgentRegistration{
		ExternalID: "bot",
		Name:       "Triage Bot",
		Type:       domain.AgentTypeBot,
		Status:     domain.AgentStatusOnline,
	})
	require.NoError(t, err)
	return a
}

// addHuman registers an online human with the given capacity
func (e *testEnv) addHuman(t *testing.T, externalID string, maxChats int) *domain.Agent {
	t.Helper()
	a, err := e.agents.Register(context.Background(), testAccount, AgentRegistration{
		ExternalID:         externalID,
		Name:               externalID,
		Type:               domain.AgentTypeHuman,
		Status:             domain.AgentStatusOnline,
		MaxConcurrentChats: maxChats,
	})
	require.NoError(t, err)
	return a
}

func (e *testEnv) agent(t *testing.T, id string) *domain.Agent {
	t.Helper()
	a, err := e.store.GetAgent(context.Background(), id)
	require.NoError(t, err)
	return a
}

func inbound(mid, sender, body string) domain.NormalizedMessage {
	return domain.NormalizedMessage{
		ChannelMessageID: mid,
		ExternalSenderID: sender,
		Body:             body,
		Direction:        domain.DirectionInbound,
	}
}
