package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"omnigate/internal/adapters/queue"
	"omnigate/internal/adapters/repository"
	"omnigate/internal/core/domain"
)

// ============================================================================
// Inbound
// ============================================================================

// TestIngestInbound_FirstMessage tests the full inbound path for a new contact
func TestIngestInbound_FirstMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addChannel(t, "ch-1", domain.ChannelKindWebchat)
	bot := env.addBot(t)

	env.dispatcher.On("Dispatch", mock.Anything, testAccount, domain.EventMessageCreated,
		mock.AnythingOfType("domain.MessageCreatedPayload")).Return(1, nil).Once()

	msg := inbound("m-1", "visitor-1", "hello there")
	msg.SenderName = "Visitor One"
	res, err := env.pipeline.IngestInbound(ctx, testAccount, "ch-1", msg)
	require.NoError(t, err)

	assert.False(t, res.Duplicate)
	assert.Equal(t, domain.DirectionInbound, res.Message.Direction)
	assert.Equal(t, "hello there", res.Message.Content)
	assert.Equal(t, res.Contact.ID, res.Message.SenderID)
	assert.Equal(t, bot.ID, res.Conversation.AgentID)
	assert.Equal(t, domain.ReasonNewConversation, res.Assignment.Reason)
	assert.Equal(t, "Visitor One", res.Contact.Name)
	assert.Equal(t, "visitor-1", res.Contact.ChannelIdentifiers[domain.ChannelKindWebchat])
	assert.NotNil(t, res.Conversation.LastMessageAt)

	stored, err := env.store.GetContact(ctx, res.Contact.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastInteractionAt)

	events := env.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, bot.ID, events[0].AgentID)
	assert.Equal(t, res.Conversation.ID, events[0].ConversationID)

	env.dispatcher.AssertExpectations(t)
}

// TestIngestInbound_DuplicateMessage tests redelivery of the same channel message id
func TestIngestInbound_DuplicateMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addChannel(t, "ch-1", domain.ChannelKindWebchat)
	env.addBot(t)

	env.dispatcher.On("Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(0, nil)

	first, err := env.pipeline.IngestInbound(ctx, testAccount, "ch-1", inbound("m-1", "visitor-1", "hi"))
	require.NoError(t, err)

	second, err := env.pipeline.IngestInbound(ctx, testAccount, "ch-1", inbound("m-1", "visitor-1", "hi"))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Message.ID, second.Message.ID)
	env.dispatcher.AssertNumberOfCalls(t, "Dispatch", 1)

	n, err := env.store.CountMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// TestIngestInbound_ConcurrentDuplicates tests that racing deliveries persist and dispatch once
func TestIngestInbound_ConcurrentDuplicates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addChannel(t, "ch-1", domain.ChannelKindWebchat)
	env.addBot(t)

	env.dispatcher.On("Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(0, nil)

	const deliveries = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		original int
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.pipeline.IngestInbound(ctx, testAccount, "ch-1", inbound("m-1", "visitor-1", "hi"))
			if !assert.NoError(t, err) {
				return
			}
			if !res.Duplicate {
				mu.Lock()
				original++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, original)
	env.dispatcher.AssertNumberOfCalls(t, "Dispatch", 1)

	n, err := env.store.CountMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// TestIngestInbound_SameConversationForContact tests that a contact keeps one conversation per channel
func TestIngestInbound_SameConversationForContact(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addChannel(t, "ch-1", domain.ChannelKindWebchat)
	env.addBot(t)

	env.dispatcher.On("Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(0, nil)

	first, err := env.pipeline.IngestInbound(ctx, testAccount, "ch-1", inbound("m-1", "visitor-1", "one"))
	require.NoError(t, err)
	second, err := env.pipeline.IngestInbound(ctx, testAccount, "ch-1", inbound("m-2", "visitor-1", "two"))
	require.NoError(t, err)

	assert.Equal(t, first.Conversation.ID, second.Conversation.ID)
	assert.Equal(t, first.Contact.ID, second.Contact.ID)
	assert.Equal(t, domain.ReasonSticky, second.Assignment.Reason)
	// Only the creation changed ownership
	assert.Len(t, env.sink.all(), 1)
}

// TestIngestInbound_DispatchErrorDoesNotFail tests that fan-out problems never fail ingestion
func TestIngestInbound_DispatchErrorDoesNotFail(t *testing.T) {
	env := newTestEnv(t)
	env.addChannel(t, "ch-1", domain.ChannelKindWebchat)
	env.addBot(t)

	env.dispatcher.On("Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(0, errors.New("queue unavailable"))

	res, err := env.pipeline.IngestInbound(context.Background(), testAccount, "ch-1", inbound("m-1", "visitor-1", "hi"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

// TestIngestInbound_Validation tests rejected inputs
func TestIngestInbound_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		accountID string
		channelID string
		msg       domain.NormalizedMessage
	}{
		{"missing account", "", "ch-1", inbound("m-1", "v", "x")},
		{"missing channel", testAccount, "", inbound("m-1", "v", "x")},
		{"missing message id", testAccount, "ch-1", inbound("", "v", "x")},
		{"missing sender", testAccount, "ch-1", inbound("m-1", "", "x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.pipeline.IngestInbound(ctx, tt.accountID, tt.channelID, tt.msg)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

// TestIngestInbound_ForeignChannel tests that a channel of another account is not found
func TestIngestInbound_ForeignChannel(t *testing.T) {
	env := newTestEnv(t)
	env.addChannel(t, "ch-1", domain.ChannelKindWebchat)
	env.addBot(t)

	_, err := env.pipeline.IngestInbound(context.Background(), "acc-other", "ch-1", inbound("m-1", "v", "x"))
	assert.ErrorIs(t, err, domain.ErrChannelNotFound)
	env.dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// TestIngestInbound_NoTriageBot tests that nothing is persisted without a bot
func TestIngestInbound_NoTriageBot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addChannel(t, "ch-1", domain.ChannelKindWebchat)

	_, err := env.pipeline.IngestInbound(ctx, testAccount, "ch-1", inbound("m-1", "v", "x"))
	assert.ErrorIs(t, err, domain.ErrNoTriageAgentConfigured)

	n, err := env.store.CountMessages(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestIngestInbound_ForeignAccountRedelivery tests that a known message id is not served to another account
func TestIngestInbound_ForeignAccountRedelivery(t *testing.T) {
	env := newTestEnv(t)
	env.addChannel(t, "ch-1", domain.ChannelKindWebchat)
	env.addBot(t)
	ingestFirst(t, env)

	res, err := env.pipeline.IngestInbound(context.Background(), "acc-other", "ch-1", inbound("m-1", "visitor-1", "hi"))
	assert.ErrorIs(t, err, domain.ErrChannelNotFound)
	assert.Nil(t, res)
}

// handOffToOfflineHuman moves the first conversation to h1 and takes h1 offline
func handOffToOfflineHuman(t *testing.T, env *testEnv, first *domain.IngestResult, bot *domain.Agent) *domain.Agent {
	t.Helper()
	ctx := context.Background()
	h1 := env.addHuman(t, "h1", 2)
	ok, err := env.store.ReassignConversation(ctx, first.Conversation.ID, bot.ID, h1.ID)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = env.agents.SetStatus(ctx, h1.ID, domain.AgentStatusOffline)
	require.NoError(t, err)
	return h1
}

// TestIngestInbound_RedeliveryAfterCacheLoss tests that a redelivery changes nothing once its dedup entry is gone
func TestIngestInbound_RedeliveryAfterCacheLoss(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addChannel(t, "ch-1", domain.ChannelKindWebchat)
	bot := env.addBot(t)
	first := ingestFirst(t, env)
	h1 := handOffToOfflineHuman(t, env, first, bot)
	h2 := env.addHuman(t, "h2", 2)
	eventsBefore := len(env.sink.all())

	// Same store, empty cache: an expired TTL or a restart
	restarted := env.newPipeline(env.store, repository.NewLocalCache(time.Minute), env.dispatcher)
	res, err := restarted.IngestInbound(ctx, testAccount, "ch-1", inbound("m-1", "visitor-1", "hi"))
	require.NoError(t, err)

	assert.True(t, res.Duplicate)
	assert.Equal(t, first.Message.ID, res.Message.ID)

	conv, err := env.store.GetConversation(ctx, first.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, h1.ID, conv.AgentID)

	untouched := env.agent(t, h2.ID)
	assert.Zero(t, untouched.CurrentLoad)
	assert.Nil(t, untouched.LastAssignmentAt)
	assert.Len(t, env.sink.all(), eventsBefore)
	env.dispatcher.AssertNumberOfCalls(t, "Dispatch", 1)
}

// TestIngestInbound_FallbackClaimsHuman tests rerouting through ingestion when the human owner went offline
func TestIngestInbound_FallbackClaimsHuman(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addChannel(t, "ch-1", domain.ChannelKindWebchat)
	bot := env.addBot(t)
	first := ingestFirst(t, env)
	h1 := handOffToOfflineHuman(t, env, first, bot)
	h2 := env.addHuman(t, "h2", 2)
	require.Nil(t, env.agent(t, h2.ID).LastAssignmentAt)

	res, err := env.pipeline.IngestInbound(ctx, testAccount, "ch-1", inbound("m-2", "visitor-1", "anyone there?"))
	require.NoError(t, err)

	assert.Equal(t, first.Conversation.ID, res.Conversation.ID)
	assert.Equal(t, h2.ID, res.Conversation.AgentID)
	assert.Equal(t, domain.ReasonFallback, res.Assignment.Reason)
	assert.Equal(t, h1.ID, res.Assignment.PreviousAgentID)

	claimed := env.agent(t, h2.ID)
	assert.NotNil(t, claimed.LastAssignmentAt)
	assert.Equal(t, 1, claimed.CurrentLoad)

	events := env.sink.all()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, h2.ID, last.AgentID)
	assert.Equal(t, h1.ID, last.PreviousAgentID)
}

// racingMessages inserts a competing copy of every message right before the real insert
type racingMessages struct {
	*repository.MemoryRepository
}

func (r racingMessages) CreateMessage(ctx context.Context, m *domain.Message) error {
	winner := *m
	winner.ID = "winner-" + m.ID
	if err := r.MemoryRepository.CreateMessage(ctx, &winner); err != nil {
		return err
	}
	return r.MemoryRepository.CreateMessage(ctx, m)
}

// TestIngestInbound_LostInsertRaceIsSilent tests that the losing caller emits no assignment event and no dispatch
func TestIngestInbound_LostInsertRaceIsSilent(t *testing.T) {
	env := newTestEnv(t)
	env.addChannel(t, "ch-1", domain.ChannelKindWebchat)
	env.addBot(t)

	loser := env.newPipeline(racingMessages{env.store}, nil, env.dispatcher)
	res, err := loser.IngestInbound(context.Background(), testAccount, "ch-1", inbound("m-1", "visitor-1", "hi"))
	require.NoError(t, err)

	assert.True(t, res.Duplicate)
	assert.Contains(t, res.Message.ID, "winner-")
	assert.Empty(t, env.sink.all())
	env.dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// TestPipeline_StickyBotDelivered tests ingest, dispatch and delivery together while a bot keeps its conversation
func TestPipeline_StickyBotDelivered(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies [][]byte
		sigs   []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		sigs = append(sigs, r.Header.Get(SignatureHeader))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	env := newTestEnv(t)
	ctx := context.Background()
	env.addChannel(t, "ch-1", domain.ChannelKindWebchat)
	bot := env.addBot(t)

	sub, err := NewWebhookService(env.store).Create(ctx, testAccount, domain.EventMessageCreated, srv.URL)
	require.NoError(t, err)
	q := queue.NewMemoryQueue(queue.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	pipeline := env.newPipeline(env.store, repository.NewLocalCache(time.Minute), NewDispatcher(env.store, q, 3))

	m1, err := pipeline.IngestInbound(ctx, testAccount, "ch-1", inbound("m-1", "visitor-1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, bot.ID, m1.Conversation.AgentID)
	assert.Equal(t, domain.ReasonNewConversation, m1.Assignment.Reason)

	env.addHuman(t, "h1", 2)

	m2, err := pipeline.IngestInbound(ctx, testAccount, "ch-1", inbound("m-2", "visitor-1", "still there?"))
	require.NoError(t, err)
	assert.Equal(t, m1.Conversation.ID, m2.Conversation.ID)
	assert.Equal(t, bot.ID, m2.Conversation.AgentID)
	assert.Equal(t, domain.ReasonSticky, m2.Assignment.Reason)
	require.Len(t, q.Pending(), 2)

	worker := NewDeliveryWorker(q, srv.Client(), WorkerConfig{Concurrency: 1, AttemptTimeout: time.Second, PollWait: 20 * time.Millisecond})
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- worker.Run(runCtx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) == 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	var delivered []string
	for i, body := range bodies {
		assert.True(t, VerifySignature(sub.SecretKey, mustCanonical(t, body), sigs[i]))

		var got struct {
			Event string                       `json:"event"`
			Data  domain.MessageCreatedPayload `json:"data"`
		}
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, domain.EventMessageCreated, got.Event)
		assert.Equal(t, bot.ID, got.Data.Conversation.AgentID)
		delivered = append(delivered, got.Data.Message.ChannelMessageID)
	}
	assert.ElementsMatch(t, []string{"m-1", "m-2"}, delivered)
	assert.Empty(t, q.Pending())
}

// ============================================================================
// Outbound
// ============================================================================

func ingestFirst(t *testing.T, env *testEnv) *domain.IngestResult {
	t.Helper()
	env.dispatcher.On("Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(0, nil)
	res, err := env.pipeline.IngestInbound(context.Background(), testAccount, "ch-1", inbound("m-1", "visitor-1", "hi"))
	require.NoError(t, err)
	return res
}

// TestIngestOutbound_Sends tests the outbound path
func TestIngestOutbound_Sends(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addChannel(t, "ch-1", domain.ChannelKindWebchat)
	env.addBot(t)
	alice := env.addHuman(t, "alice", 2)
	in := ingestFirst(t, env)

	env.sender.On("Send", mock.Anything, mock.AnythingOfType("*domain.Channel"), "visitor-1", "how can I help?").
		Return("wc-123", nil).Once()

	res, err := env.pipeline.IngestOutbound(ctx, in.Conversation.ID, "how can I help?", alice.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.DirectionOutbound, res.Message.Direction)
	assert.Equal(t, "wc-123", res.Message.ChannelMessageID)
	assert.Equal(t, alice.ID, res.Message.SenderID)
	assert.Equal(t, alice.ID, res.Message.Metadata["agent_id"])
	env.sender.AssertExpectations(t)
	env.dispatcher.AssertNumberOfCalls(t, "Dispatch", 2)
}

// TestIngestOutbound_DefaultsToConversationOwner tests the sender fallback and generated id
func TestIngestOutbound_DefaultsToConversationOwner(t *testing.T) {
	env := newTestEnv(t)
	env.addChannel(t, "ch-1", domain.ChannelKindWebchat)
	bot := env.addBot(t)
	in := ingestFirst(t, env)

	env.sender.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("", nil)

	res, err := env.pipeline.IngestOutbound(context.Background(), in.Conversation.ID, "hello", "")
	require.NoError(t, err)
	assert.Equal(t, bot.ID, res.Message.SenderID)
	assert.Contains(t, res.Message.ChannelMessageID, "out-")
}

// TestIngestOutbound_SendTimeout tests a sender that never answers
func TestIngestOutbound_SendTimeout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addChannel(t, "ch-1", domain.ChannelKindWebchat)
	env.addBot(t)
	in := ingestFirst(t, env)

	block := make(chan struct{})
	defer close(block)
	env.sender.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-block }).
		Return("", nil)

	start := time.Now()
	_, err := env.pipeline.IngestOutbound(ctx, in.Conversation.ID, "hello", "")
	assert.ErrorIs(t, err, domain.ErrChannelSendTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	n, err := env.store.CountMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// TestIngestOutbound_SendFailure tests that channel errors are classified as send failures
func TestIngestOutbound_SendFailure(t *testing.T) {
	env := newTestEnv(t)
	env.addChannel(t, "ch-1", domain.ChannelKindWebchat)
	env.addBot(t)
	in := ingestFirst(t, env)

	env.sender.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("boom"))

	_, err := env.pipeline.IngestOutbound(context.Background(), in.Conversation.ID, "hello", "")
	assert.ErrorIs(t, err, domain.ErrChannelSendFailed)
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))
}

// TestIngestOutbound_NoActiveClient tests inactive channels and missing senders
func TestIngestOutbound_NoActiveClient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addChannel(t, "ch-1", domain.ChannelKindWebchat)
	env.addBot(t)
	in := ingestFirst(t, env)

	require.NoError(t, env.channels.Deactivate(ctx, "ch-1"))

	_, err := env.pipeline.IngestOutbound(ctx, in.Conversation.ID, "hello", "")
	assert.ErrorIs(t, err, domain.ErrNoActiveChannelClient)
	env.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// TestIngestOutbound_UnknownConversation tests the not found path
func TestIngestOutbound_UnknownConversation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.pipeline.IngestOutbound(context.Background(), "nope", "hello", "")
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)
}

// TestIngestOutbound_ForeignAgent tests that only agents of the conversation's account may send
func TestIngestOutbound_ForeignAgent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addChannel(t, "ch-1", domain.ChannelKindWebchat)
	env.addBot(t)
	in := ingestFirst(t, env)

	stranger, err := env.agents.Register(ctx, "acc-other", AgentRegistration{
		ExternalID: "stranger",
		Type:       domain.AgentTypeHuman,
		Status:     domain.AgentStatusOnline,
	})
	require.NoError(t, err)

	_, err = env.pipeline.IngestOutbound(ctx, in.Conversation.ID, "hello", stranger.ID)
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)

	_, err = env.pipeline.IngestOutbound(ctx, in.Conversation.ID, "hello", "ghost")
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)

	env.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Nil(t, env.agent(t, stranger.ID).LastActivityAt)
}
