package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"omnigate/internal/core/domain"
	"omnigate/internal/core/ports"
	"omnigate/internal/core/services"
)

// WebsocketEndpoints are the hub handlers mounted under /ws
type WebsocketEndpoints interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	ServeWebchat(w http.ResponseWriter, r *http.Request)
}

// Deps groups everything the HTTP surface calls into
type Deps struct {
	Pipeline      *services.IngestionPipeline
	Contacts      *services.ContactRegistry
	Agents        *services.AgentRegistry
	Webhooks      *services.WebhookService
	Channels      *services.ChannelDirectory
	Conversations ports.ConversationRepository
	Messages      ports.MessageRepository
	Queue         ports.DeliveryQueue
	PanicMode     *services.PanicMode
	Dashboard     *DashboardHandler
	Messenger     *WebhookHandler    // optional
	Websockets    WebsocketEndpoints // optional
}

// API is the HTTP surface of the gateway
type API struct {
	d   Deps
	mux *chi.Mux
}

// NewAPI builds the router
func NewAPI(d Deps) *API {
	a := &API{d: d}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(chimw.RequestID)

	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if d.Messenger != nil {
		mux.Get("/webhook/facebook", d.Messenger.HandleFacebookVerify)
		mux.Post("/webhook/facebook", d.Messenger.HandleFacebookEvent)
	}
	if d.Websockets != nil {
		mux.Get("/ws/logs", d.Websockets.ServeWS)
		mux.Get("/ws/webchat", d.Websockets.ServeWebchat)
	}

	mux.Route("/api", func(r chi.Router) {
		r.Get("/status", d.Dashboard.GetStatus)
		r.Get("/system/metrics", d.Dashboard.GetSystemMetrics)

		r.Post("/webchat/{channelID}/messages", a.handleWebchatInbound)

		r.Route("/accounts/{accountID}", func(r chi.Router) {
			r.Post("/channels/{channelID}/inbound", a.handleInbound)
			r.Get("/conversations", a.handleListConversations)

			r.Post("/contacts", a.handleRegisterContact)
			r.Get("/contacts", a.handleSearchContacts)

			r.Post("/agents", a.handleRegisterAgent)
			r.Get("/agents", a.handleListAgents)
			r.Get("/agents/stats", a.handleAgentStats)

			r.Post("/webhooks", a.handleCreateWebhook)
			r.Get("/webhooks", a.handleListWebhooks)
			r.Get("/webhooks/{webhookID}", a.handleGetWebhook)
			r.Patch("/webhooks/{webhookID}", a.handleUpdateWebhook)
			r.Delete("/webhooks/{webhookID}", a.handleDeleteWebhook)

			r.Post("/channels", a.handleSaveChannel)
			r.Get("/channels", a.handleListChannels)
		})

		r.Get("/conversations/{conversationID}", a.handleGetConversation)
		r.Get("/conversations/{conversationID}/messages", a.handleListMessages)
		r.Post("/conversations/{conversationID}/messages", a.handleOutbound)

		r.Get("/contacts/{contactID}", a.handleGetContact)

		r.Get("/agents/{agentID}", a.handleGetAgent)
		r.Put("/agents/{agentID}/status", a.handleSetAgentStatus)
		r.Put("/agents/{agentID}/active", a.handleSetAgentActive)

		r.Delete("/channels/{channelID}", a.handleDeactivateChannel)

		r.Get("/deliveries/failed", a.handleListFailed)
		r.Post("/deliveries/{jobID}/retry", a.handleRetryDelivery)

		r.Get("/ai/panic", a.handlePanicStatus)
		r.Post("/ai/panic", a.handlePanicEnable)
		r.Delete("/ai/panic", a.handlePanicDisable)
	})

	a.mux = mux
	return a
}

// ServeHTTP implements http.Handler
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func queryLimit(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// ============================================================================
// Messages
// ============================================================================

func (a *API) handleInbound(w http.ResponseWriter, r *http.Request) {
	var msg domain.NormalizedMessage
	if err := decodeJSON(r, &msg); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.d.Pipeline.IngestInbound(r.Context(), chi.URLParam(r, "accountID"), chi.URLParam(r, "channelID"), msg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.Duplicate {
		writeOK(w, res)
		return
	}
	writeCreated(w, res)
}

type webchatInboundRequest struct {
	VisitorID string `json:"visitorId"`
	Name      string `json:"name,omitempty"`
	Text      string `json:"text"`
	MessageID string `json:"messageId,omitempty"` // client-side id, makes resends idempotent
}

func (a *API) handleWebchatInbound(w http.ResponseWriter, r *http.Request) {
	var req webchatInboundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.VisitorID == "" || strings.TrimSpace(req.Text) == "" {
		writeError(w, r, domain.Invalid("visitorId and text are required"))
		return
	}
	ch, err := a.d.Channels.Get(r.Context(), chi.URLParam(r, "channelID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ch.Kind != domain.ChannelKindWebchat || !ch.IsActive {
		writeError(w, r, domain.ErrChannelNotFound)
		return
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	res, err := a.d.Pipeline.IngestInbound(r.Context(), ch.AccountID, ch.ID, domain.NormalizedMessage{
		ChannelMessageID: req.MessageID,
		ExternalSenderID: req.VisitorID,
		SenderName:       req.Name,
		Body:             req.Text,
		SentAt:           time.Now().UTC(),
		Direction:        domain.DirectionInbound,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, res)
}

type outboundRequest struct {
	Text    string `json:"text"`
	AgentID string `json:"agentId,omitempty"`
}

func (a *API) handleOutbound(w http.ResponseWriter, r *http.Request) {
	var req outboundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.d.Pipeline.IngestOutbound(r.Context(), chi.URLParam(r, "conversationID"), req.Text, req.AgentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCreated(w, res)
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	if _, err := a.d.Conversations.GetConversation(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	msgs, err := a.d.Messages.ListMessages(r.Context(), id, queryLimit(r, 50, 500))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, msgs)
}

func (a *API) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := a.d.Conversations.GetConversation(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, conv)
}

func (a *API) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := a.d.Conversations.ListConversations(r.Context(), chi.URLParam(r, "accountID"), queryLimit(r, 50, 500))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, convs)
}

// ============================================================================
// Contacts & Agents
// ============================================================================

type contactRequest struct {
	ExternalID string            `json:"externalId"`
	Name       string            `json:"name,omitempty"`
	Email      string            `json:"email,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (a *API) handleRegisterContact(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := a.d.Contacts.Register(r.Context(), chi.URLParam(r, "accountID"), req.ExternalID, services.ContactProfile{
		Name:     req.Name,
		Email:    req.Email,
		Phone:    req.Phone,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, c)
}

func (a *API) handleSearchContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := a.d.Contacts.Search(r.Context(), chi.URLParam(r, "accountID"), r.URL.Query().Get("q"), queryLimit(r, 20, 200))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, contacts)
}

func (a *API) handleGetContact(w http.ResponseWriter, r *http.Request) {
	c, err := a.d.Contacts.Get(r.Context(), chi.URLParam(r, "contactID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, c)
}

func (a *API) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req services.AgentRegistration
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	agent, err := a.d.Agents.Register(r.Context(), chi.URLParam(r, "accountID"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, agent)
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := a.d.Agents.List(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, agents)
}

func (a *API) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.d.Agents.Stats(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, stats)
}

func (a *API) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := a.d.Agents.Get(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, agent)
}

func (a *API) handleSetAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status domain.AgentStatus `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	agent, err := a.d.Agents.SetStatus(r.Context(), chi.URLParam(r, "agentID"), req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, agent)
}

func (a *API) handleSetAgentActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsActive *bool `json:"isActive"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.IsActive == nil {
		writeError(w, r, domain.Invalid("isActive is required"))
		return
	}
	agent, err := a.d.Agents.SetActive(r.Context(), chi.URLParam(r, "agentID"), *req.IsActive)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, agent)
}

// ============================================================================
// Webhook subscriptions
// ============================================================================

// createdWebhook is the only representation that carries the secret
type createdWebhook struct {
	*domain.WebhookSubscription
	SecretKey string `json:"secretKey"`
}

func (a *API) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventType string `json:"eventType"`
		TargetURL string `json:"targetUrl"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sub, err := a.d.Webhooks.Create(r.Context(), chi.URLParam(r, "accountID"), req.EventType, req.TargetURL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCreated(w, createdWebhook{WebhookSubscription: sub, SecretKey: sub.SecretKey})
}

func (a *API) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := a.d.Webhooks.List(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, subs)
}

func (a *API) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	sub, err := a.d.Webhooks.Get(r.Context(), chi.URLParam(r, "accountID"), chi.URLParam(r, "webhookID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, sub)
}

func (a *API) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	var upd services.WebhookUpdate
	if err := decodeJSON(r, &upd); err != nil {
		writeError(w, r, err)
		return
	}
	sub, err := a.d.Webhooks.Update(r.Context(), chi.URLParam(r, "accountID"), chi.URLParam(r, "webhookID"), upd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, sub)
}

func (a *API) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := a.d.Webhooks.Delete(r.Context(), chi.URLParam(r, "accountID"), chi.URLParam(r, "webhookID")); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, nil)
}

// ============================================================================
// Channels
// ============================================================================

type channelRequest struct {
	ID          string             `json:"id,omitempty"`
	Kind        domain.ChannelKind `json:"kind"`
	Name        string             `json:"name"`
	ExternalRef string             `json:"externalRef,omitempty"`
	AccessToken string             `json:"accessToken,omitempty"`
	IsActive    *bool              `json:"isActive,omitempty"`
}

func (a *API) handleSaveChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ch := &domain.Channel{
		ID:          req.ID,
		AccountID:   chi.URLParam(r, "accountID"),
		Kind:        req.Kind,
		Name:        req.Name,
		ExternalRef: req.ExternalRef,
		AccessToken: req.AccessToken,
		IsActive:    req.IsActive == nil || *req.IsActive,
	}
	saved, err := a.d.Channels.Save(r.Context(), ch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, saved)
}

func (a *API) handleListChannels(w http.ResponseWriter, r *http.Request) {
	chans, err := a.d.Channels.List(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, chans)
}

func (a *API) handleDeactivateChannel(w http.ResponseWriter, r *http.Request) {
	if err := a.d.Channels.Deactivate(r.Context(), chi.URLParam(r, "channelID")); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, nil)
}

// ============================================================================
// Deliveries
// ============================================================================

func (a *API) handleListFailed(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.d.Queue.ListFailed(r.Context(), queryLimit(r, 50, 500))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, jobs)
}

func (a *API) handleRetryDelivery(w http.ResponseWriter, r *http.Request) {
	if err := a.d.Queue.Retry(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, map[string]string{"status": "requeued"})
}

// ============================================================================
// AI kill switch
// ============================================================================

func (a *API) handlePanicStatus(w http.ResponseWriter, r *http.Request) {
	writeOK(w, a.d.PanicMode.Status())
}

func (a *API) handlePanicEnable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
		By     string `json:"by"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.By == "" {
		req.By = r.RemoteAddr
	}
	a.d.PanicMode.Enable(req.Reason, req.By)
	writeOK(w, a.d.PanicMode.Status())
}

func (a *API) handlePanicDisable(w http.ResponseWriter, r *http.Request) {
	a.d.PanicMode.Disable(r.RemoteAddr)
	writeOK(w, a.d.PanicMode.Status())
}
