// Package websocket provides WebSocket-based log and event broadcasting for real-time monitoring
// Following Clean Architecture: This is an Adapter layer component
package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"omnigate/internal/core/domain"
	"omnigate/internal/core/ports"
)

// Topics a client can subscribe to
const (
	TopicLogs          = "logs"
	TopicEvents        = "events"
	webchatTopicPrefix = "webchat:"
)

// WebchatTopic is the topic a webchat visitor's widget listens on
func WebchatTopic(visitorID string) string {
	return webchatTopicPrefix + visitorID
}

// Event is the frame written for everything that is not a raw log line
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

type frame struct {
	topic string
	data  []byte
}

var (
	_ ports.AssignmentSink   = (*LogHub)(nil)
	_ ports.DeliveryObserver = (*LogHub)(nil)
)

// LogHub manages WebSocket connections and fans logs and events out to them.
// Implements io.Writer so it can sit behind a slog handler.
// Uses Fan-out pattern: 1 source -> N clients, filtered by topic.
type LogHub struct {
	// Registered clients map (client -> struct{})
	clients map[*Client]struct{}

	// Buffered channel for frames (Non-blocking, Drop-if-full strategy)
	broadcast chan frame

	// Register/Unregister channels for client management
	register   chan *Client
	unregister chan *Client

	// Mutex for thread-safe client map access
	mu sync.RWMutex

	// Secret key for dashboard authentication (MESH_SECRET)
	secretKey string

	// closed when Run returns
	done chan struct{}

	upgrader websocket.Upgrader
}

// Client represents a connected WebSocket client
type Client struct {
	hub    *LogHub
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]bool
}

const (
	broadcastBufferSize = 256
	clientBufferSize    = 64

	// WebSocket timeouts
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// NewLogHub creates a new LogHub instance
// secretKey: MESH_SECRET for dashboard authentication
func NewLogHub(secretKey string) *LogHub {
	return &LogHub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan frame, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		secretKey:  secretKey,
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboard is protected by secret key; webchat widgets are embedded cross-origin
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Run starts the hub's main event loop until ctx is cancelled
func (h *LogHub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			slog.Debug("[LogHub] 🟢 Client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			slog.Debug("[LogHub] 🔴 Client disconnected", "total", total)

		case f := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if !client.topics[f.topic] {
					continue
				}
				// Non-blocking send: a slow client never stalls the hub
				select {
				case client.send <- f.data:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Write implements io.Writer so log output can be teed into the hub.
// Never blocks; lines are dropped when the buffer is full.
func (h *LogHub) Write(p []byte) (n int, err error) {
	// Clone the message to avoid data race
	msg := make([]byte, len(p))
	copy(msg, p)
	msg = bytes.TrimRight(msg, "\n\r")

	h.enqueue(frame{topic: TopicLogs, data: msg})
	return len(p), nil
}

// Publish sends a typed event to every client subscribed to topic
func (h *LogHub) Publish(topic, eventType string, data any) error {
	b, err := json.Marshal(Event{Type: eventType, At: time.Now().UTC(), Data: data})
	if err != nil {
		return err
	}
	if !h.enqueue(frame{topic: topic, data: b}) {
		slog.Debug("[LogHub] Event dropped, buffer full", "topic", topic, "type", eventType)
	}
	return nil
}

func (h *LogHub) enqueue(f frame) bool {
	select {
	case h.broadcast <- f:
		return true
	default:
		return false
	}
}

// OnAgentAssigned streams ownership changes to the dashboard
func (h *LogHub) OnAgentAssigned(_ context.Context, ev domain.AssignmentEvent) {
	if err := h.Publish(TopicEvents, domain.EventConversationAssigned, ev); err != nil {
		slog.Warn("[LogHub] Failed to publish assignment", "error", err)
	}
}

type deliveryEvent struct {
	JobID    string          `json:"jobId"`
	Job      string          `json:"job"`
	State    domain.JobState `json:"state"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error,omitempty"`
}

// OnDeliveryAttempt streams webhook delivery outcomes to the dashboard
func (h *LogHub) OnDeliveryAttempt(_ context.Context, job *domain.DeliveryJob, state domain.JobState, err error) {
	ev := deliveryEvent{JobID: job.ID, Job: job.Name, State: state, Attempts: job.Attempts}
	if err != nil {
		ev.Error = err.Error()
	}
	if perr := h.Publish(TopicEvents, "DELIVERY_ATTEMPT", ev); perr != nil {
		slog.Warn("[LogHub] Failed to publish delivery attempt", "error", perr)
	}
}

// ServeWS handles dashboard WebSocket upgrades
// Security: Requires ?secret_key= matching MESH_SECRET
// Route: /ws/logs?secret_key=YOUR_MESH_SECRET[&topics=logs,events]
func (h *LogHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	queryKey := r.URL.Query().Get("secret_key")
	if h.secretKey == "" || queryKey != h.secretKey {
		http.Error(w, "Unauthorized: Invalid or missing secret_key", http.StatusUnauthorized)
		slog.Warn("[LogHub] ⚠️ Unauthorized WebSocket attempt", "remote_addr", r.RemoteAddr)
		return
	}

	topics := map[string]bool{TopicLogs: true, TopicEvents: true}
	if raw := r.URL.Query().Get("topics"); raw != "" {
		topics = map[string]bool{}
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t == TopicLogs || t == TopicEvents {
				topics[t] = true
			}
		}
	}
	h.serve(w, r, topics)
}

// ServeWebchat attaches a webchat widget to its visitor topic.
// Route: /ws/webchat?visitor_id=...
func (h *LogHub) ServeWebchat(w http.ResponseWriter, r *http.Request) {
	visitor := r.URL.Query().Get("visitor_id")
	if visitor == "" {
		http.Error(w, "visitor_id is required", http.StatusBadRequest)
		return
	}
	h.serve(w, r, map[string]bool{WebchatTopic(visitor): true})
}

func (h *LogHub) serve(w http.ResponseWriter, r *http.Request, topics map[string]bool) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[LogHub] ❌ WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, clientBufferSize),
		topics: topics,
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump drains the connection (mostly pong responses)
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("[LogHub] Read error", "error", err)
			}
			break
		}
	}
}

// writePump sends messages from hub to client via WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch pending messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte("\n"))
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ClientCount returns the current number of connected clients
func (h *LogHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
