// Package websocket is the run-event firehose: a WebSocket fan-out of the
// lifecycle events the scheduler, threads, and crons publish on the bus.
// Monitors connect once and watch every run they are allowed to see, or
// subscribe to individual threads.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/auth"
	"github.com/loomhq/loom/internal/common/logger"
	ws "github.com/loomhq/loom/pkg/websocket"
)

// Hub manages all firehose client connections and routes events to them.
type Hub struct {
	// All registered clients
	clients map[*Client]bool

	// Clients narrowed to specific threads
	threadSubscribers map[string]map[*Client]bool

	// Channels for client management
	register   chan *Client
	unregister chan *Client

	// Channel for event delivery
	events chan *outboundEvent

	dispatcher *ws.Dispatcher

	mu     sync.RWMutex
	logger *logger.Logger
}

// outboundEvent pairs a notification with the routing facts delivery needs.
type outboundEvent struct {
	msg      *ws.Message
	owner    string
	threadID string
}

// NewHub creates a firehose hub.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:           make(map[*Client]bool),
		threadSubscribers: make(map[string]map[*Client]bool),
		register:          make(chan *Client),
		unregister:        make(chan *Client),
		events:            make(chan *outboundEvent, 256),
		dispatcher:        dispatcher,
		logger:            log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("firehose hub started")
	defer h.logger.Info("firehose hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered",
				zap.String("client_id", client.ID),
				zap.String("owner", client.owner))

		case client := <-h.unregister:
			h.removeClient(client)

		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.threadSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		for threadID := range client.subscriptions {
			if clients, ok := h.threadSubscribers[threadID]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.threadSubscribers, threadID)
				}
			}
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// deliver routes one event: owner scoping first, then the thread narrowing a
// subscribed client asked for.
func (h *Hub) deliver(ev *outboundEvent) {
	data, err := json.Marshal(ev.msg)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.allowed(ev.owner) {
			continue
		}
		if len(client.subscriptions) > 0 {
			if ev.threadID == "" || !client.subscriptions[ev.threadID] {
				continue
			}
		}
		select {
		case client.send <- data:
		default:
			// Client buffer full; the write pump cleans up stalled peers.
		}
	}
}

// allowed reports whether a client may see events for owner. System-owned
// events are visible to everyone, matching the read scope of the HTTP API.
func (c *Client) allowed(owner string) bool {
	return owner == "" || owner == auth.SystemOwner || owner == c.owner
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Publish queues an event for delivery. The owner scopes visibility; the
// thread id, when present, lets narrowed clients filter.
func (h *Hub) Publish(msg *ws.Message, owner, threadID string) {
	select {
	case h.events <- &outboundEvent{msg: msg, owner: owner, threadID: threadID}:
	default:
		h.logger.Warn("event queue full, dropping firehose event",
			zap.String("action", msg.Action))
	}
}

// SubscribeToThread narrows a client's delivery to the named thread.
func (h *Hub) SubscribeToThread(client *Client, threadID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.threadSubscribers[threadID]; !ok {
		h.threadSubscribers[threadID] = make(map[*Client]bool)
	}
	h.threadSubscribers[threadID][client] = true
	client.subscriptions[threadID] = true

	h.logger.Debug("client subscribed to thread",
		zap.String("client_id", client.ID),
		zap.String("thread_id", threadID))
}

// UnsubscribeFromThread removes a client's thread narrowing.
func (h *Hub) UnsubscribeFromThread(client *Client, threadID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, threadID)
	if clients, ok := h.threadSubscribers[threadID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.threadSubscribers, threadID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
