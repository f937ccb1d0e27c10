// Package websocket fans claim and view events out to connected clients.
package websocket

import (
	"context"
	"log/slog"
	"sync"
)

type envelope struct {
	// view restricts delivery to clients subscribed to it. Empty means
	// every client.
	view string
	data []byte
}

// Hub maintains the set of active WebSocket clients and delivers messages.
type Hub struct {
	clients map[*Client]bool

	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu     sync.RWMutex
	logger *slog.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's event loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", "clients", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected", "clients", n)

		case env := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if env.view != "" && !client.Subscribed(env.view) {
					continue
				}
				if !client.trySend(env.data) {
					// Slow consumer.
					client.close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(message []byte) {
	h.enqueue(envelope{data: message})
}

// Publish sends a message to clients subscribed to view.
func (h *Hub) Publish(view string, message []byte) {
	h.enqueue(envelope{view: view, data: message})
}

func (h *Hub) enqueue(env envelope) {
	select {
	case h.broadcast <- env:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "view", env.view)
	}
}

// Register adds a client to the hub. Clients registered after the hub
// stopped are closed immediately.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.close()
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client represents a WebSocket client connection.
type Client struct {
	hub        *Hub
	claimantID string
	send       chan []byte

	mu     sync.Mutex
	closed bool
	views  map[string]bool
}

// NewClient creates a new WebSocket client for an optional claimant.
func NewClient(hub *Hub, claimantID string) *Client {
	return &Client{
		hub:        hub,
		claimantID: claimantID,
		send:       make(chan []byte, 256),
		views:      make(map[string]bool),
	}
}

// ClaimantID returns the identity the client connected with.
func (c *Client) ClaimantID() string {
	return c.claimantID
}

// Send returns the send channel for the client.
func (c *Client) Send() <-chan []byte {
	return c.send
}

// Reply queues a message for this client only. It reports false when the
// client is gone or too slow.
func (c *Client) Reply(data []byte) bool {
	return c.trySend(data)
}

// Subscribe records interest in a view and reports whether it is new.
func (c *Client) Subscribe(view string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.views[view] {
		return false
	}
	c.views[view] = true
	return true
}

// Unsubscribe drops interest in a view and reports whether it was held.
func (c *Client) Unsubscribe(view string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.views[view] {
		return false
	}
	delete(c.views, view)
	return true
}

// Subscribed reports whether the client follows view.
func (c *Client) Subscribed(view string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.views[view]
}

// Views returns the client's subscriptions.
func (c *Client) Views() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.views))
	for v := range c.views {
		out = append(out, v)
	}
	return out
}

func (c *Client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
