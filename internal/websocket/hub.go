package websocket

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// AllMailboxes is the subscription key for observers that want every
// mailbox's events.
const AllMailboxes = "*"

// Client wraps a WebSocket connection.
type Client struct {
	conn *websocket.Conn
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// Hub manages active WebSocket observers per mailbox. A mailbox can have
// multiple observers (e.g., several monitoring clients).
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{} // mailbox name -> set of clients
	maxPerName int
}

// NewHub creates a new Hub with a per-mailbox observer limit.
func NewHub(maxPerName int) *Hub {
	if maxPerName <= 0 {
		maxPerName = 10
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxPerName: maxPerName,
	}
}

// Register adds a WebSocket observer for the given mailbox name.
// If the per-mailbox limit is exceeded, the new connection is closed and nil
// is returned.
func (h *Hub) Register(name string, conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	observers, ok := h.clients[name]
	if !ok {
		observers = make(map[*Client]struct{})
		h.clients[name] = observers
	}

	if len(observers) >= h.maxPerName {
		log.Printf("websocket: mailbox %q exceeded max observers (%d), closing new connection", name, h.maxPerName)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many observers for this mailbox"),
			// Use zero deadline - best effort.
			// See https://pkg.go.dev/github.com/gorilla/websocket#Conn.WriteControl
			// for details.
			time.Time{},
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn}
	observers[client] = struct{}{}
	return client
}

// Unregister removes an observer for the given mailbox and closes the
// connection.
func (h *Hub) Unregister(name string, client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	observers, ok := h.clients[name]
	if !ok {
		_ = client.conn.Close()
		return
	}

	delete(observers, client)

	if len(observers) == 0 {
		delete(h.clients, name)
	}

	_ = client.conn.Close()
}

// Send delivers a message to all observers of the mailbox, plus the
// observers subscribed to AllMailboxes.
func (h *Hub) Send(name string, msg []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0)
	keys := make([]string, 0, 2)
	for client := range h.clients[name] {
		targets = append(targets, client)
		keys = append(keys, name)
	}
	if name != AllMailboxes {
		for client := range h.clients[AllMailboxes] {
			targets = append(targets, client)
			keys = append(keys, AllMailboxes)
		}
	}
	h.mu.RUnlock()

	for i, client := range targets {
		if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Printf("websocket: failed to write message for mailbox %q: %v", keys[i], err)
			// Best-effort cleanup: unregister this client.
			go h.Unregister(keys[i], client)
		}
	}
}

// ActiveObservers returns the number of active observers for a mailbox.
func (h *Hub) ActiveObservers(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[name])
}
