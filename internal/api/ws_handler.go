package api

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	ws "github.com/vdavid/mailstore/internal/websocket"
)

// WebSocketHandler handles the /api/v1/ws endpoint, streaming mailbox
// update events to observers.
type WebSocketHandler struct {
	hub *ws.Hub
}

// NewWebSocketHandler creates a new WebSocketHandler instance.
func NewWebSocketHandler(hub *ws.Hub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// For now, allow all origins. This server is expected to be used
		// behind a reverse proxy in a trusted environment.
		return true
	},
}

// Handle upgrades the HTTP connection to a WebSocket and registers it as an
// observer. The mailbox query parameter selects which mailbox to watch;
// without it the observer receives every mailbox's events.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("mailbox")
	if name == "" {
		name = ws.AllMailboxes
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocketHandler: failed to upgrade connection for mailbox %q: %v", name, err)
		return
	}

	client := h.hub.Register(name, conn)
	if client == nil {
		log.Printf("WebSocketHandler: connection rejected for mailbox %q (max observers exceeded)", name)
		return
	}

	// Read loop to keep the connection open and detect disconnects.
	go h.readLoop(name, client)
}

// readLoop reads messages from the WebSocket until the connection is closed,
// then unregisters the observer.
func (h *WebSocketHandler) readLoop(name string, client *ws.Client) {
	conn := client.Conn()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.hub.Unregister(name, client)
}
