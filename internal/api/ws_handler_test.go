package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ws "github.com/vdavid/mailstore/internal/websocket"
)

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWebSocketHandlerDeliversMailboxEvents(t *testing.T) {
	hub := ws.NewHub(10)
	handler := NewWebSocketHandler(hub)

	server := httptest.NewServer(http.HandlerFunc(handler.Handle))
	defer server.Close()
	wsURL := "ws" + server.URL[4:]

	observer := dialWS(t, wsURL+"?mailbox=bob/INBOX")
	everything := dialWS(t, wsURL)

	require.Eventually(t, func() bool {
		return hub.ActiveObservers("bob/INBOX") == 1 && hub.ActiveObservers(ws.AllMailboxes) == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.Send("bob/INBOX", []byte(`{"mailbox":"bob/INBOX"}`))

	for _, conn := range []*websocket.Conn{observer, everything} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Contains(t, string(msg), "bob/INBOX")
	}
}

func TestWebSocketHandlerScopesObservers(t *testing.T) {
	hub := ws.NewHub(10)
	handler := NewWebSocketHandler(hub)

	server := httptest.NewServer(http.HandlerFunc(handler.Handle))
	defer server.Close()
	wsURL := "ws" + server.URL[4:]

	other := dialWS(t, wsURL+"?mailbox=carol/INBOX")
	require.Eventually(t, func() bool {
		return hub.ActiveObservers("carol/INBOX") == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.Send("bob/INBOX", []byte("not for carol"))

	// the observer of a different mailbox hears nothing
	require.NoError(t, other.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err)
}

func TestWebSocketHandlerEnforcesObserverLimit(t *testing.T) {
	hub := ws.NewHub(1)
	handler := NewWebSocketHandler(hub)

	server := httptest.NewServer(http.HandlerFunc(handler.Handle))
	defer server.Close()
	wsURL := "ws" + server.URL[4:] + "?mailbox=bob/INBOX"

	dialWS(t, wsURL)
	require.Eventually(t, func() bool {
		return hub.ActiveObservers("bob/INBOX") == 1
	}, 2*time.Second, 10*time.Millisecond)

	// the second observer is closed with a policy violation
	rejected := dialWS(t, wsURL)
	require.NoError(t, rejected.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := rejected.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	assert.Equal(t, 1, hub.ActiveObservers("bob/INBOX"))
}

func TestWebSocketHandlerUnregistersOnDisconnect(t *testing.T) {
	hub := ws.NewHub(10)
	handler := NewWebSocketHandler(hub)

	server := httptest.NewServer(http.HandlerFunc(handler.Handle))
	defer server.Close()

	conn := dialWS(t, "ws"+server.URL[4:]+"?mailbox=bob/INBOX")
	require.Eventually(t, func() bool {
		return hub.ActiveObservers("bob/INBOX") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return hub.ActiveObservers("bob/INBOX") == 0
	}, 2*time.Second, 10*time.Millisecond)
}
