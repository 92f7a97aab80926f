package realtime

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(hub)
	t.Cleanup(func() {
		ts.Close()
		hub.Close()
	})
	return hub, ts
}

func dial(t *testing.T, hub *Hub, ts *httptest.Server, want int) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Registration happens after the handshake; wait for it.
	require.Eventually(t, func() bool { return hub.ClientCount() == want },
		time.Second, 5*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestBroadcastReachesAllClients(t *testing.T) {
	hub, ts := newTestHub(t)
	a := dial(t, hub, ts, 1)
	b := dial(t, hub, ts, 2)

	hub.Broadcast("sessions", "session_blocked", map[string]any{"agentId": "a1"})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		assert.Equal(t, "sessions", msg.Topic)
		assert.Equal(t, "session_blocked", msg.Type)
		payload, ok := msg.Payload.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "a1", payload["agentId"])
		assert.NotEmpty(t, msg.Ts)
	}
}

func TestBroadcastErrorEnvelope(t *testing.T) {
	hub, ts := newTestHub(t)
	conn := dial(t, hub, ts, 1)

	hub.BroadcastError("WORKTREE_NOT_FOUND", "worktree w1 not found", 404, map[string]any{"name": "w1"})

	msg := readMessage(t, conn)
	assert.Equal(t, "system", msg.Topic)
	assert.Equal(t, "error", msg.Type)
	payload := msg.Payload.(map[string]any)
	assert.Equal(t, "WORKTREE_NOT_FOUND", payload["code"])
	assert.Equal(t, float64(404), payload["statusCode"])
}

func TestBroadcastWithoutClientsDoesNotBlock(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer hub.Close()

	done := make(chan struct{})
	go func() {
		hub.Broadcast("sessions", "noop", nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked with no clients")
	}
}

func TestCloseDisconnectsClients(t *testing.T) {
	hub, ts := newTestHub(t)
	conn := dial(t, hub, ts, 1)

	hub.Close()
	assert.Equal(t, 0, hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "server closed the connection")
}
