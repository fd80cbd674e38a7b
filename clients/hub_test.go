package clients

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/always-cache/swcache/push"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type page struct {
	id   string
	conn *websocket.Conn
}

func newHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return hub, server
}

func connect(t *testing.T, server *httptest.Server, pageURL string) *page {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/?url=" + pageURL
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	hello := receive(t, conn)
	require.Equal(t, MessageHello, hello["type"])
	return &page{id: hello["clientId"].(string), conn: conn}
}

func receive(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestBroadcastReachesEveryPage(t *testing.T) {
	hub, server := newHub(t)
	first := connect(t, server, "https://club.example/gyms")
	second := connect(t, server, "https://club.example/")

	err := hub.Broadcast(context.Background(), map[string]any{"type": "CONTENT_UPDATED", "url": "https://club.example/gyms"})
	require.NoError(t, err)

	for _, p := range []*page{first, second} {
		msg := receive(t, p.conn)
		assert.Equal(t, "CONTENT_UPDATED", msg["type"])
		assert.Equal(t, "https://club.example/gyms", msg["url"])
	}
}

func TestBroadcastWithoutClients(t *testing.T) {
	hub, _ := newHub(t)
	assert.NoError(t, hub.Broadcast(context.Background(), map[string]string{"type": "CONTENT_UPDATED"}))
}

func TestMatchAllInConnectionOrder(t *testing.T) {
	hub, server := newHub(t)
	first := connect(t, server, "https://club.example/a")
	second := connect(t, server, "https://club.example/b")

	windows, err := hub.MatchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, windows, 2)
	assert.Equal(t, first.id, windows[0].ID())
	assert.Equal(t, "https://club.example/a", windows[0].URL())
	assert.Equal(t, second.id, windows[1].ID())
}

func TestFocus(t *testing.T) {
	hub, server := newHub(t)
	p := connect(t, server, "https://club.example/")

	windows, err := hub.MatchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, windows, 1)
	require.NoError(t, windows[0].Focus(context.Background()))

	assert.Equal(t, MessageFocus, receive(t, p.conn)["type"])
}

func TestShowNotification(t *testing.T) {
	hub, server := newHub(t)
	p := connect(t, server, "https://club.example/")

	payload := push.DefaultPayload()
	payload.Title = "Route set"
	require.NoError(t, hub.ShowNotification(context.Background(), payload))

	msg := receive(t, p.conn)
	assert.Equal(t, MessageNotification, msg["type"])
	notification := msg["notification"].(map[string]any)
	assert.Equal(t, "Route set", notification["title"])
}

func TestClaim(t *testing.T) {
	hub, server := newHub(t)
	p := connect(t, server, "https://club.example/")

	require.NoError(t, hub.Claim(context.Background()))
	assert.Equal(t, MessageClaimed, receive(t, p.conn)["type"])

	for _, c := range hub.all() {
		assert.True(t, c.Controlled())
	}
}

func TestInboundMessages(t *testing.T) {
	hub, server := newHub(t)
	type received struct {
		from string
		msg  Message
	}
	got := make(chan received, 1)
	hub.OnMessage(func(ctx context.Context, clientID string, msg Message) error {
		got <- received{clientID, msg}
		return nil
	})
	p := connect(t, server, "https://club.example/")

	require.NoError(t, p.conn.WriteJSON(map[string]string{"type": "SKIP_WAITING"}))

	select {
	case r := <-got:
		assert.Equal(t, p.id, r.from)
		assert.Equal(t, "SKIP_WAITING", r.msg.Type)
		var raw map[string]string
		require.NoError(t, json.Unmarshal(r.msg.Raw, &raw))
		assert.Equal(t, "SKIP_WAITING", raw["type"])
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, server := newHub(t)
	p := connect(t, server, "https://club.example/")
	require.Equal(t, 1, hub.Len())

	p.conn.Close()
	assert.Eventually(t, func() bool { return hub.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestOpenWindow(t *testing.T) {
	hub, _ := newHub(t)
	assert.NoError(t, hub.OpenWindow(context.Background(), "/gyms"))

	var opened string
	hub.OnOpenWindow(func(ctx context.Context, url string) error {
		opened = url
		return nil
	})
	require.NoError(t, hub.OpenWindow(context.Background(), "/gyms"))
	assert.Equal(t, "/gyms", opened)
}
