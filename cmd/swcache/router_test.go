package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	swcache "github.com/always-cache/swcache"
	"github.com/always-cache/swcache/clients"
	"github.com/always-cache/swcache/metrics"
	"github.com/always-cache/swcache/strategy"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	worker *swcache.Worker
	hub    *clients.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zerolog.Nop()
	origin, _ := url.Parse("https://club.example")
	network := strategy.FetcherFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"text/plain"}},
			Body:       io.NopCloser(strings.NewReader("from " + r.URL.Path)),
			Request:    r,
		}, nil
	})
	registry := prometheus.NewRegistry()
	hub := clients.NewHub(logger)
	worker := swcache.New(swcache.Config{
		CacheName: "crag-v2",
		Fetcher:   network,
		Clients:   hub,
		Origin:    origin,
		Manifest:  []string{"/static/app.css"},
		Logger:    &logger,
		Metrics:   metrics.New(registry),
	})
	_, err := worker.Install(context.Background())
	require.NoError(t, err)

	server := httptest.NewServer(newRouter(worker, hub, registry))
	t.Cleanup(func() {
		hub.Close()
		server.Close()
		worker.Wait()
	})
	return &testServer{Server: server, worker: worker, hub: hub}
}

func (s *testServer) postJSON(t *testing.T, path, body string) map[string]any {
	t.Helper()
	res, err := http.Post(s.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

func TestCacheListing(t *testing.T) {
	s := newTestServer(t)

	res, err := http.Get(s.URL + "/sw/caches")
	require.NoError(t, err)
	defer res.Body.Close()

	var listing struct {
		State  string         `json:"state"`
		Caches []cacheListing `json:"caches"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&listing))
	assert.Equal(t, string(swcache.StateActivated), listing.State)
	require.Len(t, listing.Caches, 1)
	assert.Equal(t, "crag-v2", listing.Caches[0].Name)
	assert.True(t, listing.Caches[0].Current)
	assert.Equal(t, []entryListing{{Method: "GET", URL: "https://club.example/static/app.css"}}, listing.Caches[0].Entries)
}

func TestPushReachesConnectedPage(t *testing.T) {
	s := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/sw/clients?url=https://club.example/gyms"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	read := func() map[string]any {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}
	require.Equal(t, clients.MessageHello, read()["type"])

	payload := s.postJSON(t, "/sw/push", `{"title":"Bouldering night"}`)
	assert.Equal(t, "Bouldering night", payload["title"])

	msg := read()
	assert.Equal(t, clients.MessageNotification, msg["type"])

	outcome := s.postJSON(t, "/sw/notificationclick", `{"data":{"url":"/albums/3"}}`)
	assert.Equal(t, "focused", outcome["action"])
	assert.Equal(t, clients.MessageFocus, read()["type"])
}

func TestNotificationClickWithoutPagesOpensWindow(t *testing.T) {
	s := newTestServer(t)

	outcome := s.postJSON(t, "/sw/notificationclick", `{"data":{"url":"/albums/3"}}`)
	assert.Equal(t, "opened", outcome["action"])
	assert.Equal(t, "/albums/3", outcome["url"])
}

func TestMessageEndpoint(t *testing.T) {
	s := newTestServer(t)

	out := s.postJSON(t, "/sw/message", `{"type":"SKIP_WAITING"}`)
	assert.Equal(t, string(swcache.StateActivated), out["state"])

	res, err := http.Post(s.URL+"/sw/message", "application/json", strings.NewReader("not json"))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestEverythingElseGoesToWorker(t *testing.T) {
	s := newTestServer(t)

	res, err := http.Get(s.URL + "/static/app.css")
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)

	assert.Equal(t, "from /static/app.css", string(body))
	assert.Equal(t, "swcache; hit; detail=cache-first", res.Header.Get("Cache-Status"))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	res, err := http.Get(s.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)

	assert.Contains(t, string(body), `swcache_install_resources_total{result="ok"} 1`)
}
