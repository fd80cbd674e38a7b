// Package clients keeps track of the open pages of the app.
// Pages connect over a websocket and receive the messages a service worker
// would post to its clients.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/always-cache/swcache/push"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Outbound message types.
const (
	MessageHello        = "HELLO"
	MessageFocus        = "FOCUS"
	MessageNotification = "NOTIFICATION"
	MessageClaimed      = "CLAIMED"
)

const writeWait = 10 * time.Second

// Message is a message received from a page.
type Message struct {
	Type string `json:"type"`
	// The whole message as sent.
	Raw json.RawMessage `json:"-"`
}

// MessageHandler handles messages received from pages.
type MessageHandler func(ctx context.Context, clientID string, msg Message) error

type Hub struct {
	mutex    sync.RWMutex
	clients  map[string]*Client
	sequence []string
	upgrader websocket.Upgrader
	onMsg    MessageHandler
	onOpen   func(ctx context.Context, url string) error
	log      zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		log:     logger.With().Str("component", "clients").Logger(),
	}
}

// OnMessage sets the handler for messages received from pages.
func (h *Hub) OnMessage(handler MessageHandler) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onMsg = handler
}

// OnOpenWindow sets what happens when a new window is requested.
// By default the request is only logged, since the hub cannot open windows itself.
func (h *Hub) OnOpenWindow(open func(ctx context.Context, url string) error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onOpen = open
}

// ServeHTTP upgrades the connection and registers the page as a client.
// The page URL is given in the "url" query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pageURL := r.URL.Query().Get("url")
	if pageURL == "" {
		pageURL = r.Header.Get("Referer")
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Could not upgrade client connection")
		return
	}
	client := &Client{id: uuid.NewString(), url: pageURL, conn: conn}
	h.register(client)
	defer h.unregister(client)

	if err := client.post(map[string]string{"type": MessageHello, "clientId": client.id}); err != nil {
		h.log.Warn().Err(err).Str("client", client.id).Msg("Could not greet client")
		return
	}
	h.log.Debug().Str("client", client.id).Str("url", pageURL).Msg("Client connected")
	h.readLoop(r.Context(), client)
}

func (h *Hub) readLoop(ctx context.Context, client *Client) {
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug().Err(err).Str("client", client.id).Msg("Client connection ended")
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Warn().Err(err).Str("client", client.id).Msg("Malformed client message")
			continue
		}
		msg.Raw = data
		h.mutex.RLock()
		handler := h.onMsg
		h.mutex.RUnlock()
		if handler == nil {
			continue
		}
		if err := handler(ctx, client.id, msg); err != nil {
			h.log.Error().Err(err).Str("client", client.id).Str("type", msg.Type).Msg("Could not handle client message")
		}
	}
}

func (h *Hub) register(c *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.clients[c.id] = c
	h.sequence = append(h.sequence, c.id)
}

func (h *Hub) unregister(c *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	delete(h.clients, c.id)
	for i, id := range h.sequence {
		if id == c.id {
			h.sequence = append(h.sequence[:i], h.sequence[i+1:]...)
			break
		}
	}
	c.conn.Close()
	h.log.Debug().Str("client", c.id).Msg("Client disconnected")
}

// all returns the clients in the order they connected.
func (h *Hub) all() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	clients := make([]*Client, 0, len(h.sequence))
	for _, id := range h.sequence {
		clients = append(clients, h.clients[id])
	}
	return clients
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Broadcast posts the message to every connected client.
func (h *Hub) Broadcast(ctx context.Context, msg any) error {
	var errs []error
	for _, c := range h.all() {
		if err := c.PostMessage(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("client %s: %w", c.id, err))
		}
	}
	return errors.Join(errs...)
}

// MatchAll returns all connected window clients, controlled or not.
func (h *Hub) MatchAll(ctx context.Context) ([]push.Client, error) {
	clients := h.all()
	windows := make([]push.Client, 0, len(clients))
	for _, c := range clients {
		windows = append(windows, c)
	}
	return windows, nil
}

func (h *Hub) OpenWindow(ctx context.Context, url string) error {
	h.mutex.RLock()
	open := h.onOpen
	h.mutex.RUnlock()
	if open == nil {
		h.log.Info().Str("url", url).Msg("Window requested")
		return nil
	}
	return open(ctx, url)
}

// ShowNotification delivers the notification to every page for display.
func (h *Hub) ShowNotification(ctx context.Context, payload push.Payload) error {
	return h.Broadcast(ctx, struct {
		Type         string       `json:"type"`
		Notification push.Payload `json:"notification"`
	}{MessageNotification, payload})
}

// Claim makes the worker the controller of every connected client.
func (h *Hub) Claim(ctx context.Context) error {
	clients := h.all()
	for _, c := range clients {
		c.setControlled()
	}
	h.log.Debug().Int("clients", len(clients)).Msg("Claimed clients")
	return h.Broadcast(ctx, map[string]string{"type": MessageClaimed})
}

// Close disconnects every client.
func (h *Hub) Close() {
	for _, c := range h.all() {
		c.writeMutex.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		c.writeMutex.Unlock()
		c.conn.Close()
	}
}

// Client is a connected page.
type Client struct {
	id   string
	url  string
	conn *websocket.Conn

	// gorilla/websocket supports one concurrent writer
	writeMutex sync.Mutex
	stateMutex sync.RWMutex
	controlled bool
}

func (c *Client) ID() string  { return c.id }
func (c *Client) URL() string { return c.url }

func (c *Client) Controlled() bool {
	c.stateMutex.RLock()
	defer c.stateMutex.RUnlock()
	return c.controlled
}

func (c *Client) setControlled() {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	c.controlled = true
}

// Focus asks the page to bring its window to the front.
func (c *Client) Focus(ctx context.Context) error {
	return c.PostMessage(ctx, map[string]string{"type": MessageFocus})
}

// PostMessage sends the message to the page as JSON.
func (c *Client) PostMessage(ctx context.Context, msg any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.post(msg)
}

func (c *Client) post(msg any) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}
