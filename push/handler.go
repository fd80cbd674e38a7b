package push

import (
	"context"
	"fmt"
	"net/url"

	"github.com/always-cache/swcache/metrics"

	"github.com/rs/zerolog"
)

// Notifier displays notifications.
type Notifier interface {
	// ShowNotification returns once the notification is displayed, or failed to be.
	ShowNotification(ctx context.Context, payload Payload) error
}

// Client is an open window of the app.
type Client interface {
	ID() string
	URL() string
	Focus(ctx context.Context) error
}

// Clients gives access to the open windows of the app.
type Clients interface {
	// MatchAll returns all window clients, including ones not yet controlled.
	MatchAll(ctx context.Context) ([]Client, error)
	// OpenWindow opens a new window at the URL.
	OpenWindow(ctx context.Context, url string) error
}

// Notification is a displayed notification that was clicked.
type Notification struct {
	Payload
	// Close dismisses the notification. Optional.
	Close func()
}

type ClickAction string

const (
	ActionFocused ClickAction = "focused"
	ActionOpened  ClickAction = "opened"
)

// ClickOutcome tells what a notification click did.
type ClickOutcome struct {
	Action   ClickAction `json:"action"`
	URL      string      `json:"url"`
	ClientID string      `json:"clientId,omitempty"`
}

type Handler struct {
	Notifier Notifier
	Clients  Clients
	// Origin of the app. Only clients within it are focused.
	Origin   *url.URL
	Defaults Payload
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// Push shows the notification for a push message.
// The message is never dropped: if it cannot be parsed the default notification is shown.
func (h *Handler) Push(ctx context.Context, data []byte) (Payload, error) {
	payload, err := Parse(data, h.Defaults)
	if err != nil {
		h.Logger.Warn().Err(err).Msg("Could not parse push data, showing default notification")
	}
	if err := h.Notifier.ShowNotification(ctx, payload); err != nil {
		h.count("error")
		return payload, fmt.Errorf("show notification: %w", err)
	}
	h.count("shown")
	h.Logger.Debug().Str("tag", payload.Tag).Str("title", payload.Title).Msg("Notification shown")
	return payload, nil
}

// Click focuses an open window of the app, or opens a new one at the notification URL.
// At most one window is focused or opened per click.
func (h *Handler) Click(ctx context.Context, n Notification) (ClickOutcome, error) {
	if n.Close != nil {
		n.Close()
	}
	target := n.Data.URL
	if target == "" {
		target = "/"
	}

	windows, err := h.Clients.MatchAll(ctx)
	if err != nil {
		return ClickOutcome{}, fmt.Errorf("match clients: %w", err)
	}
	for _, client := range windows {
		if !h.sameOrigin(client.URL()) {
			continue
		}
		if err := client.Focus(ctx); err != nil {
			return ClickOutcome{}, fmt.Errorf("focus client %s: %w", client.ID(), err)
		}
		h.Logger.Debug().Str("client", client.ID()).Msg("Focused client for notification click")
		return ClickOutcome{Action: ActionFocused, URL: target, ClientID: client.ID()}, nil
	}

	if err := h.Clients.OpenWindow(ctx, target); err != nil {
		return ClickOutcome{}, fmt.Errorf("open window %s: %w", target, err)
	}
	h.Logger.Debug().Str("url", target).Msg("Opened window for notification click")
	return ClickOutcome{Action: ActionOpened, URL: target}, nil
}

func (h *Handler) sameOrigin(raw string) bool {
	if h.Origin == nil {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == h.Origin.Scheme && u.Host == h.Origin.Host
}

func (h *Handler) count(result string) {
	if h.Metrics != nil {
		h.Metrics.Push.WithLabelValues(result).Inc()
	}
}
