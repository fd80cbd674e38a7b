package swcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/always-cache/swcache/push"
)

// EventKind names the events a worker handles.
type EventKind string

const (
	EventFetch             EventKind = "fetch"
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventMessage           EventKind = "message"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	// ErrMissingEventData means the event lacks the data its kind needs.
	ErrMissingEventData = errors.New("missing event data")
)

// Event is delivered to the worker by its host.
// Only the field matching Kind is used.
type Event struct {
	Kind EventKind
	// fetch
	Request *http.Request
	// message
	Message Message
	// push, may be empty
	Data []byte
	// notificationclick
	Notification push.Notification
}

// Message type asking a waiting worker to activate at once.
const MessageSkipWaiting = "SKIP_WAITING"

// Message is a control message posted by a page.
type Message struct {
	Type     string `json:"type"`
	ClientID string `json:"-"`
}

type handlerFunc func(ctx context.Context, ev Event) (any, error)

// Dispatch runs the handler for the event kind and returns once its work has settled.
// The result depends on the kind:
//
//   - fetch: strategy.Result
//   - install: InstallReport
//   - push: push.Payload
//   - notificationclick: push.ClickOutcome
//   - activate, message: nil
func (w *Worker) Dispatch(ctx context.Context, ev Event) (any, error) {
	handler, ok := w.handlers[ev.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}
	return handler(ctx, ev)
}

func (w *Worker) onFetch(ctx context.Context, ev Event) (any, error) {
	if ev.Request == nil {
		return nil, fmt.Errorf("%w: fetch without request", ErrMissingEventData)
	}
	return w.HandleFetch(ctx, ev.Request)
}

func (w *Worker) onInstall(ctx context.Context, ev Event) (any, error) {
	return w.Install(ctx)
}

func (w *Worker) onActivate(ctx context.Context, ev Event) (any, error) {
	return nil, w.Activate(ctx)
}

func (w *Worker) onMessage(ctx context.Context, ev Event) (any, error) {
	return nil, w.HandleMessage(ctx, ev.Message)
}

func (w *Worker) onPush(ctx context.Context, ev Event) (any, error) {
	return w.HandlePush(ctx, ev.Data)
}

func (w *Worker) onNotificationClick(ctx context.Context, ev Event) (any, error) {
	return w.HandleNotificationClick(ctx, ev.Notification)
}

// HandleMessage handles a control message from a page.
// Messages other than SKIP_WAITING are ignored.
func (w *Worker) HandleMessage(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MessageSkipWaiting:
		w.log.Debug().Str("client", msg.ClientID).Msg("Skip waiting requested")
		return w.SkipWaiting(ctx)
	default:
		w.log.Trace().Str("client", msg.ClientID).Str("type", msg.Type).Msg("Ignoring message")
		return nil
	}
}

// HandlePush shows the notification for a push message.
func (w *Worker) HandlePush(ctx context.Context, data []byte) (push.Payload, error) {
	if w.push.Notifier == nil {
		return push.Payload{}, errors.New("no notifier configured")
	}
	return w.push.Push(ctx, data)
}

// HandleNotificationClick focuses or opens a window for a clicked notification.
func (w *Worker) HandleNotificationClick(ctx context.Context, n push.Notification) (push.ClickOutcome, error) {
	return w.push.Click(ctx, n)
}
