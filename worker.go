// Package swcache is an offline HTTP response cache for the club web app.
//
// A Worker classifies every request it is offered and serves it with one of three
// policies: stale-while-revalidate for pages, network-first for API calls and
// cache-first for static assets. It also handles the install and activate
// lifecycle of the versioned cache store, control messages from open pages and
// push notifications.
package swcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/swcache/cachestatus"
	"github.com/always-cache/swcache/classify"
	"github.com/always-cache/swcache/fetcher"
	"github.com/always-cache/swcache/metrics"
	cachekey "github.com/always-cache/swcache/pkg/cache-key"
	"github.com/always-cache/swcache/push"
	"github.com/always-cache/swcache/storage"
	"github.com/always-cache/swcache/strategy"

	"github.com/rs/zerolog"
)

// Clients are the open pages of the app.
type Clients interface {
	strategy.Broadcaster
	push.Clients
	// Claim makes the worker the controller of all open clients.
	Claim(ctx context.Context) error
}

type Config struct {
	// Versioned name of the cache store, e.g. "crag-v3".
	// Stores with other names are deleted on activation.
	CacheName string
	// Storage for the cache stores.
	Storage storage.CacheStorage
	// Maps requests to caching policies.
	Classifier classify.Classifier
	// The network. Set by Middleware if nil.
	Fetcher strategy.Fetcher
	// Optional function for transforming network responses before they are used.
	// Use it e.g. for adding headers.
	ResponseModifier func(*http.Response) error
	// Open pages. Optional.
	Clients Clients
	// Displays notifications. Clients is used if nil and it is a Notifier.
	Notifier push.Notifier
	// URL of the app. Relative request URLs resolve against it.
	Origin *url.URL
	// URLs cached at install time.
	Manifest []string
	// Timeout for each network request. Zero means no timeout.
	Timeout time.Duration
	// Fetch attempts per manifest URL. Defaults to 3.
	InstallAttempts uint
	// Initial delay between attempts. Defaults to 100ms.
	InstallDelay time.Duration
	// Manifest URLs fetched at once. Defaults to 4.
	InstallConcurrency int
	// Notification shown for push messages without data. push.DefaultPayload if nil.
	PushDefaults *push.Payload
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Metrics, unregistered collectors if nil.
	Metrics *metrics.Metrics
	// Clock, time.Now if nil.
	Now func() time.Time
}

type Worker struct {
	cacheName  string
	storage    storage.CacheStorage
	classifier classify.Classifier
	clients    Clients
	origin     *url.URL
	manifest   []string
	timeout    time.Duration
	modify     func(*http.Response) error

	installAttempts    uint
	installDelay       time.Duration
	installConcurrency int

	strategies *strategy.Strategies
	push       *push.Handler
	handlers   map[EventKind]handlerFunc
	log        zerolog.Logger
	metrics    *metrics.Metrics

	mutex   sync.RWMutex
	network strategy.Fetcher
	state   State
}

// New creates a worker. It does not touch the storage until installed.
func New(config Config) *Worker {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("cache", config.CacheName).Logger()

	w := &Worker{
		cacheName:          config.CacheName,
		storage:            config.Storage,
		classifier:         config.Classifier,
		clients:            config.Clients,
		origin:             config.Origin,
		manifest:           config.Manifest,
		timeout:            config.Timeout,
		modify:             config.ResponseModifier,
		installAttempts:    config.InstallAttempts,
		installDelay:       config.InstallDelay,
		installConcurrency: config.InstallConcurrency,
		log:                logger,
		metrics:            config.Metrics,
		network:            config.Fetcher,
		state:              StateParsed,
	}
	if w.storage == nil {
		w.storage = storage.NewMemStorage()
	}
	if w.clients == nil {
		w.clients = nopClients{log: logger}
	}
	if w.metrics == nil {
		w.metrics = metrics.New(nil)
	}
	if w.installAttempts == 0 {
		w.installAttempts = 3
	}
	if w.installDelay == 0 {
		w.installDelay = 100 * time.Millisecond
	}
	if w.installConcurrency <= 0 {
		w.installConcurrency = 4
	}

	w.strategies = strategy.New(strategy.Config{
		Storage:     w.storage,
		CacheName:   w.cacheName,
		Fetcher:     strategy.FetcherFunc(w.fetch),
		Broadcaster: w.clients,
		Origin:      w.origin,
		Timeout:     w.timeout,
		Logger:      &logger,
		Metrics:     w.metrics,
		Now:         config.Now,
	})

	notifier := config.Notifier
	if notifier == nil {
		notifier, _ = w.clients.(push.Notifier)
	}
	defaults := push.DefaultPayload()
	if config.PushDefaults != nil {
		defaults = *config.PushDefaults
	}
	w.push = &push.Handler{
		Notifier: notifier,
		Clients:  w.clients,
		Origin:   w.origin,
		Defaults: defaults,
		Logger:   logger.With().Str("component", "push").Logger(),
		Metrics:  w.metrics,
	}

	w.handlers = map[EventKind]handlerFunc{
		EventFetch:             w.onFetch,
		EventInstall:           w.onInstall,
		EventActivate:          w.onActivate,
		EventMessage:           w.onMessage,
		EventPush:              w.onPush,
		EventNotificationClick: w.onNotificationClick,
	}
	return w
}

// CacheName returns the name of the current cache store.
func (w *Worker) CacheName() string {
	return w.cacheName
}

// Storage returns the storage holding the cache stores.
func (w *Worker) Storage() storage.CacheStorage {
	return w.storage
}

// Wait blocks until background revalidations have finished.
func (w *Worker) Wait() {
	w.strategies.Wait()
}

// HandleFetch serves an intercepted request.
// Requests that bypass the cache go to the network untouched and their failures are returned as is.
// Otherwise exactly one caching policy is run; an error means the network failed without
// a cached response to fall back to.
func (w *Worker) HandleFetch(ctx context.Context, r *http.Request) (strategy.Result, error) {
	u := cachekey.AbsoluteURL(r, w.origin)
	if reason := w.classifier.Bypass(r, u); reason != "" {
		return w.bypass(ctx, r, reason)
	}
	switch w.classifier.Classify(u) {
	case classify.Page:
		return w.strategies.StaleWhileRevalidate(ctx, r)
	case classify.Static:
		return w.strategies.CacheFirst(ctx, r)
	default:
		return w.strategies.NetworkFirst(ctx, r)
	}
}

func (w *Worker) bypass(ctx context.Context, r *http.Request, reason string) (strategy.Result, error) {
	w.metrics.Bypassed.WithLabelValues(reason).Inc()
	w.log.Trace().Str("method", r.Method).Str("url", r.URL.String()).Str("reason", reason).Msg("Bypassing cache")
	cancel := context.CancelFunc(func() {})
	if w.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
	}
	res, err := w.fetch(ctx, r)
	if err != nil {
		cancel()
		return strategy.Result{}, fmt.Errorf("fetch %s: %w", r.URL, err)
	}
	// the body is streamed after returning
	res.Body = cancelOnClose{ReadCloser: bodyOrEmpty(res.Body), cancel: cancel}
	cs := cachestatus.CacheStatus{}
	if reason == "method" {
		cs.Forward(cachestatus.FwdMethod)
	} else {
		cs.Forward(cachestatus.FwdBypass)
	}
	return strategy.Result{Response: res, Status: cs}, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

func bodyOrEmpty(body io.ReadCloser) io.ReadCloser {
	if body == nil {
		return http.NoBody
	}
	return body
}

// fetch sends the request to the network configured for the worker.
func (w *Worker) fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	w.mutex.RLock()
	network := w.network
	w.mutex.RUnlock()
	if network == nil {
		return nil, fmt.Errorf("no network configured")
	}
	res, err := network.Fetch(ctx, r)
	if err != nil {
		return nil, err
	}
	if w.modify != nil {
		if err := w.modify(res); err != nil {
			if res.Body != nil {
				res.Body.Close()
			}
			return nil, fmt.Errorf("modify response: %w", err)
		}
	}
	return res, nil
}

// ServeHTTP implements the http.Handler interface.
// Requests that fail without a fallback get a 502 response.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	result, err := w.HandleFetch(r.Context(), r)
	if err != nil {
		w.log.Warn().Err(err).Str("method", r.Method).Str("url", r.URL.String()).Msg("Fetch failed")
		cs := cachestatus.CacheStatus{}
		cs.Forward(cachestatus.FwdRequest)
		rw.Header().Set(cachestatus.HeaderName, cs.String())
		http.Error(rw, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	w.send(rw, r, result)
}

func (w *Worker) send(rw http.ResponseWriter, r *http.Request, result strategy.Result) {
	res := result.Response
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(rw.Header(), res.Header)
	rw.Header().Add(cachestatus.HeaderName, result.Status.String())
	rw.WriteHeader(res.StatusCode)
	var bytesWritten int64
	if res.Body != nil {
		var err error
		if bytesWritten, err = io.Copy(rw, res.Body); err != nil {
			w.log.Error().Err(err).Msg("Could not write response body to client")
		}
	}
	w.logRequest(r, res.StatusCode, result.Status)
	w.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

// Middleware uses next as the network of the worker and returns the worker as handler.
func (w *Worker) Middleware(next http.Handler) http.Handler {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.network = fetcher.HandlerFetcher{Next: next}
	return w
}

func (w *Worker) logRequest(r *http.Request, statusCode int, cs cachestatus.CacheStatus) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	w.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("http-status", statusCode).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Str("strategy", cs.Detail).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// nopClients is used when there are no pages to talk to.
type nopClients struct {
	log zerolog.Logger
}

func (nopClients) Broadcast(ctx context.Context, msg any) error { return nil }

func (nopClients) MatchAll(ctx context.Context) ([]push.Client, error) { return nil, nil }

func (c nopClients) OpenWindow(ctx context.Context, url string) error {
	c.log.Info().Str("url", url).Msg("Window requested")
	return nil
}

func (nopClients) Claim(ctx context.Context) error { return nil }
