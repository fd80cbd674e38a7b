// Package strategy implements the three caching policies of the offline cache:
// stale-while-revalidate, network-first and cache-first.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/swcache/cachestatus"
	"github.com/always-cache/swcache/metrics"
	cachekey "github.com/always-cache/swcache/pkg/cache-key"
	"github.com/always-cache/swcache/pkg/record"
	"github.com/always-cache/swcache/storage"

	"github.com/rs/zerolog"
)

// Fetcher performs the network leg of a strategy.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, r *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	return f(ctx, r)
}

// Broadcaster posts a message to every open client.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg any) error
}

// ErrNoCachedResponse is returned along with the network error when the network
// failed and there was no cached response to fall back to.
var ErrNoCachedResponse = errors.New("no cached response")

const MessageContentUpdated = "CONTENT_UPDATED"

// ContentUpdated tells open pages that a cached page changed underneath them.
type ContentUpdated struct {
	Type string `json:"type"`
	URL  string `json:"url"`
	// Unix milliseconds
	Timestamp int64 `json:"timestamp"`
}

const (
	NameStaleWhileRevalidate = "stale-while-revalidate"
	NameNetworkFirst         = "network-first"
	NameCacheFirst           = "cache-first"
)

// Result is the response of a strategy along with how it was produced.
type Result struct {
	Response *http.Response
	Status   cachestatus.CacheStatus
}

type Config struct {
	Storage   storage.CacheStorage
	CacheName string
	Fetcher   Fetcher
	// Optional. Change notifications are not sent if nil.
	Broadcaster Broadcaster
	// Used to resolve relative request URLs.
	Origin *url.URL
	// Timeout for each network leg. Zero means no timeout.
	Timeout time.Duration
	// A console logger is used if nil.
	Logger  *zerolog.Logger
	Metrics *metrics.Metrics
	// Clock, time.Now if nil.
	Now func() time.Time
}

type Strategies struct {
	storage     storage.CacheStorage
	cacheName   string
	fetcher     Fetcher
	broadcaster Broadcaster
	origin      *url.URL
	timeout     time.Duration
	log         zerolog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	mutex sync.Mutex
	cache storage.Cache
	// in-flight background revalidations
	background sync.WaitGroup
}

func New(config Config) *Strategies {
	s := &Strategies{
		storage:     config.Storage,
		cacheName:   config.CacheName,
		fetcher:     config.Fetcher,
		broadcaster: config.Broadcaster,
		origin:      config.Origin,
		timeout:     config.Timeout,
		metrics:     config.Metrics,
		now:         config.Now,
	}
	if config.Logger == nil {
		s.log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		s.log = *config.Logger
	}
	s.log = s.log.With().Str("cache", config.CacheName).Logger()
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Wait blocks until all background revalidations have finished.
func (s *Strategies) Wait() {
	s.background.Wait()
}

// StaleWhileRevalidate returns the cached response at once if there is one,
// and refreshes the cache from the network in the background.
// Open clients are told when the refreshed response differs from the cached one.
// Without a cached response the network response is awaited.
func (s *Strategies) StaleWhileRevalidate(ctx context.Context, r *http.Request) (Result, error) {
	key := s.key(r)
	cached, hasCached := s.match(ctx, key)

	// the refresh outlives the request that triggered it
	bgCtx := context.WithoutCancel(ctx)
	bgReq := r.Clone(bgCtx)
	done := make(chan revalidation, 1)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		done <- s.revalidate(bgCtx, bgReq, key, cached, hasCached)
	}()

	if hasCached {
		s.metrics.Strategy.WithLabelValues(NameStaleWhileRevalidate, metrics.OutcomeHit).Inc()
		cs := cachestatus.CacheStatus{Detail: NameStaleWhileRevalidate}
		cs.Hit()
		return Result{Response: cached.Response(r), Status: cs}, nil
	}

	select {
	case rv := <-done:
		if rv.err != nil {
			s.metrics.Strategy.WithLabelValues(NameStaleWhileRevalidate, metrics.OutcomeError).Inc()
			return Result{}, noFallback(rv.err)
		}
		s.metrics.Strategy.WithLabelValues(NameStaleWhileRevalidate, metrics.OutcomeNetwork).Inc()
		cs := cachestatus.CacheStatus{Stored: rv.stored, Detail: NameStaleWhileRevalidate}
		cs.Forward(cachestatus.FwdUriMiss)
		return Result{Response: rv.fresh.Response(r), Status: cs}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type revalidation struct {
	fresh  record.Record
	stored bool
	err    error
}

func (s *Strategies) revalidate(ctx context.Context, r *http.Request, key string, cached record.Record, hasCached bool) revalidation {
	log := s.log.With().Str("key", key).Logger()
	fresh, err := s.fetch(ctx, r)
	if err != nil {
		log.Debug().Err(err).Msg("Background revalidation failed")
		s.metrics.Revalidations.WithLabelValues("error").Inc()
		return revalidation{err: err}
	}
	if !fresh.OK() {
		log.Trace().Int("http-status", fresh.StatusCode).Msg("Non-cacheable revalidation response")
		s.metrics.Revalidations.WithLabelValues("not-ok").Inc()
		return revalidation{fresh: fresh}
	}

	var cachedHeader http.Header
	if hasCached {
		cachedHeader = cached.Header
	}
	changed := Changed(cachedHeader, fresh.Header)
	stored := s.put(ctx, key, fresh)
	s.metrics.Revalidations.WithLabelValues("ok").Inc()

	if changed {
		s.notifyChanged(ctx, cachekey.AbsoluteURL(r, s.origin))
	}
	return revalidation{fresh: fresh, stored: stored}
}

func (s *Strategies) notifyChanged(ctx context.Context, u *url.URL) {
	if s.broadcaster == nil {
		return
	}
	msg := ContentUpdated{
		Type:      MessageContentUpdated,
		URL:       u.String(),
		Timestamp: s.now().UnixMilli(),
	}
	s.log.Debug().Str("url", msg.URL).Msg("Content updated, notifying clients")
	if err := s.broadcaster.Broadcast(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("url", msg.URL).Msg("Could not notify clients")
		return
	}
	s.metrics.ContentUpdated.Inc()
}

// Changed reports whether a fresh response differs from the cached one.
// ETags are compared if both responses carry one, otherwise Content-Lengths if both
// carry one. Without usable validators, or without a cached response (nil header),
// the content is considered unchanged.
func Changed(cached, fresh http.Header) bool {
	if cached == nil {
		return false
	}
	if oldTag, newTag := cached.Get("ETag"), fresh.Get("ETag"); oldTag != "" && newTag != "" {
		return oldTag != newTag
	}
	if oldLen, newLen := cached.Get("Content-Length"), fresh.Get("Content-Length"); oldLen != "" && newLen != "" {
		return oldLen != newLen
	}
	return false
}

// NetworkFirst prefers the network and falls back to the cache only if the network fails.
// Successful responses are stored, except for authentication endpoints.
func (s *Strategies) NetworkFirst(ctx context.Context, r *http.Request) (Result, error) {
	key := s.key(r)
	fresh, err := s.fetch(ctx, r)
	if err != nil {
		if cached, ok := s.match(ctx, key); ok {
			s.log.Debug().Err(err).Str("key", key).Msg("Network failed, serving cached response")
			s.metrics.Strategy.WithLabelValues(NameNetworkFirst, metrics.OutcomeFallback).Inc()
			cs := cachestatus.CacheStatus{Detail: NameNetworkFirst}
			cs.Hit()
			return Result{Response: cached.Response(r), Status: cs}, nil
		}
		s.metrics.Strategy.WithLabelValues(NameNetworkFirst, metrics.OutcomeError).Inc()
		return Result{}, noFallback(err)
	}

	cs := cachestatus.CacheStatus{Detail: NameNetworkFirst}
	cs.Forward(cachestatus.FwdRequest)
	if fresh.OK() && !isAuthURL(cachekey.AbsoluteURL(r, s.origin)) {
		cs.Stored = s.put(ctx, key, fresh)
	}
	s.metrics.Strategy.WithLabelValues(NameNetworkFirst, metrics.OutcomeNetwork).Inc()
	return Result{Response: fresh.Response(r), Status: cs}, nil
}

// isAuthURL reports whether the URL targets an authentication or login endpoint.
// Responses of these are never cached.
func isAuthURL(u *url.URL) bool {
	s := u.String()
	return strings.Contains(s, "/auth/") || strings.Contains(s, "/login")
}

// CacheFirst serves cached responses without contacting the network.
// On a miss the network response is stored if it is ok.
func (s *Strategies) CacheFirst(ctx context.Context, r *http.Request) (Result, error) {
	key := s.key(r)
	if cached, ok := s.match(ctx, key); ok {
		s.metrics.Strategy.WithLabelValues(NameCacheFirst, metrics.OutcomeHit).Inc()
		cs := cachestatus.CacheStatus{Detail: NameCacheFirst}
		cs.Hit()
		return Result{Response: cached.Response(r), Status: cs}, nil
	}

	fresh, err := s.fetch(ctx, r)
	if err != nil {
		s.metrics.Strategy.WithLabelValues(NameCacheFirst, metrics.OutcomeError).Inc()
		return Result{}, noFallback(err)
	}
	cs := cachestatus.CacheStatus{Detail: NameCacheFirst}
	cs.Forward(cachestatus.FwdUriMiss)
	if fresh.OK() {
		cs.Stored = s.put(ctx, key, fresh)
	}
	s.metrics.Strategy.WithLabelValues(NameCacheFirst, metrics.OutcomeNetwork).Inc()
	return Result{Response: fresh.Response(r), Status: cs}, nil
}

// Store fetches the request and stores the response if it is ok.
// It is used for populating the cache ahead of time.
func (s *Strategies) Store(ctx context.Context, r *http.Request) error {
	fresh, err := s.fetch(ctx, r)
	if err != nil {
		return err
	}
	if !fresh.OK() {
		return fmt.Errorf("fetch %s: status %d", r.URL, fresh.StatusCode)
	}
	cache, err := s.openCache(ctx)
	if err != nil {
		return err
	}
	return s.putCache(ctx, cache, s.key(r), fresh)
}

func noFallback(err error) error {
	return fmt.Errorf("%w: %w", ErrNoCachedResponse, err)
}

func (s *Strategies) key(r *http.Request) string {
	return cachekey.FromRequest(r, s.origin)
}

// fetch runs the network leg and reads the whole response.
func (s *Strategies) fetch(ctx context.Context, r *http.Request) (record.Record, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	res, err := s.fetcher.Fetch(ctx, r)
	if err != nil {
		return record.Record{}, fmt.Errorf("fetch %s: %w", r.URL, err)
	}
	rec, err := record.FromResponse(res, s.now())
	if err != nil {
		return record.Record{}, fmt.Errorf("fetch %s: %w", r.URL, err)
	}
	return rec, nil
}

func (s *Strategies) openCache(ctx context.Context) (storage.Cache, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.cache != nil {
		return s.cache, nil
	}
	cache, err := s.storage.Open(ctx, s.cacheName)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", s.cacheName, err)
	}
	s.cache = cache
	return cache, nil
}

// match looks up the cache. Read errors count as a miss.
func (s *Strategies) match(ctx context.Context, key string) (record.Record, bool) {
	cache, err := s.openCache(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Could not open cache")
		return record.Record{}, false
	}
	entry, ok, err := cache.Match(ctx, key)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("Could not read from cache")
		return record.Record{}, false
	}
	if !ok {
		return record.Record{}, false
	}
	rec, err := record.Unmarshal(entry.Bytes)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("Corrupted cache entry")
		return record.Record{}, false
	}
	rec.StoredAt = entry.StoredAt
	return rec, true
}

// put stores a record. Write errors are logged, they never fail the request.
func (s *Strategies) put(ctx context.Context, key string, rec record.Record) bool {
	cache, err := s.openCache(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Could not open cache")
		return false
	}
	if err := s.putCache(ctx, cache, key, rec); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		return false
	}
	return true
}

func (s *Strategies) putCache(ctx context.Context, cache storage.Cache, key string, rec record.Record) error {
	b, err := record.Marshal(rec)
	if err != nil {
		return err
	}
	if err := cache.Put(ctx, storage.Entry{Key: key, StoredAt: rec.StoredAt, Bytes: b}); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.log.Trace().Str("key", key).Time("stored", rec.StoredAt).Msg("Cache write")
	return nil
}
