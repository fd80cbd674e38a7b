package main

import (
	"encoding/json"
	"io"
	"net/http"

	swcache "github.com/always-cache/swcache"
	"github.com/always-cache/swcache/clients"
	cachekey "github.com/always-cache/swcache/pkg/cache-key"
	"github.com/always-cache/swcache/push"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// maximum size of push and message bodies
const maxBodyBytes = 64 << 10

type cacheListing struct {
	Name    string         `json:"name"`
	Current bool           `json:"current"`
	Entries []entryListing `json:"entries"`
}

type entryListing struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// newRouter mounts the control endpoints under /sw/ and hands everything else to the worker.
func newRouter(worker *swcache.Worker, hub *clients.Hub, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Get("/sw/clients", hub.ServeHTTP)

	r.Post("/sw/push", func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		payload, err := worker.Dispatch(r.Context(), swcache.Event{Kind: swcache.EventPush, Data: data})
		if err != nil {
			log.Error().Err(err).Msg("Push failed")
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	})

	r.Post("/sw/notificationclick", func(w http.ResponseWriter, r *http.Request) {
		var payload push.Payload
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		outcome, err := worker.Dispatch(r.Context(), swcache.Event{
			Kind:         swcache.EventNotificationClick,
			Notification: push.Notification{Payload: payload},
		})
		if err != nil {
			log.Error().Err(err).Msg("Notification click failed")
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, outcome)
	})

	r.Post("/sw/message", func(w http.ResponseWriter, r *http.Request) {
		var msg swcache.Message
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, err := worker.Dispatch(r.Context(), swcache.Event{Kind: swcache.EventMessage, Message: msg}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": string(worker.State())})
	})

	r.Get("/sw/caches", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		store := worker.Storage()
		names, err := store.Keys(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		listings := make([]cacheListing, 0, len(names))
		for _, name := range names {
			cache, err := store.Open(ctx, name)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			keys, err := cache.Keys(ctx)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			listing := cacheListing{Name: name, Current: name == worker.CacheName(), Entries: []entryListing{}}
			for _, key := range keys {
				method, u, err := cachekey.Parse(key)
				if err != nil {
					log.Warn().Err(err).Str("key", key).Msg("Skipping malformed key")
					continue
				}
				listing.Entries = append(listing.Entries, entryListing{Method: method, URL: u.String()})
			}
			listings = append(listings, listing)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"state":  worker.State(),
			"caches": listings,
		})
	})

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Handle("/*", worker)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Could not write response")
	}
}
