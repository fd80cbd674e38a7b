package storage

import (
	"context"
	"time"
)

// CacheStorage holds named caches, like the browser's CacheStorage.
//
// Implementations must be thread-safe!
type CacheStorage interface {
	// Open returns the cache with the given name, creating it if needed.
	Open(ctx context.Context, name string) (Cache, error)
	// Has checks if a cache with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the named cache and all of its entries.
	// It returns false if there was no such cache.
	Delete(ctx context.Context, name string) (bool, error)
	// Keys returns the names of all caches.
	Keys(ctx context.Context) ([]string, error)
}

// Cache is a single named store of serialized responses.
// Entries never expire, they are only overwritten or removed with the whole cache.
type Cache interface {
	// Match returns the entry stored for key.
	// The boolean is false if there is no such entry.
	Match(ctx context.Context, key string) (Entry, bool, error)
	// Put stores the entry, replacing any previous entry with the same key.
	Put(ctx context.Context, entry Entry) error
	// Keys returns the keys of all entries.
	Keys(ctx context.Context) ([]string, error)
}

type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}
