package storage

import (
	"context"
	"sort"
	"sync"

	gocache "github.com/patrickmn/go-cache"
)

type MemStorage struct {
	mutex  *sync.RWMutex
	caches map[string]*MemCache
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:  &sync.RWMutex{},
		caches: make(map[string]*MemCache),
	}
}

func (m *MemStorage) Open(ctx context.Context, name string) (Cache, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	c, ok := m.caches[name]
	if !ok {
		c = &MemCache{db: gocache.New(gocache.NoExpiration, 0)}
		m.caches[name] = c
	}
	return c, nil
}

func (m *MemStorage) Has(ctx context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.caches[name]
	return ok, nil
}

func (m *MemStorage) Delete(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	c, ok := m.caches[name]
	if !ok {
		return false, nil
	}
	c.db.Flush()
	delete(m.caches, name)
	return true, nil
}

func (m *MemStorage) Keys(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.caches))
	for name := range m.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// MemCache keeps entries in a go-cache instance without expiration.
type MemCache struct {
	db *gocache.Cache
}

func (m *MemCache) Match(ctx context.Context, key string) (Entry, bool, error) {
	val, ok := m.db.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	return val.(Entry), true, nil
}

func (m *MemCache) Put(ctx context.Context, entry Entry) error {
	m.db.Set(entry.Key, entry, gocache.NoExpiration)
	return nil
}

func (m *MemCache) Keys(ctx context.Context) ([]string, error) {
	items := m.db.Items()
	keys := make([]string, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
