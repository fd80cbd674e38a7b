package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]CacheStorage {
	t.Helper()
	sqlite, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]CacheStorage{
		"memory": NewMemStorage(),
		"sqlite": sqlite,
	}
}

func TestPutAndMatch(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, err := s.Open(ctx, "crag-v1")
			require.NoError(t, err)

			_, ok, err := c.Match(ctx, "GET https://club.example/")
			require.NoError(t, err)
			assert.False(t, ok)

			storedAt := time.UnixMilli(1700000000000)
			require.NoError(t, c.Put(ctx, Entry{Key: "GET https://club.example/", StoredAt: storedAt, Bytes: []byte("v1")}))
			require.NoError(t, c.Put(ctx, Entry{Key: "GET https://club.example/", StoredAt: storedAt, Bytes: []byte("v2")}))

			entry, ok, err := c.Match(ctx, "GET https://club.example/")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "v2", string(entry.Bytes))
			assert.True(t, entry.StoredAt.Equal(storedAt))

			keys, err := c.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"GET https://club.example/"}, keys)
		})
	}
}

func TestCachesAreSeparate(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			v1, err := s.Open(ctx, "crag-v1")
			require.NoError(t, err)
			v2, err := s.Open(ctx, "crag-v2")
			require.NoError(t, err)

			require.NoError(t, v1.Put(ctx, Entry{Key: "k", Bytes: []byte("old")}))
			_, ok, err := v2.Match(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestDeleteRemovesCacheAndEntries(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, err := s.Open(ctx, "crag-v1")
			require.NoError(t, err)
			require.NoError(t, c.Put(ctx, Entry{Key: "k", Bytes: []byte("old")}))
			_, err = s.Open(ctx, "crag-v2")
			require.NoError(t, err)

			deleted, err := s.Delete(ctx, "crag-v1")
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = s.Delete(ctx, "does-not-exist")
			require.NoError(t, err)
			assert.False(t, deleted)

			names, err := s.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"crag-v2"}, names)

			has, err := s.Has(ctx, "crag-v1")
			require.NoError(t, err)
			assert.False(t, has)

			reopened, err := s.Open(ctx, "crag-v1")
			require.NoError(t, err)
			_, ok, err := reopened.Match(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestConcurrentPutsLastWriteWins(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, err := s.Open(ctx, "crag-v1")
			require.NoError(t, err)

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					assert.NoError(t, c.Put(ctx, Entry{Key: "k", Bytes: []byte(fmt.Sprintf("v%d", i))}))
				}(i)
			}
			wg.Wait()

			entry, ok, err := c.Match(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Regexp(t, `^v\d$`, string(entry.Bytes))
		})
	}
}
