package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-cache/types"
)

func newEntry(key string, value []byte, ttl time.Duration) *types.CacheEntry {
	now := time.Now()
	return &types.CacheEntry{
		Key:            key,
		Value:          value,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(ttl),
		Version:        1,
	}
}

func TestMemoryStoreSetGet(t *testing.T) {
	ms, err := NewMemoryStore(10)
	require.NoError(t, err)

	ms.Set(newEntry("user:1", []byte("alice"), time.Minute))

	entry, found := ms.Get("user:1")
	require.True(t, found)
	assert.Equal(t, []byte("alice"), entry.Value)

	_, found = ms.Get("user:2")
	assert.False(t, found)
}

func TestMemoryStoreLRUEviction(t *testing.T) {
	ms, err := NewMemoryStore(3)
	require.NoError(t, err)

	ms.Set(newEntry("k:1", []byte("1"), time.Minute))
	ms.Set(newEntry("k:2", []byte("2"), time.Minute))
	ms.Set(newEntry("k:3", []byte("3"), time.Minute))

	// Touch k:1 so k:2 becomes the least recently used.
	_, found := ms.Get("k:1")
	require.True(t, found)

	ms.Set(newEntry("k:4", []byte("4"), time.Minute))

	_, found = ms.Get("k:2")
	assert.False(t, found, "least recently used entry should be evicted")

	_, found = ms.Get("k:1")
	assert.True(t, found)
	_, found = ms.Get("k:4")
	assert.True(t, found)

	assert.Equal(t, int64(1), ms.Metrics().Evictions)
}

func TestMemoryStoreLazyExpiry(t *testing.T) {
	ms, err := NewMemoryStore(10)
	require.NoError(t, err)

	ms.Set(newEntry("k:1", []byte("1"), -time.Second))

	_, found := ms.Get("k:1")
	assert.False(t, found, "expired entry should read as absent")

	// The expired entry stays resident so Peek can still reach it.
	entry, found := ms.Peek("k:1")
	require.True(t, found)
	assert.Equal(t, []byte("1"), entry.Value)
}

func TestMemoryStoreConcurrentGets(t *testing.T) {
	ms, err := NewMemoryStore(10)
	require.NoError(t, err)

	ms.Set(newEntry("user:1", []byte("alice"), time.Minute))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				entry, found := ms.Get("user:1")
				if assert.True(t, found) {
					_ = entry.Clone()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(8000), ms.Metrics().Hits)
}

func TestMemoryStoreDeleteAndClear(t *testing.T) {
	ms, err := NewMemoryStore(10)
	require.NoError(t, err)

	ms.Set(newEntry("k:1", []byte("1"), time.Minute))
	ms.Set(newEntry("k:2", []byte("2"), time.Minute))

	ms.Delete("k:1")
	_, found := ms.Get("k:1")
	assert.False(t, found)

	ms.Clear()
	assert.Equal(t, 0, ms.Len())
}

func TestMemoryStoreCountsOnlyCapacityEvictions(t *testing.T) {
	ms, err := NewMemoryStore(2)
	require.NoError(t, err)

	ms.Set(newEntry("k:1", []byte("1"), time.Minute))
	ms.Set(newEntry("k:2", []byte("2"), time.Minute))

	ms.Delete("k:1")
	ms.Clear()
	assert.Equal(t, int64(0), ms.Metrics().Evictions, "explicit removal is not an eviction")

	ms.Set(newEntry("k:1", []byte("1"), time.Minute))
	ms.Set(newEntry("k:2", []byte("2"), time.Minute))
	ms.Set(newEntry("k:3", []byte("3"), time.Minute))
	assert.Equal(t, int64(1), ms.Metrics().Evictions)
}

func TestMemoryStoreDefaultsCapacity(t *testing.T) {
	ms, err := NewMemoryStore(0)
	require.NoError(t, err)

	ms.Set(newEntry("k:1", []byte("1"), time.Minute))
	assert.Equal(t, 1, ms.Len())
}
