package cache

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/saiset-co/sai-cache/types"
)

// memoryEntry pairs the immutable cache entry with its access timestamp.
// Entries are shared between concurrent readers, so recency lives in an
// atomic beside the entry instead of a field on it.
type memoryEntry struct {
	entry      *types.CacheEntry
	lastAccess atomic.Int64
}

// MemoryStore is the fastest tier: a fixed-capacity LRU holding cache
// entries with recency metadata. Expired entries read as absent but stay
// resident until capacity reclaims them, so the stale-fallback path can
// still reach them. Eviction here never touches the durable tier.
type MemoryStore struct {
	cache     *lru.Cache[string, *memoryEntry]
	hits      int64
	misses    int64
	evictions int64
}

func NewMemoryStore(maxEntries int) (*MemoryStore, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}

	cache, err := lru.New[string, *memoryEntry](maxEntries)
	if err != nil {
		return nil, err
	}

	return &MemoryStore{cache: cache}, nil
}

// Get returns the entry for key if present and within its hard TTL. Expired
// entries are reported as absent but kept resident for Peek.
func (ms *MemoryStore) Get(key string) (*types.CacheEntry, bool) {
	held, found := ms.cache.Get(key)
	if !found {
		atomic.AddInt64(&ms.misses, 1)
		return nil, false
	}

	now := time.Now()
	if held.entry.Expired(now) {
		atomic.AddInt64(&ms.misses, 1)
		return nil, false
	}

	held.lastAccess.Store(now.UnixNano())
	atomic.AddInt64(&ms.hits, 1)
	return held.entry, true
}

// Peek returns the entry regardless of expiry, without touching recency or
// the hit counters. The serve-stale-on-error path reads expired entries
// through it.
func (ms *MemoryStore) Peek(key string) (*types.CacheEntry, bool) {
	held, found := ms.cache.Peek(key)
	if !found {
		return nil, false
	}
	return held.entry, true
}

func (ms *MemoryStore) Set(entry *types.CacheEntry) bool {
	if entry == nil || entry.Key == "" {
		return false
	}

	held := &memoryEntry{entry: entry}
	held.lastAccess.Store(time.Now().UnixNano())

	// Only capacity evictions count; explicit Delete and Clear do not.
	if evicted := ms.cache.Add(entry.Key, held); evicted {
		atomic.AddInt64(&ms.evictions, 1)
	}
	return true
}

func (ms *MemoryStore) Delete(key string) {
	ms.cache.Remove(key)
}

func (ms *MemoryStore) Len() int {
	return ms.cache.Len()
}

func (ms *MemoryStore) Clear() {
	ms.cache.Purge()
}

func (ms *MemoryStore) Metrics() types.EntryStoreMetrics {
	return types.EntryStoreMetrics{
		Hits:      atomic.LoadInt64(&ms.hits),
		Misses:    atomic.LoadInt64(&ms.misses),
		Evictions: atomic.LoadInt64(&ms.evictions),
		Size:      int64(ms.cache.Len()),
	}
}
