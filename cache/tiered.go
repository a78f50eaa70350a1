package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-cache/types"
)

// ErrServedStale marks a value returned past its hard TTL under the
// serve-stale-on-error policy. Callers opting in should treat it as a
// successful read with degraded freshness.
var ErrServedStale = types.NewError("served stale value after fetch failure")

const lockStripes = 64

type Options struct {
	Memory   types.EntryStore
	Durable  types.Store
	Executor types.FetchExecutor
	Logger   types.Logger
	Metrics  types.MetricsManager
	Config   *types.CacheConfig
}

// TieredCache orchestrates lookup across the memory tier, the durable tier
// and the origin, writing results back down on the way up. All mutations to
// the same key serialize behind a striped lock; concurrent misses on the same
// key share one origin call.
type TieredCache struct {
	memory   types.EntryStore
	durable  types.Store
	executor types.FetchExecutor
	logger   types.Logger
	metrics  types.MetricsManager
	config   *types.CacheConfig

	sf         singleflight.Group
	locks      [lockStripes]sync.Mutex
	versions   map[string]uint64
	versionsMu sync.RWMutex
	refreshing sync.Map
	wg         sync.WaitGroup
	closed     int32

	memoryHits    int64
	memoryMisses  int64
	durableHits   int64
	durableMisses int64
	fetchCalls    int64
	fetchErrors   int64
	refreshes     int64
	invalidations int64
	staleServed   int64
	discards      int64
}

func NewTieredCache(opts Options) (*TieredCache, error) {
	if opts.Config == nil {
		opts.Config = &types.CacheConfig{
			MaxEntries: 10000,
			DefaultTTL: time.Hour,
		}
	}
	if opts.Logger == nil {
		return nil, types.Errorf(types.ErrConfigIsNil, "logger is required")
	}
	if opts.Memory == nil {
		memory, err := NewMemoryStore(opts.Config.MaxEntries)
		if err != nil {
			return nil, err
		}
		opts.Memory = memory
	}
	if opts.Executor == nil {
		return nil, types.ErrFetcherIsNil
	}

	return &TieredCache{
		memory:   opts.Memory,
		durable:  opts.Durable,
		executor: opts.Executor,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		config:   opts.Config,
		versions: make(map[string]uint64),
	}, nil
}

// Get looks the key up tier by tier. A fresh memory hit returns immediately;
// a stale one returns too but schedules a non-blocking background refresh. A
// durable hit is promoted into the memory tier. A full miss goes to the
// origin, coalesced so concurrent callers for the same key share one fetch.
func (tc *TieredCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if atomic.LoadInt32(&tc.closed) != 0 {
		return nil, false, types.ErrCacheClosed
	}
	if key == "" {
		return nil, false, types.ErrCacheKeyEmpty
	}

	if entry, found := tc.memory.Get(key); found {
		atomic.AddInt64(&tc.memoryHits, 1)
		tc.recordTier("memory", "hit")

		if entry.Stale(time.Now()) {
			tc.scheduleRefresh(key)
		}
		return entry.Value, true, nil
	}

	atomic.AddInt64(&tc.memoryMisses, 1)
	tc.recordTier("memory", "miss")

	if tc.durable != nil {
		entry, err := tc.durable.Get(ctx, key)
		if err == nil && !entry.Expired(time.Now()) {
			atomic.AddInt64(&tc.durableHits, 1)
			tc.recordTier("durable", "hit")

			tc.memory.Set(entry)
			tc.setVersionFloor(key, entry.Version)

			if entry.Stale(time.Now()) {
				tc.scheduleRefresh(key)
			}
			return entry.Value, true, nil
		}

		atomic.AddInt64(&tc.durableMisses, 1)
		tc.recordTier("durable", "miss")

		if err != nil && !types.IsError(err, types.ErrStoreKeyNotFound) {
			tc.logger.Warn("Durable tier read failed", zap.String("key", key), zap.Error(err))
		}
	}

	return tc.fetchAndFill(ctx, key)
}

// fetchAndFill performs the coalesced origin fetch for a missing key and
// writes the result through both tiers.
func (tc *TieredCache) fetchAndFill(ctx context.Context, key string) ([]byte, bool, error) {
	value, err, _ := tc.sf.Do(key, func() (interface{}, error) {
		parsed, err := types.ParseKey(key)
		if err != nil {
			return nil, err
		}

		versionBefore := tc.Version(key)
		atomic.AddInt64(&tc.fetchCalls, 1)
		tc.recordTier("origin", "fetch")

		result, err := tc.executor.Execute(ctx, parsed)
		if err != nil {
			atomic.AddInt64(&tc.fetchErrors, 1)
			tc.recordTier("origin", "error")
			return nil, err
		}

		// The version re-check and the write-back hold the stripe lock as
		// one step, so an invalidation can only land fully before or fully
		// after them and is never resurrected by the write-back.
		lock := tc.lockFor(key)
		lock.Lock()
		defer lock.Unlock()

		// An invalidation or newer write that landed while the fetch was in
		// flight wins; the stale result is discarded rather than written back.
		if tc.Version(key) != versionBefore {
			atomic.AddInt64(&tc.discards, 1)
			tc.logger.Debug("Discarding stale fetch result", zap.String("key", key))
			return result.Data, nil
		}

		ttl := result.TTLHint
		if ttl <= 0 {
			ttl = tc.config.DefaultTTL
		}

		if err := tc.writeThrough(ctx, key, result.Data, ttl, tc.config.StaleWindow); err != nil {
			tc.logger.Warn("Write-back after fetch failed", zap.String("key", key), zap.Error(err))
		}

		return result.Data, nil
	})

	if err != nil {
		if stale, ok := tc.staleFallback(ctx, key); ok {
			atomic.AddInt64(&tc.staleServed, 1)
			tc.logger.Warn("Serving stale value after fetch failure",
				zap.String("key", key), zap.Error(err))
			return stale, true, ErrServedStale
		}

		if tc.config.NegativeTTL > 0 {
			tc.storeNegative(ctx, key)
		}

		return nil, false, err
	}

	data, _ := value.([]byte)
	return data, true, nil
}

// staleFallback digs an expired entry out of either tier when the caller
// opted into serve-stale-on-error.
func (tc *TieredCache) staleFallback(ctx context.Context, key string) ([]byte, bool) {
	if !tc.config.ServeStaleOnError {
		return nil, false
	}

	// The memory tier keeps expired entries resident, so the fallback works
	// without a durable store. Negative entries hold no value and are skipped.
	if entry, found := tc.memory.Peek(key); found && entry.Value != nil {
		return entry.Value, true
	}

	if tc.durable != nil {
		if entry, err := tc.durable.Get(ctx, key); err == nil && entry.Value != nil {
			return entry.Value, true
		}
	}

	return nil, false
}

// storeNegative caches the absence of a value for a short, explicitly
// configured window so a failing origin is not hammered.
func (tc *TieredCache) storeNegative(ctx context.Context, key string) {
	entry := tc.buildEntry(key, nil, tc.config.NegativeTTL, 0)
	tc.memory.Set(entry)
}

// Set writes to the memory tier immediately; the durable write completes
// before the call returns so the entry is durable-committed.
func (tc *TieredCache) Set(ctx context.Context, key string, value []byte, ttl, staleWindow time.Duration) error {
	if atomic.LoadInt32(&tc.closed) != 0 {
		return types.ErrCacheClosed
	}
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	lock := tc.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	return tc.writeThrough(ctx, key, value, ttl, staleWindow)
}

// writeThrough assumes the caller holds the key's stripe lock.
func (tc *TieredCache) writeThrough(ctx context.Context, key string, value []byte, ttl, staleWindow time.Duration) error {
	entry := tc.buildEntry(key, value, ttl, staleWindow)
	tc.memory.Set(entry)

	if tc.durable != nil {
		if err := tc.durable.Put(ctx, key, entry); err != nil {
			return types.WrapError(err, "durable write failed")
		}
	}

	return nil
}

func (tc *TieredCache) buildEntry(key string, value []byte, ttl, staleWindow time.Duration) *types.CacheEntry {
	now := time.Now()

	if ttl <= 0 {
		ttl = tc.config.DefaultTTL
	}

	entry := &types.CacheEntry{
		Key:            key,
		Value:          value,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(ttl),
		Version:        tc.nextVersion(key),
	}

	// StaleAt never exceeds ExpiresAt.
	if staleWindow > 0 {
		if staleWindow > ttl {
			staleWindow = ttl
		}
		entry.StaleAt = now.Add(staleWindow)
	}

	return entry
}

func (tc *TieredCache) Delete(ctx context.Context, key string) error {
	if atomic.LoadInt32(&tc.closed) != 0 {
		return types.ErrCacheClosed
	}

	lock := tc.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	tc.nextVersion(key)
	tc.memory.Delete(key)

	if tc.durable != nil {
		if err := tc.durable.Delete(ctx, key); err != nil {
			return types.WrapError(err, "durable delete failed")
		}
	}

	return nil
}

// Invalidate removes the keys from both tiers before returning, so a read
// that begins after the call completes can never observe the invalidated
// value. Version bumps make in-flight fetch results for these keys discard
// themselves at write-back.
func (tc *TieredCache) Invalidate(ctx context.Context, keys ...string) error {
	if atomic.LoadInt32(&tc.closed) != 0 {
		return types.ErrCacheClosed
	}

	var firstErr error
	for _, key := range keys {
		lock := tc.lockFor(key)
		lock.Lock()

		tc.nextVersion(key)
		tc.memory.Delete(key)

		if tc.durable != nil {
			if err := tc.durable.Delete(ctx, key); err != nil && firstErr == nil {
				firstErr = types.WrapError(err, "durable invalidation failed")
			}
		}

		lock.Unlock()
		atomic.AddInt64(&tc.invalidations, 1)
	}

	return firstErr
}

// scheduleRefresh starts a background origin fetch for a stale-but-servable
// key. At most one refresh per key runs at a time; the read path never blocks
// on it.
func (tc *TieredCache) scheduleRefresh(key string) {
	if _, loaded := tc.refreshing.LoadOrStore(key, struct{}{}); loaded {
		return
	}

	tc.wg.Add(1)
	go func() {
		defer tc.wg.Done()
		defer tc.refreshing.Delete(key)

		if atomic.LoadInt32(&tc.closed) != 0 {
			return
		}

		parsed, err := types.ParseKey(key)
		if err != nil {
			return
		}

		versionBefore := tc.Version(key)
		atomic.AddInt64(&tc.refreshes, 1)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result, err := tc.executor.Execute(ctx, parsed)
		if err != nil {
			tc.logger.Debug("Background refresh failed", zap.String("key", key), zap.Error(err))
			return
		}

		lock := tc.lockFor(key)
		lock.Lock()
		defer lock.Unlock()

		if tc.Version(key) != versionBefore {
			atomic.AddInt64(&tc.discards, 1)
			return
		}

		ttl := result.TTLHint
		if ttl <= 0 {
			ttl = tc.config.DefaultTTL
		}

		if err := tc.writeThrough(ctx, key, result.Data, ttl, tc.config.StaleWindow); err != nil {
			tc.logger.Warn("Background refresh write failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

// Version returns the current monotonic version for a key. Zero means the
// key has never been written.
func (tc *TieredCache) Version(key string) uint64 {
	tc.versionsMu.RLock()
	defer tc.versionsMu.RUnlock()
	return tc.versions[key]
}

func (tc *TieredCache) nextVersion(key string) uint64 {
	tc.versionsMu.Lock()
	defer tc.versionsMu.Unlock()
	tc.versions[key]++
	return tc.versions[key]
}

// setVersionFloor raises the tracked version to at least the promoted
// entry's version, keeping rollback checks meaningful across restarts.
func (tc *TieredCache) setVersionFloor(key string, version uint64) {
	tc.versionsMu.Lock()
	defer tc.versionsMu.Unlock()
	if tc.versions[key] < version {
		tc.versions[key] = version
	}
}

func (tc *TieredCache) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &tc.locks[h.Sum32()%lockStripes]
}

func (tc *TieredCache) Stats() types.CacheStats {
	return types.CacheStats{
		MemoryHits:    atomic.LoadInt64(&tc.memoryHits),
		MemoryMisses:  atomic.LoadInt64(&tc.memoryMisses),
		DurableHits:   atomic.LoadInt64(&tc.durableHits),
		DurableMisses: atomic.LoadInt64(&tc.durableMisses),
		FetchCalls:    atomic.LoadInt64(&tc.fetchCalls),
		FetchErrors:   atomic.LoadInt64(&tc.fetchErrors),
		Refreshes:     atomic.LoadInt64(&tc.refreshes),
		Invalidations: atomic.LoadInt64(&tc.invalidations),
		StaleServed:   atomic.LoadInt64(&tc.staleServed),
		Discards:      atomic.LoadInt64(&tc.discards),
	}
}

func (tc *TieredCache) recordTier(tier, result string) {
	if tc.metrics == nil {
		return
	}
	tc.metrics.Counter("cache_tier_operations_total", map[string]string{
		"tier":   tier,
		"result": result,
	}).Inc()
}

// Close waits for in-flight background refreshes before releasing the tiers.
func (tc *TieredCache) Close() error {
	if !atomic.CompareAndSwapInt32(&tc.closed, 0, 1) {
		return nil
	}

	tc.wg.Wait()
	tc.memory.Clear()

	if tc.durable != nil {
		return tc.durable.Close()
	}
	return nil
}
