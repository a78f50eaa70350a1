package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/types"
)

type fakeExecutor struct {
	mu      sync.Mutex
	calls   int64
	results map[string]*types.FetchResult
	err     error
	block   chan struct{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{results: make(map[string]*types.FetchResult)}
}

func (f *fakeExecutor) respond(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[key] = &types.FetchResult{Data: data}
}

func (f *fakeExecutor) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeExecutor) Execute(ctx context.Context, key types.Key) (*types.FetchResult, error) {
	atomic.AddInt64(&f.calls, 1)

	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	result, ok := f.results[key.String()]
	if !ok {
		return nil, types.ErrFetchTransient
	}
	return result, nil
}

func (f *fakeExecutor) callCount() int64 {
	return atomic.LoadInt64(&f.calls)
}

type fakeStore struct {
	mu      sync.Mutex
	entries map[string]*types.CacheEntry
	closed  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]*types.CacheEntry)}
}

func (s *fakeStore) Get(ctx context.Context, key string) (*types.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, types.ErrStoreKeyNotFound
	}
	return entry.Clone(), nil
}

func (s *fakeStore) Put(ctx context.Context, key string, entry *types.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry.Clone()
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *fakeStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.entries {
		if prefix == "" || len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func newTestCache(t *testing.T, executor types.FetchExecutor, durable types.Store, cfg *types.CacheConfig) *TieredCache {
	t.Helper()

	if cfg == nil {
		cfg = &types.CacheConfig{
			MaxEntries: 100,
			DefaultTTL: time.Hour,
		}
	}

	tc, err := NewTieredCache(Options{
		Durable:  durable,
		Executor: executor,
		Logger:   logger.NewNoOpLogger(),
		Config:   cfg,
	})
	require.NoError(t, err)
	return tc
}

func TestTieredCacheMissFetchesThenHits(t *testing.T) {
	executor := newFakeExecutor()
	executor.respond("user:1", []byte("alice"))

	tc := newTestCache(t, executor, nil, nil)
	defer tc.Close()

	value, found, err := tc.Get(context.Background(), "user:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("alice"), value)
	assert.Equal(t, int64(1), executor.callCount())

	value, found, err = tc.Get(context.Background(), "user:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("alice"), value)
	assert.Equal(t, int64(1), executor.callCount(), "second read should hit memory")

	stats := tc.Stats()
	assert.Equal(t, int64(1), stats.MemoryHits)
	assert.Equal(t, int64(1), stats.FetchCalls)
}

func TestTieredCacheCoalescesConcurrentMisses(t *testing.T) {
	executor := newFakeExecutor()
	executor.respond("user:1", []byte("alice"))
	executor.block = make(chan struct{})

	tc := newTestCache(t, executor, nil, nil)
	defer tc.Close()

	const readers = 10
	var wg sync.WaitGroup
	results := make([][]byte, readers)

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			value, _, err := tc.Get(context.Background(), "user:1")
			assert.NoError(t, err)
			results[i] = value
		}(i)
	}

	// Let the goroutines pile up behind the single in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(executor.block)
	wg.Wait()

	assert.Equal(t, int64(1), executor.callCount(), "concurrent misses should share one fetch")
	for _, value := range results {
		assert.Equal(t, []byte("alice"), value)
	}
}

func TestTieredCacheDurablePromotion(t *testing.T) {
	executor := newFakeExecutor()
	durable := newFakeStore()

	now := time.Now()
	require.NoError(t, durable.Put(context.Background(), "user:1", &types.CacheEntry{
		Key:       "user:1",
		Value:     []byte("alice"),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
		Version:   3,
	}))

	tc := newTestCache(t, executor, durable, nil)
	defer tc.Close()

	value, found, err := tc.Get(context.Background(), "user:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("alice"), value)
	assert.Equal(t, int64(0), executor.callCount())
	assert.EqualValues(t, 3, tc.Version("user:1"), "promotion should raise the version floor")

	_, _, err = tc.Get(context.Background(), "user:1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tc.Stats().MemoryHits, "promoted entry should serve from memory")
}

func TestTieredCacheStaleWhileRevalidate(t *testing.T) {
	executor := newFakeExecutor()
	executor.respond("user:1", []byte("v2"))

	tc := newTestCache(t, executor, nil, nil)
	defer tc.Close()

	require.NoError(t, tc.Set(context.Background(), "user:1", []byte("v1"), time.Hour, 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	// A stale read returns the old value immediately.
	value, found, err := tc.Get(context.Background(), "user:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), value)

	// The background refresh replaces it shortly after.
	require.Eventually(t, func() bool {
		value, _, _ := tc.Get(context.Background(), "user:1")
		return string(value) == "v2"
	}, 2*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, tc.Stats().Refreshes, int64(1))
}

func TestTieredCacheDiscardsFetchAfterInvalidation(t *testing.T) {
	executor := newFakeExecutor()
	executor.respond("user:1", []byte("stale-origin"))
	executor.block = make(chan struct{})

	tc := newTestCache(t, executor, nil, nil)
	defer tc.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		value, found, err := tc.Get(context.Background(), "user:1")
		assert.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("stale-origin"), value, "the waiting caller still gets the fetched data")
	}()

	// Invalidate while the fetch is in flight, then release it.
	require.Eventually(t, func() bool {
		return executor.callCount() == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, tc.Invalidate(context.Background(), "user:1"))
	close(executor.block)
	<-done

	_, found := tc.memory.Get("user:1")
	assert.False(t, found, "the superseded fetch result must not be written back")
	assert.Equal(t, int64(1), tc.Stats().Discards)
}

func TestTieredCacheServeStaleOnError(t *testing.T) {
	executor := newFakeExecutor()
	executor.fail(types.ErrFetchTransient)

	durable := newFakeStore()
	now := time.Now()
	require.NoError(t, durable.Put(context.Background(), "user:1", &types.CacheEntry{
		Key:       "user:1",
		Value:     []byte("old"),
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
		Version:   1,
	}))

	cfg := &types.CacheConfig{
		MaxEntries:        100,
		DefaultTTL:        time.Hour,
		ServeStaleOnError: true,
	}

	tc := newTestCache(t, executor, durable, cfg)
	defer tc.Close()

	value, found, err := tc.Get(context.Background(), "user:1")
	require.True(t, found)
	assert.Equal(t, []byte("old"), value)
	assert.True(t, types.IsError(err, ErrServedStale))
	assert.Equal(t, int64(1), tc.Stats().StaleServed)
}

func TestTieredCacheServeStaleFromMemory(t *testing.T) {
	executor := newFakeExecutor()
	executor.fail(types.ErrFetchTransient)

	cfg := &types.CacheConfig{
		MaxEntries:        100,
		DefaultTTL:        time.Hour,
		ServeStaleOnError: true,
	}

	// No durable tier: the expired memory copy alone backs the fallback.
	tc := newTestCache(t, executor, nil, cfg)
	defer tc.Close()

	require.NoError(t, tc.Set(context.Background(), "user:1", []byte("old"), 10*time.Millisecond, 0))
	time.Sleep(20 * time.Millisecond)

	value, found, err := tc.Get(context.Background(), "user:1")
	require.True(t, found)
	assert.Equal(t, []byte("old"), value)
	assert.True(t, types.IsError(err, ErrServedStale))
	assert.Equal(t, int64(1), tc.Stats().StaleServed)
}

func TestTieredCacheInvalidationWinsOverConcurrentWriteBack(t *testing.T) {
	executor := newFakeExecutor()
	executor.respond("user:1", []byte("stale-origin"))
	executor.block = make(chan struct{})

	durable := newFakeStore()
	tc := newTestCache(t, executor, durable, nil)
	defer tc.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		value, found, err := tc.Get(context.Background(), "user:1")
		assert.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("stale-origin"), value)
	}()

	require.Eventually(t, func() bool {
		return executor.callCount() == 1
	}, time.Second, 5*time.Millisecond)

	// Take the key's stripe lock before releasing the fetch, then bump the
	// version while the write-back is parked behind the lock. The write-back
	// must observe the bump and discard, not resurrect the fetched value.
	lock := tc.lockFor("user:1")
	lock.Lock()
	close(executor.block)
	time.Sleep(50 * time.Millisecond)
	tc.nextVersion("user:1")
	tc.memory.Delete("user:1")
	lock.Unlock()
	<-done

	_, found := tc.memory.Get("user:1")
	assert.False(t, found)
	_, err := durable.Get(context.Background(), "user:1")
	assert.True(t, types.IsError(err, types.ErrStoreKeyNotFound), "discarded result must not reach the durable tier")
	assert.Equal(t, int64(1), tc.Stats().Discards)
}

func TestTieredCacheFetchErrorWithoutStaleFallback(t *testing.T) {
	executor := newFakeExecutor()
	executor.fail(types.ErrFetchTransient)

	tc := newTestCache(t, executor, nil, nil)
	defer tc.Close()

	_, found, err := tc.Get(context.Background(), "user:1")
	assert.False(t, found)
	assert.True(t, types.IsError(err, types.ErrFetchTransient))
}

func TestTieredCacheNegativeCaching(t *testing.T) {
	executor := newFakeExecutor()
	executor.fail(types.ErrFetchTransient)

	cfg := &types.CacheConfig{
		MaxEntries:  100,
		DefaultTTL:  time.Hour,
		NegativeTTL: time.Minute,
	}

	tc := newTestCache(t, executor, nil, cfg)
	defer tc.Close()

	_, _, err := tc.Get(context.Background(), "user:1")
	require.Error(t, err)
	require.Equal(t, int64(1), executor.callCount())

	// Within the negative window the absent value is served from memory.
	value, found, err := tc.Get(context.Background(), "user:1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Nil(t, value)
	assert.Equal(t, int64(1), executor.callCount(), "failing origin must not be hammered")
}

func TestTieredCacheSetWritesThrough(t *testing.T) {
	executor := newFakeExecutor()
	durable := newFakeStore()

	tc := newTestCache(t, executor, durable, nil)
	defer tc.Close()

	require.NoError(t, tc.Set(context.Background(), "user:1", []byte("alice"), time.Hour, 0))

	entry, err := durable.Get(context.Background(), "user:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("alice"), entry.Value, "set must be durable before returning")

	value, found, err := tc.Get(context.Background(), "user:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("alice"), value)
}

func TestTieredCacheInvalidateRemovesBothTiers(t *testing.T) {
	executor := newFakeExecutor()
	durable := newFakeStore()

	tc := newTestCache(t, executor, durable, nil)
	defer tc.Close()

	require.NoError(t, tc.Set(context.Background(), "user:1", []byte("alice"), time.Hour, 0))
	versionBefore := tc.Version("user:1")

	require.NoError(t, tc.Invalidate(context.Background(), "user:1"))

	_, found := tc.memory.Get("user:1")
	assert.False(t, found)

	_, err := durable.Get(context.Background(), "user:1")
	assert.True(t, types.IsError(err, types.ErrStoreKeyNotFound))

	assert.Greater(t, tc.Version("user:1"), versionBefore)
}

func TestTieredCacheClose(t *testing.T) {
	executor := newFakeExecutor()
	tc := newTestCache(t, executor, nil, nil)

	require.NoError(t, tc.Close())
	require.NoError(t, tc.Close(), "closing twice is a no-op")

	_, _, err := tc.Get(context.Background(), "user:1")
	assert.True(t, types.IsError(err, types.ErrCacheClosed))

	err = tc.Set(context.Background(), "user:1", []byte("x"), time.Minute, 0)
	assert.True(t, types.IsError(err, types.ErrCacheClosed))
}

func TestTieredCacheEmptyKey(t *testing.T) {
	executor := newFakeExecutor()
	tc := newTestCache(t, executor, nil, nil)
	defer tc.Close()

	_, _, err := tc.Get(context.Background(), "")
	assert.True(t, types.IsError(err, types.ErrCacheKeyEmpty))
}
