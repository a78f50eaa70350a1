package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/saiset-co/sai-cache/types"
)

// MemoryStore is an in-process Store used for tests and ephemeral setups.
// Entries round-trip through the serializer so it behaves like the durable
// backends.
type MemoryStore struct {
	data       map[string][]byte
	serializer *Serializer
	mu         sync.RWMutex
	closed     bool
}

func NewMemoryStore(serializer *Serializer) *MemoryStore {
	return &MemoryStore{
		data:       make(map[string][]byte),
		serializer: serializer,
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*types.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	data, exists := m.data[key]
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return nil, types.ErrStoreClosed
	}
	if !exists {
		return nil, types.ErrStoreKeyNotFound
	}

	return m.serializer.Decode(data)
}

func (m *MemoryStore) Put(ctx context.Context, key string, entry *types.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := m.serializer.Encode(entry)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return types.ErrStoreClosed
	}

	m.data[key] = data
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return types.ErrStoreClosed
	}

	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, types.ErrStoreClosed
	}

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}

	return keys, nil
}

// Sweep removes entries past their hard TTL. Called by the scheduled
// maintenance job; backends with native expiry do not need it.
func (m *MemoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	keys, err := m.Keys(ctx, "")
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range keys {
		entry, err := m.Get(ctx, key)
		if err != nil {
			continue
		}
		if entry.Expired(now) {
			if err := m.Delete(ctx, key); err == nil {
				removed++
			}
		}
	}

	return removed, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = make(map[string][]byte)
	return nil
}
