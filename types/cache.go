package types

import (
	"context"
	"time"
)

type TieredCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl, staleWindow time.Duration) error
	Delete(ctx context.Context, key string) error
	Invalidate(ctx context.Context, keys ...string) error
	Version(key string) uint64
	Stats() CacheStats
	Close() error
}

type EntryStore interface {
	Get(key string) (*CacheEntry, bool)
	// Peek returns the entry even past its hard TTL, without recency side
	// effects.
	Peek(key string) (*CacheEntry, bool)
	Set(entry *CacheEntry) bool
	Delete(key string)
	Len() int
	Clear()
	Metrics() EntryStoreMetrics
}

type CacheEntry struct {
	Key            string    `json:"key"`
	Value          []byte    `json:"value"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	StaleAt        time.Time `json:"stale_at"`
	Version        uint64    `json:"version"`
}

// Expired reports whether the entry must be treated as absent.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Stale reports whether the entry may still be served but should trigger a
// background refresh.
func (e *CacheEntry) Stale(now time.Time) bool {
	return !e.StaleAt.IsZero() && now.After(e.StaleAt)
}

func (e *CacheEntry) Clone() *CacheEntry {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Value = make([]byte, len(e.Value))
	copy(clone.Value, e.Value)
	return &clone
}

type EntryStoreMetrics struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int64
}

type CacheStats struct {
	MemoryHits    int64 `json:"memory_hits"`
	MemoryMisses  int64 `json:"memory_misses"`
	DurableHits   int64 `json:"durable_hits"`
	DurableMisses int64 `json:"durable_misses"`
	FetchCalls    int64 `json:"fetch_calls"`
	FetchErrors   int64 `json:"fetch_errors"`
	Refreshes     int64 `json:"refreshes"`
	Invalidations int64 `json:"invalidations"`
	StaleServed   int64 `json:"stale_served"`
	Discards      int64 `json:"discards"`
}

type UpdateStatus int32

const (
	UpdatePending UpdateStatus = iota
	UpdateCommitted
	UpdateRolledBack
)

func (s UpdateStatus) String() string {
	switch s {
	case UpdatePending:
		return "pending"
	case UpdateCommitted:
		return "committed"
	case UpdateRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

type OptimisticUpdate struct {
	Key            string       `json:"key"`
	Previous       *CacheEntry  `json:"previous,omitempty"`
	AppliedVersion uint64       `json:"applied_version"`
	Status         UpdateStatus `json:"status"`
	AppliedAt      time.Time    `json:"applied_at"`
}
