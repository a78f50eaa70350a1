package types

import (
	"context"
)

// Store is the durable key/value capability backing the memory tier. Any
// medium satisfying these four operations is acceptable.
type Store interface {
	Get(ctx context.Context, key string) (*CacheEntry, error)
	Put(ctx context.Context, key string, entry *CacheEntry) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

type StoreCreator func(config interface{}) (Store, error)
