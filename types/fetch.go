package types

import (
	"context"
	"time"
)

// Fetcher is the origin-fetch capability supplied by the host application.
// The executor treats it as opaque and applies its own retry policy.
type Fetcher interface {
	Fetch(ctx context.Context, key Key) (*FetchResult, error)
}

type FetcherFunc func(ctx context.Context, key Key) (*FetchResult, error)

func (f FetcherFunc) Fetch(ctx context.Context, key Key) (*FetchResult, error) {
	return f(ctx, key)
}

type FetchResult struct {
	Data    []byte        `json:"data"`
	TTLHint time.Duration `json:"ttl_hint,omitempty"`
}

type FetchExecutor interface {
	Execute(ctx context.Context, key Key) (*FetchResult, error)
}
