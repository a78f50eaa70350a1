package types

import (
	"context"
	"time"
)

type Operation struct {
	Method  string `json:"method"`
	Key     string `json:"key"`
	Payload []byte `json:"payload,omitempty"`
}

type QueuedRequest struct {
	ID         string    `json:"id"`
	Operation  Operation `json:"operation"`
	CreatedAt  time.Time `json:"created_at"`
	RetryCount int       `json:"retry_count"`
}

// OverflowPolicy decides what happens when the queue is full.
type OverflowPolicy string

const (
	// OverflowDropOldest drops the oldest queued request with a warning.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowReject refuses the new request so the caller can apply
	// backpressure.
	OverflowReject OverflowPolicy = "reject"
)

// Sender replays a queued operation against the origin.
type Sender func(ctx context.Context, op Operation) error

// ResultHandler receives the terminal outcome of a queued request: nil on
// success, ErrWritePermanentFailure-wrapped error past the retry cap.
type ResultHandler func(req *QueuedRequest, err error)

type OfflineQueue interface {
	Enqueue(op Operation, onResult ResultHandler) (string, error)
	Flush(ctx context.Context, sender Sender) error
	Peek() (*QueuedRequest, bool)
	Depth() int
	// Contains reports whether any queued request targets the key. Writers
	// use it to keep new writes behind queued ones for the same key.
	Contains(key string) bool
}
