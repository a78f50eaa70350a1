package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrCacheKeyEmpty        = errors.New("cache key empty")
	ErrCacheKeyInvalid      = errors.New("cache key invalid")
	ErrCacheClosed          = errors.New("cache is closed")
	ErrCacheOperationFailed = errors.New("cache operation failed")
)

var (
	ErrStoreTypeUnknown      = errors.New("store type unknown")
	ErrStoreConnectionFailed = errors.New("store connection failed")
	ErrStoreKeyNotFound      = errors.New("store key not found")
	ErrStoreClosed           = errors.New("store is closed")
)

var (
	ErrFetchTransient = errors.New("fetch transient failure")
	ErrFetchExhausted = errors.New("fetch retries exhausted")
	ErrFetchTimeout   = errors.New("fetch timeout")
	ErrCircuitOpen    = errors.New("circuit breaker open")
	ErrFetcherIsNil   = errors.New("fetcher is nil")
)

var (
	ErrTransportClosed    = errors.New("transport closed")
	ErrTransportExhausted = errors.New("transport reconnect attempts exhausted")
	ErrTransportNotReady  = errors.New("transport not connected")
	ErrSubscribeFailed    = errors.New("subscribe failed")
)

var (
	ErrQueueOverflow           = errors.New("offline queue overflow")
	ErrQueueEmpty              = errors.New("offline queue empty")
	ErrWritePermanentFailure   = errors.New("queued write permanently failed")
	ErrQueueOperationIsNil     = errors.New("queued operation is nil")
	ErrQueueSenderIsNil        = errors.New("queue sender is nil")
	ErrQueueFlushInProgress    = errors.New("queue flush already in progress")
	ErrRollbackVersionConflict = errors.New("rollback superseded by newer write")
)

var (
	ErrAlreadyRunning = errors.New("component already running")
	ErrNotRunning     = errors.New("component not running")
	ErrInvalidState   = errors.New("invalid state")
)

var (
	ErrMetricsConfigInvalid = errors.New("metrics config invalid")
	ErrMetricsNotRunning    = errors.New("metrics manager not running")
	ErrLoggerTypeUnknown    = errors.New("logger type unknown")
)

func NewError(message string) error {
	return errors.New(message)
}

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
