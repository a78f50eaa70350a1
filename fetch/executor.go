package fetch

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

// Executor performs origin requests with per-attempt timeout, bounded
// exponential backoff between retries and a circuit breaker in front. The
// host's Fetcher is treated as opaque; retry policy is the executor's own.
type Executor struct {
	fetcher types.Fetcher
	breaker *CircuitBreaker
	logger  types.Logger
	metrics types.MetricsManager
	config  *types.FetchConfig
}

func NewExecutor(fetcher types.Fetcher, logger types.Logger, metrics types.MetricsManager, config *types.FetchConfig) (*Executor, error) {
	if fetcher == nil {
		return nil, types.ErrFetcherIsNil
	}

	if config == nil {
		config = &types.FetchConfig{
			Timeout:    10 * time.Second,
			MaxRetries: 3,
			BackoffMin: 100 * time.Millisecond,
			BackoffMax: 5 * time.Second,
		}
	}

	return &Executor{
		fetcher: fetcher,
		breaker: NewCircuitBreaker(config.Breaker, logger),
		logger:  logger,
		metrics: metrics,
		config:  config,
	}, nil
}

// Execute runs the fetch with retries. Only exhaustion of the retry budget
// surfaces an error; a timeout is a failure, never a cache miss.
func (e *Executor) Execute(ctx context.Context, key types.Key) (*types.FetchResult, error) {
	if !e.breaker.CanExecute() {
		e.recordMetric("rejected")
		return nil, types.Errorf(types.ErrCircuitOpen, "key: %s", key.String())
	}

	var lastErr error

	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.backoffDelay(attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				e.breaker.RecordFailure()
				return nil, types.WrapError(ctx.Err(), "fetch cancelled during backoff")
			}
		}

		result, err := e.attempt(ctx, key)
		if err == nil {
			e.breaker.RecordSuccess()
			e.recordMetric("success")
			return result, nil
		}

		lastErr = err

		// Caller cancellation is not the origin's fault and is not retried.
		if errors.Is(err, context.Canceled) {
			e.breaker.RecordFailure()
			e.recordMetric("cancelled")
			return nil, types.WrapError(err, "fetch cancelled")
		}

		e.logger.Debug("Fetch attempt failed",
			zap.String("key", key.String()),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", e.config.MaxRetries),
			zap.Error(err))
	}

	e.breaker.RecordFailure()
	e.recordMetric("exhausted")

	return nil, types.Errorf(types.ErrFetchExhausted, "key: %s, last error: %v", key.String(), lastErr)
}

func (e *Executor) attempt(ctx context.Context, key types.Key) (*types.FetchResult, error) {
	attemptCtx := ctx
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	result, err := e.fetcher.Fetch(attemptCtx, key)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, types.Errorf(types.ErrFetchTimeout, "key: %s", key.String())
		}
		return nil, types.WrapError(err, types.ErrFetchTransient.Error())
	}
	if result == nil {
		return nil, types.Errorf(types.ErrFetchTransient, "fetcher returned nil result for key %s", key.String())
	}

	return result, nil
}

// backoffDelay grows exponentially from BackoffMin with full jitter of one
// base unit, capped at BackoffMax.
func (e *Executor) backoffDelay(attempt int) time.Duration {
	base := e.config.BackoffMin
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base << uint(attempt)
	if delay > e.config.BackoffMax && e.config.BackoffMax > 0 {
		delay = e.config.BackoffMax
	}

	jitter := time.Duration(rand.Int63n(int64(base)))
	if delay+jitter > e.config.BackoffMax && e.config.BackoffMax > 0 {
		return e.config.BackoffMax
	}

	return delay + jitter
}

// BreakerState exposes the breaker for observability.
func (e *Executor) BreakerState() BreakerState {
	return e.breaker.State()
}

func (e *Executor) recordMetric(result string) {
	if e.metrics == nil {
		return
	}
	e.metrics.Counter("fetch_executions_total", map[string]string{
		"result": result,
	}).Inc()
}
