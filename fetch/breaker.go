package fetch

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

type BreakerState int32

const (
	StateBreakerClosed BreakerState = iota
	StateBreakerOpen
	StateBreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateBreakerClosed:
		return "closed"
	case StateBreakerOpen:
		return "open"
	case StateBreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards the origin against hammering while it is down.
// Closed passes everything through; enough consecutive failures open it;
// after the recovery timeout a limited number of probes may half-open it
// back to closed.
type CircuitBreaker struct {
	config    *types.BreakerConfig
	logger    types.Logger
	state     atomic.Value
	failures  atomic.Int32
	successes atomic.Int32
	lastFail  atomic.Int64
	mutex     sync.Mutex
}

func NewCircuitBreaker(config *types.BreakerConfig, logger types.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{
		config: config,
		logger: logger,
	}

	if config == nil {
		cb.config = &types.BreakerConfig{Enabled: false}
	}

	cb.state.Store(StateBreakerClosed)
	return cb
}

func (cb *CircuitBreaker) CanExecute() bool {
	if !cb.config.Enabled {
		return true
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state.Load().(BreakerState) {
	case StateBreakerClosed:
		return true
	case StateBreakerOpen:
		if time.Since(time.Unix(0, cb.lastFail.Load())) > cb.config.RecoveryTimeout {
			cb.state.Store(StateBreakerHalfOpen)
			cb.successes.Store(0)
			cb.logger.Debug("Circuit breaker half-open, probing origin")
			return true
		}
		return false
	case StateBreakerHalfOpen:
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.config.Enabled {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state.Load().(BreakerState) {
	case StateBreakerClosed:
		cb.failures.Store(0)
	case StateBreakerHalfOpen:
		if cb.successes.Add(1) >= int32(cb.config.HalfOpenRequests) {
			cb.state.Store(StateBreakerClosed)
			cb.failures.Store(0)
			cb.logger.Info("Circuit breaker closed, origin recovered")
		}
	case StateBreakerOpen:
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	if !cb.config.Enabled {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.lastFail.Store(time.Now().UnixNano())

	switch cb.state.Load().(BreakerState) {
	case StateBreakerClosed:
		if cb.failures.Add(1) >= int32(cb.config.FailureThreshold) {
			cb.state.Store(StateBreakerOpen)
			cb.logger.Warn("Circuit breaker opened",
				zap.Int32("failures", cb.failures.Load()),
				zap.Duration("recovery_timeout", cb.config.RecoveryTimeout))
		}
	case StateBreakerHalfOpen:
		cb.state.Store(StateBreakerOpen)
		cb.logger.Warn("Circuit breaker re-opened after failed probe")
	case StateBreakerOpen:
	}
}

func (cb *CircuitBreaker) State() BreakerState {
	return cb.state.Load().(BreakerState)
}
