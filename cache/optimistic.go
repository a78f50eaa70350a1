package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

// OptimisticLedger tracks mutations applied locally before the origin
// confirms them. Each update snapshots the previous entry so a failed
// mutation can roll back, guarded by a version check so a rollback never
// clobbers a newer legitimate write.
type OptimisticLedger struct {
	cache   *TieredCache
	logger  types.Logger
	pending map[string]*types.OptimisticUpdate
	mu      sync.Mutex
}

func NewOptimisticLedger(cache *TieredCache, logger types.Logger) *OptimisticLedger {
	return &OptimisticLedger{
		cache:   cache,
		logger:  logger,
		pending: make(map[string]*types.OptimisticUpdate),
	}
}

// Apply writes the value through the cache immediately and records the
// previous state for rollback. A second optimistic update for the same key
// replaces the pending record but keeps the original snapshot, so rolling
// back restores the state before the first optimistic write.
func (ol *OptimisticLedger) Apply(ctx context.Context, key string, value []byte, ttl, staleWindow time.Duration) (*types.OptimisticUpdate, error) {
	ol.mu.Lock()
	defer ol.mu.Unlock()

	var previous *types.CacheEntry
	if existing, found := ol.cache.memory.Get(key); found {
		previous = existing.Clone()
	}

	if err := ol.cache.Set(ctx, key, value, ttl, staleWindow); err != nil {
		return nil, err
	}

	update := &types.OptimisticUpdate{
		Key:            key,
		Previous:       previous,
		AppliedVersion: ol.cache.Version(key),
		Status:         types.UpdatePending,
		AppliedAt:      time.Now(),
	}

	if earlier, exists := ol.pending[key]; exists && earlier.Status == types.UpdatePending {
		update.Previous = earlier.Previous
	}

	ol.pending[key] = update
	return update, nil
}

// Commit marks the update confirmed and discards its snapshot.
func (ol *OptimisticLedger) Commit(key string) {
	ol.mu.Lock()
	defer ol.mu.Unlock()

	update, exists := ol.pending[key]
	if !exists || update.Status != types.UpdatePending {
		return
	}

	update.Status = types.UpdateCommitted
	update.Previous = nil
	delete(ol.pending, key)
}

// Rollback restores the snapshot taken at Apply time, but only if no newer
// write has superseded the optimistic one. A version mismatch means a later
// legitimate update owns the key now; restoring the old snapshot would lose
// it.
func (ol *OptimisticLedger) Rollback(ctx context.Context, key string) error {
	ol.mu.Lock()
	defer ol.mu.Unlock()

	update, exists := ol.pending[key]
	if !exists || update.Status != types.UpdatePending {
		return nil
	}

	update.Status = types.UpdateRolledBack
	delete(ol.pending, key)

	if ol.cache.Version(key) != update.AppliedVersion {
		ol.logger.Debug("Rollback skipped, key superseded by newer write",
			zap.String("key", key),
			zap.Uint64("applied_version", update.AppliedVersion),
			zap.Uint64("current_version", ol.cache.Version(key)))
		return types.ErrRollbackVersionConflict
	}

	if update.Previous == nil {
		return ol.cache.Delete(ctx, key)
	}

	remaining := time.Until(update.Previous.ExpiresAt)
	if remaining <= 0 {
		// Snapshot already expired, nothing worth restoring.
		return ol.cache.Delete(ctx, key)
	}

	var staleWindow time.Duration
	if !update.Previous.StaleAt.IsZero() {
		staleWindow = time.Until(update.Previous.StaleAt)
		if staleWindow < 0 {
			staleWindow = 0
		}
	}

	return ol.cache.Set(ctx, key, update.Previous.Value, remaining, staleWindow)
}

// Pending returns the update currently tracked for key, if any.
func (ol *OptimisticLedger) Pending(key string) (*types.OptimisticUpdate, bool) {
	ol.mu.Lock()
	defer ol.mu.Unlock()

	update, exists := ol.pending[key]
	return update, exists
}
