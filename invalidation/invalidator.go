package invalidation

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

// Invalidator tracks entity → cache key dependency edges and cascades
// invalidation through them. Edges are additive metadata: a deleted cache
// entry keeps its edges, which at worst causes a redundant invalidation
// attempt later.
type Invalidator struct {
	cache   types.TieredCache
	logger  types.Logger
	metrics types.MetricsManager
	edges   map[string]map[string]struct{}
	mu      sync.RWMutex
}

func NewInvalidator(cache types.TieredCache, logger types.Logger, metrics types.MetricsManager) *Invalidator {
	return &Invalidator{
		cache:   cache,
		logger:  logger,
		metrics: metrics,
		edges:   make(map[string]map[string]struct{}),
	}
}

// RegisterDependency records that cacheKey is derived from entityKey.
// Re-registering the same pair is a no-op.
func (inv *Invalidator) RegisterDependency(entityKey, cacheKey string) {
	if entityKey == "" || cacheKey == "" {
		return
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	dependents, exists := inv.edges[entityKey]
	if !exists {
		dependents = make(map[string]struct{})
		inv.edges[entityKey] = dependents
	}

	dependents[cacheKey] = struct{}{}
}

// Invalidate computes the transitive closure of cache keys depending on the
// entity and purges them from every tier in one call, the entity's own cache
// entry included. Cache keys that are themselves registered as
// pseudo-entities (composite resources) cascade further; a visited set
// guards against cycles. Returns the purged keys.
func (inv *Invalidator) Invalidate(ctx context.Context, entityKey string) ([]string, error) {
	if entityKey == "" {
		return nil, types.ErrCacheKeyEmpty
	}

	affected := inv.collect(entityKey)

	if err := inv.cache.Invalidate(ctx, affected...); err != nil {
		return affected, types.WrapError(err, "cascade invalidation failed")
	}

	inv.logger.Debug("Cascade invalidation completed",
		zap.String("entity", entityKey),
		zap.Int("affected_keys", len(affected)))

	if inv.metrics != nil {
		inv.metrics.Counter("invalidation_cascades_total", nil).Inc()
		inv.metrics.Counter("invalidated_keys_total", nil).Add(float64(len(affected)))
	}

	return affected, nil
}

// collect walks the dependency graph breadth-first from the entity. The
// entity's own key is always part of the result; purging it is a no-op when
// no entry exists under that key.
func (inv *Invalidator) collect(entityKey string) []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	visited := map[string]struct{}{entityKey: {}}
	collected := map[string]struct{}{entityKey: {}}
	frontier := []string{entityKey}

	for len(frontier) > 0 {
		var next []string

		for _, entity := range frontier {
			for cacheKey := range inv.edges[entity] {
				if _, seen := visited[cacheKey]; seen {
					continue
				}
				visited[cacheKey] = struct{}{}
				collected[cacheKey] = struct{}{}

				// A collected key acting as a pseudo-entity cascades on.
				if _, isEntity := inv.edges[cacheKey]; isEntity {
					next = append(next, cacheKey)
				}
			}
		}

		frontier = next
	}

	keys := make([]string, 0, len(collected))
	for key := range collected {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return keys
}

// Dependents returns the direct dependents of an entity, for observability.
func (inv *Invalidator) Dependents(entityKey string) []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	dependents := make([]string, 0, len(inv.edges[entityKey]))
	for cacheKey := range inv.edges[entityKey] {
		dependents = append(dependents, cacheKey)
	}
	sort.Strings(dependents)

	return dependents
}
