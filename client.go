package saiCache

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/cache"
	"github.com/saiset-co/sai-cache/config"
	"github.com/saiset-co/sai-cache/fetch"
	"github.com/saiset-co/sai-cache/invalidation"
	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/metrics"
	"github.com/saiset-co/sai-cache/queue"
	"github.com/saiset-co/sai-cache/realtime"
	"github.com/saiset-co/sai-cache/store"
	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

// ErrServedStale is returned by Read alongside a value that outlived its
// hard TTL under the serve-stale-on-error policy.
var ErrServedStale = cache.ErrServedStale

// Client ties the cache tiers, the origin fetch path, dependency
// invalidation, the realtime sync channel and the offline queue into one
// façade. Construct it with NewClient, then Start it before use.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	config  *types.ClientConfig
	logger  types.Logger
	metrics types.MetricsManager

	cache       *cache.TieredCache
	ledger      *cache.OptimisticLedger
	durable     types.Store
	invalidator *invalidation.Invalidator
	channel     types.SyncChannel
	offline     types.OfflineQueue

	metricsServer *metrics.Server
	running       int32
}

type Option func(*options)

type options struct {
	logger    types.Logger
	transport types.Transport
	store     types.Store
	sync      types.SyncChannel
}

// WithLogger replaces the logger built from the configuration.
func WithLogger(l types.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTransport replaces the websocket transport of the sync channel, which
// tests use to drive the channel without a server.
func WithTransport(t types.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithStore replaces the durable store built from the configuration.
func WithStore(s types.Store) Option {
	return func(o *options) { o.store = s }
}

// WithSyncChannel replaces the entire sync channel implementation.
func WithSyncChannel(ch types.SyncChannel) Option {
	return func(o *options) { o.sync = ch }
}

// NewClientFromFile loads and validates a yaml configuration file and builds
// a client around it.
func NewClientFromFile(ctx context.Context, configPath string, fetcher types.Fetcher, opts ...Option) (*Client, error) {
	cfg, err := config.NewLoader().LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}

	return NewClient(ctx, cfg, fetcher, opts...)
}

func NewClient(ctx context.Context, cfg *types.ClientConfig, fetcher types.Fetcher, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, types.ErrConfigIsNil
	}
	if fetcher == nil {
		return nil, types.ErrFetcherIsNil
	}

	cfg = config.NewLoader().ApplyDefaults(cfg)

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	log := o.logger
	if log == nil {
		var err error
		log, err = logger.NewDefaultLogger(cfg.Logger)
		if err != nil {
			return nil, types.WrapError(err, "failed to build logger")
		}
	}

	clientCtx, cancel := context.WithCancel(ctx)

	client := &Client{
		ctx:    clientCtx,
		cancel: cancel,
		config: cfg,
		logger: log,
	}

	if err := client.build(fetcher, &o); err != nil {
		cancel()
		return nil, err
	}

	return client, nil
}

func (c *Client) build(fetcher types.Fetcher, o *options) error {
	if c.config.Metrics != nil && c.config.Metrics.Enabled {
		manager, err := metrics.NewPrometheusMetrics(c.logger)
		if err != nil {
			return err
		}
		c.metrics = manager
		c.metricsServer = metrics.NewServer(c.logger, manager, c.config.Metrics.Address)
	}

	c.durable = o.store
	if c.durable == nil && c.config.Store != nil && c.config.Store.Enabled {
		durable, err := store.NewStore(c.logger, c.metrics, c.config.Store)
		if err != nil {
			return err
		}
		c.durable = durable
	}

	executor, err := fetch.NewExecutor(fetcher, c.logger, c.metrics, c.config.Fetch)
	if err != nil {
		return err
	}

	tiered, err := cache.NewTieredCache(cache.Options{
		Durable:  c.durable,
		Executor: executor,
		Logger:   c.logger,
		Metrics:  c.metrics,
		Config:   c.config.Cache,
	})
	if err != nil {
		return err
	}
	c.cache = tiered
	c.ledger = cache.NewOptimisticLedger(tiered, c.logger)
	c.invalidator = invalidation.NewInvalidator(tiered, c.logger, c.metrics)
	c.offline = queue.NewOfflineQueue(c.logger, c.metrics, c.config.Queue)

	c.channel = o.sync
	if c.channel == nil && c.config.Sync != nil && c.config.Sync.Enabled {
		channel, err := realtime.NewChannel(c.ctx, c.logger, c.metrics, c.config.Sync, o.transport)
		if err != nil {
			return err
		}
		c.channel = channel
	}

	if c.channel != nil {
		c.channel.OnChange(c.applyRemoteChange)
		c.channel.OnStateChange(c.onConnectionState)
	}

	return nil
}

func (c *Client) Start() error {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return types.ErrAlreadyRunning
	}

	if c.metrics != nil {
		if err := c.metrics.Start(); err != nil && !types.IsError(err, types.ErrAlreadyRunning) {
			atomic.StoreInt32(&c.running, 0)
			return types.WrapError(err, "failed to start metrics manager")
		}
	}

	if c.metricsServer != nil {
		if err := c.metricsServer.Start(); err != nil {
			atomic.StoreInt32(&c.running, 0)
			return types.WrapError(err, "failed to start metrics server")
		}
	}

	if c.channel != nil {
		if err := c.channel.Start(); err != nil {
			// The cache keeps working from local tiers; the channel retries
			// on its own once the first connect goes through.
			c.logger.Warn("Sync channel failed to start, continuing offline", zap.Error(err))
		}
	}

	c.logger.Info("Cache client started", zap.String("name", c.config.Name))
	return nil
}

func (c *Client) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.running, 1, 0) {
		return types.ErrNotRunning
	}

	c.cancel()

	if c.channel != nil && c.channel.IsRunning() {
		if err := c.channel.Stop(); err != nil {
			c.logger.Warn("Sync channel stop failed", zap.Error(err))
		}
	}

	if c.metricsServer != nil {
		if err := c.metricsServer.Stop(); err != nil {
			c.logger.Warn("Metrics server stop failed", zap.Error(err))
		}
	}

	if c.metrics != nil {
		if err := c.metrics.Stop(); err != nil && !types.IsError(err, types.ErrNotRunning) {
			c.logger.Warn("Metrics manager stop failed", zap.Error(err))
		}
	}

	// The cache owns the durable tier and closes it too.
	if err := c.cache.Close(); err != nil {
		c.logger.Warn("Cache close failed", zap.Error(err))
	}

	c.logger.Info("Cache client stopped", zap.String("name", c.config.Name))
	return nil
}

func (c *Client) IsRunning() bool {
	return atomic.LoadInt32(&c.running) == 1
}

// Read resolves a key through the cache tiers, falling back to the origin
// fetcher on a full miss. A value served past its hard TTL is flagged with
// ErrServedStale.
func (c *Client) Read(ctx context.Context, key types.Key) ([]byte, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	return c.cache.Get(ctx, key.String())
}

// Write applies the value locally right away, then propagates it. While the
// sync channel is connected the change event goes out immediately, unless an
// older write for the same key is still queued: then the new write queues
// behind it so the origin never observes them out of order. Otherwise the
// write is parked in the offline queue and replayed on reconnect. The local
// value is rolled back only if propagation fails permanently and no newer
// write has landed since.
func (c *Client) Write(ctx context.Context, key types.Key, value []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}

	cacheKey := key.String()
	ttl := c.config.Cache.DefaultTTL

	if _, err := c.ledger.Apply(ctx, cacheKey, value, ttl, c.config.Cache.StaleWindow); err != nil {
		return err
	}

	if c.channel == nil {
		// No propagation path configured, the local write stands.
		c.ledger.Commit(cacheKey)
		return nil
	}

	connected := c.channel.Connection().State == types.StateConnected

	if connected && !c.offline.Contains(cacheKey) {
		err := c.sendWrite(ctx, key, value, ttl)
		if err == nil {
			c.ledger.Commit(cacheKey)
			return nil
		}
		c.logger.Warn("Write propagation failed, queueing for replay",
			zap.String("key", cacheKey), zap.Error(err))
	}

	_, err := c.offline.Enqueue(types.Operation{
		Method:  "write",
		Key:     cacheKey,
		Payload: value,
	}, c.onQueuedResult)
	if err != nil {
		if rbErr := c.ledger.Rollback(ctx, cacheKey); rbErr != nil && !types.IsError(rbErr, types.ErrRollbackVersionConflict) {
			c.logger.Warn("Rollback after enqueue failure failed",
				zap.String("key", cacheKey), zap.Error(rbErr))
		}
		return err
	}

	// A flush may have drained in the meantime; make sure this write does
	// not sit in the queue until the next reconnect.
	if connected {
		c.flushAsync()
	}

	return nil
}

// Delete removes a key from every tier.
func (c *Client) Delete(ctx context.Context, key types.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return c.cache.Delete(ctx, key.String())
}

// InvalidateEntity cascades through the dependency graph and drops every
// cache key reachable from the entity. It returns the affected keys.
func (c *Client) InvalidateEntity(ctx context.Context, entityKey string) ([]string, error) {
	return c.invalidator.Invalidate(ctx, entityKey)
}

// RegisterDependency records that a cache key must be dropped whenever the
// entity changes. Entity-to-entity edges build cascade chains.
func (c *Client) RegisterDependency(entityKey, cacheKey string) {
	c.invalidator.RegisterDependency(entityKey, cacheKey)
}

// Subscribe registers interest in an entity's remote change events. Pushed
// invalidations for the entity cascade through the dependency graph on
// arrival.
func (c *Client) Subscribe(entity string) (func(), error) {
	if c.channel == nil {
		return nil, types.ErrTransportNotReady
	}
	return c.channel.Subscribe(entity)
}

// Connection reports the sync channel state; a client without a channel
// reads as disconnected.
func (c *Client) Connection() types.ConnectionInfo {
	if c.channel == nil {
		return types.ConnectionInfo{State: types.StateDisconnected}
	}
	return c.channel.Connection()
}

func (c *Client) Stats() types.CacheStats {
	return c.cache.Stats()
}

func (c *Client) QueueDepth() int {
	return c.offline.Depth()
}

// applyRemoteChange reacts to pushed events: invalidations cascade through
// the dependency graph, updates land in the cache directly so the next read
// is already fresh.
func (c *Client) applyRemoteChange(event *types.ChangeEvent) {
	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()

	switch event.Type {
	case types.ChangeInvalidate:
		affected, err := c.invalidator.Invalidate(ctx, event.Entity)
		if err != nil {
			c.logger.Error("Remote invalidation failed",
				zap.String("entity", event.Entity), zap.Error(err))
			return
		}
		c.logger.Debug("Remote invalidation applied",
			zap.String("entity", event.Entity),
			zap.Int("affected", len(affected)))

	case types.ChangeUpdate:
		if event.Key == "" {
			return
		}
		ttl := c.config.Cache.DefaultTTL
		if event.TTLMillis > 0 {
			ttl = time.Duration(event.TTLMillis) * time.Millisecond
		}
		if err := c.cache.Set(ctx, event.Key, event.Value, ttl, c.config.Cache.StaleWindow); err != nil {
			c.logger.Error("Remote update failed",
				zap.String("key", event.Key), zap.Error(err))
		}

	default:
		c.logger.Debug("Ignoring change event", zap.String("type", string(event.Type)))
	}
}

// onConnectionState flushes the offline queue as soon as the channel comes
// back up. Replay keeps arrival order; a flush already in progress is left
// alone.
func (c *Client) onConnectionState(info types.ConnectionInfo) {
	if info.State != types.StateConnected {
		return
	}

	if c.offline.Depth() == 0 {
		return
	}

	c.flushAsync()
}

// flushAsync replays the offline queue in the background. A flush already in
// progress picks new requests up itself and the duplicate call is dropped.
func (c *Client) flushAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, 2*time.Minute)
		defer cancel()

		err := c.offline.Flush(ctx, c.replayOperation)
		if err != nil && !types.IsError(err, types.ErrQueueFlushInProgress) {
			c.logger.Warn("Offline queue flush interrupted",
				zap.Int("remaining", c.offline.Depth()), zap.Error(err))
		}
	}()
}

func (c *Client) replayOperation(ctx context.Context, op types.Operation) error {
	key, err := types.ParseKey(op.Key)
	if err != nil {
		return err
	}
	return c.sendWrite(ctx, key, op.Payload, c.config.Cache.DefaultTTL)
}

func (c *Client) sendWrite(ctx context.Context, key types.Key, value []byte, ttl time.Duration) error {
	return c.channel.Send(ctx, &types.ChangeEvent{
		Type:      types.ChangeUpdate,
		Entity:    key.Entity(),
		Key:       key.String(),
		Value:     value,
		TTLMillis: ttl.Milliseconds(),
	})
}

// onQueuedResult settles the optimistic update once its queued write reaches
// a terminal outcome.
func (c *Client) onQueuedResult(req *types.QueuedRequest, err error) {
	if err == nil {
		c.ledger.Commit(req.Operation.Key)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()

	c.logger.Error("Queued write permanently failed, rolling back",
		zap.String("key", req.Operation.Key), zap.Error(err))

	rbErr := c.ledger.Rollback(ctx, req.Operation.Key)
	if rbErr != nil && !types.IsError(rbErr, types.ErrRollbackVersionConflict) {
		c.logger.Warn("Rollback failed", zap.String("key", req.Operation.Key), zap.Error(rbErr))
	}
}

// GetMetrics exposes the current metric values as json for callers that do
// not scrape the http endpoint.
func (c *Client) GetMetrics() ([]byte, error) {
	if c.metrics == nil {
		return utils.Marshal(c.cache.Stats())
	}
	return c.metrics.GetMetrics()
}
