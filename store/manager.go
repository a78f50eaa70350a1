package store

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

var customStoreCreators = make(map[string]types.StoreCreator)

// RegisterStore makes a custom durable backend selectable by config type.
func RegisterStore(storeName string, creator types.StoreCreator) {
	customStoreCreators[storeName] = creator
}

// sweeper is implemented by backends without native expiry.
type sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

func NewStore(logger types.Logger, metrics types.MetricsManager, config *types.StoreConfig) (types.Store, error) {
	if config == nil || !config.Enabled {
		return nil, nil
	}

	serializer := NewSerializer(config.CompressMinSize)

	var impl types.Store
	var err error

	switch config.Type {
	case "memory":
		impl = NewMemoryStore(serializer)
	case "clover":
		cloverConfig := &CloverConfig{}
		if config.Config != nil {
			if cfgErr := utils.UnmarshalConfig(config.Config, cloverConfig); cfgErr != nil {
				return nil, types.WrapError(cfgErr, "failed to unmarshal clover config")
			}
		}
		impl, err = NewCloverStore(logger, serializer, cloverConfig)
	case "redis":
		redisConfig := &RedisConfig{}
		if config.Config != nil {
			if cfgErr := utils.UnmarshalConfig(config.Config, redisConfig); cfgErr != nil {
				return nil, types.WrapError(cfgErr, "failed to unmarshal redis config")
			}
		}
		impl, err = NewRedisStore(logger, serializer, redisConfig)
	default:
		if creator, exists := customStoreCreators[config.Type]; exists {
			impl, err = creator(config.Config)
		} else {
			return nil, types.Errorf(types.ErrStoreTypeUnknown, "type: %s", config.Type)
		}
	}

	if err != nil {
		return nil, err
	}

	instrumented := newInstrumentedStore(logger, metrics, impl)

	if sw, ok := impl.(sweeper); ok && config.SweepSchedule != "" {
		if err := instrumented.scheduleSweep(sw, config.SweepSchedule); err != nil {
			_ = impl.Close()
			return nil, err
		}
	}

	return instrumented, nil
}

type instrumentedStore struct {
	impl      types.Store
	logger    types.Logger
	metrics   types.MetricsManager
	scheduler *cron.Cron
}

func newInstrumentedStore(logger types.Logger, metrics types.MetricsManager, impl types.Store) *instrumentedStore {
	return &instrumentedStore{
		impl:    impl,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *instrumentedStore) scheduleSweep(sw sweeper, schedule string) error {
	s.scheduler = cron.New()

	_, err := s.scheduler.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		removed, err := sw.Sweep(ctx, time.Now())
		if err != nil {
			s.logger.Error("Durable store sweep failed", zap.Error(err))
			return
		}
		if removed > 0 {
			s.logger.Debug("Durable store sweep completed", zap.Int("removed", removed))
			s.recordMetric("sweep", "success", time.Duration(0))
		}
	})
	if err != nil {
		return types.WrapError(err, "invalid sweep schedule")
	}

	s.scheduler.Start()
	return nil
}

func (s *instrumentedStore) Get(ctx context.Context, key string) (*types.CacheEntry, error) {
	start := time.Now()
	entry, err := s.impl.Get(ctx, key)
	duration := time.Since(start)

	result := "hit"
	if err != nil {
		result = "miss"
		if !types.IsError(err, types.ErrStoreKeyNotFound) {
			result = "error"
		}
	}

	s.recordMetric("get", result, duration)
	return entry, err
}

func (s *instrumentedStore) Put(ctx context.Context, key string, entry *types.CacheEntry) error {
	start := time.Now()
	err := s.impl.Put(ctx, key, entry)
	s.recordMetric("put", resultLabel(err), time.Since(start))
	return err
}

func (s *instrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.impl.Delete(ctx, key)
	s.recordMetric("delete", resultLabel(err), time.Since(start))
	return err
}

func (s *instrumentedStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := s.impl.Keys(ctx, prefix)
	s.recordMetric("keys", resultLabel(err), time.Since(start))
	return keys, err
}

func (s *instrumentedStore) Close() error {
	if s.scheduler != nil {
		stopCtx := s.scheduler.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn("Durable store sweep stop timeout")
		}
	}
	return s.impl.Close()
}

func (s *instrumentedStore) recordMetric(operation, result string, duration time.Duration) {
	if s.metrics == nil {
		return
	}

	counter := s.metrics.Counter("store_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	})
	counter.Inc()

	if duration > 0 {
		histogram := s.metrics.Histogram("store_operation_duration_seconds",
			[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
			map[string]string{"operation": operation},
		)
		histogram.Observe(duration.Seconds())
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
