package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-cache/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (l *Loader) LoadFromFile(configPath string) (*types.ClientConfig, error) {
	if configPath == "" {
		return nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, types.WrapError(err, "file not found: "+configPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data, err := l.readFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to read config file")
	}

	config := l.Defaults()

	// Decode through the shadow form so durations can be written as "5m"
	// rather than nanosecond integers.
	shadow := newFileConfig(config)
	if err := yaml.Unmarshal(data, shadow); err != nil {
		return nil, types.WrapError(err, "failed to parse YAML config")
	}
	shadow.apply(config)

	if err := l.Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

func (l *Loader) Validate(config *types.ClientConfig) error {
	if config == nil {
		return types.ErrConfigIsNil
	}
	if err := l.validator.Struct(config); err != nil {
		return types.WrapError(err, "config validation failed")
	}
	return nil
}

func (l *Loader) readFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) Defaults() *types.ClientConfig {
	return &types.ClientConfig{
		Name: "sai-cache",
		Logger: &types.LoggerConfig{
			Level: "info",
		},
		Cache: &types.CacheConfig{
			MaxEntries:  10000,
			DefaultTTL:  time.Hour,
			StaleWindow: 0,
		},
		Store: &types.StoreConfig{
			Enabled:         true,
			Type:            "memory",
			SweepSchedule:   "@every 5m",
			CompressMinSize: 1024,
		},
		Fetch: &types.FetchConfig{
			Timeout:    10 * time.Second,
			MaxRetries: 3,
			BackoffMin: 100 * time.Millisecond,
			BackoffMax: 5 * time.Second,
			Breaker: &types.BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
				HalfOpenRequests: 3,
			},
		},
		Sync: &types.SyncConfig{
			Enabled:      false,
			BackoffBase:  time.Second,
			BackoffMax:   30 * time.Second,
			MaxRetries:   10,
			PingInterval: 54 * time.Second,
			PongWait:     60 * time.Second,
			WriteWait:    10 * time.Second,
		},
		Queue: &types.QueueConfig{
			MaxSize:        1000,
			RetryCap:       5,
			OverflowPolicy: types.OverflowReject,
		},
		Metrics: &types.MetricsConfig{
			Enabled: false,
		},
	}
}

// ApplyDefaults fills nil sections of a programmatically constructed config.
func (l *Loader) ApplyDefaults(config *types.ClientConfig) *types.ClientConfig {
	defaults := l.Defaults()
	if config == nil {
		return defaults
	}

	if config.Name == "" {
		config.Name = defaults.Name
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Cache == nil {
		config.Cache = defaults.Cache
	}
	if config.Store == nil {
		config.Store = defaults.Store
	}
	if config.Fetch == nil {
		config.Fetch = defaults.Fetch
	}
	if config.Fetch.Breaker == nil {
		config.Fetch.Breaker = defaults.Fetch.Breaker
	}
	if config.Sync == nil {
		config.Sync = defaults.Sync
	}
	if config.Queue == nil {
		config.Queue = defaults.Queue
	}
	if config.Queue.OverflowPolicy == "" {
		config.Queue.OverflowPolicy = defaults.Queue.OverflowPolicy
	}
	if config.Metrics == nil {
		config.Metrics = defaults.Metrics
	}

	return config
}
