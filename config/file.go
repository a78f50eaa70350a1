package config

import (
	"time"

	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-cache/types"
)

// duration accepts either a Go duration string ("5m", "1h30m") or a plain
// integer meaning nanoseconds.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = duration(asInt)
		return nil
	}

	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return types.WrapError(err, "invalid duration")
	}

	*d = duration(parsed)
	return nil
}

// fileConfig mirrors types.ClientConfig with yaml-friendly duration fields.
// It is seeded from the defaults so a partially specified section keeps the
// default values of its unmentioned fields.
type fileConfig struct {
	Name    string               `yaml:"name"`
	Logger  *types.LoggerConfig  `yaml:"logger"`
	Cache   *fileCacheConfig     `yaml:"cache"`
	Store   *types.StoreConfig   `yaml:"store"`
	Fetch   *fileFetchConfig     `yaml:"fetch"`
	Sync    *fileSyncConfig      `yaml:"sync"`
	Queue   *types.QueueConfig   `yaml:"queue"`
	Metrics *types.MetricsConfig `yaml:"metrics"`
}

type fileCacheConfig struct {
	MaxEntries        int      `yaml:"max_entries"`
	DefaultTTL        duration `yaml:"default_ttl"`
	StaleWindow       duration `yaml:"stale_window"`
	ServeStaleOnError bool     `yaml:"serve_stale_on_error"`
	NegativeTTL       duration `yaml:"negative_ttl"`
}

type fileFetchConfig struct {
	Timeout    duration           `yaml:"timeout"`
	MaxRetries int                `yaml:"max_retries"`
	BackoffMin duration           `yaml:"backoff_min"`
	BackoffMax duration           `yaml:"backoff_max"`
	Breaker    *fileBreakerConfig `yaml:"breaker"`
}

type fileBreakerConfig struct {
	Enabled          bool     `yaml:"enabled"`
	FailureThreshold int      `yaml:"failure_threshold"`
	RecoveryTimeout  duration `yaml:"recovery_timeout"`
	HalfOpenRequests int      `yaml:"half_open_requests"`
}

type fileSyncConfig struct {
	Enabled      bool     `yaml:"enabled"`
	URL          string   `yaml:"url"`
	BackoffBase  duration `yaml:"backoff_base"`
	BackoffMax   duration `yaml:"backoff_max"`
	MaxRetries   int      `yaml:"max_retries"`
	PingInterval duration `yaml:"ping_interval"`
	PongWait     duration `yaml:"pong_wait"`
	WriteWait    duration `yaml:"write_wait"`
}

func newFileConfig(defaults *types.ClientConfig) *fileConfig {
	return &fileConfig{
		Name:   defaults.Name,
		Logger: defaults.Logger,
		Cache: &fileCacheConfig{
			MaxEntries:        defaults.Cache.MaxEntries,
			DefaultTTL:        duration(defaults.Cache.DefaultTTL),
			StaleWindow:       duration(defaults.Cache.StaleWindow),
			ServeStaleOnError: defaults.Cache.ServeStaleOnError,
			NegativeTTL:       duration(defaults.Cache.NegativeTTL),
		},
		Store: defaults.Store,
		Fetch: &fileFetchConfig{
			Timeout:    duration(defaults.Fetch.Timeout),
			MaxRetries: defaults.Fetch.MaxRetries,
			BackoffMin: duration(defaults.Fetch.BackoffMin),
			BackoffMax: duration(defaults.Fetch.BackoffMax),
			Breaker: &fileBreakerConfig{
				Enabled:          defaults.Fetch.Breaker.Enabled,
				FailureThreshold: defaults.Fetch.Breaker.FailureThreshold,
				RecoveryTimeout:  duration(defaults.Fetch.Breaker.RecoveryTimeout),
				HalfOpenRequests: defaults.Fetch.Breaker.HalfOpenRequests,
			},
		},
		Sync: &fileSyncConfig{
			Enabled:      defaults.Sync.Enabled,
			URL:          defaults.Sync.URL,
			BackoffBase:  duration(defaults.Sync.BackoffBase),
			BackoffMax:   duration(defaults.Sync.BackoffMax),
			MaxRetries:   defaults.Sync.MaxRetries,
			PingInterval: duration(defaults.Sync.PingInterval),
			PongWait:     duration(defaults.Sync.PongWait),
			WriteWait:    duration(defaults.Sync.WriteWait),
		},
		Queue:   defaults.Queue,
		Metrics: defaults.Metrics,
	}
}

func (f *fileConfig) apply(config *types.ClientConfig) {
	config.Name = f.Name
	config.Logger = f.Logger
	config.Store = f.Store
	config.Queue = f.Queue
	config.Metrics = f.Metrics

	config.Cache = &types.CacheConfig{
		MaxEntries:        f.Cache.MaxEntries,
		DefaultTTL:        time.Duration(f.Cache.DefaultTTL),
		StaleWindow:       time.Duration(f.Cache.StaleWindow),
		ServeStaleOnError: f.Cache.ServeStaleOnError,
		NegativeTTL:       time.Duration(f.Cache.NegativeTTL),
	}

	config.Fetch = &types.FetchConfig{
		Timeout:    time.Duration(f.Fetch.Timeout),
		MaxRetries: f.Fetch.MaxRetries,
		BackoffMin: time.Duration(f.Fetch.BackoffMin),
		BackoffMax: time.Duration(f.Fetch.BackoffMax),
		Breaker: &types.BreakerConfig{
			Enabled:          f.Fetch.Breaker.Enabled,
			FailureThreshold: f.Fetch.Breaker.FailureThreshold,
			RecoveryTimeout:  time.Duration(f.Fetch.Breaker.RecoveryTimeout),
			HalfOpenRequests: f.Fetch.Breaker.HalfOpenRequests,
		},
	}

	config.Sync = &types.SyncConfig{
		Enabled:      f.Sync.Enabled,
		URL:          f.Sync.URL,
		BackoffBase:  time.Duration(f.Sync.BackoffBase),
		BackoffMax:   time.Duration(f.Sync.BackoffMax),
		MaxRetries:   f.Sync.MaxRetries,
		PingInterval: time.Duration(f.Sync.PingInterval),
		PongWait:     time.Duration(f.Sync.PongWait),
		WriteWait:    time.Duration(f.Sync.WriteWait),
	}
}
