package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ClientConfig
}

type ClientConfig struct {
	Name    string         `yaml:"name" json:"name" validate:"required"`
	Logger  *LoggerConfig  `yaml:"logger" json:"logger"`
	Cache   *CacheConfig   `yaml:"cache" json:"cache"`
	Store   *StoreConfig   `yaml:"store" json:"store"`
	Fetch   *FetchConfig   `yaml:"fetch" json:"fetch"`
	Sync    *SyncConfig    `yaml:"sync" json:"sync"`
	Queue   *QueueConfig   `yaml:"queue" json:"queue"`
	Metrics *MetricsConfig `yaml:"metrics" json:"metrics"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level"`
	Config interface{} `yaml:"config" json:"config"`
}

type CacheConfig struct {
	MaxEntries        int           `yaml:"max_entries" json:"max_entries" validate:"min=0"`
	DefaultTTL        time.Duration `yaml:"default_ttl" json:"default_ttl" validate:"min=0"`
	StaleWindow       time.Duration `yaml:"stale_window" json:"stale_window" validate:"min=0"`
	ServeStaleOnError bool          `yaml:"serve_stale_on_error" json:"serve_stale_on_error"`
	NegativeTTL       time.Duration `yaml:"negative_ttl" json:"negative_ttl" validate:"min=0"`
}

type StoreConfig struct {
	Enabled         bool        `yaml:"enabled" json:"enabled"`
	Type            string      `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config          interface{} `yaml:"config" json:"config"`
	SweepSchedule   string      `yaml:"sweep_schedule" json:"sweep_schedule"`
	CompressMinSize int         `yaml:"compress_min_size" json:"compress_min_size" validate:"min=0"`
}

type FetchConfig struct {
	Timeout    time.Duration  `yaml:"timeout" json:"timeout" validate:"min=0"`
	MaxRetries int            `yaml:"max_retries" json:"max_retries" validate:"min=0"`
	BackoffMin time.Duration  `yaml:"backoff_min" json:"backoff_min" validate:"min=0"`
	BackoffMax time.Duration  `yaml:"backoff_max" json:"backoff_max" validate:"min=0"`
	Breaker    *BreakerConfig `yaml:"breaker" json:"breaker"`
}

type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold" validate:"min=1"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout" validate:"min=0"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests" validate:"min=1"`
}

type SyncConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	URL          string        `yaml:"url" json:"url" validate:"required_if=Enabled true"`
	BackoffBase  time.Duration `yaml:"backoff_base" json:"backoff_base" validate:"min=0"`
	BackoffMax   time.Duration `yaml:"backoff_max" json:"backoff_max" validate:"min=0"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries" validate:"min=0"`
	PingInterval time.Duration `yaml:"ping_interval" json:"ping_interval" validate:"min=0"`
	PongWait     time.Duration `yaml:"pong_wait" json:"pong_wait" validate:"min=0"`
	WriteWait    time.Duration `yaml:"write_wait" json:"write_wait" validate:"min=0"`
}

type QueueConfig struct {
	MaxSize        int            `yaml:"max_size" json:"max_size" validate:"min=1"`
	RetryCap       int            `yaml:"retry_cap" json:"retry_cap" validate:"min=0"`
	OverflowPolicy OverflowPolicy `yaml:"overflow_policy" json:"overflow_policy" validate:"omitempty,oneof=drop_oldest reject"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address" validate:"required_if=Enabled true"`
}
