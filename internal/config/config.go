// Package config assembles runtime configuration from the environment and
// the feature manifest file. Environment variables carry the infrastructure
// settings; the manifest enables features and carries their settings.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds every runtime setting.
type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Transport TransportConfig
	Bus       BusConfig
	Cache     CacheConfig
	Store     StoreConfig
	API       APIConfig
	Command   CommandConfig
	Features  FeaturesConfig
}

// TransportConfig points at the chat gateway websocket.
type TransportConfig struct {
	URL   string `env:"CHAT_URL" envDefault:"ws://localhost:8765/ws"`
	Token string `env:"CHAT_TOKEN"`
}

// BusConfig sizes the event bus worker pool.
type BusConfig struct {
	PoolSize int `env:"BUS_POOL_SIZE" envDefault:"64"`
}

// CacheConfig bounds the retention cache: per-bucket entry count, global
// retention window, sweep cadence.
type CacheConfig struct {
	MaxPerBucket  int           `env:"CACHE_MAX_PER_BUCKET" envDefault:"500"`
	Retention     time.Duration `env:"CACHE_RETENTION" envDefault:"24h"`
	SweepInterval time.Duration `env:"CACHE_SWEEP_INTERVAL" envDefault:"60s"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend is file, memory or redis.
	Backend string `env:"STORE_BACKEND" envDefault:"file"`
	Dir     string `env:"STORE_DIR" envDefault:"./data"`
	Redis   RedisConfig
}

// RedisConfig is used when StoreConfig.Backend is redis.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// APIConfig configures the HTTP status server.
type APIConfig struct {
	Port int `env:"API_PORT" envDefault:"8080"`
}

// CommandConfig configures the chat command router.
type CommandConfig struct {
	Prefix string `env:"COMMAND_PREFIX" envDefault:"!"`
}

// FeaturesConfig locates the feature manifest.
type FeaturesConfig struct {
	ManifestPath  string `env:"FEATURES_MANIFEST" envDefault:"./config/features.yaml"`
	WatchManifest bool   `env:"FEATURES_WATCH" envDefault:"false"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks whether the configuration is usable.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.Transport.URL == "" {
		return fmt.Errorf("chat transport URL is required")
	}

	if c.Bus.PoolSize < 1 {
		return fmt.Errorf("bus pool size must be at least 1")
	}

	if c.Cache.MaxPerBucket < 0 {
		return fmt.Errorf("cache bucket bound must not be negative")
	}
	if c.Cache.Retention <= 0 {
		return fmt.Errorf("cache retention must be positive")
	}
	if c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("cache sweep interval must be positive")
	}

	switch c.Store.Backend {
	case "file":
		if c.Store.Dir == "" {
			return fmt.Errorf("store directory is required for the file backend")
		}
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend: %s (must be file, memory, or redis)", c.Store.Backend)
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d", c.API.Port)
	}

	if c.Command.Prefix == "" {
		return fmt.Errorf("command prefix must not be empty")
	}

	return nil
}
