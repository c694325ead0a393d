// Package config loads the pool engine configuration from an optional YAML
// file with environment variable overrides (prefix POOL_ENGINE).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Accrual    AccrualConfig    `mapstructure:"accrual"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig holds the read-through cache configuration. An empty URL
// disables caching.
type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

// AccrualConfig holds the yield accrual cycle configuration
type AccrualConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	MinGap   time.Duration `mapstructure:"min_gap"`
}

// SettlementConfig holds the settlement collaborator configuration
type SettlementConfig struct {
	Mode    string        `mapstructure:"mode"` // simulated
	Timeout time.Duration `mapstructure:"timeout"`
}

// LimitsConfig holds per-funder exposure limits. Zero disables a limit.
type LimitsConfig struct {
	MaxPerPool   float64 `mapstructure:"max_per_pool"`
	MaxAggregate float64 `mapstructure:"max_aggregate"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from an optional file and environment variables.
// An empty path loads defaults plus environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("POOL_ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")

	// Database defaults: empty URL selects the in-memory store
	v.SetDefault("database.url", "")

	// Redis defaults: empty URL disables the cache
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", "30s")

	// Accrual defaults: hourly cycle, watermark gap just under the interval
	v.SetDefault("accrual.interval", "1h")
	v.SetDefault("accrual.min_gap", "55m")

	// Settlement defaults
	v.SetDefault("settlement.mode", "simulated")
	v.SetDefault("settlement.timeout", "5s")

	// Limits defaults: disabled unless configured
	v.SetDefault("limits.max_per_pool", 0)
	v.SetDefault("limits.max_aggregate", 0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	if c.Accrual.Interval < time.Minute {
		return fmt.Errorf("accrual.interval must be at least 1 minute")
	}
	if c.Accrual.MinGap <= 0 {
		return fmt.Errorf("accrual.min_gap must be positive")
	}
	if c.Accrual.MinGap >= c.Accrual.Interval {
		return fmt.Errorf("accrual.min_gap must be shorter than accrual.interval")
	}

	if c.Settlement.Mode != "simulated" {
		return fmt.Errorf("settlement.mode must be: simulated")
	}
	if c.Settlement.Timeout < time.Second {
		return fmt.Errorf("settlement.timeout must be at least 1 second")
	}

	if c.Limits.MaxPerPool < 0 {
		return fmt.Errorf("limits.max_per_pool must not be negative")
	}
	if c.Limits.MaxAggregate < 0 {
		return fmt.Errorf("limits.max_aggregate must not be negative")
	}
	if c.Limits.MaxPerPool > 0 && c.Limits.MaxAggregate > 0 && c.Limits.MaxPerPool > c.Limits.MaxAggregate {
		return fmt.Errorf("limits.max_per_pool must not exceed limits.max_aggregate")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
