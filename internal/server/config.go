// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay.
package server

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// RateLimitConfig defines the parameters for per-connection frame rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST" envDefault:"20"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"1s"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port             string        `env:"SERVER_PORT" envDefault:":8080"`
	AllowedOrigins   []string      `env:"ALLOWED_ORIGINS" envDefault:"http://localhost:8080" envSeparator:","`
	MaxMessageSize   int64         `env:"MAX_MESSAGE_SIZE" envDefault:"8192"`
	RateLimit        RateLimitConfig
	PresenceInterval time.Duration `env:"PRESENCE_INTERVAL" envDefault:"5s"`
	OfflineRetention time.Duration `env:"OFFLINE_RETENTION" envDefault:"24h"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"INFO"`
}

// DefaultConfig returns a Config populated with default values for all settings.
func DefaultConfig() Config {
	return Config{
		Port:           ":8080",
		AllowedOrigins: []string{"http://localhost:8080"},
		MaxMessageSize: 8192,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		PresenceInterval: 5 * time.Second,
		OfflineRetention: 24 * time.Hour,
		ShutdownTimeout:  10 * time.Second,
		LogLevel:         "INFO",
	}
}

// LoadConfig reads the configuration from environment variables, falling back
// to defaults for anything unset or out of range.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg.Sanitize(), nil
}

// Sanitize replaces unusable values with their defaults.
func (cfg Config) Sanitize() Config {
	defaults := DefaultConfig()

	if cfg.Port == "" {
		cfg.Port = defaults.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaults.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaults.RateLimit.RefillInterval
	}
	if cfg.PresenceInterval <= 0 {
		cfg.PresenceInterval = defaults.PresenceInterval
	}
	if cfg.OfflineRetention < 0 {
		cfg.OfflineRetention = 0
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}
