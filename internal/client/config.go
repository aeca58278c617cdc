package client

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const envPrefix = "CHATRELAY_"

// Config controls how the Manager reaches the relay.
type Config struct {
	URL                  string        `env:"URL" envDefault:"ws://localhost:8080/ws"`
	Origin               string        `env:"ORIGIN" envDefault:"http://localhost:8080"`
	MaxReconnectAttempts int           `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectDelay       time.Duration `env:"RECONNECT_DELAY" envDefault:"1s"`
	ReconnectDelayMax    time.Duration `env:"RECONNECT_DELAY_MAX" envDefault:"5s"`
	DialTimeout          time.Duration `env:"DIAL_TIMEOUT" envDefault:"20s"`
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
}

// DefaultConfig targets a relay on localhost:8080.
func DefaultConfig() Config {
	return Config{
		URL:                  "ws://localhost:8080/ws",
		Origin:               "http://localhost:8080",
		MaxReconnectAttempts: 5,
		ReconnectDelay:       time.Second,
		ReconnectDelayMax:    5 * time.Second,
		DialTimeout:          20 * time.Second,
		HeartbeatInterval:    30 * time.Second,
	}
}

// LoadConfig reads CHATRELAY_* environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg.Sanitize(), nil
}

// Sanitize replaces unusable values with their defaults. Zero reconnect
// attempts is valid and means a dropped transport is never redialed.
func (cfg Config) Sanitize() Config {
	defaults := DefaultConfig()

	if cfg.URL == "" {
		cfg.URL = defaults.URL
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaults.ReconnectDelay
	}
	if cfg.ReconnectDelayMax < cfg.ReconnectDelay {
		cfg.ReconnectDelayMax = cfg.ReconnectDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	return cfg
}
