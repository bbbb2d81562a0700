// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all environment-driven settings. Postgres and Redis are
// optional; when unset the server runs on the in-memory store, which is only
// useful for local development.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	TwelveDataAPIKey  string `env:"TWELVE_DATA_API_KEY"`
	QuoteProviderBase string `env:"QUOTE_PROVIDER_BASE_URL"`

	MaxQuoteAge        time.Duration `env:"MAX_QUOTE_AGE" envDefault:"300s"`
	ScheduleLockWindow time.Duration `env:"SCHEDULE_LOCK_WINDOW" envDefault:"10m"`
	QuoteCacheTTL      time.Duration `env:"QUOTE_CACHE_TTL" envDefault:"60s"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
