// Package config provides application configuration management.
// Configuration is loaded from environment variables following 12-factor principles.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Storage backend selectors understood by the storage factory.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendFile     = "file"
)

// Config holds all application configuration.
// All fields are populated from environment variables. Tunables that may
// change without a restart (cache sizing, flush cadence, default redirect
// URL) live in the storage-backed runtime config table instead.
type Config struct {
	// Application settings
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	AppPort int    `env:"APP_PORT" envDefault:"8080"`

	// Storage backend: postgres, sqlite or file.
	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"sqlite"`
	DatabaseURL    string `env:"DATABASE_URL" envDefault:""`
	SQLitePath     string `env:"SQLITE_PATH" envDefault:"shortlinker.db"`
	FileStorePath  string `env:"FILE_STORE_PATH" envDefault:"shortlinker.json"`

	// Optional Redis. When set it backs the redirect rate limiter.
	RedisURL string `env:"REDIS_URL" envDefault:""`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Server timeouts
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Control channel. An empty socket path selects the platform default
	// (./shortlinker.sock on Unix, \\.\pipe\shortlinker on Windows), with
	// the runtime config table consulted in between at startup.
	IPCSocketPath  string        `env:"IPC_SOCKET_PATH" envDefault:""`
	IPCIdleTimeout time.Duration `env:"IPC_IDLE_TIMEOUT" envDefault:"2m"`
	PIDFilePath    string        `env:"PID_FILE_PATH" envDefault:"shortlinker.pid"`

	// Rate limiting of the redirect path. Only active with Redis configured.
	RateLimitRedirectEnabled bool `env:"RATE_LIMIT_REDIRECT_ENABLED" envDefault:"true"`
	RateLimitRedirectRPS     int  `env:"RATE_LIMIT_REDIRECT_RPS" envDefault:"100"`
	RateLimitRedirectBurst   int  `env:"RATE_LIMIT_REDIRECT_BURST" envDefault:"20"`
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Load parses environment variables and returns a Config.
// Returns an error if variables are missing or inconsistent.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND=postgres")
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH must not be empty")
		}
	case BackendFile:
		if c.FileStorePath == "" {
			return fmt.Errorf("FILE_STORE_PATH must not be empty")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	return nil
}
