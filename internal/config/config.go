// Package config reads the service settings from the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"biblioteca/internal/storage"
)

type (
	Config struct {
		HTTP
		Database
		Log
		Sweep
		Circulation
		RateLimit
		Telemetry
		Assistant
		Meilisearch
	}

	HTTP struct {
		Port            string
		ShutdownTimeout time.Duration
	}
	Database struct {
		// URL empty selects the in-memory stores.
		URL    string
		Driver string
	}
	Log struct {
		Level  slog.Level
		Format string // json or text
	}
	Sweep struct {
		Enabled  bool
		Schedule string
	}
	Circulation struct {
		LockTimeout time.Duration
	}
	RateLimit struct {
		PerSecond float64
		Burst     int
	}
	Telemetry struct {
		OTLPEndpoint string
		ServiceName  string
	}
	Assistant struct {
		URL     string
		Timeout time.Duration
	}
	Meilisearch struct {
		Host   string
		APIKey string
		Index  string
	}
)

func NewConfig() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("port", "8080")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("database_url", "")
	v.SetDefault("database_driver", storage.DriverPQ)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("sweep_enabled", true)
	v.SetDefault("sweep_schedule", "@every 1m")
	v.SetDefault("lock_timeout", "5s")
	v.SetDefault("rate_limit_per_second", 20)
	v.SetDefault("rate_limit_burst", 40)
	v.SetDefault("otel_exporter_otlp_endpoint", "")
	v.SetDefault("otel_service_name", "biblioteca")
	v.SetDefault("assistant_url", "")
	v.SetDefault("assistant_timeout", "3s")
	v.SetDefault("meilisearch_host", "")
	v.SetDefault("meilisearch_api_key", "")
	v.SetDefault("meilisearch_index", "books")

	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("LOG_LEVEL"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	cfg := &Config{
		HTTP: HTTP{
			Port:            v.GetString("PORT"),
			ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
		},
		Database: Database{
			URL:    v.GetString("DATABASE_URL"),
			Driver: v.GetString("DATABASE_DRIVER"),
		},
		Log: Log{
			Level:  level,
			Format: strings.ToLower(v.GetString("LOG_FORMAT")),
		},
		Sweep: Sweep{
			Enabled:  v.GetBool("SWEEP_ENABLED"),
			Schedule: v.GetString("SWEEP_SCHEDULE"),
		},
		Circulation: Circulation{
			LockTimeout: v.GetDuration("LOCK_TIMEOUT"),
		},
		RateLimit: RateLimit{
			PerSecond: v.GetFloat64("RATE_LIMIT_PER_SECOND"),
			Burst:     v.GetInt("RATE_LIMIT_BURST"),
		},
		Telemetry: Telemetry{
			OTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName:  v.GetString("OTEL_SERVICE_NAME"),
		},
		Assistant: Assistant{
			URL:     v.GetString("ASSISTANT_URL"),
			Timeout: v.GetDuration("ASSISTANT_TIMEOUT"),
		},
		Meilisearch: Meilisearch{
			Host:   v.GetString("MEILISEARCH_HOST"),
			APIKey: v.GetString("MEILISEARCH_API_KEY"),
			Index:  v.GetString("MEILISEARCH_INDEX"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case storage.DriverPQ, storage.DriverPGX:
	default:
		return fmt.Errorf("invalid DATABASE_DRIVER %q, want %q or %q", c.Database.Driver, storage.DriverPQ, storage.DriverPGX)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q, want json or text", c.Log.Format)
	}
	if c.Circulation.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive")
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_SECOND and RATE_LIMIT_BURST must be positive")
	}
	return nil
}

// UseMemory reports whether no database is configured.
func (c *Config) UseMemory() bool {
	return c.Database.URL == ""
}

// NewLogger builds the process logger writing to w.
func (l Log) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.Level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
