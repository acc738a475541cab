// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the Oyez server.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	EventBus   EventBusConfig   `koanf:"eventbus"`
	Audit      AuditConfig      `koanf:"audit"`
	Presence   PresenceConfig   `koanf:"presence"`
	Engine     EngineConfig     `koanf:"engine"`
	Governance GovernanceConfig `koanf:"governance"`
	Logging    LoggingConfig    `koanf:"logging"`
	Metrics    MetricsConfig    `koanf:"metrics"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// RequestTimeout is the deadline applied to every external-facing
	// operation. On expiry the transaction rolls back and the caller
	// sees CANCELLED.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// RateLimitPerMinute caps requests per client IP.
	RateLimitPerMinute int `koanf:"rate_limit_per_minute"`
}

// DatabaseConfig holds DuckDB settings.
type DatabaseConfig struct {
	// Path is the database file; ":memory:" for tests.
	Path string `koanf:"path"`

	// MaxMemory is DuckDB's memory ceiling (e.g. "2GB").
	MaxMemory string `koanf:"max_memory"`

	// Threads is the DuckDB thread count; 0 uses runtime.NumCPU().
	Threads int `koanf:"threads"`
}

// EventBusConfig tunes event fan-out. The in-process Watermill bus is
// always on; NATS JetStream applies only when built with -tags nats.
type EventBusConfig struct {
	// BufferSize is the gochannel subscriber buffer.
	BufferSize int `koanf:"buffer_size"`

	// NATS settings (builds with -tags nats only).
	NATSEnabled    bool   `koanf:"nats_enabled"`
	NATSURL        string `koanf:"nats_url"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
	StreamName     string `koanf:"stream_name"`

	// Breaker settings for the broadcast circuit breaker.
	BreakerMaxRequests  uint32        `koanf:"breaker_max_requests"`
	BreakerInterval     time.Duration `koanf:"breaker_interval"`
	BreakerTimeout      time.Duration `koanf:"breaker_timeout"`
	BreakerFailureRatio float64       `koanf:"breaker_failure_ratio"`
}

// AuditConfig tunes the audit trail writer.
type AuditConfig struct {
	// BufferSize is the async writer queue depth.
	BufferSize int `koanf:"buffer_size"`

	// FlushTimeout bounds Close() drain time.
	FlushTimeout time.Duration `koanf:"flush_timeout"`
}

// PresenceConfig holds the Badger-backed presence store settings.
type PresenceConfig struct {
	// Path is the Badger directory; empty uses in-memory mode.
	Path string `koanf:"path"`

	// OfflineAfter marks a participant disconnected when no heartbeat
	// arrives within this window.
	OfflineAfter time.Duration `koanf:"offline_after"`

	// CursorTTL expires stale delivery cursors.
	CursorTTL time.Duration `koanf:"cursor_ttl"`
}

// EngineConfig tunes the round and turn engine.
type EngineConfig struct {
	// SweepInterval is how often the timer sweeper polls for expired
	// phases. Expiry is lazy-on-read regardless; the sweeper only adds
	// push latency bounds.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// RetryBackoff is the bounded backoff schedule for serialization
	// conflicts.
	RetryBackoff []time.Duration `koanf:"retry_backoff"`

	// TranscriptMaxBytes caps turn transcripts.
	TranscriptMaxBytes int `koanf:"transcript_max_bytes"`

	// DefaultTurnSeconds is the allowed_seconds applied when a round
	// does not override it.
	DefaultTurnSeconds int `koanf:"default_turn_seconds"`
}

// GovernanceConfig tunes snapshot governance machinery.
type GovernanceConfig struct {
	// PublicationPollInterval is how often the scheduler looks for
	// SCHEDULED snapshots whose publication date has arrived.
	PublicationPollInterval time.Duration `koanf:"publication_poll_interval"`
}

// LoggingConfig mirrors logging.Config for file/env configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// Default returns a Config with production-ready defaults. These are the
// base layer; file and environment providers override them.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			ReadTimeout:        15 * time.Second,
			WriteTimeout:       30 * time.Second,
			ShutdownTimeout:    10 * time.Second,
			RequestTimeout:     10 * time.Second,
			RateLimitPerMinute: 300,
		},
		Database: DatabaseConfig{
			Path:      "/data/oyez.duckdb",
			MaxMemory: "1GB",
			Threads:   0,
		},
		EventBus: EventBusConfig{
			BufferSize:          1024,
			NATSEnabled:         false,
			NATSURL:             "nats://127.0.0.1:4222",
			EmbeddedServer:      true,
			StoreDir:            "/data/nats/jetstream",
			StreamName:          "oyez-events",
			BreakerMaxRequests:  5,
			BreakerInterval:     time.Minute,
			BreakerTimeout:      30 * time.Second,
			BreakerFailureRatio: 0.6,
		},
		Audit: AuditConfig{
			BufferSize:   256,
			FlushTimeout: 5 * time.Second,
		},
		Presence: PresenceConfig{
			Path:         "/data/oyez-presence",
			OfflineAfter: 90 * time.Second,
			CursorTTL:    24 * time.Hour,
		},
		Engine: EngineConfig{
			SweepInterval:      2 * time.Second,
			RetryBackoff:       []time.Duration{50 * time.Millisecond, 150 * time.Millisecond, 300 * time.Millisecond},
			TranscriptMaxBytes: 65536,
			DefaultTurnSeconds: 300,
		},
		Governance: GovernanceConfig{
			PublicationPollInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Validate fails fast on inconsistent values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive")
	}
	if c.Engine.SweepInterval <= 0 {
		return fmt.Errorf("engine.sweep_interval must be positive")
	}
	if len(c.Engine.RetryBackoff) == 0 {
		return fmt.Errorf("engine.retry_backoff must not be empty")
	}
	for i, d := range c.Engine.RetryBackoff {
		if d <= 0 {
			return fmt.Errorf("engine.retry_backoff[%d] must be positive", i)
		}
	}
	if c.Engine.TranscriptMaxBytes <= 0 {
		return fmt.Errorf("engine.transcript_max_bytes must be positive")
	}
	if c.Governance.PublicationPollInterval <= 0 {
		return fmt.Errorf("governance.publication_poll_interval must be positive")
	}
	if c.EventBus.NATSEnabled && c.EventBus.NATSURL == "" {
		return fmt.Errorf("eventbus.nats_url required when NATS is enabled")
	}
	return nil
}
