// Package config loads colloquy.yaml: orchestrator tuning, resilience
// settings, cost budgets, approval masking, streaming, persistence, Slack,
// and retention. Environment variables expand with {{.VAR}} template syntax
// before parsing; user values merge over built-in defaults.
package config

import (
	"time"

	"github.com/colloquy-ai/colloquy/pkg/cleanup"
	"github.com/colloquy-ai/colloquy/pkg/kv"
	"github.com/colloquy-ai/colloquy/pkg/masking"
	"github.com/colloquy-ai/colloquy/pkg/notify"
	"github.com/colloquy-ai/colloquy/pkg/resilience"
	"github.com/colloquy-ai/colloquy/pkg/stream"
)

// Config is the parsed and defaulted colloquy.yaml.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Health       HealthConfig       `yaml:"health"`
	Costs        CostsConfig        `yaml:"costs"`
	Masking      MaskingConfig      `yaml:"masking"`
	Stream       StreamConfig       `yaml:"stream"`
	Redis        RedisConfig        `yaml:"redis"`
	Slack        SlackConfig        `yaml:"slack"`
	Retention    RetentionConfig    `yaml:"retention"`
	Server       ServerConfig       `yaml:"server"`
	AgentsDir    string             `yaml:"agents_dir"`
}

// OrchestratorConfig tunes the orchestration core.
type OrchestratorConfig struct {
	Name         string `yaml:"name"`
	MaxTurns     int    `yaml:"max_turns"`
	ModelTimeout string `yaml:"model_timeout"`
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	RecoveryTimeout  string `yaml:"recovery_timeout"`
	SuccessThreshold int    `yaml:"success_threshold"`
	HalfOpenMaxCalls int    `yaml:"half_open_max_calls"`
}

// HealthConfig tunes the health monitor.
type HealthConfig struct {
	Interval string `yaml:"interval"`
}

// CostsConfig tunes cost accounting. DefaultBudget is a decimal string
// ("5.00"); empty disables budget enforcement.
type CostsConfig struct {
	DefaultBudget string `yaml:"default_budget"`
}

// MaskingConfig carries custom redaction patterns on top of the built-ins.
type MaskingConfig struct {
	Patterns []masking.CustomPattern `yaml:"patterns"`
}

// StreamConfig tunes the streaming multiplexer.
type StreamConfig struct {
	WindowSize        int    `yaml:"window_size"`
	MaxBufferSize     int    `yaml:"max_buffer_size"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
}

// RedisConfig selects and tunes the Redis backend. Disabled means the
// in-memory store.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	OpTimeout string `yaml:"op_timeout"`
}

// SlackConfig tunes approval notifications.
type SlackConfig struct {
	Token        string `yaml:"token"`
	Channel      string `yaml:"channel"`
	DashboardURL string `yaml:"dashboard_url"`
}

// RetentionConfig tunes the cleanup service.
type RetentionConfig struct {
	ApprovalRetention string `yaml:"approval_retention"`
	TimelineRetention string `yaml:"timeline_retention"`
	Interval          string `yaml:"interval"`
}

// ServerConfig tunes the HTTP server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration; user YAML merges over it.
func Default() Config {
	return Config{
		Orchestrator: OrchestratorConfig{
			Name:         "colloquy",
			MaxTurns:     10,
			ModelTimeout: "120s",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  "60s",
			SuccessThreshold: 3,
			HalfOpenMaxCalls: 3,
		},
		Health: HealthConfig{Interval: "30s"},
		Stream: StreamConfig{
			WindowSize:        10,
			MaxBufferSize:     50,
			HeartbeatInterval: "30s",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			OpTimeout: "2s",
		},
		Retention: RetentionConfig{
			ApprovalRetention: "168h",
			TimelineRetention: "24h",
			Interval:          "1h",
		},
		Server:    ServerConfig{Addr: ":8080"},
		AgentsDir: "./agents",
	}
}

// ModelTimeoutDuration parses the orchestrator model timeout.
func (c OrchestratorConfig) ModelTimeoutDuration() time.Duration {
	return parseDuration(c.ModelTimeout, 120*time.Second)
}

// BreakerSettings converts to the resilience package's config.
func (c BreakerConfig) BreakerSettings() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: c.FailureThreshold,
		RecoveryTimeout:  parseDuration(c.RecoveryTimeout, 60*time.Second),
		SuccessThreshold: c.SuccessThreshold,
		HalfOpenMaxCalls: c.HalfOpenMaxCalls,
	}
}

// IntervalDuration parses the health check interval.
func (c HealthConfig) IntervalDuration() time.Duration {
	return parseDuration(c.Interval, 30*time.Second)
}

// StreamSettings converts to the stream package's config.
func (c StreamConfig) StreamSettings() stream.Config {
	return stream.Config{
		WindowSize:        c.WindowSize,
		MaxBufferSize:     c.MaxBufferSize,
		HeartbeatInterval: parseDuration(c.HeartbeatInterval, 30*time.Second),
	}
}

// RedisSettings converts to the kv package's config.
func (c RedisConfig) RedisSettings() kv.RedisConfig {
	return kv.RedisConfig{
		Addr:      c.Addr,
		Password:  c.Password,
		DB:        c.DB,
		OpTimeout: parseDuration(c.OpTimeout, 2*time.Second),
	}
}

// NotifySettings converts to the notify package's config.
func (c SlackConfig) NotifySettings() notify.Config {
	return notify.Config{
		Token:        c.Token,
		Channel:      c.Channel,
		DashboardURL: c.DashboardURL,
	}
}

// CleanupSettings converts to the cleanup package's config.
func (c RetentionConfig) CleanupSettings() cleanup.Config {
	return cleanup.Config{
		ApprovalRetention: parseDuration(c.ApprovalRetention, 7*24*time.Hour),
		TimelineRetention: parseDuration(c.TimelineRetention, 24*time.Hour),
		Interval:          parseDuration(c.Interval, time.Hour),
	}
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
