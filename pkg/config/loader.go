package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/shopspring/decimal"
)

// Loader sentinel errors.
var (
	// ErrConfigNotFound indicates the configuration file was not found.
	ErrConfigNotFound = errors.New("configuration file not found")

	// ErrInvalidYAML indicates YAML parsing failed.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrValidationFailed indicates the parsed configuration is unusable.
	ErrValidationFailed = errors.New("configuration validation failed")
)

// Load reads path, expands environment variables, parses the YAML, merges
// it over the built-in defaults, and validates the result. A missing file
// is not an error: the defaults are returned so the service can start with
// zero configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("No configuration file, using defaults", "path", path)
		if err := validate(&cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigNotFound, path, err)
	}

	var user Config
	if err := yaml.Unmarshal(ExpandEnv(data), &user); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidYAML, path, err)
	}

	if err := mergo.Merge(&cfg, user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging configuration: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	slog.Info("Configuration loaded",
		"path", path,
		"agents_dir", cfg.AgentsDir,
		"redis_enabled", cfg.Redis.Enabled,
		"max_turns", cfg.Orchestrator.MaxTurns)
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Orchestrator.MaxTurns <= 0 {
		return fmt.Errorf("%w: orchestrator.max_turns must be positive", ErrValidationFailed)
	}
	if cfg.AgentsDir == "" {
		return fmt.Errorf("%w: agents_dir is required", ErrValidationFailed)
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr is required when redis is enabled", ErrValidationFailed)
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"orchestrator.model_timeout", cfg.Orchestrator.ModelTimeout},
		{"breaker.recovery_timeout", cfg.Breaker.RecoveryTimeout},
		{"health.interval", cfg.Health.Interval},
		{"stream.heartbeat_interval", cfg.Stream.HeartbeatInterval},
		{"redis.op_timeout", cfg.Redis.OpTimeout},
		{"retention.approval_retention", cfg.Retention.ApprovalRetention},
		{"retention.timeline_retention", cfg.Retention.TimelineRetention},
		{"retention.interval", cfg.Retention.Interval},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrValidationFailed, field.name, err)
		}
	}
	if cfg.Costs.DefaultBudget != "" {
		if _, err := decimal.NewFromString(cfg.Costs.DefaultBudget); err != nil {
			return fmt.Errorf("%w: costs.default_budget: %v", ErrValidationFailed, err)
		}
	}
	return nil
}

// DefaultBudgetDecimal parses the default budget, or nil when unset.
func (c CostsConfig) DefaultBudgetDecimal() *decimal.Decimal {
	if c.DefaultBudget == "" {
		return nil
	}
	d, err := decimal.NewFromString(c.DefaultBudget)
	if err != nil {
		return nil
	}
	return &d
}
