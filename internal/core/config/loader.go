package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/minhvu/mapflow/internal/engine/dlq"
	"github.com/minhvu/mapflow/internal/engine/retry"
	"github.com/minhvu/mapflow/internal/engine/rollback"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.DLQ.MaxSize == 0 {
		cfg.DLQ.MaxSize = dlq.DefaultConfig.MaxSize
	}
	if cfg.DLQ.RetentionPeriod == 0 {
		cfg.DLQ.RetentionPeriod = dlq.DefaultConfig.RetentionPeriod
	}
	if cfg.DLQ.FlushInterval == 0 {
		cfg.DLQ.FlushInterval = dlq.DefaultConfig.FlushInterval
	}
	if cfg.DLQ.Storage.Type == "" {
		cfg.DLQ.Storage.Type = "memory"
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = retry.DefaultOptions.MaxRetries
	}
	if cfg.Retry.Policy == "" {
		cfg.Retry.Policy = retry.DefaultOptions.Policy
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry.InitialDelay = retry.DefaultOptions.InitialDelay
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = retry.DefaultOptions.MaxDelay
	}
	if cfg.Retry.Factor == 0 {
		cfg.Retry.Factor = retry.DefaultOptions.Factor
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = retry.DefaultBreakerConfig.FailureThreshold
	}
	if cfg.Breaker.MinimumRequests == 0 {
		cfg.Breaker.MinimumRequests = retry.DefaultBreakerConfig.MinimumRequests
	}
	if cfg.Breaker.ResetTimeout == 0 {
		cfg.Breaker.ResetTimeout = retry.DefaultBreakerConfig.ResetTimeout
	}
	if cfg.Breaker.CounterInterval == 0 {
		cfg.Breaker.CounterInterval = retry.DefaultBreakerConfig.CounterInterval
	}
	if cfg.Rollback.SnapshotInterval == 0 {
		cfg.Rollback.SnapshotInterval = rollback.DefaultConfig.SnapshotInterval
	}
	if cfg.Rollback.ReapAfter == 0 {
		cfg.Rollback.ReapAfter = rollback.DefaultConfig.ReapAfter
	}
	if cfg.Rollback.ReapInterval == 0 {
		cfg.Rollback.ReapInterval = rollback.DefaultConfig.ReapInterval
	}
	if cfg.Rollback.DefaultStrategy == "" {
		cfg.Rollback.DefaultStrategy = rollback.DefaultConfig.DefaultStrategy
	}

	return &cfg, nil
}
