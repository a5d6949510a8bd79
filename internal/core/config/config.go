package config

import (
	"github.com/minhvu/mapflow/internal/engine/dlq"
	"github.com/minhvu/mapflow/internal/engine/retry"
	"github.com/minhvu/mapflow/internal/engine/rollback"
	"github.com/minhvu/mapflow/internal/infra/dlqstore"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Logging  LoggingConfig       `yaml:"logging"`
	Metrics  MetricsConfig       `yaml:"metrics"`
	Retry    retry.Options       `yaml:"retry"`
	Breaker  retry.BreakerConfig `yaml:"breaker"`
	DLQ      DLQConfig           `yaml:"dlq"`
	Rollback rollback.Config     `yaml:"rollback"`
	Pipeline PipelineConfig      `yaml:"pipeline"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Port int `yaml:"port"` // 0 disables the endpoint
}

// DLQConfig wires the queue with its persistence backend.
type DLQConfig struct {
	dlq.Config `yaml:",inline"`
	Storage    StorageConfig `yaml:"storage"`
}

// StorageConfig selects and configures the DLQ backend.
type StorageConfig struct {
	Type      string               `yaml:"type"` // memory, file, redis, sql
	Directory string               `yaml:"directory"`
	Fsync     bool                 `yaml:"fsync"`
	Redis     dlqstore.RedisConfig `yaml:"redis"`
	SQL       dlqstore.SQLConfig   `yaml:"sql"`
}

// PipelineConfig describes the staged pipeline to build.
type PipelineConfig struct {
	Strict bool          `yaml:"strict"`
	Stages []StageConfig `yaml:"stages"`
}

// StageConfig describes one stage. Kind selects the built-in stage
// implementation, Type its pipeline slot.
type StageConfig struct {
	Name      string         `yaml:"name"`
	Type      string         `yaml:"type"` // preprocess, transform, validate, postprocess
	Kind      string         `yaml:"kind"` // validation, sanitization, field_mapping, aggregation, quality_check, enrichment
	Threshold float64        `yaml:"threshold"`
	GroupBy   []string       `yaml:"group_by"`
	Rules     []RuleConfig   `yaml:"rules"`
	Options   map[string]any `yaml:"options"`
}

// RuleConfig is the YAML shape shared by every stage rule type. Stages pick
// the fields they need.
type RuleConfig struct {
	Type      string         `yaml:"type"`
	Field     string         `yaml:"field"`
	Fields    []string       `yaml:"fields"`
	Source    string         `yaml:"source"`
	Sources   []string       `yaml:"sources"`
	Target    string         `yaml:"target"`
	Transform string         `yaml:"transform"`
	Required  bool           `yaml:"required"`
	Pattern   string         `yaml:"pattern"`
	Min       *float64       `yaml:"min"`
	Max       *float64       `yaml:"max"`
	Options   map[string]any `yaml:"options"`
}
