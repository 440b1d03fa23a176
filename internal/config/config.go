// Package config loads the toolkit configuration from YAML or JSON5 files
// with environment-variable expansion and $include composition.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level configuration.
type Config struct {
	Agent       AgentConfig       `yaml:"agent"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Compaction  CompactionConfig  `yaml:"compaction"`
	Credentials map[string]string `yaml:"credentials"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// AgentConfig configures the turn loop.
type AgentConfig struct {
	Model          string `yaml:"model"`
	SystemPrompt   string `yaml:"system_prompt"`
	MaxTurns       int    `yaml:"max_turns"`
	MaxTokens      int    `yaml:"max_tokens"`
	ThinkingBudget int    `yaml:"thinking_budget"`
	AutoExecute    *bool  `yaml:"auto_execute"`
	Workdir        string `yaml:"workdir"`
}

// RuntimeConfig configures subprocess execution.
type RuntimeConfig struct {
	Shell          string        `yaml:"shell"`
	Interpreter    string        `yaml:"interpreter"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
}

// CompactionConfig configures context compaction.
type CompactionConfig struct {
	ContextWindow int     `yaml:"context_window"`
	ReserveTokens int     `yaml:"reserve_tokens"`
	Threshold     float64 `yaml:"threshold"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	Environment string  `yaml:"environment"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load reads, merges, and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Agent.MaxTurns == 0 {
		cfg.Agent.MaxTurns = 10
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = 4096
	}
	if cfg.Agent.AutoExecute == nil {
		on := true
		cfg.Agent.AutoExecute = &on
	}
	if cfg.Runtime.Shell == "" {
		cfg.Runtime.Shell = "/bin/sh"
	}
	if cfg.Runtime.Timeout == 0 {
		cfg.Runtime.Timeout = 60 * time.Second
	}
	if cfg.Runtime.MaxOutputBytes == 0 {
		cfg.Runtime.MaxOutputBytes = 1 << 20
	}
	if cfg.Compaction.ContextWindow == 0 {
		cfg.Compaction.ContextWindow = 100000
	}
	if cfg.Compaction.ReserveTokens == 0 {
		cfg.Compaction.ReserveTokens = 2000
	}
	if cfg.Compaction.Threshold == 0 {
		cfg.Compaction.Threshold = 0.85
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "loom"
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 1.0
	}
}

// Validate rejects configurations the loop cannot run with.
func (c *Config) Validate() error {
	if c.Agent.MaxTurns < 0 {
		return fmt.Errorf("agent.max_turns must be positive")
	}
	if c.Agent.MaxTokens < 0 {
		return fmt.Errorf("agent.max_tokens must be positive")
	}
	if c.Compaction.Threshold < 0 || c.Compaction.Threshold > 1 {
		return fmt.Errorf("compaction.threshold must be in (0, 1]")
	}
	if c.Compaction.ReserveTokens >= c.Compaction.ContextWindow {
		return fmt.Errorf("compaction.reserve_tokens must be smaller than context_window")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}
