package agent

import (
	"github.com/haasonsaas/loom/internal/compaction"
	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/execrt"
	"github.com/haasonsaas/loom/internal/observability"
)

// NewFromConfig builds an agent session from a loaded configuration file,
// wiring the logger, execution runtime, compaction policy, and metrics it
// describes. Explicit options override the configured components. Tracing is
// not constructed here: its shutdown handle belongs to the caller, who passes
// the tracer in via WithTracer.
func NewFromConfig(provider Provider, cfg *config.Config, opts ...Option) *Agent {
	if cfg == nil {
		cfg = config.Default()
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	runner := execrt.NewRunner(logger,
		execrt.WithShell(cfg.Runtime.Shell),
		execrt.WithInterpreter(cfg.Runtime.Interpreter),
		execrt.WithMaxOutput(cfg.Runtime.MaxOutputBytes),
		execrt.WithDefaultTimeout(cfg.Runtime.Timeout),
	)

	wired := []Option{WithLogger(logger), WithRunner(runner)}
	if cfg.Metrics.Enabled {
		wired = append(wired, WithMetrics(observability.NewMetrics(nil)))
	}

	return New(provider, loopConfig(cfg), append(wired, opts...)...)
}

// loopConfig maps the file-level configuration onto the loop's Config.
func loopConfig(cfg *config.Config) *Config {
	return &Config{
		MaxTurns:       cfg.Agent.MaxTurns,
		MaxTokens:      cfg.Agent.MaxTokens,
		Model:          cfg.Agent.Model,
		SystemPrompt:   cfg.Agent.SystemPrompt,
		ThinkingBudget: cfg.Agent.ThinkingBudget,
		AutoExecute:    cfg.Agent.AutoExecute == nil || *cfg.Agent.AutoExecute,
		Workdir:        cfg.Agent.Workdir,
		Credentials:    cfg.Credentials,
		Compaction: compaction.Policy{
			ContextWindow: cfg.Compaction.ContextWindow,
			ReserveTokens: cfg.Compaction.ReserveTokens,
			Threshold:     cfg.Compaction.Threshold,
		},
	}
}
