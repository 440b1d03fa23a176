package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "loom.yaml", `
agent:
  model: claude-sonnet-4
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Model != "claude-sonnet-4" {
		t.Errorf("Model = %q", cfg.Agent.Model)
	}
	if cfg.Agent.MaxTurns != 10 {
		t.Errorf("MaxTurns default = %d, want 10", cfg.Agent.MaxTurns)
	}
	if cfg.Agent.AutoExecute == nil || !*cfg.Agent.AutoExecute {
		t.Error("AutoExecute should default to true")
	}
	if cfg.Runtime.Shell != "/bin/sh" {
		t.Errorf("Shell default = %q", cfg.Runtime.Shell)
	}
	if cfg.Runtime.Timeout != 60*time.Second {
		t.Errorf("Timeout default = %v", cfg.Runtime.Timeout)
	}
	if cfg.Compaction.ContextWindow != 100000 || cfg.Compaction.Threshold != 0.85 {
		t.Errorf("compaction defaults = %+v", cfg.Compaction)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Format default = %q", cfg.Logging.Format)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("LOOM_CFG_MODEL", "from-env")
	path := writeConfig(t, t.TempDir(), "loom.yaml", `
agent:
  model: ${LOOM_CFG_MODEL}
credentials:
  API_KEY: ${LOOM_CFG_MODEL}-key
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Model != "from-env" {
		t.Errorf("Model = %q", cfg.Agent.Model)
	}
	if cfg.Credentials["API_KEY"] != "from-env-key" {
		t.Errorf("Credentials = %v", cfg.Credentials)
	}
}

func TestLoadInclude(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", `
agent:
  max_turns: 5
  model: base-model
logging:
  level: debug
`)
	path := writeConfig(t, dir, "loom.yaml", `
$include: base.yaml
agent:
  model: override-model
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	// The including file wins; untouched keys come from the include.
	if cfg.Agent.Model != "override-model" {
		t.Errorf("Model = %q", cfg.Agent.Model)
	}
	if cfg.Agent.MaxTurns != 5 {
		t.Errorf("MaxTurns = %d, want 5 from include", cfg.Agent.MaxTurns)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug from include", cfg.Logging.Level)
	}
}

func TestLoadIncludeBareKey(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", "agent:\n  max_turns: 3\n")
	path := writeConfig(t, dir, "loom.yaml", `
include: base.yaml
agent:
  model: top
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.MaxTurns != 3 || cfg.Agent.Model != "top" {
		t.Errorf("agent = %+v", cfg.Agent)
	}
}

func TestLoadIncludeWithEnvExpansion(t *testing.T) {
	t.Setenv("LOOM_CFG_LEVEL", "warn")
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", "logging:\n  level: ${LOOM_CFG_LEVEL}\n")
	path := writeConfig(t, dir, "loom.yaml", "$include: base.yaml\nagent:\n  model: m\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeConfig(t, dir, "b.yaml", "$include: a.yaml\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("err = %v, want include cycle", err)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "loom.json5", `{
  // comments are allowed here
  agent: {model: "json5-model", max_turns: 7},
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Model != "json5-model" || cfg.Agent.MaxTurns != 7 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "loom.yaml", `
agent:
  modle: typo
`)
	if _, err := Load(path); err == nil {
		t.Error("unknown key should be rejected")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative max_turns", func(c *Config) { c.Agent.MaxTurns = -1 }},
		{"threshold out of range", func(c *Config) { c.Compaction.Threshold = 1.5 }},
		{"reserve exceeds window", func(c *Config) {
			c.Compaction.ContextWindow = 100
			c.Compaction.ReserveTokens = 200
		}},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Endpoint = "" }},
	}
	for _, tt := range tests {
		cfg := Default()
		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate accepted invalid config", tt.name)
		}
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file should error")
	}
	if _, err := Load("  "); err == nil {
		t.Error("blank path should error")
	}
}
