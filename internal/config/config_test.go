package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if cfg.Server.Port != want.Server.Port {
		t.Errorf("Port = %d, want %d", cfg.Server.Port, want.Server.Port)
	}
	if cfg.Scheduler.StartupDelay != 5*time.Minute {
		t.Errorf("StartupDelay = %s, want 5m", cfg.Scheduler.StartupDelay)
	}
	if cfg.Optimizer.SynthesizeRules {
		t.Error("SynthesizeRules should default to false")
	}
	if len(cfg.Corpus.Extensions) != 3 {
		t.Errorf("Extensions = %v", cfg.Corpus.Extensions)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaultweave.yaml")
	data := `
server:
  port: 9000
corpus:
  roots: [/vaults/work, /vaults/home]
scheduler:
  tick_interval: 10s
  startup_delay: 0s
optimizer:
  synthesize_rules: true
notify:
  webhook_url: http://example.invalid/hook
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VAULTWEAVE_SERVER_BIND", "0.0.0.0")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr() != "0.0.0.0:9000" {
		t.Errorf("ListenAddr = %s, want 0.0.0.0:9000", cfg.ListenAddr())
	}
	if len(cfg.Corpus.Roots) != 2 || cfg.Corpus.Roots[1] != "/vaults/home" {
		t.Errorf("Roots = %v", cfg.Corpus.Roots)
	}
	if cfg.Scheduler.TickInterval != 10*time.Second {
		t.Errorf("TickInterval = %s, want 10s", cfg.Scheduler.TickInterval)
	}
	if cfg.Scheduler.StartupDelay != 0 {
		t.Errorf("StartupDelay = %s, want 0", cfg.Scheduler.StartupDelay)
	}
	if !cfg.Optimizer.SynthesizeRules {
		t.Error("SynthesizeRules = false, want true")
	}
	if cfg.Optimizer.MaxRulesPerCycle != 5 {
		t.Errorf("MaxRulesPerCycle = %d, want default 5", cfg.Optimizer.MaxRulesPerCycle)
	}
	if cfg.Notify.WebhookURL != "http://example.invalid/hook" {
		t.Errorf("WebhookURL = %q", cfg.Notify.WebhookURL)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cfg.Correlation.Threshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for threshold > 1")
	}

	cfg = Default()
	cfg.Scheduler.TickInterval = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero tick interval")
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	got, err := ResolvePath("", "rules.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/home/tester/.vaultweave/rules.yaml" {
		t.Errorf("ResolvePath = %s", got)
	}
	if got, _ := ResolvePath("/etc/r.yaml", "rules.yaml"); got != "/etc/r.yaml" {
		t.Errorf("ResolvePath explicit = %s", got)
	}
}
