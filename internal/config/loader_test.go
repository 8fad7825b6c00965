package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if cfg.Orchestrator.MaxReflection != 3 {
		t.Fatalf("expected max_reflection 3, got %d", cfg.Orchestrator.MaxReflection)
	}
	if cfg.Orchestrator.FinalizeConfidence != 0.92 {
		t.Fatalf("expected finalize_confidence 0.92, got %v", cfg.Orchestrator.FinalizeConfidence)
	}
	if cfg.Workers.PoolSize != 2 {
		t.Fatalf("expected pool_size 2, got %d", cfg.Workers.PoolSize)
	}
	if cfg.Provenance.Backend != "file" {
		t.Fatalf("expected file backend, got %q", cfg.Provenance.Backend)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arbiter.yaml")
	yaml := `
orchestrator:
  max_reflection: 5
  finalize_confidence: 0.85
  high_risk_domains: [medical, nuclear]
workers:
  pool_size: 4
  call_timeout: 10s
providers:
  - name: sage
    role: deliberate
    model: openai/o3
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if cfg.Orchestrator.MaxReflection != 5 {
		t.Fatalf("expected max_reflection 5, got %d", cfg.Orchestrator.MaxReflection)
	}
	if cfg.Orchestrator.FinalizeConfidence != 0.85 {
		t.Fatalf("expected finalize_confidence 0.85, got %v", cfg.Orchestrator.FinalizeConfidence)
	}
	if len(cfg.Orchestrator.HighRiskDomains) != 2 || cfg.Orchestrator.HighRiskDomains[1] != "nuclear" {
		t.Fatalf("unexpected high risk domains: %v", cfg.Orchestrator.HighRiskDomains)
	}
	if cfg.Workers.CallTimeout != 10*time.Second {
		t.Fatalf("expected call_timeout 10s, got %v", cfg.Workers.CallTimeout)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Name != "sage" {
		t.Fatalf("unexpected providers: %+v", cfg.Providers)
	}
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	t.Setenv("ARBITER_MAX_REFLECTION", "7")
	t.Setenv("ARBITER_HIGH_RISK_DOMAINS", "medical, financial")
	t.Setenv("ARBITER_WORKER_CALL_TIMEOUT", "5s")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if cfg.Orchestrator.MaxReflection != 7 {
		t.Fatalf("expected max_reflection 7, got %d", cfg.Orchestrator.MaxReflection)
	}
	if len(cfg.Orchestrator.HighRiskDomains) != 2 || cfg.Orchestrator.HighRiskDomains[1] != "financial" {
		t.Fatalf("unexpected high risk domains: %v", cfg.Orchestrator.HighRiskDomains)
	}
	if cfg.Workers.CallTimeout != 5*time.Second {
		t.Fatalf("expected call_timeout 5s, got %v", cfg.Workers.CallTimeout)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no providers", func(c *Config) { c.Providers = nil }},
		{"duplicate provider", func(c *Config) {
			c.Providers = append(c.Providers, c.Providers[0])
		}},
		{"bad finalize confidence", func(c *Config) { c.Orchestrator.FinalizeConfidence = 1.5 }},
		{"zero pool", func(c *Config) { c.Workers.PoolSize = 0 }},
		{"unknown backend", func(c *Config) { c.Provenance.Backend = "s3" }},
		{"file backend without dir", func(c *Config) {
			c.Provenance.Backend = "file"
			c.Provenance.Dir = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			if err := validate(&cfg); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}
