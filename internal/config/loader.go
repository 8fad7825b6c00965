package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "arbiter.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "ARBITER_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "ARBITER_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "ARBITER_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "ARBITER_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "ARBITER_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.LiteLLM.URL, "LITELLM_URL")
	setString(&cfg.LiteLLM.MasterKey, "LITELLM_MASTER_KEY")
	setString(&cfg.Logging.Level, "ARBITER_LOG_LEVEL")
	setString(&cfg.Logging.Service, "ARBITER_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "ARBITER_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "ARBITER_BREAKER_TIMEOUT")
	setInt64(&cfg.Cache.MaxSizeMB, "ARBITER_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "ARBITER_CACHE_TTL")

	setInt(&cfg.Orchestrator.MaxReflection, "ARBITER_MAX_REFLECTION")
	setFloat64(&cfg.Orchestrator.FinalizeConfidence, "ARBITER_FINALIZE_CONFIDENCE")
	setFloat64(&cfg.Orchestrator.EscalateConfidence, "ARBITER_ESCALATE_CONFIDENCE")
	setInt(&cfg.Orchestrator.MinEscalateLen, "ARBITER_MIN_ESCALATE_LEN")
	setStringSlice(&cfg.Orchestrator.HighRiskDomains, "ARBITER_HIGH_RISK_DOMAINS")
	setFloat64(&cfg.Orchestrator.LowConfPublish, "ARBITER_LOW_CONF_PUBLISH")
	setString(&cfg.Orchestrator.DeclineMessage, "ARBITER_DECLINE_MESSAGE")
	setStringSlice(&cfg.Orchestrator.EscalationAdapters, "ARBITER_ESCALATION_ADAPTERS")
	setBool(&cfg.Orchestrator.ClassifierJitterOff, "ARBITER_JITTER_OFF")

	setInt(&cfg.Workers.PoolSize, "ARBITER_WORKER_POOL_SIZE")
	setString(&cfg.Workers.Command, "ARBITER_WORKER_COMMAND")
	setDuration(&cfg.Workers.CallTimeout, "ARBITER_WORKER_CALL_TIMEOUT")

	setString(&cfg.Provenance.Backend, "ARBITER_PROVENANCE_BACKEND")
	setString(&cfg.Provenance.Dir, "ARBITER_PROVENANCE_DIR")

	setBool(&cfg.Telemetry.Enabled, "ARBITER_OTEL_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "ARBITER_OTEL_ENDPOINT")
}

// validate checks that required fields are set and thresholds are sane.
func validate(cfg *Config) error {
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Orchestrator.MaxReflection < 0 {
		return errors.New("orchestrator.max_reflection must be >= 0")
	}
	if cfg.Orchestrator.FinalizeConfidence <= 0 || cfg.Orchestrator.FinalizeConfidence > 1 {
		return errors.New("orchestrator.finalize_confidence must be in (0, 1]")
	}
	if cfg.Orchestrator.EscalateConfidence < 0 || cfg.Orchestrator.EscalateConfidence > 1 {
		return errors.New("orchestrator.escalate_confidence must be in [0, 1]")
	}
	if cfg.Workers.PoolSize < 1 {
		return errors.New("workers.pool_size must be >= 1")
	}
	switch cfg.Provenance.Backend {
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for the postgres provenance backend")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case "file":
		if cfg.Provenance.Dir == "" {
			return errors.New("provenance.dir is required for the file backend")
		}
	default:
		return fmt.Errorf("provenance.backend must be postgres or file, got %q", cfg.Provenance.Backend)
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if len(cfg.Providers) == 0 {
		return errors.New("at least one provider is required")
	}
	seen := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.Name == "" || p.Model == "" {
			return errors.New("every provider needs a name and a model")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
