package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "jurisdesk.yaml"

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
	setString(&cfg.Server.Port, "JURISDESK_PORT")
	setString(&cfg.Server.CORSOrigin, "JURISDESK_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "JURISDESK_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "JURISDESK_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "JURISDESK_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "JURISDESK_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "JURISDESK_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.RateLimitBucket, "JURISDESK_RATE_BUCKET")
	setDuration(&cfg.NATS.RateLimitKVTTL, "JURISDESK_RATE_KV_TTL")
	setBool(&cfg.NATS.SharedRateLimits, "JURISDESK_RATE_SHARED")
	setString(&cfg.Logging.Level, "JURISDESK_LOG_LEVEL")
	setString(&cfg.Logging.Service, "JURISDESK_LOG_SERVICE")
	setInt64(&cfg.Rate.CommandLimit, "JURISDESK_RATE_COMMAND_LIMIT")
	setDuration(&cfg.Rate.CommandWindow, "JURISDESK_RATE_COMMAND_WINDOW")
	setInt64(&cfg.Rate.ClaimLimit, "JURISDESK_RATE_CLAIM_LIMIT")
	setDuration(&cfg.Rate.ClaimWindow, "JURISDESK_RATE_CLAIM_WINDOW")
	setInt64(&cfg.Rate.ConnectorLimit, "JURISDESK_RATE_CONNECTOR_LIMIT")
	setDuration(&cfg.Rate.ConnectorWindow, "JURISDESK_RATE_CONNECTOR_WINDOW")
	setInt(&cfg.Rate.MaxTrackedKeys, "JURISDESK_RATE_MAX_KEYS")
	setDuration(&cfg.Rate.CleanupInterval, "JURISDESK_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "JURISDESK_RATE_MAX_IDLE_TIME")
	setInt64(&cfg.Cache.MaxSizeMB, "JURISDESK_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.CapabilitiesTTL, "JURISDESK_CACHE_CAPABILITIES_TTL")
	setBool(&cfg.Tracing.Enabled, "JURISDESK_TRACING_ENABLED")
	setString(&cfg.Tracing.Endpoint, "JURISDESK_TRACING_ENDPOINT")
	setInt(&cfg.Orchestrator.DefaultClaimLimit, "JURISDESK_ORCH_CLAIM_LIMIT")
	setInt(&cfg.Orchestrator.MaxClaimLimit, "JURISDESK_ORCH_MAX_CLAIM_LIMIT")
	setInt(&cfg.Orchestrator.SessionListLimit, "JURISDESK_ORCH_SESSION_LIST_LIMIT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Rate.CommandLimit < 1 || cfg.Rate.ClaimLimit < 1 || cfg.Rate.ConnectorLimit < 1 {
		return errors.New("rate limits must be >= 1")
	}
	if cfg.Orchestrator.DefaultClaimLimit < 1 {
		return errors.New("orchestrator.default_claim_limit must be >= 1")
	}
	if cfg.Orchestrator.MaxClaimLimit < cfg.Orchestrator.DefaultClaimLimit {
		return errors.New("orchestrator.max_claim_limit must be >= default_claim_limit")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
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
