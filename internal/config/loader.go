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
const DefaultConfigFile = "crucible.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
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
	setString(&cfg.Server.Port, "CRUCIBLE_PORT")
	setString(&cfg.Server.CORSOrigin, "CRUCIBLE_CORS_ORIGIN")

	setString(&cfg.Database.Driver, "CRUCIBLE_DB_DRIVER")
	setString(&cfg.Database.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Database.Postgres.MaxConns, "CRUCIBLE_PG_MAX_CONNS")
	setInt32(&cfg.Database.Postgres.MinConns, "CRUCIBLE_PG_MIN_CONNS")
	setDuration(&cfg.Database.Postgres.MaxConnLifetime, "CRUCIBLE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Database.Postgres.MaxConnIdleTime, "CRUCIBLE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Database.Postgres.HealthCheck, "CRUCIBLE_PG_HEALTH_CHECK")
	setString(&cfg.Database.Bolt.Path, "CRUCIBLE_BOLT_PATH")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.SubmitSubject, "CRUCIBLE_NATS_SUBMIT_SUBJECT")
	setString(&cfg.NATS.StreamName, "CRUCIBLE_NATS_STREAM")

	setInt64(&cfg.Cache.L1MaxSizeMB, "CRUCIBLE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "CRUCIBLE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "CRUCIBLE_CACHE_L2_TTL")

	setString(&cfg.Logging.Level, "CRUCIBLE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CRUCIBLE_LOG_SERVICE")
	setString(&cfg.Logging.File, "CRUCIBLE_LOG_FILE")
	setBool(&cfg.Logging.Async, "CRUCIBLE_LOG_ASYNC")

	setString(&cfg.OTel.Endpoint, "CRUCIBLE_OTEL_ENDPOINT")
	setString(&cfg.OTel.ServiceName, "CRUCIBLE_OTEL_SERVICE")
	setBool(&cfg.OTel.Insecure, "CRUCIBLE_OTEL_INSECURE")
	setFloat64(&cfg.OTel.SampleRatio, "CRUCIBLE_OTEL_SAMPLE_RATIO")

	setString(&cfg.Sandbox.Binary, "CRUCIBLE_SANDBOX_BINARY")
	setString(&cfg.Sandbox.DefaultImage, "CRUCIBLE_SANDBOX_IMAGE")
	setString(&cfg.Sandbox.User, "CRUCIBLE_SANDBOX_USER")
	setString(&cfg.Sandbox.TmpfsSize, "CRUCIBLE_SANDBOX_TMPFS_SIZE")
	setDuration(&cfg.Sandbox.StopGrace, "CRUCIBLE_SANDBOX_STOP_GRACE")
	setInt(&cfg.Sandbox.Limits.MemoryMB, "CRUCIBLE_SANDBOX_MEMORY_MB")
	setFloat64(&cfg.Sandbox.Limits.CPUs, "CRUCIBLE_SANDBOX_CPUS")
	setInt(&cfg.Sandbox.Limits.PidsLimit, "CRUCIBLE_SANDBOX_PIDS_LIMIT")

	setString(&cfg.Agent.DefaultBackend, "CRUCIBLE_AGENT_BACKEND")
	setString(&cfg.Agent.DefaultProfile, "CRUCIBLE_AGENT_PROFILE")
	setString(&cfg.Agent.ContractDir, "CRUCIBLE_CONTRACT_DIR")

	setString(&cfg.Verify.TestCommand, "CRUCIBLE_TEST_COMMAND")
	setString(&cfg.Verify.LintCommand, "CRUCIBLE_LINT_COMMAND")
	setString(&cfg.Verify.BuildCommand, "CRUCIBLE_BUILD_COMMAND")
	setInt(&cfg.Verify.MaxFixAttempts, "CRUCIBLE_MAX_FIX_ATTEMPTS")
	setDuration(&cfg.Verify.CheckTimeout, "CRUCIBLE_CHECK_TIMEOUT")

	setString(&cfg.Artifacts.Dir, "CRUCIBLE_ARTIFACTS_DIR")
	setString(&cfg.Artifacts.ScratchDir, "CRUCIBLE_SCRATCH_DIR")

	setString(&cfg.Auth.TokenHash, "CRUCIBLE_AUTH_TOKEN_HASH")

	setFloat64(&cfg.Rate.RequestsPerSecond, "CRUCIBLE_RATE_RPS")
	setInt(&cfg.Rate.Burst, "CRUCIBLE_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "CRUCIBLE_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "CRUCIBLE_RATE_MAX_IDLE_TIME")

	setInt(&cfg.Breaker.MaxFailures, "CRUCIBLE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "CRUCIBLE_BREAKER_TIMEOUT")

	setInt(&cfg.Git.MaxConcurrent, "CRUCIBLE_GIT_MAX_CONCURRENT")

	setString(&cfg.Inference.Command, "CRUCIBLE_INFERENCE_COMMAND")
	setString(&cfg.Inference.URL, "CRUCIBLE_INFERENCE_URL")
	setDuration(&cfg.Inference.HealthInterval, "CRUCIBLE_INFERENCE_HEALTH_INTERVAL")
	setInt(&cfg.Inference.FailureThreshold, "CRUCIBLE_INFERENCE_FAILURE_THRESHOLD")
	setInt(&cfg.Inference.MaxRestarts, "CRUCIBLE_INFERENCE_MAX_RESTARTS")
	setDuration(&cfg.Inference.RestartBackoff, "CRUCIBLE_INFERENCE_RESTART_BACKOFF")

	setBool(&cfg.MCP.Enabled, "CRUCIBLE_MCP_ENABLED")
	setString(&cfg.MCP.Port, "CRUCIBLE_MCP_PORT")

	setBool(&cfg.A2A.Enabled, "CRUCIBLE_A2A_ENABLED")
	setString(&cfg.A2A.BaseURL, "CRUCIBLE_A2A_BASE_URL")
}

// validate checks required fields and cross-field rules.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Database.Postgres.DSN == "" {
			return errors.New("database.postgres.dsn is required")
		}
		if cfg.Database.Postgres.MaxConns < 1 {
			return errors.New("database.postgres.max_conns must be >= 1")
		}
	case "bolt":
		if cfg.Database.Bolt.Path == "" {
			return errors.New("database.bolt.path is required")
		}
	default:
		return fmt.Errorf("database.driver must be postgres or bolt, got %q", cfg.Database.Driver)
	}
	if cfg.Sandbox.DefaultImage == "" {
		return errors.New("sandbox.default_image is required")
	}
	if cfg.Artifacts.Dir == "" {
		return errors.New("artifacts.dir is required")
	}
	if cfg.Verify.MaxFixAttempts < 0 {
		return errors.New("verify.max_fix_attempts must be >= 0")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.OTel.SampleRatio < 0 || cfg.OTel.SampleRatio > 1 {
		return errors.New("otel.sample_ratio must be within [0, 1]")
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
