package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Backends supported for the shard record store, queue, and lock.
// A deployment picks exactly one; substrates are never mixed within a run.
const (
	BackendPostgres = "postgres"
	BackendObject   = "object"
	BackendMemory   = "memory"
)

// Config holds the configuration for the scheduler and worker.
// Environment variables are automatically parsed from the BENCHQ_ prefix.
type Config struct {
	// Backend selects the substrate for records, queue, and lock:
	// postgres, object, or memory.
	Backend string `envconfig:"BACKEND" default:"postgres"`

	// Run scope. A worker serves exactly one run at a time.
	RunID         string `envconfig:"RUN_ID" default:""`
	BenchmarkUUID string `envconfig:"BENCHMARK_UUID" default:""`
	LockName      string `envconfig:"LOCK_NAME" default:"global"`

	// Postgres Configuration
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`

	// Object store Configuration
	S3Endpoint    string        `envconfig:"S3_ENDPOINT" default:""`
	S3Region      string        `envconfig:"S3_REGION" default:"us-east-1"`
	S3Bucket      string        `envconfig:"S3_BUCKET" default:""`
	S3Prefix      string        `envconfig:"S3_PREFIX" default:"runs"`
	S3AccessKey   string        `envconfig:"S3_ACCESS_KEY" default:""`
	S3SecretKey   string        `envconfig:"S3_SECRET_KEY" default:""`
	S3UseSSL      bool          `envconfig:"S3_USE_SSL" default:"true"`
	S3SettleDelay time.Duration `envconfig:"S3_SETTLE_DELAY" default:"600ms"`

	// Worker loop tuning
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`

	// IdlePollBudget is the number of consecutive empty polls before the
	// worker logs its idleness and resets the counter. The loop itself
	// exits only once the run is terminal.
	IdlePollBudget int `envconfig:"IDLE_POLL_BUDGET" default:"12"`

	VisibilityTimeout time.Duration `envconfig:"VISIBILITY_TIMEOUT" default:"2m"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	StaleThreshold    time.Duration `envconfig:"STALE_THRESHOLD" default:"0"`

	// Shard execution
	ShardTimeout   time.Duration `envconfig:"SHARD_TIMEOUT" default:"1h"`
	ExecutorKind   string        `envconfig:"EXECUTOR" default:"script"`
	RunScript      string        `envconfig:"RUN_SCRIPT" default:"./run-fuzzer.sh"`
	WorkDir        string        `envconfig:"WORK_DIR" default:""`
	RunnerURL      string        `envconfig:"RUNNER_URL" default:""`
	RetryBaseDelay time.Duration `envconfig:"RETRY_BASE_DELAY" default:"30s"`
	RetryMaxDelay  time.Duration `envconfig:"RETRY_MAX_DELAY" default:"5m"`

	// Global run lock
	LockLease         time.Duration `envconfig:"LOCK_LEASE" default:"2m"`
	LockRenewInterval time.Duration `envconfig:"LOCK_RENEW_INTERVAL" default:"30s"`
	LockFailureBudget int           `envconfig:"LOCK_FAILURE_BUDGET" default:"3"`

	// Transient store/queue error retries (operation-level, not shard-level)
	TransientRetries  int           `envconfig:"TRANSIENT_RETRIES" default:"3"`
	TransientBaseWait time.Duration `envconfig:"TRANSIENT_BASE_WAIT" default:"250ms"`

	// Worker status HTTP surface
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`
}

// ResolveDefaults validates the backend selection, checks backend-specific
// requirements, and derives the stale-running threshold when unset. The
// threshold must exceed the visibility timeout plus the heartbeat interval so
// a live executing worker is never reclaimed.
func (c *Config) ResolveDefaults() error {
	switch c.Backend {
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("BENCHQ_POSTGRES_DSN is required for the postgres backend")
		}
	case BackendObject:
		if c.S3Endpoint == "" || c.S3Bucket == "" {
			return fmt.Errorf("BENCHQ_S3_ENDPOINT and BENCHQ_S3_BUCKET are required for the object backend")
		}
	case BackendMemory:
		// no external requirements
	default:
		return fmt.Errorf("unsupported BACKEND: %s", c.Backend)
	}

	switch c.ExecutorKind {
	case "script":
		if c.RunScript == "" {
			return fmt.Errorf("BENCHQ_RUN_SCRIPT is required for the script executor")
		}
	case "http":
		if c.RunnerURL == "" {
			return fmt.Errorf("BENCHQ_RUNNER_URL is required for the http executor")
		}
	default:
		return fmt.Errorf("unsupported EXECUTOR: %s", c.ExecutorKind)
	}

	if c.StaleThreshold == 0 {
		c.StaleThreshold = c.VisibilityTimeout + c.HeartbeatInterval + 30*time.Second
	}
	if c.StaleThreshold <= c.VisibilityTimeout+c.HeartbeatInterval {
		return fmt.Errorf("STALE_THRESHOLD %s must exceed VISIBILITY_TIMEOUT + HEARTBEAT_INTERVAL", c.StaleThreshold)
	}

	if c.LockRenewInterval >= c.LockLease {
		return fmt.Errorf("LOCK_RENEW_INTERVAL %s must be shorter than LOCK_LEASE %s", c.LockRenewInterval, c.LockLease)
	}
	if c.LockFailureBudget < 1 {
		return fmt.Errorf("LOCK_FAILURE_BUDGET must be at least 1")
	}
	return nil
}

// New creates a new Config by parsing environment variables.
// Environment variables should be prefixed with BENCHQ_
// Example: BENCHQ_RUN_ID, BENCHQ_POSTGRES_DSN, BENCHQ_VISIBILITY_TIMEOUT.
func New() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("BENCHQ", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("backend", cfg.Backend).
		Str("run_id", cfg.RunID).
		Str("lock_name", cfg.LockName).
		Str("executor", cfg.ExecutorKind).
		Dur("visibility_timeout", cfg.VisibilityTimeout).
		Dur("heartbeat_interval", cfg.HeartbeatInterval).
		Dur("stale_threshold", cfg.StaleThreshold).
		Dur("lock_lease", cfg.LockLease).
		Int("http_port", cfg.HTTPPort).
		Str("postgres_dsn_present", func() string {
			if cfg.PostgresDSN != "" {
				return "true"
			}
			return "false"
		}()).
		Msg("Configuration loaded")

	return &cfg, nil
}

// NewForTesting creates a config for tests: memory backend, short timers,
// no settle delay.
func NewForTesting() *Config {
	return &Config{
		Backend:           BackendMemory,
		RunID:             "test-run",
		BenchmarkUUID:     "test-benchmark",
		LockName:          "global",
		PollInterval:      10 * time.Millisecond,
		IdlePollBudget:    3,
		VisibilityTimeout: time.Second,
		HeartbeatInterval: 100 * time.Millisecond,
		StaleThreshold:    2 * time.Second,
		ShardTimeout:      time.Second,
		ExecutorKind:      "script",
		RunScript:         "/bin/true",
		RetryBaseDelay:    10 * time.Millisecond,
		RetryMaxDelay:     100 * time.Millisecond,
		LockLease:         time.Second,
		LockRenewInterval: 100 * time.Millisecond,
		LockFailureBudget: 3,
		TransientRetries:  3,
		TransientBaseWait: time.Millisecond,
		HTTPPort:          8080,
	}
}

// GetHTTPAddr returns the HTTP server address.
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
