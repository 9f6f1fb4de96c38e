package config

import (
	"os"
	"testing"
	"time"
)

func clearBenchqEnv() {
	for _, k := range []string{
		"BENCHQ_BACKEND", "BENCHQ_POSTGRES_DSN", "BENCHQ_S3_ENDPOINT",
		"BENCHQ_S3_BUCKET", "BENCHQ_VISIBILITY_TIMEOUT", "BENCHQ_STALE_THRESHOLD",
		"BENCHQ_EXECUTOR", "BENCHQ_RUN_SCRIPT", "BENCHQ_RUNNER_URL",
	} {
		_ = os.Unsetenv(k)
	}
}

func TestConfigLoad_Defaults(t *testing.T) {
	clearBenchqEnv()
	_ = os.Setenv("BENCHQ_BACKEND", "memory")
	defer clearBenchqEnv()

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.VisibilityTimeout != 2*time.Minute {
		t.Fatalf("unexpected default visibility timeout: %s", cfg.VisibilityTimeout)
	}
	if cfg.ExecutorKind != "script" || cfg.RunScript == "" {
		t.Fatalf("unexpected default executor config: %+v", cfg)
	}
}

func TestConfigLoad_EnvOverride(t *testing.T) {
	clearBenchqEnv()
	_ = os.Setenv("BENCHQ_BACKEND", "memory")
	_ = os.Setenv("BENCHQ_VISIBILITY_TIMEOUT", "45s")
	defer clearBenchqEnv()

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.VisibilityTimeout != 45*time.Second {
		t.Fatalf("visibility timeout env override failed, got %s", cfg.VisibilityTimeout)
	}
}

func TestConfigLoad_PostgresRequiresDSN(t *testing.T) {
	clearBenchqEnv()
	_ = os.Setenv("BENCHQ_BACKEND", "postgres")
	defer clearBenchqEnv()

	if _, err := New(); err == nil {
		t.Fatal("expected error for postgres backend without DSN")
	}
}
