package executor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/scfuzzbench/benchq/internal/model"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("script executor tests require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "run.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func testShard() *model.Shard {
	return &model.Shard{RunID: "r1", ShardKey: "afl-000", FuzzerID: "afl", RunIndex: 0, Attempts: 1}
}

func TestScript_Success(t *testing.T) {
	path := writeScript(t, "exit 0")
	ex := NewScript(path, "", time.Minute, zerolog.Nop())
	out := ex.Execute(context.Background(), testShard())
	if out.Kind != model.OutcomeSuccess || out.ExitCode != 0 {
		t.Fatalf("outcome: %+v", out)
	}
}

func TestScript_Failure(t *testing.T) {
	path := writeScript(t, "exit 7")
	ex := NewScript(path, "", time.Minute, zerolog.Nop())
	out := ex.Execute(context.Background(), testShard())
	if out.Kind != model.OutcomeFailure || out.ExitCode != 7 {
		t.Fatalf("outcome: %+v", out)
	}
}

func TestScript_Timeout(t *testing.T) {
	path := writeScript(t, "sleep 10")
	ex := NewScript(path, "", 100*time.Millisecond, zerolog.Nop())
	out := ex.Execute(context.Background(), testShard())
	if out.Kind != model.OutcomeTimeout || out.ExitCode != TimeoutExitCode {
		t.Fatalf("outcome: %+v", out)
	}
}

func TestScript_MissingBinary(t *testing.T) {
	ex := NewScript(filepath.Join(t.TempDir(), "absent.sh"), "", time.Minute, zerolog.Nop())
	out := ex.Execute(context.Background(), testShard())
	if out.Kind != model.OutcomeFailure || out.Message == "" {
		t.Fatalf("outcome: %+v", out)
	}
}

func TestOutcomeFromExitCode(t *testing.T) {
	if out := OutcomeFromExitCode(0, ""); out.Kind != model.OutcomeSuccess {
		t.Fatalf("code 0: %+v", out)
	}
	if out := OutcomeFromExitCode(TimeoutExitCode, "slow"); out.Kind != model.OutcomeTimeout {
		t.Fatalf("code 124: %+v", out)
	}
	if out := OutcomeFromExitCode(1, "boom"); out.Kind != model.OutcomeFailure || out.ExitCode != 1 {
		t.Fatalf("code 1: %+v", out)
	}
}
