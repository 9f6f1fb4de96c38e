package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/scfuzzbench/benchq/internal/model"
)

// Script runs the per-fuzzer benchmark script as a child process under a
// hard timeout. The script receives the fuzzer id and run index as
// arguments and the shard identity in the environment.
type Script struct {
	path    string
	workDir string
	timeout time.Duration
	log     zerolog.Logger
}

// NewScript constructs a script executor.
func NewScript(path, workDir string, timeout time.Duration, log zerolog.Logger) *Script {
	return &Script{path: path, workDir: workDir, timeout: timeout, log: log}
}

func (s *Script) Execute(ctx context.Context, shard *model.Shard) model.Outcome {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.path, shard.FuzzerID, strconv.Itoa(shard.RunIndex))
	cmd.Dir = s.workDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"BENCHQ_RUN_ID="+shard.RunID,
		"BENCHQ_SHARD_KEY="+shard.ShardKey,
		"BENCHQ_FUZZER_ID="+shard.FuzzerID,
		"BENCHQ_RUN_INDEX="+strconv.Itoa(shard.RunIndex),
		"BENCHQ_ATTEMPT="+strconv.Itoa(shard.Attempts),
	)

	s.log.Info().
		Str("shard_key", shard.ShardKey).
		Str("script", s.path).
		Dur("timeout", s.timeout).
		Msg("executing shard")

	err := cmd.Run()
	if err == nil {
		return OutcomeFromExitCode(0, "")
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return model.Outcome{
			Kind:     model.OutcomeTimeout,
			ExitCode: TimeoutExitCode,
			Message:  fmt.Sprintf("killed after %s", s.timeout),
		}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return OutcomeFromExitCode(exitErr.ExitCode(), err.Error())
	}
	// The process never started (missing script, permissions).
	return model.Outcome{Kind: model.OutcomeFailure, ExitCode: -1, Message: err.Error()}
}
