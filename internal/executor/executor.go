// Package executor runs one shard attempt and reports the outcome. The
// scheduler treats executors as a black box: success, failure with an exit
// code, or timeout. Exit code 124 is the timeout convention, matching the
// coreutils timeout tool.
package executor

import (
	"context"

	"github.com/scfuzzbench/benchq/internal/model"
)

// TimeoutExitCode is the conventional exit code for a timed-out run.
const TimeoutExitCode = 124

// Executor runs a single attempt of a shard. Execute never returns an
// error; infrastructure failures are failure outcomes so the scheduler's
// retry policy applies uniformly.
type Executor interface {
	Execute(ctx context.Context, shard *model.Shard) model.Outcome
}

// OutcomeFromExitCode maps a process exit code onto an outcome.
func OutcomeFromExitCode(code int, message string) model.Outcome {
	switch code {
	case 0:
		return model.Outcome{Kind: model.OutcomeSuccess, ExitCode: 0}
	case TimeoutExitCode:
		return model.Outcome{Kind: model.OutcomeTimeout, ExitCode: code, Message: message}
	default:
		return model.Outcome{Kind: model.OutcomeFailure, ExitCode: code, Message: message}
	}
}
