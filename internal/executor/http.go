package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/scfuzzbench/benchq/internal/model"
)

// HTTP delegates shard execution to a remote runner service. The runner
// blocks until the attempt finishes and reports the exit code; the client
// timeout therefore exceeds the shard timeout by a grace margin.
type HTTP struct {
	client *resty.Client
	log    zerolog.Logger
}

type executeRequest struct {
	RunID          string `json:"runId"`
	ShardKey       string `json:"shardKey"`
	FuzzerID       string `json:"fuzzerId"`
	RunIndex       int    `json:"runIndex"`
	Attempt        int    `json:"attempt"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type executeResponse struct {
	ExitCode int    `json:"exitCode"`
	Message  string `json:"message"`
}

// NewHTTP constructs an executor against baseURL.
func NewHTTP(baseURL string, shardTimeout time.Duration, log zerolog.Logger) *HTTP {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(shardTimeout + time.Minute).
		SetRetryCount(0)
	return &HTTP{client: client, log: log}
}

func (h *HTTP) Execute(ctx context.Context, shard *model.Shard) model.Outcome {
	req := executeRequest{
		RunID:          shard.RunID,
		ShardKey:       shard.ShardKey,
		FuzzerID:       shard.FuzzerID,
		RunIndex:       shard.RunIndex,
		Attempt:        shard.Attempts,
		TimeoutSeconds: int((h.client.GetClient().Timeout - time.Minute).Seconds()),
	}

	var resp executeResponse
	httpResp, err := h.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post("/v1/execute")
	if err != nil {
		return model.Outcome{Kind: model.OutcomeFailure, ExitCode: -1, Message: err.Error()}
	}
	if httpResp.IsError() {
		return model.Outcome{
			Kind:     model.OutcomeFailure,
			ExitCode: -1,
			Message:  fmt.Sprintf("runner returned %s", httpResp.Status()),
		}
	}
	return OutcomeFromExitCode(resp.ExitCode, resp.Message)
}
