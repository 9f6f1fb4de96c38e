// Package dispatch creates runs and their shard records. Dispatch is
// idempotent: re-running it after a partial failure creates only the
// missing shard records and never resets ones already being worked.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scfuzzbench/benchq/internal/model"
	"github.com/scfuzzbench/benchq/internal/queue"
	"github.com/scfuzzbench/benchq/internal/store"
)

// Request describes a run to dispatch: every fuzzer crossed with every run
// index up to RunsPerFuzzer.
type Request struct {
	RunID            string
	BenchmarkUUID    string
	Fuzzers          []string
	RunsPerFuzzer    int
	MaxParallel      int
	ShardMaxAttempts int
}

// Dispatcher writes run and shard records and notifies the queue.
type Dispatcher struct {
	store store.Store
	queue queue.Queue
	log   zerolog.Logger
}

// New constructs a Dispatcher.
func New(st store.Store, q queue.Queue, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{store: st, queue: q, log: log}
}

func (r *Request) validate() error {
	if len(r.Fuzzers) == 0 {
		return fmt.Errorf("at least one fuzzer required: %w", model.ErrValidation)
	}
	if r.RunsPerFuzzer < 1 {
		return fmt.Errorf("runs per fuzzer must be positive: %w", model.ErrValidation)
	}
	if r.ShardMaxAttempts < 1 {
		return fmt.Errorf("shard max attempts must be positive: %w", model.ErrValidation)
	}
	return nil
}

// Dispatch creates the run, its shard records, and queue hints for every
// shard still in queued. Returns the run record.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*model.Run, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.RunID == "" {
		req.RunID = fmt.Sprintf("run-%s-%s", time.Now().UTC().Format("20060102-150405"), uuid.New().String()[:8])
	}
	if req.BenchmarkUUID == "" {
		req.BenchmarkUUID = uuid.New().String()
	}
	if req.MaxParallel < 1 {
		req.MaxParallel = 1
	}

	run, err := d.store.Runs().Create(ctx, &model.Run{
		RunID:               req.RunID,
		BenchmarkUUID:       req.BenchmarkUUID,
		RequestedShardCount: len(req.Fuzzers) * req.RunsPerFuzzer,
		MaxParallel:         req.MaxParallel,
		ShardMaxAttempts:    req.ShardMaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, fmt.Errorf("run %s: %w", run.RunID, model.ErrRunTerminal)
	}

	var refs []model.ShardRef
	for _, fuzzer := range req.Fuzzers {
		for idx := 0; idx < req.RunsPerFuzzer; idx++ {
			sh, err := d.store.Shards().Put(ctx, &model.Shard{
				RunID:    run.RunID,
				ShardKey: model.ShardKey(fuzzer, idx),
				FuzzerID: fuzzer,
				RunIndex: idx,
			})
			if err != nil {
				return nil, err
			}
			// Hints only for claimable records; shards already claimed or
			// finished by a previous dispatch are left alone.
			if sh.Status == model.ShardQueued {
				refs = append(refs, model.ShardRef{RunID: sh.RunID, ShardKey: sh.ShardKey})
			}
		}
	}

	if len(refs) > 0 {
		if err := d.queue.NotifyMany(ctx, refs); err != nil {
			return nil, err
		}
	}

	if err := d.store.Events().Append(ctx, &model.Event{
		EventType: "run_dispatched",
		RunID:     run.RunID,
		Status:    string(run.Status),
		Message:   fmt.Sprintf("%d shards, %d notified", run.RequestedShardCount, len(refs)),
	}); err != nil {
		d.log.Warn().Err(err).Str("run_id", run.RunID).Msg("dispatch event write failed")
	}

	d.log.Info().
		Str("run_id", run.RunID).
		Int("shards", run.RequestedShardCount).
		Int("notified", len(refs)).
		Msg("run dispatched")
	return run, nil
}
