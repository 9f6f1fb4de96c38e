package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/scfuzzbench/benchq/internal/model"
	"github.com/scfuzzbench/benchq/internal/store"
)

// Run exercises a compliance suite against a store.Store implementation.
// Implementations should provide a clean, isolated store from makeStore.
// The suite covers the conditional-transition contract every driver must
// honor: guarded writes, terminal immutability, monotonic attempts, and
// exactly-once run finalization.
func Run(t *testing.T, makeStore func(t *testing.T) store.Store) {
	t.Helper()

	s := makeStore(t)
	ctx := context.Background()

	runID := "r-" + uuid.New().String()

	// Runs
	r, err := s.Runs().Create(ctx, &model.Run{
		RunID:               runID,
		BenchmarkUUID:       uuid.New().String(),
		RequestedShardCount: 2,
		MaxParallel:         2,
		ShardMaxAttempts:    3,
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if r.Status != model.RunRunning {
		t.Fatalf("CreateRun: status=%s, want running", r.Status)
	}
	if got, err := s.Runs().Get(ctx, runID); err != nil || got.RunID != runID {
		t.Fatalf("GetRun: got=%v err=%v", got, err)
	}
	if _, err := s.Runs().Get(ctx, "no-such-run"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("GetRun missing: err=%v, want ErrNotFound", err)
	}

	// Shards: idempotent Put
	sh, err := s.Shards().Put(ctx, &model.Shard{
		RunID: runID, ShardKey: model.ShardKey("afl", 0), FuzzerID: "afl", RunIndex: 0,
	})
	if err != nil {
		t.Fatalf("PutShard: %v", err)
	}
	if sh.Status != model.ShardQueued || sh.Attempts != 0 {
		t.Fatalf("PutShard: status=%s attempts=%d", sh.Status, sh.Attempts)
	}
	again, err := s.Shards().Put(ctx, &model.Shard{
		RunID: runID, ShardKey: sh.ShardKey, FuzzerID: "afl", RunIndex: 0,
	})
	if err != nil || again.Status != model.ShardQueued {
		t.Fatalf("PutShard again: got=%v err=%v", again, err)
	}
	if _, err := s.Shards().Put(ctx, &model.Shard{
		RunID: runID, ShardKey: model.ShardKey("libfuzzer", 0), FuzzerID: "libfuzzer", RunIndex: 0,
	}); err != nil {
		t.Fatalf("PutShard second: %v", err)
	}

	owner := "worker-1"
	// queued -> running claims the shard and bumps the attempt
	claimed, err := s.Shards().Transition(ctx, runID, sh.ShardKey,
		[]model.ShardStatus{model.ShardQueued}, model.ShardRunning,
		model.ShardMutation{Owner: &owner, IncrementAttempt: true})
	if err != nil {
		t.Fatalf("Transition claim: %v", err)
	}
	if claimed.Status != model.ShardRunning || claimed.Attempts != 1 || claimed.Owner != owner {
		t.Fatalf("Transition claim: %+v", claimed)
	}

	// A second claim against the same record must lose
	if _, err := s.Shards().Transition(ctx, runID, sh.ShardKey,
		[]model.ShardStatus{model.ShardQueued}, model.ShardRunning,
		model.ShardMutation{Owner: &owner, IncrementAttempt: true}); !errors.Is(err, model.ErrConditionFailed) {
		t.Fatalf("Transition double claim: err=%v, want ErrConditionFailed", err)
	}
	if got, _ := s.Shards().Get(ctx, runID, sh.ShardKey); got.Attempts != 1 {
		t.Fatalf("losing claim mutated attempts: %d", got.Attempts)
	}

	// running -> succeeded
	zero := 0
	done, err := s.Shards().Transition(ctx, runID, sh.ShardKey,
		[]model.ShardStatus{model.ShardRunning}, model.ShardSucceeded,
		model.ShardMutation{LastExitCode: &zero})
	if err != nil || done.Status != model.ShardSucceeded {
		t.Fatalf("Transition succeed: got=%v err=%v", done, err)
	}

	// Terminal records are immutable
	if _, err := s.Shards().Transition(ctx, runID, sh.ShardKey,
		[]model.ShardStatus{model.ShardSucceeded}, model.ShardRunning,
		model.ShardMutation{}); !errors.Is(err, model.ErrConditionFailed) {
		t.Fatalf("Transition on terminal: err=%v, want ErrConditionFailed", err)
	}

	// Missing shard
	if _, err := s.Shards().Transition(ctx, runID, "nope",
		[]model.ShardStatus{model.ShardQueued}, model.ShardRunning,
		model.ShardMutation{}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Transition missing shard: err=%v, want ErrNotFound", err)
	}

	// Drive the second shard through a retry to a terminal failure
	key2 := model.ShardKey("libfuzzer", 0)
	if _, err := s.Shards().Transition(ctx, runID, key2,
		[]model.ShardStatus{model.ShardQueued}, model.ShardRunning,
		model.ShardMutation{Owner: &owner, IncrementAttempt: true}); err != nil {
		t.Fatalf("claim shard2: %v", err)
	}
	code := 1
	msg := "exit status 1"
	if _, err := s.Shards().Transition(ctx, runID, key2,
		[]model.ShardStatus{model.ShardRunning}, model.ShardRetrying,
		model.ShardMutation{LastExitCode: &code, LastError: &msg}); err != nil {
		t.Fatalf("retry shard2: %v", err)
	}
	if _, err := s.Shards().Transition(ctx, runID, key2,
		[]model.ShardStatus{model.ShardRetrying}, model.ShardRunning,
		model.ShardMutation{Owner: &owner, IncrementAttempt: true}); err != nil {
		t.Fatalf("reclaim shard2: %v", err)
	}
	failed, err := s.Shards().Transition(ctx, runID, key2,
		[]model.ShardStatus{model.ShardRunning}, model.ShardFailed,
		model.ShardMutation{LastExitCode: &code})
	if err != nil {
		t.Fatalf("fail shard2: %v", err)
	}
	if failed.Attempts != 2 {
		t.Fatalf("attempts not monotonic: %d, want 2", failed.Attempts)
	}

	// Tally reflects both terminal shards
	tally, err := s.Runs().Tally(ctx, runID)
	if err != nil {
		t.Fatalf("Tally: %v", err)
	}
	if tally.Succeeded != 1 || tally.Failed != 1 || tally.Terminal() != 2 {
		t.Fatalf("Tally: %+v", tally)
	}
	if !tally.AllTerminal(2) {
		t.Fatalf("AllTerminal false for complete run: %+v", tally)
	}

	// Finalize is exactly-once
	fin, err := s.Runs().Finalize(ctx, runID, tally.Verdict(), tally)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if fin.Status != model.RunFailed || fin.SucceededCount != 1 || fin.FailedCount != 1 {
		t.Fatalf("Finalize: %+v", fin)
	}
	if fin.CompletedAt == nil {
		t.Fatalf("Finalize: completed_at not set")
	}
	if _, err := s.Runs().Finalize(ctx, runID, model.RunFailed, tally); !errors.Is(err, model.ErrConditionFailed) {
		t.Fatalf("second Finalize: err=%v, want ErrConditionFailed", err)
	}

	// List preserves both shards
	if lst, err := s.Shards().List(ctx, runID); err != nil || len(lst) != 2 {
		t.Fatalf("ListShards: n=%d err=%v", len(lst), err)
	}

	// Events and worker presence
	if err := s.Events().Append(ctx, &model.Event{
		RunID: runID, EventType: "shard_succeeded", ShardKey: sh.ShardKey, WorkerID: owner, Attempt: 1,
	}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if evs, err := s.Events().List(ctx, runID); err != nil || len(evs) == 0 {
		t.Fatalf("ListEvents: n=%d err=%v", len(evs), err)
	}
	if err := s.Workers().Upsert(ctx, &model.WorkerStatus{
		WorkerID: owner, Hostname: "host-a", State: model.WorkerStopped,
	}); err != nil {
		t.Fatalf("UpsertWorker: %v", err)
	}
	if ws, err := s.Workers().List(ctx); err != nil || len(ws) == 0 {
		t.Fatalf("ListWorkers: n=%d err=%v", len(ws), err)
	}

	// Dead letters
	if err := s.DeadLetters().Add(ctx, &model.DeadLetter{
		RunID: runID, ShardKey: key2, Attempt: failed.Attempts, Shard: *failed,
	}); err != nil {
		t.Fatalf("AddDeadLetter: %v", err)
	}
	if dls, err := s.DeadLetters().List(ctx, runID); err != nil || len(dls) != 1 {
		t.Fatalf("ListDeadLetters: n=%d err=%v", len(dls), err)
	}
}
