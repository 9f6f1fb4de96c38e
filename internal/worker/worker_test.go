package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/scfuzzbench/benchq/internal/config"
	"github.com/scfuzzbench/benchq/internal/lock"
	"github.com/scfuzzbench/benchq/internal/model"
	queuemem "github.com/scfuzzbench/benchq/internal/queue/memory"
	storemem "github.com/scfuzzbench/benchq/internal/store/memory"
)

func testConfig() *config.Config {
	cfg := config.NewForTesting()
	cfg.RunID = "r1"
	cfg.PollInterval = 5 * time.Millisecond
	cfg.IdlePollBudget = 100
	cfg.VisibilityTimeout = 50 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.StaleThreshold = 200 * time.Millisecond
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	return cfg
}

// scriptedExec pops scripted outcomes per shard key; unscripted executions
// succeed.
type scriptedExec struct {
	mu       sync.Mutex
	outcomes map[string][]model.Outcome
	calls    map[string]int
}

func newScriptedExec() *scriptedExec {
	return &scriptedExec{outcomes: make(map[string][]model.Outcome), calls: make(map[string]int)}
}

func (e *scriptedExec) script(shardKey string, outs ...model.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outcomes[shardKey] = append(e.outcomes[shardKey], outs...)
}

func (e *scriptedExec) Execute(_ context.Context, sh *model.Shard) model.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[sh.ShardKey]++
	queue := e.outcomes[sh.ShardKey]
	if len(queue) == 0 {
		return model.Outcome{Kind: model.OutcomeSuccess}
	}
	out := queue[0]
	e.outcomes[sh.ShardKey] = queue[1:]
	return out
}

func failure(code int) model.Outcome {
	return model.Outcome{Kind: model.OutcomeFailure, ExitCode: code, Message: "scripted failure"}
}

type harness struct {
	cfg    *config.Config
	store  *storemem.Store
	queue  *queuemem.Queue
	locker *lock.MemoryLocker
	exec   *scriptedExec
}

func newHarness(t *testing.T, shardKeys []string, maxAttempts int) *harness {
	t.Helper()
	h := &harness{
		cfg:    testConfig(),
		store:  storemem.New(),
		queue:  queuemem.New(),
		locker: lock.NewMemoryLocker(),
		exec:   newScriptedExec(),
	}
	ctx := context.Background()
	if _, err := h.store.Runs().Create(ctx, &model.Run{
		RunID:               h.cfg.RunID,
		BenchmarkUUID:       "bench-1",
		RequestedShardCount: len(shardKeys),
		MaxParallel:         1,
		ShardMaxAttempts:    maxAttempts,
	}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	for _, key := range shardKeys {
		if _, err := h.store.Shards().Put(ctx, &model.Shard{RunID: h.cfg.RunID, ShardKey: key, FuzzerID: key}); err != nil {
			t.Fatalf("put shard %s: %v", key, err)
		}
		if err := h.queue.Notify(ctx, model.ShardRef{RunID: h.cfg.RunID, ShardKey: key}); err != nil {
			t.Fatalf("notify %s: %v", key, err)
		}
	}
	return h
}

func (h *harness) runWorker(t *testing.T, id string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w := New(h.cfg, h.store, h.queue, h.locker, h.exec, id, zerolog.Nop())
	return w.Run(ctx)
}

func TestRun_AllShardsSucceed(t *testing.T) {
	h := newHarness(t, []string{"afl-000", "libfuzzer-000"}, 3)
	if err := h.runWorker(t, "w1"); err != nil {
		t.Fatalf("worker run: %v", err)
	}

	ctx := context.Background()
	run, err := h.store.Runs().Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != model.RunCompleted || run.SucceededCount != 2 || run.FailedCount != 0 {
		t.Fatalf("run: %+v", run)
	}
	if run.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}

	// Lock released: another run can take it immediately
	if _, err := h.locker.Acquire(ctx, h.cfg.LockName, "other-run", time.Minute); err != nil {
		t.Fatalf("lock not released after run completion: %v", err)
	}
}

// Three shards, one failing permanently: the run ends failed with the two
// successes still counted.
func TestRun_MixedOutcome(t *testing.T) {
	h := newHarness(t, []string{"afl-000", "honggfuzz-000", "libfuzzer-000"}, 2)
	h.exec.script("honggfuzz-000", failure(1), failure(1))

	if err := h.runWorker(t, "w1"); err != nil {
		t.Fatalf("worker run: %v", err)
	}

	ctx := context.Background()
	run, _ := h.store.Runs().Get(ctx, "r1")
	if run.Status != model.RunFailed || run.SucceededCount != 2 || run.FailedCount != 1 {
		t.Fatalf("run: %+v", run)
	}

	sh, _ := h.store.Shards().Get(ctx, "r1", "honggfuzz-000")
	if sh.Status != model.ShardFailed || sh.Attempts != 2 {
		t.Fatalf("failed shard: %+v", sh)
	}
	if sh.LastExitCode == nil || *sh.LastExitCode != 1 {
		t.Fatalf("failed shard exit code: %+v", sh.LastExitCode)
	}

	dls, err := h.store.DeadLetters().List(ctx, "r1")
	if err != nil || len(dls) != 1 || dls[0].ShardKey != "honggfuzz-000" {
		t.Fatalf("dead letters: %v err=%v", dls, err)
	}
}

func TestRun_RetryThenSuccess(t *testing.T) {
	h := newHarness(t, []string{"afl-000"}, 3)
	h.exec.script("afl-000", failure(2))

	if err := h.runWorker(t, "w1"); err != nil {
		t.Fatalf("worker run: %v", err)
	}

	ctx := context.Background()
	run, _ := h.store.Runs().Get(ctx, "r1")
	if run.Status != model.RunCompleted || run.SucceededCount != 1 {
		t.Fatalf("run: %+v", run)
	}
	sh, _ := h.store.Shards().Get(ctx, "r1", "afl-000")
	if sh.Status != model.ShardSucceeded || sh.Attempts != 2 {
		t.Fatalf("shard: %+v", sh)
	}
}

// A retry backoff longer than the whole idle budget must not end the
// worker: nothing is claimable while the shard backs off, yet the run is
// still live, and the loop has to keep polling until the shard is due.
func TestRun_RetryBackoffOutlastsIdleBudget(t *testing.T) {
	h := newHarness(t, []string{"afl-000"}, 3)
	h.cfg.IdlePollBudget = 2
	h.cfg.PollInterval = 2 * time.Millisecond
	h.cfg.VisibilityTimeout = 40 * time.Millisecond
	h.cfg.RetryBaseDelay = 60 * time.Millisecond
	h.cfg.RetryMaxDelay = 60 * time.Millisecond
	h.exec.script("afl-000", failure(1))

	if err := h.runWorker(t, "w1"); err != nil {
		t.Fatalf("worker run: %v", err)
	}

	ctx := context.Background()
	run, _ := h.store.Runs().Get(ctx, "r1")
	if run.Status != model.RunCompleted || run.SucceededCount != 1 {
		t.Fatalf("run: %+v", run)
	}
	sh, _ := h.store.Shards().Get(ctx, "r1", "afl-000")
	if sh.Status != model.ShardSucceeded || sh.Attempts != 2 {
		t.Fatalf("shard: %+v", sh)
	}
}

// A worker dies mid-execution: its shard sits in running until the stale
// threshold passes, then another worker reclaims and finishes it.
func TestRun_CrashRecovery(t *testing.T) {
	h := newHarness(t, []string{"afl-000"}, 3)
	ctx := context.Background()

	deadOwner := "w-dead"
	if _, err := h.store.Shards().Transition(ctx, "r1", "afl-000",
		[]model.ShardStatus{model.ShardQueued}, model.ShardRunning,
		model.ShardMutation{Owner: &deadOwner, IncrementAttempt: true}); err != nil {
		t.Fatalf("dead worker claim: %v", err)
	}
	h.store.AgeShard("r1", "afl-000", time.Minute)

	if err := h.runWorker(t, "w2"); err != nil {
		t.Fatalf("worker run: %v", err)
	}

	run, _ := h.store.Runs().Get(ctx, "r1")
	if run.Status != model.RunCompleted {
		t.Fatalf("run: %+v", run)
	}
	sh, _ := h.store.Shards().Get(ctx, "r1", "afl-000")
	if sh.Status != model.ShardSucceeded || sh.Owner != "w2" || sh.Attempts != 2 {
		t.Fatalf("recovered shard: %+v", sh)
	}
}

// A shard whose dead owner already burned the last attempt is reclaimed
// straight to the terminal failure.
func TestRun_ReclaimExhaustedAttempts(t *testing.T) {
	h := newHarness(t, []string{"afl-000"}, 1)
	ctx := context.Background()

	deadOwner := "w-dead"
	if _, err := h.store.Shards().Transition(ctx, "r1", "afl-000",
		[]model.ShardStatus{model.ShardQueued}, model.ShardRunning,
		model.ShardMutation{Owner: &deadOwner, IncrementAttempt: true}); err != nil {
		t.Fatalf("dead worker claim: %v", err)
	}
	h.store.AgeShard("r1", "afl-000", time.Minute)

	if err := h.runWorker(t, "w2"); err != nil {
		t.Fatalf("worker run: %v", err)
	}

	run, _ := h.store.Runs().Get(ctx, "r1")
	if run.Status != model.RunFailed || run.FailedCount != 1 {
		t.Fatalf("run: %+v", run)
	}
	sh, _ := h.store.Shards().Get(ctx, "r1", "afl-000")
	if sh.Status != model.ShardFailed || sh.Attempts != 1 {
		t.Fatalf("reclaimed shard: %+v", sh)
	}
	if n := h.exec.calls["afl-000"]; n != 0 {
		t.Fatalf("exhausted shard was re-executed %d times", n)
	}
}

// Duplicate hints for an already-terminal shard are dropped without
// touching the record.
func TestRun_DuplicateDeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t, []string{"afl-000"}, 3)
	ctx := context.Background()

	// Extra duplicate hints
	for i := 0; i < 3; i++ {
		if err := h.queue.Notify(ctx, model.ShardRef{RunID: "r1", ShardKey: "afl-000"}); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}

	if err := h.runWorker(t, "w1"); err != nil {
		t.Fatalf("worker run: %v", err)
	}

	sh, _ := h.store.Shards().Get(ctx, "r1", "afl-000")
	if sh.Status != model.ShardSucceeded || sh.Attempts != 1 {
		t.Fatalf("shard after duplicates: %+v", sh)
	}
	if n := h.exec.calls["afl-000"]; n != 1 {
		t.Fatalf("shard executed %d times, want 1", n)
	}
	run, _ := h.store.Runs().Get(ctx, "r1")
	if run.Status != model.RunCompleted || run.SucceededCount != 1 {
		t.Fatalf("run: %+v", run)
	}
}

// A hint for a shard whose live owner is still heartbeating is a duplicate:
// it gets acked without touching the record, while the owner's own delivery
// keeps covering the crash case.
func TestHandle_LiveRunningShardDropsDuplicateHint(t *testing.T) {
	h := newHarness(t, []string{"afl-000"}, 3)
	ctx := context.Background()

	other := "w-other"
	if _, err := h.store.Shards().Transition(ctx, "r1", "afl-000",
		[]model.ShardStatus{model.ShardQueued}, model.ShardRunning,
		model.ShardMutation{Owner: &other, IncrementAttempt: true}); err != nil {
		t.Fatalf("other worker claim: %v", err)
	}

	run, err := h.store.Runs().Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	w := New(h.cfg, h.store, h.queue, h.locker, h.exec, "w1", zerolog.Nop())
	w.run = run

	d, err := h.queue.Receive(ctx, "w1", h.cfg.VisibilityTimeout)
	if err != nil || d == nil {
		t.Fatalf("receive: d=%v err=%v", d, err)
	}
	w.handle(ctx, d)

	sh, _ := h.store.Shards().Get(ctx, "r1", "afl-000")
	if sh.Status != model.ShardRunning || sh.Owner != other || sh.Attempts != 1 {
		t.Fatalf("record touched by duplicate hint: %+v", sh)
	}
	if n := h.exec.calls["afl-000"]; n != 0 {
		t.Fatalf("duplicate hint executed the shard %d times", n)
	}
	depth, err := h.queue.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("duplicate hint not acked, depth=%d", depth)
	}
}

func TestRun_LockHeldByOtherRun(t *testing.T) {
	h := newHarness(t, []string{"afl-000"}, 3)
	ctx := context.Background()
	if _, err := h.locker.Acquire(ctx, h.cfg.LockName, "other-run", time.Minute); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}

	if err := h.runWorker(t, "w1"); !errors.Is(err, model.ErrLockHeld) {
		t.Fatalf("worker run: err=%v, want ErrLockHeld", err)
	}
}

func TestRun_TerminalRunReleasesLockAndExits(t *testing.T) {
	h := newHarness(t, []string{"afl-000"}, 3)
	ctx := context.Background()

	tally := model.RunTally{Total: 1, Succeeded: 1}
	if _, err := h.store.Runs().Finalize(ctx, "r1", model.RunCompleted, tally); err != nil {
		t.Fatalf("pre-finalize: %v", err)
	}

	if err := h.runWorker(t, "w1"); err != nil {
		t.Fatalf("worker run on terminal run: %v", err)
	}
	if n := h.exec.calls["afl-000"]; n != 0 {
		t.Fatalf("terminal run still executed shards: %d", n)
	}
}

func TestRun_TimeoutOutcomeMapsToTimedOut(t *testing.T) {
	h := newHarness(t, []string{"afl-000"}, 1)
	h.exec.script("afl-000", model.Outcome{Kind: model.OutcomeTimeout, ExitCode: 124, Message: "killed"})

	if err := h.runWorker(t, "w1"); err != nil {
		t.Fatalf("worker run: %v", err)
	}

	ctx := context.Background()
	sh, _ := h.store.Shards().Get(ctx, "r1", "afl-000")
	if sh.Status != model.ShardTimedOut {
		t.Fatalf("shard: %+v", sh)
	}
	run, _ := h.store.Runs().Get(ctx, "r1")
	if run.Status != model.RunFailed || run.FailedCount != 1 {
		t.Fatalf("run: %+v", run)
	}
}
