// Package worker implements the shard worker loop: take a dispatch hint,
// claim the shard through a conditional write, execute it, and finalize the
// result through another conditional write. Workers are ephemeral and
// interchangeable; all coordination state lives in the record store.
package worker

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scfuzzbench/benchq/internal/config"
	"github.com/scfuzzbench/benchq/internal/executor"
	"github.com/scfuzzbench/benchq/internal/lock"
	"github.com/scfuzzbench/benchq/internal/model"
	"github.com/scfuzzbench/benchq/internal/queue"
	"github.com/scfuzzbench/benchq/internal/store"
)

// Worker drives one shard at a time for a single run.
type Worker struct {
	cfg    *config.Config
	store  store.Store
	queue  queue.Queue
	locker lock.Locker
	exec   executor.Executor
	id     string
	host   string
	log    zerolog.Logger

	run *model.Run
}

// New constructs a Worker. workerID is the stable identity recorded as the
// owner on claimed shards.
func New(cfg *config.Config, st store.Store, q queue.Queue, locker lock.Locker, ex executor.Executor, workerID string, log zerolog.Logger) *Worker {
	host, _ := os.Hostname()
	return &Worker{
		cfg:    cfg,
		store:  st,
		queue:  q,
		locker: locker,
		exec:   ex,
		id:     workerID,
		host:   host,
		log:    log.With().Str("worker_id", workerID).Str("run_id", cfg.RunID).Logger(),
	}
}

// Run executes the worker loop until the run finishes, the context is
// canceled, or the lock lease is lost.
func (w *Worker) Run(ctx context.Context) error {
	run, err := w.store.Runs().Get(ctx, w.cfg.RunID)
	if err != nil {
		return err
	}
	w.run = run
	if run.Status.Terminal() {
		w.log.Info().Str("status", string(run.Status)).Msg("run already terminal")
		return w.locker.Release(ctx, w.cfg.LockName, w.cfg.RunID)
	}

	// The lock owner is the run, not this worker, so every worker of the
	// run shares the lease and any of them can renew it.
	if _, err := w.locker.Acquire(ctx, w.cfg.LockName, w.cfg.RunID, w.cfg.LockLease); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var hbWG sync.WaitGroup
	var lostOnce sync.Once
	hb := lock.NewHeartbeat(w.locker, w.cfg.LockName, w.cfg.RunID,
		w.cfg.LockLease, w.cfg.LockRenewInterval, w.cfg.LockFailureBudget,
		func() {
			lostOnce.Do(func() {
				w.failRunClosed()
				cancel()
			})
		}, w.log)
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		_ = hb.Run(loopCtx)
	}()

	w.publishWorkerStatus(loopCtx, model.WorkerIdle, "", 0, nil)
	err = w.loop(loopCtx)
	cancel()
	hbWG.Wait()

	// Publish with the parent context: loopCtx is gone by now.
	w.publishWorkerStatus(ctx, model.WorkerStopped, "", 0, nil)

	if run, gerr := w.store.Runs().Get(ctx, w.cfg.RunID); gerr == nil && run.Status.Terminal() {
		// Release only once the run is over; an idle lull must not drop
		// the lock while shards are still outstanding.
		if rerr := w.locker.Release(ctx, w.cfg.LockName, w.cfg.RunID); rerr != nil {
			w.log.Warn().Err(rerr).Msg("lock release failed")
		}
	}
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// Internal cancel (lease lost), not an operator shutdown.
		return errors.New("run lock lease lost")
	}
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	idlePolls := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delivery, err := w.receive(ctx)
		if err != nil {
			w.log.Error().Err(err).Msg("receive failed")
		}
		if delivery == nil {
			idlePolls++
			done, err := w.checkCompletion(ctx)
			if err != nil {
				w.log.Error().Err(err).Msg("completion check failed")
			}
			if done {
				return nil
			}
			if idlePolls >= w.cfg.IdlePollBudget {
				// Never exit on idleness alone: shards backing off in
				// retrying produce no claimable hints for the length of
				// their delay, yet the run is still live. The loop ends
				// only when the run record is terminal.
				w.log.Info().Int("idle_polls", idlePolls).Msg("no claimable work, run still active")
				idlePolls = 0
			}
			if err := w.idleSleep(ctx); err != nil {
				return err
			}
			continue
		}

		idlePolls = 0
		w.handle(ctx, delivery)
	}
}

func (w *Worker) receive(ctx context.Context) (*queue.Delivery, error) {
	var d *queue.Delivery
	err := retryTransient(ctx, w.cfg.TransientRetries, w.cfg.TransientBaseWait, func() error {
		var rerr error
		d, rerr = w.queue.Receive(ctx, w.id, w.cfg.VisibilityTimeout)
		return rerr
	})
	return d, err
}

// idleSleep waits one poll interval plus jitter so a fleet of idle workers
// does not list in lockstep.
func (w *Worker) idleSleep(ctx context.Context) error {
	jitterMax := 3 * time.Second
	if jitterMax > w.cfg.PollInterval {
		jitterMax = w.cfg.PollInterval
	}
	sleep := w.cfg.PollInterval + time.Duration(rand.Int63n(int64(jitterMax)+1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(sleep):
		return nil
	}
}

// handle processes one delivery end to end. Hints are advisory, so every
// decision is re-derived from the shard record, never from the hint.
func (w *Worker) handle(ctx context.Context, d *queue.Delivery) {
	sh, err := w.store.Shards().Get(ctx, d.Ref.RunID, d.Ref.ShardKey)
	if errors.Is(err, model.ErrNotFound) {
		// Hint for a record that never existed; drop it.
		w.ack(ctx, d)
		return
	}
	if err != nil {
		w.log.Error().Err(err).Str("shard_key", d.Ref.ShardKey).Msg("shard read failed")
		return // visibility expiry will redeliver
	}

	now := time.Now().UTC()
	switch sh.Status {
	case model.ShardQueued:
		// claim below
	case model.ShardRetrying:
		if sh.NextAttemptAt != nil && sh.NextAttemptAt.After(now) {
			// Not due yet; leave the hint for later.
			return
		}
	case model.ShardRunning:
		if !sh.UpdatedAt.Before(store.StaleBefore(now, w.cfg.StaleThreshold)) {
			// A live owner is on it, so this hint is a duplicate and safe
			// to drop: the owner's own delivery stays un-acked while it
			// executes, and a crash still surfaces either as that
			// delivery's visibility expiring or as the record going
			// stale, both of which produce a new claimable hint.
			w.ack(ctx, d)
			return
		}
		sh = w.reclaim(ctx, sh)
		if sh == nil || sh.Status != model.ShardRetrying {
			w.ack(ctx, d)
			return
		}
	default: // terminal
		w.ack(ctx, d)
		return
	}

	claimed := w.claim(ctx, sh)
	if claimed == nil {
		// Lost the race or the record moved on; re-read to decide whether
		// the hint is spent.
		if cur, err := w.store.Shards().Get(ctx, d.Ref.RunID, d.Ref.ShardKey); err == nil && cur.Status.Terminal() {
			w.ack(ctx, d)
		}
		return
	}

	w.publishWorkerStatus(ctx, model.WorkerRunning, claimed.ShardKey, claimed.Attempts, nil)
	w.appendEvent(ctx, "shard_claimed", claimed, nil, "")

	outcome := w.execute(ctx, d, claimed)
	w.finalize(ctx, claimed, outcome)
	w.ack(ctx, d)

	if _, err := w.checkCompletion(ctx); err != nil {
		w.log.Error().Err(err).Msg("completion check failed")
	}
	w.publishWorkerStatus(ctx, model.WorkerIdle, "", 0, &outcome.ExitCode)
}

// reclaim moves a stale running shard out of the dead owner's hands:
// retrying when attempts remain, the terminal failure otherwise.
func (w *Worker) reclaim(ctx context.Context, sh *model.Shard) *model.Shard {
	w.log.Warn().
		Str("shard_key", sh.ShardKey).
		Str("stale_owner", sh.Owner).
		Time("updated_at", sh.UpdatedAt).
		Msg("reclaiming stale running shard")

	msg := "reclaimed from unresponsive owner " + sh.Owner
	if sh.Attempts >= w.run.ShardMaxAttempts {
		failed, err := w.store.Shards().Transition(ctx, sh.RunID, sh.ShardKey,
			[]model.ShardStatus{model.ShardRunning}, model.ShardFailed,
			model.ShardMutation{LastError: &msg})
		if err != nil {
			if !errors.Is(err, model.ErrConditionFailed) {
				w.log.Error().Err(err).Str("shard_key", sh.ShardKey).Msg("stale shard fail transition")
			}
			return nil
		}
		w.appendEvent(ctx, "shard_failed", failed, failed.LastExitCode, msg)
		w.deadLetter(ctx, failed)
		return failed
	}

	due := time.Now().UTC()
	requeued, err := w.store.Shards().Transition(ctx, sh.RunID, sh.ShardKey,
		[]model.ShardStatus{model.ShardRunning}, model.ShardRetrying,
		model.ShardMutation{NextAttemptAt: &due, LastError: &msg})
	if err != nil {
		if !errors.Is(err, model.ErrConditionFailed) {
			w.log.Error().Err(err).Str("shard_key", sh.ShardKey).Msg("stale shard requeue transition")
		}
		return nil
	}
	w.appendEvent(ctx, "shard_reclaimed", requeued, nil, msg)
	return requeued
}

// claim attempts the conditional transition into running. A nil return
// means the claim was lost, which is normal under contention.
func (w *Worker) claim(ctx context.Context, sh *model.Shard) *model.Shard {
	token := uuid.New().String()
	var claimed *model.Shard
	err := retryTransient(ctx, w.cfg.TransientRetries, w.cfg.TransientBaseWait, func() error {
		var terr error
		claimed, terr = w.store.Shards().Transition(ctx, sh.RunID, sh.ShardKey,
			[]model.ShardStatus{model.ShardQueued, model.ShardRetrying}, model.ShardRunning,
			model.ShardMutation{
				Owner:            &w.id,
				ClaimToken:       &token,
				IncrementAttempt: true,
				ClearNextAttempt: true,
			})
		return terr
	})
	if err != nil {
		if !errors.Is(err, model.ErrConditionFailed) && !errors.Is(err, model.ErrNotFound) {
			w.log.Error().Err(err).Str("shard_key", sh.ShardKey).Msg("claim failed")
		}
		return nil
	}
	return claimed
}

// execute runs the shard while two refreshers prove liveness: one extends
// the queue visibility window, the other touches the shard record so other
// workers never see it as stale. Losing record ownership cancels the
// execution immediately.
func (w *Worker) execute(ctx context.Context, d *queue.Delivery, sh *model.Shard) model.Outcome {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-execCtx.Done():
				return
			case <-ticker.C:
				if err := w.queue.Extend(execCtx, d.Receipt, w.cfg.VisibilityTimeout); err != nil {
					w.log.Warn().Err(err).Str("shard_key", sh.ShardKey).Msg("visibility extend failed")
				}
				// Touch keeps updated_at fresh without changing anything
				// else. ConditionFailed here means we no longer own the
				// record and must stop burning cycles on it.
				_, err := w.store.Shards().Transition(execCtx, sh.RunID, sh.ShardKey,
					[]model.ShardStatus{model.ShardRunning}, model.ShardRunning,
					model.ShardMutation{})
				if errors.Is(err, model.ErrConditionFailed) {
					w.log.Warn().Str("shard_key", sh.ShardKey).Msg("shard ownership lost mid-execution")
					cancel()
					return
				}
				if err != nil && !errors.Is(err, context.Canceled) {
					w.log.Warn().Err(err).Str("shard_key", sh.ShardKey).Msg("shard heartbeat failed")
				}
			}
		}
	}()

	outcome := w.exec.Execute(execCtx, sh)
	cancel()
	wg.Wait()
	return outcome
}

// finalize records the outcome through the conditional running -> next
// transition. On ErrConditionFailed the record is re-read and respected;
// the result of an attempt we no longer own is discarded.
func (w *Worker) finalize(ctx context.Context, sh *model.Shard, outcome model.Outcome) {
	to, mut, event := w.planFinalize(sh, outcome)

	var out *model.Shard
	err := retryTransient(ctx, w.cfg.TransientRetries, w.cfg.TransientBaseWait, func() error {
		var terr error
		out, terr = w.store.Shards().Transition(ctx, sh.RunID, sh.ShardKey,
			[]model.ShardStatus{model.ShardRunning}, to, mut)
		return terr
	})
	if errors.Is(err, model.ErrConditionFailed) {
		cur, gerr := w.store.Shards().Get(ctx, sh.RunID, sh.ShardKey)
		if gerr != nil {
			w.log.Error().Err(gerr).Str("shard_key", sh.ShardKey).Msg("finalize re-read failed")
			return
		}
		w.log.Warn().
			Str("shard_key", sh.ShardKey).
			Str("status", string(cur.Status)).
			Str("owner", cur.Owner).
			Msg("finalize lost, outcome discarded")
		return
	}
	if err != nil {
		w.log.Error().Err(err).Str("shard_key", sh.ShardKey).Msg("finalize failed")
		return
	}

	w.appendEvent(ctx, event, out, mut.LastExitCode, outcome.Message)
	if out.Status == model.ShardRetrying {
		// The delivery that carried this attempt gets acked, so the retry
		// needs a fresh hint.
		if nerr := w.queue.Notify(ctx, model.ShardRef{RunID: out.RunID, ShardKey: out.ShardKey}); nerr != nil {
			w.log.Warn().Err(nerr).Str("shard_key", out.ShardKey).Msg("retry hint publish failed")
		}
	}
	if out.Status.Terminal() && out.Status != model.ShardSucceeded {
		w.deadLetter(ctx, out)
	}
	w.log.Info().
		Str("shard_key", out.ShardKey).
		Str("status", string(out.Status)).
		Int("attempt", out.Attempts).
		Int("exit_code", outcome.ExitCode).
		Msg("shard finalized")
}

func (w *Worker) planFinalize(sh *model.Shard, outcome model.Outcome) (model.ShardStatus, model.ShardMutation, string) {
	code := outcome.ExitCode
	switch outcome.Kind {
	case model.OutcomeSuccess:
		return model.ShardSucceeded, model.ShardMutation{LastExitCode: &code}, "shard_succeeded"
	case model.OutcomeTimeout:
		if sh.Attempts >= w.run.ShardMaxAttempts {
			msg := outcome.Message
			return model.ShardTimedOut, model.ShardMutation{LastExitCode: &code, LastError: &msg}, "shard_timed_out"
		}
	default:
		if sh.Attempts >= w.run.ShardMaxAttempts {
			msg := outcome.Message
			return model.ShardFailed, model.ShardMutation{LastExitCode: &code, LastError: &msg}, "shard_failed"
		}
	}
	due := time.Now().UTC().Add(RetryDelay(sh.Attempts, w.cfg.RetryBaseDelay, w.cfg.RetryMaxDelay))
	msg := outcome.Message
	return model.ShardRetrying, model.ShardMutation{NextAttemptAt: &due, LastExitCode: &code, LastError: &msg}, "shard_retrying"
}

// checkCompletion finalizes the run when every shard is terminal. Exactly
// one worker wins the conditional write; the rest observe the loss and
// carry on. Returns true once the run is terminal.
func (w *Worker) checkCompletion(ctx context.Context) (bool, error) {
	tally, err := w.store.Runs().Tally(ctx, w.cfg.RunID)
	if err != nil {
		return false, err
	}
	if !tally.AllTerminal(w.run.RequestedShardCount) {
		return false, nil
	}

	fin, err := w.store.Runs().Finalize(ctx, w.cfg.RunID, tally.Verdict(), tally)
	if errors.Is(err, model.ErrConditionFailed) {
		return true, nil // another worker declared it first
	}
	if err != nil {
		return false, err
	}
	w.log.Info().
		Str("status", string(fin.Status)).
		Int("succeeded", fin.SucceededCount).
		Int("failed", fin.FailedCount).
		Msg("run finalized")
	if aerr := w.store.Events().Append(ctx, &model.Event{
		EventType: "run_" + string(fin.Status),
		RunID:     fin.RunID,
		WorkerID:  w.id,
		Status:    string(fin.Status),
	}); aerr != nil {
		w.log.Warn().Err(aerr).Msg("run event write failed")
	}
	return true, nil
}

// failRunClosed marks the run failed after the lock lease is lost. Best
// effort with a short deadline: the lease is already gone.
func (w *Worker) failRunClosed() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tally, err := w.store.Runs().Tally(ctx, w.cfg.RunID)
	if err != nil {
		w.log.Error().Err(err).Msg("fail-closed tally failed")
		tally = model.RunTally{}
	}
	if _, err := w.store.Runs().Finalize(ctx, w.cfg.RunID, model.RunFailed, tally); err != nil && !errors.Is(err, model.ErrConditionFailed) {
		w.log.Error().Err(err).Msg("fail-closed run finalize failed")
	}
	_ = w.locker.Release(ctx, w.cfg.LockName, w.cfg.RunID)
}

func (w *Worker) ack(ctx context.Context, d *queue.Delivery) {
	if err := w.queue.Ack(ctx, d.Receipt); err != nil {
		w.log.Warn().Err(err).Str("shard_key", d.Ref.ShardKey).Msg("ack failed")
	}
}

func (w *Worker) deadLetter(ctx context.Context, sh *model.Shard) {
	if err := w.store.DeadLetters().Add(ctx, &model.DeadLetter{
		RunID:    sh.RunID,
		ShardKey: sh.ShardKey,
		Attempt:  sh.Attempts,
		Shard:    *sh,
	}); err != nil {
		w.log.Warn().Err(err).Str("shard_key", sh.ShardKey).Msg("dead letter write failed")
	}
}

func (w *Worker) appendEvent(ctx context.Context, eventType string, sh *model.Shard, exitCode *int, message string) {
	if err := w.store.Events().Append(ctx, &model.Event{
		EventType: eventType,
		RunID:     sh.RunID,
		WorkerID:  w.id,
		ShardKey:  sh.ShardKey,
		Status:    string(sh.Status),
		Attempt:   sh.Attempts,
		ExitCode:  exitCode,
		Message:   message,
	}); err != nil {
		w.log.Warn().Err(err).Str("shard_key", sh.ShardKey).Msg("event write failed")
	}
}

func (w *Worker) publishWorkerStatus(ctx context.Context, state model.WorkerState, shardKey string, attempt int, exitCode *int) {
	if err := w.store.Workers().Upsert(ctx, &model.WorkerStatus{
		WorkerID:     w.id,
		Hostname:     w.host,
		State:        state,
		CurrentShard: shardKey,
		Attempt:      attempt,
		LastExitCode: exitCode,
	}); err != nil {
		w.log.Warn().Err(err).Msg("worker status write failed")
	}
}
