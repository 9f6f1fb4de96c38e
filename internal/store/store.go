package store

import (
	"context"
	"time"

	"github.com/scfuzzbench/benchq/internal/model"
)

// Store exposes the persistence operations required by the scheduler.
// Implementations live under internal/store/<driver>/ (postgres, object,
// memory). A deployment uses exactly one driver for records, queue, and
// lock; drivers are never mixed within a run.
type Store interface {
	Runs() Runs
	Shards() Shards
	Events() Events
	Workers() Workers
	DeadLetters() DeadLetters
}

type Runs interface {
	Create(ctx context.Context, r *model.Run) (*model.Run, error)
	Get(ctx context.Context, runID string) (*model.Run, error)

	// Tally counts shards per status. Drivers with transactional counters
	// read them directly; others derive the tally by scanning shard records.
	Tally(ctx context.Context, runID string) (model.RunTally, error)

	// Finalize moves a run from running to a terminal status with a single
	// conditional write and records the final tally. It returns
	// model.ErrConditionFailed when the run is no longer running, which is
	// how every worker but the completion winner learns it lost.
	Finalize(ctx context.Context, runID string, status model.RunStatus, tally model.RunTally) (*model.Run, error)
}

type Shards interface {
	// Put creates the shard record if absent. An existing record is
	// returned untouched so dispatch can be re-run safely.
	Put(ctx context.Context, s *model.Shard) (*model.Shard, error)
	Get(ctx context.Context, runID, shardKey string) (*model.Shard, error)
	List(ctx context.Context, runID string) ([]*model.Shard, error)

	// Transition is the only way a shard changes status. The write applies
	// iff the current status is in from; otherwise model.ErrConditionFailed
	// is returned and the caller re-reads before deciding anything.
	// Terminal records never transition. Attempts can only grow.
	Transition(ctx context.Context, runID, shardKey string, from []model.ShardStatus, to model.ShardStatus, mut model.ShardMutation) (*model.Shard, error)
}

type Events interface {
	Append(ctx context.Context, e *model.Event) error
	List(ctx context.Context, runID string) ([]*model.Event, error)
}

type Workers interface {
	Upsert(ctx context.Context, w *model.WorkerStatus) error
	List(ctx context.Context) ([]*model.WorkerStatus, error)
}

type DeadLetters interface {
	Add(ctx context.Context, d *model.DeadLetter) error
	List(ctx context.Context, runID string) ([]*model.DeadLetter, error)
}

// StaleBefore is the cutoff for reclaiming a shard stuck in running: records
// last touched before the returned instant are assumed orphaned by a dead
// worker.
func StaleBefore(now time.Time, threshold time.Duration) time.Time {
	return now.Add(-threshold)
}
