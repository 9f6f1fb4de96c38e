// Package scan provides the degraded dispatch mode used where no real queue
// exists (the object-store backend): claimable shards are discovered by
// listing shard records instead of receiving hints. Notify is a no-op since
// the records themselves are the channel. Correctness is unchanged because
// ownership is still decided by conditional writes on the record store; only
// scheduling latency and listing cost get worse.
package scan

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scfuzzbench/benchq/internal/model"
	"github.com/scfuzzbench/benchq/internal/queue"
	"github.com/scfuzzbench/benchq/internal/store"
)

// Queue derives deliveries from shard records.
type Queue struct {
	store store.Store
	runID string
	stale time.Duration

	mu       sync.Mutex
	inflight map[string]time.Time // shard key -> locally hidden until
	receipts map[string]string    // receipt -> shard key

	// Now is the clock; tests override it.
	Now func() time.Time
}

// New builds a scan queue over st for one run. stale is the threshold after
// which a running shard is considered orphaned and claimable again.
func New(st store.Store, runID string, stale time.Duration) *Queue {
	return &Queue{
		store:    st,
		runID:    runID,
		stale:    stale,
		inflight: make(map[string]time.Time),
		receipts: make(map[string]string),
		Now:      time.Now,
	}
}

// Notify is a no-op: the shard record written by dispatch is the hint.
func (q *Queue) Notify(ctx context.Context, ref model.ShardRef) error { return nil }

// NotifyMany is a no-op, see Notify.
func (q *Queue) NotifyMany(ctx context.Context, refs []model.ShardRef) error { return nil }

func (q *Queue) Receive(ctx context.Context, consumer string, visibility time.Duration) (*queue.Delivery, error) {
	shards, err := q.store.Shards().List(ctx, q.runID)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.Now()
	for _, sh := range shards {
		if !q.claimable(sh, now) {
			continue
		}
		if until, ok := q.inflight[sh.ShardKey]; ok && until.After(now) {
			continue
		}
		receipt := uuid.New().String()
		visibleAt := now.Add(visibility)
		q.inflight[sh.ShardKey] = visibleAt
		q.receipts[receipt] = sh.ShardKey
		return &queue.Delivery{
			Ref:       model.ShardRef{RunID: sh.RunID, ShardKey: sh.ShardKey},
			Receipt:   receipt,
			Count:     sh.Attempts + 1,
			VisibleAt: visibleAt,
		}, nil
	}
	return nil, nil
}

// claimable mirrors the worker's claim preconditions: queued, retrying with
// a due next attempt, or running but stale enough to be orphaned.
func (q *Queue) claimable(sh *model.Shard, now time.Time) bool {
	switch sh.Status {
	case model.ShardQueued:
		return true
	case model.ShardRetrying:
		return sh.NextAttemptAt == nil || !sh.NextAttemptAt.After(now)
	case model.ShardRunning:
		return sh.UpdatedAt.Before(store.StaleBefore(now, q.stale))
	}
	return false
}

func (q *Queue) Extend(ctx context.Context, receipt string, visibility time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if key, ok := q.receipts[receipt]; ok {
		q.inflight[key] = q.Now().Add(visibility)
	}
	return nil
}

func (q *Queue) Ack(ctx context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if key, ok := q.receipts[receipt]; ok {
		delete(q.receipts, receipt)
		delete(q.inflight, key)
	}
	return nil
}

// Depth counts shards that would currently be delivered.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	shards, err := q.store.Shards().List(ctx, q.runID)
	if err != nil {
		return 0, err
	}
	now := q.Now()
	n := 0
	for _, sh := range shards {
		if q.claimable(sh, now) {
			n++
		}
	}
	return n, nil
}
