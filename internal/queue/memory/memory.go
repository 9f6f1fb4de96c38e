// Package memory provides an in-process queue.Queue for tests and local
// single-machine runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scfuzzbench/benchq/internal/model"
	"github.com/scfuzzbench/benchq/internal/queue"
)

type entry struct {
	ref       model.ShardRef
	count     int
	receipt   string
	visibleAt time.Time
	acked     bool
}

// Queue is an in-memory queue.Queue implementation.
type Queue struct {
	mu      sync.Mutex
	entries []*entry

	// Now is the clock; tests override it to expire visibility windows.
	Now func() time.Time
}

// New returns an empty in-memory queue.
func New() *Queue {
	return &Queue{Now: time.Now}
}

func (q *Queue) Notify(_ context.Context, ref model.ShardRef) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, &entry{ref: ref, visibleAt: q.Now()})
	return nil
}

func (q *Queue) NotifyMany(ctx context.Context, refs []model.ShardRef) error {
	for _, ref := range refs {
		if err := q.Notify(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) Receive(_ context.Context, consumer string, visibility time.Duration) (*queue.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.Now()
	for _, e := range q.entries {
		if e.acked || e.visibleAt.After(now) {
			continue
		}
		e.count++
		e.receipt = uuid.New().String()
		e.visibleAt = now.Add(visibility)
		return &queue.Delivery{
			Ref:       e.ref,
			Receipt:   e.receipt,
			Count:     e.count,
			VisibleAt: e.visibleAt,
		}, nil
	}
	return nil, nil
}

func (q *Queue) Extend(_ context.Context, receipt string, visibility time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.receipt == receipt && !e.acked {
			e.visibleAt = q.Now().Add(visibility)
			return nil
		}
	}
	return nil
}

func (q *Queue) Ack(_ context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.receipt == receipt {
			e.acked = true
			return nil
		}
	}
	return nil
}

func (q *Queue) Depth(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if !e.acked {
			n++
		}
	}
	return n, nil
}
