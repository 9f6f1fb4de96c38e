// Package memory provides an in-process store.Store used by tests and local
// single-machine runs. All operations are guarded by a single mutex, which
// makes every write (including Transition) atomic by construction.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/scfuzzbench/benchq/internal/model"
	"github.com/scfuzzbench/benchq/internal/store"
)

// Store is an in-memory store.Store implementation.
type Store struct {
	mu          sync.Mutex
	runs        map[string]*model.Run
	shards      map[string]map[string]*model.Shard
	events      map[string][]*model.Event
	workers     map[string]*model.WorkerStatus
	deadLetters map[string][]*model.DeadLetter

	// Now is the clock; tests override it to age records.
	Now func() time.Time
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		runs:        make(map[string]*model.Run),
		shards:      make(map[string]map[string]*model.Shard),
		events:      make(map[string][]*model.Event),
		workers:     make(map[string]*model.WorkerStatus),
		deadLetters: make(map[string][]*model.DeadLetter),
		Now:         time.Now,
	}
}

func (s *Store) Runs() store.Runs               { return &runAPI{s} }
func (s *Store) Shards() store.Shards           { return &shardAPI{s} }
func (s *Store) Events() store.Events           { return &eventAPI{s} }
func (s *Store) Workers() store.Workers         { return &workerAPI{s} }
func (s *Store) DeadLetters() store.DeadLetters { return &dlqAPI{s} }

type runAPI struct{ s *Store }

func (a *runAPI) Create(_ context.Context, r *model.Run) (*model.Run, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if existing, ok := a.s.runs[r.RunID]; ok {
		cp := *existing
		return &cp, nil
	}
	now := a.s.Now().UTC()
	cp := *r
	if cp.Status == "" {
		cp.Status = model.RunRunning
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	a.s.runs[cp.RunID] = &cp
	out := cp
	return &out, nil
}

func (a *runAPI) Get(_ context.Context, runID string) (*model.Run, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	r, ok := a.s.runs[runID]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (a *runAPI) Tally(_ context.Context, runID string) (model.RunTally, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if _, ok := a.s.runs[runID]; !ok {
		return model.RunTally{}, model.ErrNotFound
	}
	var t model.RunTally
	for _, sh := range a.s.shards[runID] {
		t.Add(sh.Status)
	}
	return t, nil
}

func (a *runAPI) Finalize(_ context.Context, runID string, status model.RunStatus, tally model.RunTally) (*model.Run, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	r, ok := a.s.runs[runID]
	if !ok {
		return nil, model.ErrNotFound
	}
	if r.Status != model.RunRunning {
		return nil, model.ErrConditionFailed
	}
	now := a.s.Now().UTC()
	r.Status = status
	r.SucceededCount = tally.Succeeded
	r.FailedCount = tally.Failed + tally.TimedOut
	r.UpdatedAt = now
	r.CompletedAt = &now
	cp := *r
	return &cp, nil
}

type shardAPI struct{ s *Store }

func (a *shardAPI) Put(_ context.Context, sh *model.Shard) (*model.Shard, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	byKey := a.s.shards[sh.RunID]
	if byKey == nil {
		byKey = make(map[string]*model.Shard)
		a.s.shards[sh.RunID] = byKey
	}
	if existing, ok := byKey[sh.ShardKey]; ok {
		cp := *existing
		return &cp, nil
	}
	now := a.s.Now().UTC()
	cp := *sh
	if cp.Status == "" {
		cp.Status = model.ShardQueued
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	byKey[cp.ShardKey] = &cp
	out := cp
	return &out, nil
}

func (a *shardAPI) Get(_ context.Context, runID, shardKey string) (*model.Shard, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	sh, ok := a.s.shards[runID][shardKey]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *sh
	return &cp, nil
}

func (a *shardAPI) List(_ context.Context, runID string) ([]*model.Shard, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	out := make([]*model.Shard, 0, len(a.s.shards[runID]))
	for _, sh := range a.s.shards[runID] {
		cp := *sh
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShardKey < out[j].ShardKey })
	return out, nil
}

func (a *shardAPI) Transition(_ context.Context, runID, shardKey string, from []model.ShardStatus, to model.ShardStatus, mut model.ShardMutation) (*model.Shard, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	sh, ok := a.s.shards[runID][shardKey]
	if !ok {
		return nil, model.ErrNotFound
	}
	if sh.Status.Terminal() {
		return nil, model.ErrConditionFailed
	}
	matched := false
	for _, f := range from {
		if sh.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return nil, model.ErrConditionFailed
	}
	sh.Status = to
	if mut.Owner != nil {
		sh.Owner = *mut.Owner
	}
	if mut.ClaimToken != nil {
		sh.ClaimToken = *mut.ClaimToken
	}
	if mut.IncrementAttempt {
		sh.Attempts++
	}
	if mut.ClearNextAttempt {
		sh.NextAttemptAt = nil
	} else if mut.NextAttemptAt != nil {
		t := *mut.NextAttemptAt
		sh.NextAttemptAt = &t
	}
	if mut.LastExitCode != nil {
		v := *mut.LastExitCode
		sh.LastExitCode = &v
	}
	if mut.LastError != nil {
		sh.LastError = *mut.LastError
	}
	sh.UpdatedAt = a.s.Now().UTC()
	cp := *sh
	return &cp, nil
}

type eventAPI struct{ s *Store }

func (a *eventAPI) Append(_ context.Context, e *model.Event) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	cp := *e
	if cp.OccurredAt.IsZero() {
		cp.OccurredAt = a.s.Now().UTC()
	}
	a.s.events[cp.RunID] = append(a.s.events[cp.RunID], &cp)
	return nil
}

func (a *eventAPI) List(_ context.Context, runID string) ([]*model.Event, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	out := make([]*model.Event, 0, len(a.s.events[runID]))
	for _, e := range a.s.events[runID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

type workerAPI struct{ s *Store }

func (a *workerAPI) Upsert(_ context.Context, w *model.WorkerStatus) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	cp := *w
	cp.UpdatedAt = a.s.Now().UTC()
	a.s.workers[cp.WorkerID] = &cp
	return nil
}

func (a *workerAPI) List(_ context.Context) ([]*model.WorkerStatus, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	out := make([]*model.WorkerStatus, 0, len(a.s.workers))
	for _, w := range a.s.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

type dlqAPI struct{ s *Store }

func (a *dlqAPI) Add(_ context.Context, d *model.DeadLetter) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	cp := *d
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = a.s.Now().UTC()
	}
	a.s.deadLetters[cp.RunID] = append(a.s.deadLetters[cp.RunID], &cp)
	return nil
}

func (a *dlqAPI) List(_ context.Context, runID string) ([]*model.DeadLetter, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	out := make([]*model.DeadLetter, 0, len(a.s.deadLetters[runID]))
	for _, d := range a.s.deadLetters[runID] {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

// AgeShard rewinds a shard's updated_at. Test helper for stale-running
// reclaim scenarios.
func (s *Store) AgeShard(runID, shardKey string, by time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok := s.shards[runID][shardKey]; ok {
		sh.UpdatedAt = sh.UpdatedAt.Add(-by)
	}
}
