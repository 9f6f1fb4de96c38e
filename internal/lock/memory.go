package lock

import (
	"context"
	"sync"
	"time"

	"github.com/scfuzzbench/benchq/internal/model"
)

// MemoryLocker is an in-process Locker for tests and local runs.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]*Lease

	// Now is the clock; tests override it to expire leases.
	Now func() time.Time
}

// NewMemoryLocker returns an empty in-memory locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]*Lease), Now: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, name, owner string, lease time.Duration) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.Now()
	if cur, ok := l.leases[name]; ok && cur.Owner != owner && cur.ExpiresAt.After(now) {
		return nil, model.ErrLockHeld
	}
	out := &Lease{Name: name, Owner: owner, ExpiresAt: now.Add(lease)}
	l.leases[name] = out
	cp := *out
	return &cp, nil
}

func (l *MemoryLocker) Renew(_ context.Context, name, owner string, lease time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.Now()
	cur, ok := l.leases[name]
	// An expired lease is up for grabs and must not be revivable by its
	// old owner; re-acquisition is the only way back in.
	if !ok || cur.Owner != owner || !cur.ExpiresAt.After(now) {
		return model.ErrNotOwner
	}
	cur.ExpiresAt = now.Add(lease)
	return nil
}

func (l *MemoryLocker) Release(_ context.Context, name, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[name]; ok && cur.Owner == owner {
		delete(l.leases, name)
	}
	return nil
}
