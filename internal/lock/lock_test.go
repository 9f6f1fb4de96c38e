package lock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/scfuzzbench/benchq/internal/model"
)

func TestMemoryLocker_AcquireRenewRelease(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "global", "run-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.Owner != "run-a" {
		t.Fatalf("lease owner: %s", lease.Owner)
	}

	if _, err := l.Acquire(ctx, "global", "run-b", time.Minute); !errors.Is(err, model.ErrLockHeld) {
		t.Fatalf("second acquire: err=%v, want ErrLockHeld", err)
	}

	// Re-acquiring our own lock refreshes it
	if _, err := l.Acquire(ctx, "global", "run-a", time.Minute); err != nil {
		t.Fatalf("re-acquire own lock: %v", err)
	}

	if err := l.Renew(ctx, "global", "run-a", time.Minute); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if err := l.Renew(ctx, "global", "run-b", time.Minute); !errors.Is(err, model.ErrNotOwner) {
		t.Fatalf("foreign renew: err=%v, want ErrNotOwner", err)
	}

	if err := l.Release(ctx, "global", "run-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Idempotent
	if err := l.Release(ctx, "global", "run-a"); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if err := l.Renew(ctx, "global", "run-a", time.Minute); !errors.Is(err, model.ErrNotOwner) {
		t.Fatalf("renew after release: err=%v, want ErrNotOwner", err)
	}

	if _, err := l.Acquire(ctx, "global", "run-b", time.Minute); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestMemoryLocker_ExpiredLeaseIsTakeable(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()
	now := time.Now()
	l.Now = func() time.Time { return now }

	if _, err := l.Acquire(ctx, "global", "run-a", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := l.Acquire(ctx, "global", "run-b", time.Minute); err != nil {
		t.Fatalf("acquire expired lock: %v", err)
	}
	if err := l.Renew(ctx, "global", "run-a", time.Minute); !errors.Is(err, model.ErrNotOwner) {
		t.Fatalf("old owner renew after takeover: err=%v, want ErrNotOwner", err)
	}
}

// An expired lease cannot be revived through Renew even before anyone else
// claims it; the old owner has to re-acquire.
func TestMemoryLocker_RenewExpiredLeaseRejected(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()
	now := time.Now()
	l.Now = func() time.Time { return now }

	if _, err := l.Acquire(ctx, "global", "run-a", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := l.Renew(ctx, "global", "run-a", time.Minute); !errors.Is(err, model.ErrNotOwner) {
		t.Fatalf("renew of expired lease: err=%v, want ErrNotOwner", err)
	}

	// Re-acquisition still works and renews from there.
	if _, err := l.Acquire(ctx, "global", "run-a", time.Minute); err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if err := l.Renew(ctx, "global", "run-a", time.Minute); err != nil {
		t.Fatalf("renew after re-acquire: %v", err)
	}
}

// failNLocker renews successfully until tripped. The flag is flipped from
// the test goroutine while the heartbeat goroutine reads it.
type failNLocker struct {
	*MemoryLocker
	failing atomic.Bool
}

func (f *failNLocker) Renew(ctx context.Context, name, owner string, lease time.Duration) error {
	if f.failing.Load() {
		return errors.New("transport down")
	}
	return f.MemoryLocker.Renew(ctx, name, owner, lease)
}

func TestHeartbeat_FailsClosedAfterBudget(t *testing.T) {
	inner := NewMemoryLocker()
	l := &failNLocker{MemoryLocker: inner}
	ctx := context.Background()

	if _, err := l.Acquire(ctx, "global", "run-a", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	lost := make(chan struct{})
	hb := NewHeartbeat(l, "global", "run-a", time.Minute, 5*time.Millisecond, 3,
		func() { close(lost) }, zerolog.Nop())

	hbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	l.failing.Store(true)
	errCh := make(chan error, 1)
	go func() { errCh <- hb.Run(hbCtx) }()

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("onLost not invoked after failure budget")
	}
	if err := <-errCh; err == nil {
		t.Fatal("heartbeat returned nil after failing closed")
	}
}

func TestHeartbeat_RecoversWithinBudget(t *testing.T) {
	inner := NewMemoryLocker()
	l := &failNLocker{MemoryLocker: inner}
	ctx := context.Background()

	if _, err := l.Acquire(ctx, "global", "run-a", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	hb := NewHeartbeat(l, "global", "run-a", time.Minute, 5*time.Millisecond, 10,
		func() { t.Error("onLost invoked despite recovery") }, zerolog.Nop())

	hbCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- hb.Run(hbCtx) }()

	// A few failed renewals, then recovery: stays under the budget.
	l.failing.Store(true)
	time.Sleep(8 * time.Millisecond)
	l.failing.Store(false)
	time.Sleep(30 * time.Millisecond)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("heartbeat exit: err=%v, want context.Canceled", err)
	}
}
