package lock

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Heartbeat renews a held lock on a cadence and fails closed: after budget
// consecutive renewal failures it assumes the lease is lost, invokes onLost
// once, and stops. A single failed renewal is tolerated since the lease
// outlives several renewal intervals.
type Heartbeat struct {
	locker   Locker
	name     string
	owner    string
	lease    time.Duration
	interval time.Duration
	budget   int
	onLost   func()
	log      zerolog.Logger
}

// NewHeartbeat constructs a heartbeat runner. onLost runs at most once, from
// the Run goroutine.
func NewHeartbeat(locker Locker, name, owner string, lease, interval time.Duration, budget int, onLost func(), log zerolog.Logger) *Heartbeat {
	if budget <= 0 {
		budget = 3
	}
	return &Heartbeat{
		locker:   locker,
		name:     name,
		owner:    owner,
		lease:    lease,
		interval: interval,
		budget:   budget,
		onLost:   onLost,
		log:      log,
	}
}

// Run renews until ctx is canceled or the failure budget is spent.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := h.locker.Renew(ctx, h.name, h.owner, h.lease); err != nil {
				failures++
				h.log.Warn().Err(err).
					Str("lock", h.name).
					Int("consecutive_failures", failures).
					Int("budget", h.budget).
					Msg("lock renewal failed")
				if failures >= h.budget {
					h.log.Error().Str("lock", h.name).Msg("lock lease presumed lost, failing closed")
					if h.onLost != nil {
						h.onLost()
					}
					return err
				}
				continue
			}
			failures = 0
		}
	}
}
