// Package queue defines the work dispatch channel. The channel is advisory:
// a delivery is a hint that a shard may be claimable, at-least-once with
// possible duplicates, and never the source of truth. Ownership is decided
// only by the shard record store.
package queue

import (
	"context"
	"time"

	"github.com/scfuzzbench/benchq/internal/model"
)

// Delivery is a single received hint. Receipt identifies this delivery for
// Extend and Ack. Count is how many times the hint has been delivered.
type Delivery struct {
	Ref       model.ShardRef
	Receipt   string
	Count     int
	VisibleAt time.Time
}

// Queue is the dispatch channel contract. Implementations live under
// internal/queue/<driver>/.
type Queue interface {
	// Notify publishes a claimability hint for one shard.
	Notify(ctx context.Context, ref model.ShardRef) error

	// NotifyMany publishes hints for a batch of shards.
	NotifyMany(ctx context.Context, refs []model.ShardRef) error

	// Receive takes the next hint, hiding it from other consumers for the
	// visibility window. It returns (nil, nil) when no hint is available.
	// An unacked hint reappears after the window expires.
	Receive(ctx context.Context, consumer string, visibility time.Duration) (*Delivery, error)

	// Extend pushes the visibility window of an in-flight delivery further
	// out. Extending an unknown or already-acked receipt is a no-op.
	Extend(ctx context.Context, receipt string, visibility time.Duration) error

	// Ack removes a delivered hint permanently. Acking twice is a no-op.
	Ack(ctx context.Context, receipt string) error

	// Depth reports the number of hints not yet acked, visible or not.
	Depth(ctx context.Context) (int, error)
}
