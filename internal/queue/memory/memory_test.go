package memory

import (
	"context"
	"testing"
	"time"

	"github.com/scfuzzbench/benchq/internal/model"
)

func TestReceiveAckCycle(t *testing.T) {
	q := New()
	ctx := context.Background()

	ref := model.ShardRef{RunID: "r1", ShardKey: "afl-000"}
	if err := q.Notify(ctx, ref); err != nil {
		t.Fatalf("notify: %v", err)
	}

	d, err := q.Receive(ctx, "w1", time.Minute)
	if err != nil || d == nil {
		t.Fatalf("receive: d=%v err=%v", d, err)
	}
	if d.Ref != ref || d.Count != 1 {
		t.Fatalf("delivery: %+v", d)
	}

	// In flight: invisible to a second consumer
	if d2, _ := q.Receive(ctx, "w2", time.Minute); d2 != nil {
		t.Fatalf("in-flight hint redelivered: %+v", d2)
	}

	if err := q.Ack(ctx, d.Receipt); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n, _ := q.Depth(ctx); n != 0 {
		t.Fatalf("depth after ack: %d", n)
	}
	if d3, _ := q.Receive(ctx, "w2", time.Minute); d3 != nil {
		t.Fatalf("acked hint redelivered: %+v", d3)
	}
}

func TestVisibilityExpiryRedelivers(t *testing.T) {
	q := New()
	ctx := context.Background()
	now := time.Now()
	q.Now = func() time.Time { return now }

	if err := q.Notify(ctx, model.ShardRef{RunID: "r1", ShardKey: "afl-000"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	d1, _ := q.Receive(ctx, "w1", time.Minute)
	if d1 == nil {
		t.Fatal("first receive returned nothing")
	}

	now = now.Add(2 * time.Minute)
	d2, _ := q.Receive(ctx, "w2", time.Minute)
	if d2 == nil {
		t.Fatal("expired hint was not redelivered")
	}
	if d2.Count != 2 {
		t.Fatalf("delivery count after redelivery: %d", d2.Count)
	}
	if d2.Receipt == d1.Receipt {
		t.Fatal("redelivery reused the old receipt")
	}

	// Stale receipts must not ack the redelivered hint
	if err := q.Ack(ctx, d1.Receipt); err != nil {
		t.Fatalf("stale ack: %v", err)
	}
	if n, _ := q.Depth(ctx); n != 1 {
		t.Fatalf("depth after stale ack: %d", n)
	}
}

func TestExtendKeepsHintInvisible(t *testing.T) {
	q := New()
	ctx := context.Background()
	now := time.Now()
	q.Now = func() time.Time { return now }

	if err := q.Notify(ctx, model.ShardRef{RunID: "r1", ShardKey: "afl-000"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	d, _ := q.Receive(ctx, "w1", time.Minute)
	if d == nil {
		t.Fatal("receive returned nothing")
	}

	now = now.Add(50 * time.Second)
	if err := q.Extend(ctx, d.Receipt, time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}

	now = now.Add(40 * time.Second) // past the original window, inside extension
	if d2, _ := q.Receive(ctx, "w2", time.Minute); d2 != nil {
		t.Fatalf("extended hint redelivered: %+v", d2)
	}
}
