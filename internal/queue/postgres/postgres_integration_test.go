package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/scfuzzbench/benchq/internal/model"
	storepg "github.com/scfuzzbench/benchq/internal/store/postgres"
)

func makePGQueue(t *testing.T) *Queue {
	t.Helper()
	dsn := os.Getenv("BENCHQ_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BENCHQ_POSTGRES_DSN not set; skipping postgres queue integration test")
	}
	if err := storepg.Bootstrap(context.Background(), dsn); err != nil {
		t.Fatalf("postgres bootstrap: %v", err)
	}
	db, err := storepg.Open(dsn)
	if err != nil {
		t.Fatalf("postgres open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, "qtest-"+uuid.New().String())
}

func TestPostgresQueue_ReceiveAck(t *testing.T) {
	q := makePGQueue(t)
	ctx := context.Background()

	ref := model.ShardRef{RunID: q.runID, ShardKey: "afl-000"}
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

	if d2, err := q.Receive(ctx, "w2", time.Minute); err != nil || d2 != nil {
		t.Fatalf("in-flight hint redelivered: d=%v err=%v", d2, err)
	}

	if err := q.Ack(ctx, d.Receipt); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n, err := q.Depth(ctx); err != nil || n != 0 {
		t.Fatalf("depth after ack: n=%d err=%v", n, err)
	}
}

func TestPostgresQueue_VisibilityExpiry(t *testing.T) {
	q := makePGQueue(t)
	ctx := context.Background()

	if err := q.Notify(ctx, model.ShardRef{RunID: q.runID, ShardKey: "afl-001"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	d1, err := q.Receive(ctx, "w1", time.Second)
	if err != nil || d1 == nil {
		t.Fatalf("receive: d=%v err=%v", d1, err)
	}

	time.Sleep(1500 * time.Millisecond)
	d2, err := q.Receive(ctx, "w2", time.Minute)
	if err != nil || d2 == nil {
		t.Fatalf("expired hint not redelivered: d=%v err=%v", d2, err)
	}
	if d2.Count != 2 || d2.Receipt == d1.Receipt {
		t.Fatalf("redelivery: %+v", d2)
	}
}
