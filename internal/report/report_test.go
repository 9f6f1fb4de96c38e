package report

import (
	"context"
	"errors"
	"testing"

	"github.com/scfuzzbench/benchq/internal/model"
	storemem "github.com/scfuzzbench/benchq/internal/store/memory"
)

func TestStatus(t *testing.T) {
	st := storemem.New()
	ctx := context.Background()

	if _, err := st.Runs().Create(ctx, &model.Run{
		RunID:               "r1",
		BenchmarkUUID:       "bench-1",
		RequestedShardCount: 2,
		ShardMaxAttempts:    3,
	}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := st.Shards().Put(ctx, &model.Shard{RunID: "r1", ShardKey: "afl-000", FuzzerID: "afl"}); err != nil {
		t.Fatalf("put shard: %v", err)
	}
	owner := "w1"
	if _, err := st.Shards().Transition(ctx, "r1", "afl-000",
		[]model.ShardStatus{model.ShardQueued}, model.ShardSucceeded,
		model.ShardMutation{Owner: &owner}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	doc, err := New(st).Status(ctx, "r1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if doc.RunID != "r1" || doc.Status != model.RunRunning {
		t.Fatalf("doc: %+v", doc)
	}
	if doc.Tally.Succeeded != 1 || doc.Tally.Total != 1 {
		t.Fatalf("tally: %+v", doc.Tally)
	}
}

func TestStatus_MissingRun(t *testing.T) {
	if _, err := New(storemem.New()).Status(context.Background(), "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}
