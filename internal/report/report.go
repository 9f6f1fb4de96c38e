// Package report derives the operator-facing run status document from the
// run record and the current shard tally.
package report

import (
	"context"

	"github.com/scfuzzbench/benchq/internal/model"
	"github.com/scfuzzbench/benchq/internal/store"
)

// Reporter builds run status documents.
type Reporter struct {
	store store.Store
}

// New constructs a Reporter.
func New(st store.Store) *Reporter {
	return &Reporter{store: st}
}

// Status assembles the current status document for a run.
func (r *Reporter) Status(ctx context.Context, runID string) (*model.RunStatusDoc, error) {
	run, err := r.store.Runs().Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	tally, err := r.store.Runs().Tally(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &model.RunStatusDoc{
		RunID:         run.RunID,
		BenchmarkUUID: run.BenchmarkUUID,
		Status:        run.Status,
		Tally:         tally,
		CreatedAt:     run.CreatedAt,
		UpdatedAt:     run.UpdatedAt,
		CompletedAt:   run.CompletedAt,
	}, nil
}
