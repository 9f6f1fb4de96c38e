// Package factory wires the configured backend into a record store, a
// queue, and a lock driver. All three always come from the same substrate.
package factory

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/scfuzzbench/benchq/internal/config"
	"github.com/scfuzzbench/benchq/internal/executor"
	"github.com/scfuzzbench/benchq/internal/lock"
	"github.com/scfuzzbench/benchq/internal/queue"
	queuemem "github.com/scfuzzbench/benchq/internal/queue/memory"
	queuepg "github.com/scfuzzbench/benchq/internal/queue/postgres"
	queuescan "github.com/scfuzzbench/benchq/internal/queue/scan"
	"github.com/scfuzzbench/benchq/internal/store"
	storemem "github.com/scfuzzbench/benchq/internal/store/memory"
	storeobj "github.com/scfuzzbench/benchq/internal/store/object"
	storepg "github.com/scfuzzbench/benchq/internal/store/postgres"
)

// Backend bundles the three coordination primitives plus a Close for
// whatever connection they share.
type Backend struct {
	Store  store.Store
	Queue  queue.Queue
	Locker lock.Locker
	Close  func()
}

// NewBackend builds the backend selected by cfg.Backend. The Postgres
// schema is bootstrapped on every start; every statement in it is
// idempotent.
func NewBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Backend, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		if err := storepg.Bootstrap(ctx, cfg.PostgresDSN); err != nil {
			return nil, err
		}
		db, err := storepg.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return &Backend{
			Store:  storepg.NewWithDB(db),
			Queue:  queuepg.New(db, cfg.RunID),
			Locker: lock.NewPostgresLocker(db),
			Close:  func() { _ = db.Close() },
		}, nil

	case config.BackendObject:
		st, err := storeobj.NewFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		// No queue service on this substrate; claimable shards are found
		// by listing records.
		return &Backend{
			Store:  st,
			Queue:  queuescan.New(st, cfg.RunID, cfg.StaleThreshold),
			Locker: lock.NewObjectLocker(st.Client(), cfg.S3Bucket, cfg.S3Prefix, cfg.S3SettleDelay),
			Close:  func() {},
		}, nil

	case config.BackendMemory:
		log.Warn().Msg("memory backend selected; state is process-local")
		return &Backend{
			Store:  storemem.New(),
			Queue:  queuemem.New(),
			Locker: lock.NewMemoryLocker(),
			Close:  func() {},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}
}

// NewExecutor builds the shard executor selected by cfg.ExecutorKind.
func NewExecutor(cfg *config.Config, log zerolog.Logger) (executor.Executor, error) {
	switch cfg.ExecutorKind {
	case "script":
		return executor.NewScript(cfg.RunScript, cfg.WorkDir, cfg.ShardTimeout, log), nil
	case "http":
		return executor.NewHTTP(cfg.RunnerURL, cfg.ShardTimeout, log), nil
	default:
		return nil, fmt.Errorf("unsupported executor: %s", cfg.ExecutorKind)
	}
}
