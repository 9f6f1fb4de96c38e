// Package postgres provides a queue.Queue on the deliveries table. A receive
// locks one visible row with FOR UPDATE SKIP LOCKED, stamps a fresh receipt,
// and pushes visible_at out by the visibility window, so concurrent workers
// never lease the same hint twice inside the window.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/scfuzzbench/benchq/internal/model"
	"github.com/scfuzzbench/benchq/internal/queue"
)

// SQL statements kept as constants for clarity and reuse
const (
	insertHintSQL = `
INSERT INTO deliveries (run_id, shard_key)
VALUES ($1, $2)`

	selectVisibleRowSQL = `
SELECT delivery_id, run_id, shard_key, delivery_count
FROM deliveries
WHERE run_id = $1 AND acked = FALSE AND visible_at <= now()
ORDER BY delivery_id ASC
FOR UPDATE SKIP LOCKED
LIMIT 1`

	leaseRowSQL = `
UPDATE deliveries
SET delivery_count = delivery_count + 1,
    consumer = $2,
    receipt = $3,
    visible_at = now() + make_interval(secs => $4)
WHERE delivery_id = $1
RETURNING visible_at`

	extendSQL = `
UPDATE deliveries
SET visible_at = now() + make_interval(secs => $2)
WHERE receipt = $1 AND acked = FALSE`

	ackSQL = `UPDATE deliveries SET acked = TRUE WHERE receipt = $1`

	depthSQL = `SELECT COUNT(*) FROM deliveries WHERE run_id = $1 AND acked = FALSE`
)

// Queue is a Postgres-backed queue.Queue scoped to one run.
type Queue struct {
	db    *sql.DB
	runID string
}

// New constructs a queue over an existing database handle.
func New(db *sql.DB, runID string) *Queue {
	return &Queue{db: db, runID: runID}
}

func (q *Queue) Notify(ctx context.Context, ref model.ShardRef) error {
	_, err := q.db.ExecContext(ctx, insertHintSQL, ref.RunID, ref.ShardKey)
	return err
}

func (q *Queue) NotifyMany(ctx context.Context, refs []model.ShardRef) error {
	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, ref := range refs {
		if _, err := tx.ExecContext(ctx, insertHintSQL, ref.RunID, ref.ShardKey); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (q *Queue) Receive(ctx context.Context, consumer string, visibility time.Duration) (*queue.Delivery, error) {
	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id    int64
		ref   model.ShardRef
		count int
	)
	err = tx.QueryRowContext(ctx, selectVisibleRowSQL, q.runID).Scan(&id, &ref.RunID, &ref.ShardKey, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, err
	}

	receipt := uuid.New().String()
	var visibleAt time.Time
	if err := tx.QueryRowContext(ctx, leaseRowSQL, id, consumer, receipt, visibility.Seconds()).Scan(&visibleAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &queue.Delivery{Ref: ref, Receipt: receipt, Count: count + 1, VisibleAt: visibleAt}, nil
}

func (q *Queue) Extend(ctx context.Context, receipt string, visibility time.Duration) error {
	_, err := q.db.ExecContext(ctx, extendSQL, receipt, visibility.Seconds())
	return err
}

func (q *Queue) Ack(ctx context.Context, receipt string) error {
	_, err := q.db.ExecContext(ctx, ackSQL, receipt)
	return err
}

func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, depthSQL, q.runID).Scan(&n)
	return n, err
}
