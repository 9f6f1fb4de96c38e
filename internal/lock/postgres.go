package lock

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/scfuzzbench/benchq/internal/model"
)

const (
	acquireSQL = `
INSERT INTO run_locks (name, owner, expires_at)
VALUES ($1, $2, now() + make_interval(secs => $3))
ON CONFLICT (name) DO UPDATE
SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
WHERE run_locks.owner = EXCLUDED.owner OR run_locks.expires_at < now()
RETURNING expires_at`

	// Renewal stops at expiry: an expired lease may already belong to a
	// new claimant, so the old owner has to go back through Acquire.
	renewSQL = `
UPDATE run_locks
SET expires_at = now() + make_interval(secs => $3)
WHERE name = $1 AND owner = $2 AND expires_at > now()`

	releaseSQL = `DELETE FROM run_locks WHERE name = $1 AND owner = $2`
)

// PostgresLocker implements Locker on a single row per lock name. The
// conditional upsert makes acquisition a compare-and-swap: it succeeds only
// when the row is absent, expired, or already ours.
type PostgresLocker struct {
	db *sql.DB
}

// NewPostgresLocker wraps an existing database handle.
func NewPostgresLocker(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{db: db}
}

func (l *PostgresLocker) Acquire(ctx context.Context, name, owner string, lease time.Duration) (*Lease, error) {
	var expires time.Time
	err := l.db.QueryRowContext(ctx, acquireSQL, name, owner, lease.Seconds()).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrLockHeld
	}
	if err != nil {
		return nil, err
	}
	return &Lease{Name: name, Owner: owner, ExpiresAt: expires}, nil
}

func (l *PostgresLocker) Renew(ctx context.Context, name, owner string, lease time.Duration) error {
	res, err := l.db.ExecContext(ctx, renewSQL, name, owner, lease.Seconds())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotOwner
	}
	return nil
}

func (l *PostgresLocker) Release(ctx context.Context, name, owner string) error {
	_, err := l.db.ExecContext(ctx, releaseSQL, name, owner)
	return err
}
