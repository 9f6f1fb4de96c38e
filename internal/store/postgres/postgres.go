package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/scfuzzbench/benchq/internal/model"
	"github.com/scfuzzbench/benchq/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Open opens a PostgreSQL connection using the pgx stdlib driver and verifies connectivity.
func Open(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// NewWithDB constructs a Postgres store backed directly by database/sql.
func NewWithDB(db *sql.DB) store.Store { return &pgStore{db: db} }

type pgStore struct{ db *sql.DB }

func (s *pgStore) Runs() store.Runs               { return &runs{db: s.db} }
func (s *pgStore) Shards() store.Shards           { return &shards{db: s.db} }
func (s *pgStore) Events() store.Events           { return &events{db: s.db} }
func (s *pgStore) Workers() store.Workers         { return &workers{db: s.db} }
func (s *pgStore) DeadLetters() store.DeadLetters { return &deadLetters{db: s.db} }

// HealthPing implements health.HealthPinger for the Postgres-backed store.
func (s *pgStore) HealthPing(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the underlying handle so the queue and lock drivers can share
// the same connection pool.
func (s *pgStore) DB() *sql.DB { return s.db }

// Bootstrap applies the embedded schema. Every statement is idempotent so
// it is safe to run on every worker start.
func Bootstrap(ctx context.Context, dsn string) error {
	if dsn == "" {
		return nil
	}
	db, err := Open(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	_, err = db.ExecContext(ctx, schemaSQL)
	return err
}

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	return err
}

// --- Runs ---
type runs struct{ db *sql.DB }

func (r *runs) Create(ctx context.Context, m *model.Run) (*model.Run, error) {
	status := m.Status
	if status == "" {
		status = model.RunRunning
	}
	// ON CONFLICT DO NOTHING keeps dispatch re-runs from resetting a run.
	if _, err := r.db.ExecContext(ctx, `
        INSERT INTO runs (run_id, benchmark_uuid, requested_shard_count, max_parallel, shard_max_attempts, status)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (run_id) DO NOTHING
    `, m.RunID, m.BenchmarkUUID, m.RequestedShardCount, m.MaxParallel, m.ShardMaxAttempts, status); err != nil {
		return nil, err
	}
	return r.Get(ctx, m.RunID)
}

func (r *runs) Get(ctx context.Context, runID string) (*model.Run, error) {
	var out model.Run
	row := r.db.QueryRowContext(ctx, `
        SELECT run_id, benchmark_uuid, requested_shard_count, max_parallel, shard_max_attempts,
               status, succeeded_count, failed_count, created_at, updated_at, completed_at
        FROM runs WHERE run_id=$1
    `, runID)
	if err := row.Scan(&out.RunID, &out.BenchmarkUUID, &out.RequestedShardCount, &out.MaxParallel,
		&out.ShardMaxAttempts, &out.Status, &out.SucceededCount, &out.FailedCount,
		&out.CreatedAt, &out.UpdatedAt, &out.CompletedAt); err != nil {
		return nil, mapNotFound(err)
	}
	return &out, nil
}

func (r *runs) Tally(ctx context.Context, runID string) (model.RunTally, error) {
	var tally model.RunTally
	if _, err := r.Get(ctx, runID); err != nil {
		return tally, err
	}
	rows, err := r.db.QueryContext(ctx, `
        SELECT status, COUNT(*) FROM shards WHERE run_id=$1 GROUP BY status
    `, runID)
	if err != nil {
		return tally, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return tally, err
		}
		for i := 0; i < n; i++ {
			tally.Add(model.ShardStatus(status))
		}
	}
	return tally, rows.Err()
}

func (r *runs) Finalize(ctx context.Context, runID string, status model.RunStatus, tally model.RunTally) (*model.Run, error) {
	var out model.Run
	row := r.db.QueryRowContext(ctx, `
        UPDATE runs
        SET status=$2, succeeded_count=$3, failed_count=$4, updated_at=now(), completed_at=now()
        WHERE run_id=$1 AND status='running'
        RETURNING run_id, benchmark_uuid, requested_shard_count, max_parallel, shard_max_attempts,
                  status, succeeded_count, failed_count, created_at, updated_at, completed_at
    `, runID, string(status), tally.Succeeded, tally.Failed+tally.TimedOut)
	err := row.Scan(&out.RunID, &out.BenchmarkUUID, &out.RequestedShardCount, &out.MaxParallel,
		&out.ShardMaxAttempts, &out.Status, &out.SucceededCount, &out.FailedCount,
		&out.CreatedAt, &out.UpdatedAt, &out.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish a lost race from a missing run.
		if _, gerr := r.Get(ctx, runID); gerr != nil {
			return nil, gerr
		}
		return nil, model.ErrConditionFailed
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Shards ---
type shards struct{ db *sql.DB }

func (s *shards) Put(ctx context.Context, m *model.Shard) (*model.Shard, error) {
	status := m.Status
	if status == "" {
		status = model.ShardQueued
	}
	if _, err := s.db.ExecContext(ctx, `
        INSERT INTO shards (run_id, shard_key, fuzzer_id, run_index, status)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (run_id, shard_key) DO NOTHING
    `, m.RunID, m.ShardKey, m.FuzzerID, m.RunIndex, status); err != nil {
		return nil, err
	}
	return s.Get(ctx, m.RunID, m.ShardKey)
}

const shardColumns = `run_id, shard_key, fuzzer_id, run_index, status, attempts, owner, claim_token,
               next_attempt_at, last_exit_code, last_error, created_at, updated_at`

func scanShard(row interface{ Scan(...interface{}) error }) (*model.Shard, error) {
	var out model.Shard
	var lastErr sql.NullString
	if err := row.Scan(&out.RunID, &out.ShardKey, &out.FuzzerID, &out.RunIndex, &out.Status,
		&out.Attempts, &out.Owner, &out.ClaimToken, &out.NextAttemptAt, &out.LastExitCode,
		&lastErr, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return nil, err
	}
	out.LastError = lastErr.String
	return &out, nil
}

func (s *shards) Get(ctx context.Context, runID, shardKey string) (*model.Shard, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT `+shardColumns+` FROM shards WHERE run_id=$1 AND shard_key=$2
    `, runID, shardKey)
	out, err := scanShard(row)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return out, nil
}

func (s *shards) List(ctx context.Context, runID string) ([]*model.Shard, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+shardColumns+` FROM shards WHERE run_id=$1 ORDER BY shard_key
    `, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*model.Shard
	for rows.Next() {
		sh, err := scanShard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

func (s *shards) Transition(ctx context.Context, runID, shardKey string, from []model.ShardStatus, to model.ShardStatus, mut model.ShardMutation) (*model.Shard, error) {
	if len(from) == 0 {
		return nil, fmt.Errorf("transition requires at least one from status: %w", model.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// The status guard is the whole protocol: the UPDATE matches zero rows
	// unless the current status is one of from, so concurrent writers
	// serialize on the row and losers observe ErrConditionFailed.
	args := []interface{}{runID, shardKey, string(to)}
	inList := make([]string, 0, len(from))
	for _, f := range from {
		args = append(args, string(f))
		inList = append(inList, fmt.Sprintf("$%d", len(args)))
	}
	attemptInc := 0
	if mut.IncrementAttempt {
		attemptInc = 1
	}
	args = append(args, attemptInc)
	attemptArg := len(args)

	set := []string{
		"status=$3",
		fmt.Sprintf("attempts=attempts+$%d", attemptArg),
		"updated_at=now()",
	}
	if mut.Owner != nil {
		args = append(args, *mut.Owner)
		set = append(set, fmt.Sprintf("owner=$%d", len(args)))
	}
	if mut.ClaimToken != nil {
		args = append(args, *mut.ClaimToken)
		set = append(set, fmt.Sprintf("claim_token=$%d", len(args)))
	}
	if mut.ClearNextAttempt {
		set = append(set, "next_attempt_at=NULL")
	} else if mut.NextAttemptAt != nil {
		args = append(args, *mut.NextAttemptAt)
		set = append(set, fmt.Sprintf("next_attempt_at=$%d", len(args)))
	}
	if mut.LastExitCode != nil {
		args = append(args, *mut.LastExitCode)
		set = append(set, fmt.Sprintf("last_exit_code=$%d", len(args)))
	}
	if mut.LastError != nil {
		args = append(args, *mut.LastError)
		set = append(set, fmt.Sprintf("last_error=$%d", len(args)))
	}

	query := `UPDATE shards SET ` + strings.Join(set, ", ") + `
        WHERE run_id=$1 AND shard_key=$2
          AND status IN (` + strings.Join(inList, ",") + `)
          AND status NOT IN ('succeeded','failed','timed_out')
        RETURNING ` + shardColumns

	out, err := scanShard(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := s.getTx(ctx, tx, runID, shardKey); gerr != nil {
			return nil, gerr
		}
		return nil, model.ErrConditionFailed
	}
	if err != nil {
		return nil, err
	}

	// Terminal transitions bump the run counters in the same transaction,
	// so the counters can never disagree with the shard records.
	if to.Terminal() {
		col := "failed_count"
		if to == model.ShardSucceeded {
			col = "succeeded_count"
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET `+col+`=`+col+`+1, updated_at=now() WHERE run_id=$1`, runID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *shards) getTx(ctx context.Context, tx *sql.Tx, runID, shardKey string) (*model.Shard, error) {
	row := tx.QueryRowContext(ctx, `
        SELECT `+shardColumns+` FROM shards WHERE run_id=$1 AND shard_key=$2
    `, runID, shardKey)
	out, err := scanShard(row)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return out, nil
}

// --- Events ---
type events struct{ db *sql.DB }

func (e *events) Append(ctx context.Context, ev *model.Event) error {
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	_, err := e.db.ExecContext(ctx, `
        INSERT INTO run_events (occurred_at, event_type, run_id, worker_id, shard_key, status, attempt, exit_code, message)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    `, occurred, ev.EventType, ev.RunID, ev.WorkerID, ev.ShardKey, ev.Status, ev.Attempt, ev.ExitCode, ev.Message)
	return err
}

func (e *events) List(ctx context.Context, runID string) ([]*model.Event, error) {
	rows, err := e.db.QueryContext(ctx, `
        SELECT occurred_at, event_type, run_id, worker_id, shard_key, status, attempt, exit_code, message
        FROM run_events WHERE run_id=$1 ORDER BY occurred_at, event_id
    `, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*model.Event
	for rows.Next() {
		var ev model.Event
		if err := rows.Scan(&ev.OccurredAt, &ev.EventType, &ev.RunID, &ev.WorkerID,
			&ev.ShardKey, &ev.Status, &ev.Attempt, &ev.ExitCode, &ev.Message); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// --- Workers ---
type workers struct{ db *sql.DB }

func (w *workers) Upsert(ctx context.Context, ws *model.WorkerStatus) error {
	_, err := w.db.ExecContext(ctx, `
        INSERT INTO worker_status (worker_id, hostname, state, current_shard, attempt, last_exit_code, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,now())
        ON CONFLICT (worker_id) DO UPDATE SET
            hostname=EXCLUDED.hostname, state=EXCLUDED.state, current_shard=EXCLUDED.current_shard,
            attempt=EXCLUDED.attempt, last_exit_code=EXCLUDED.last_exit_code, updated_at=now()
    `, ws.WorkerID, ws.Hostname, string(ws.State), ws.CurrentShard, ws.Attempt, ws.LastExitCode)
	return err
}

func (w *workers) List(ctx context.Context) ([]*model.WorkerStatus, error) {
	rows, err := w.db.QueryContext(ctx, `
        SELECT worker_id, hostname, state, current_shard, attempt, last_exit_code, updated_at
        FROM worker_status ORDER BY worker_id
    `)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*model.WorkerStatus
	for rows.Next() {
		var ws model.WorkerStatus
		if err := rows.Scan(&ws.WorkerID, &ws.Hostname, &ws.State, &ws.CurrentShard,
			&ws.Attempt, &ws.LastExitCode, &ws.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &ws)
	}
	return out, rows.Err()
}

// --- Dead letters ---
type deadLetters struct{ db *sql.DB }

func (d *deadLetters) Add(ctx context.Context, dl *model.DeadLetter) error {
	doc, err := json.Marshal(dl.Shard)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, `
        INSERT INTO dead_letters (run_id, shard_key, attempt, shard_doc)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (run_id, shard_key, attempt) DO NOTHING
    `, dl.RunID, dl.ShardKey, dl.Attempt, doc)
	return err
}

func (d *deadLetters) List(ctx context.Context, runID string) ([]*model.DeadLetter, error) {
	rows, err := d.db.QueryContext(ctx, `
        SELECT run_id, shard_key, attempt, shard_doc, created_at
        FROM dead_letters WHERE run_id=$1 ORDER BY shard_key, attempt
    `, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*model.DeadLetter
	for rows.Next() {
		var dl model.DeadLetter
		var doc []byte
		if err := rows.Scan(&dl.RunID, &dl.ShardKey, &dl.Attempt, &doc, &dl.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(doc, &dl.Shard); err != nil {
			return nil, err
		}
		out = append(out, &dl)
	}
	return out, rows.Err()
}
