// Package object provides a store.Store backed by an S3-compatible object
// store. There are no conditional writes on plain object storage, so every
// transition uses a write-settle-reread protocol: write the new document
// with a fresh revision token, wait for the store to settle, then read the
// document back and keep the transition only if our token survived. A lost
// token means a concurrent writer won and the caller sees
// model.ErrConditionFailed.
package object

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/scfuzzbench/benchq/internal/config"
	"github.com/scfuzzbench/benchq/internal/model"
	"github.com/scfuzzbench/benchq/internal/store"
)

// Store is an object-store-backed store.Store.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
	settle time.Duration
}

// New wraps an existing minio client.
func New(client *minio.Client, bucket, prefix string, settle time.Duration) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix, settle: settle}
}

// NewFromConfig dials the object store described by cfg.
func NewFromConfig(cfg *config.Config) (*Store, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object store dial: %w", err)
	}
	return New(client, cfg.S3Bucket, cfg.S3Prefix, cfg.S3SettleDelay), nil
}

func (s *Store) Runs() store.Runs               { return &runAPI{s} }
func (s *Store) Shards() store.Shards           { return &shardAPI{s} }
func (s *Store) Events() store.Events           { return &eventAPI{s} }
func (s *Store) Workers() store.Workers         { return &workerAPI{s} }
func (s *Store) DeadLetters() store.DeadLetters { return &dlqAPI{s} }

// Client exposes the underlying minio client so the lock driver can share
// the same connection.
func (s *Store) Client() *minio.Client { return s.client }

// HealthPing verifies the bucket is reachable.
func (s *Store) HealthPing(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

func (s *Store) runKey(runID string) string {
	return path.Join(s.prefix, runID, "run.json")
}
func (s *Store) shardKey(runID, shardKey string) string {
	return path.Join(s.prefix, runID, "shards", shardKey+".json")
}
func (s *Store) shardPrefix(runID string) string {
	return path.Join(s.prefix, runID, "shards") + "/"
}
func (s *Store) eventKey(runID string, at time.Time) string {
	return path.Join(s.prefix, runID, "events", fmt.Sprintf("%020d-%s.json", at.UnixNano(), uuid.New().String()))
}
func (s *Store) eventPrefix(runID string) string {
	return path.Join(s.prefix, runID, "events") + "/"
}
func (s *Store) dlqKey(runID, shardKey string, attempt int) string {
	return path.Join(s.prefix, runID, "dlq", fmt.Sprintf("%s-%d.json", shardKey, attempt))
}
func (s *Store) dlqPrefix(runID string) string {
	return path.Join(s.prefix, runID, "dlq") + "/"
}
func (s *Store) workerKey(workerID string) string {
	return path.Join(s.prefix, "_workers", workerID+".json")
}
func (s *Store) workerPrefix() string {
	return path.Join(s.prefix, "_workers") + "/"
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}

func (s *Store) getJSON(ctx context.Context, key string, v interface{}) error {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = obj.Close() }()
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return model.ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Store) putJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func (s *Store) listJSON(ctx context.Context, prefix string, each func(key string, data []byte) error) error {
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return info.Err
		}
		obj, err := s.client.GetObject(ctx, s.bucket, info.Key, minio.GetObjectOptions{})
		if err != nil {
			return err
		}
		data, err := io.ReadAll(obj)
		_ = obj.Close()
		if err != nil {
			if isNoSuchKey(err) {
				continue // deleted between list and get
			}
			return err
		}
		if err := each(info.Key, data); err != nil {
			return err
		}
	}
	return nil
}

// settleWait gives the object store time to converge before the
// confirmation read. Tests run with a zero delay.
func (s *Store) settleWait(ctx context.Context) error {
	if s.settle <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.settle):
		return nil
	}
}

// --- Runs ---
type runAPI struct{ s *Store }

// runDoc is the stored form of a run; Revision is the write-settle-reread
// token, private to this driver.
type runDoc struct {
	model.Run
	Revision string `json:"revision"`
}

func (a *runAPI) Create(ctx context.Context, r *model.Run) (*model.Run, error) {
	var existing runDoc
	err := a.s.getJSON(ctx, a.s.runKey(r.RunID), &existing)
	if err == nil {
		cp := existing.Run
		return &cp, nil
	}
	if err != model.ErrNotFound {
		return nil, err
	}
	now := time.Now().UTC()
	doc := runDoc{Run: *r, Revision: uuid.New().String()}
	if doc.Status == "" {
		doc.Status = model.RunRunning
	}
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if err := a.s.putJSON(ctx, a.s.runKey(r.RunID), &doc); err != nil {
		return nil, err
	}
	cp := doc.Run
	return &cp, nil
}

func (a *runAPI) Get(ctx context.Context, runID string) (*model.Run, error) {
	var doc runDoc
	if err := a.s.getJSON(ctx, a.s.runKey(runID), &doc); err != nil {
		return nil, err
	}
	cp := doc.Run
	return &cp, nil
}

func (a *runAPI) Tally(ctx context.Context, runID string) (model.RunTally, error) {
	var tally model.RunTally
	if _, err := a.Get(ctx, runID); err != nil {
		return tally, err
	}
	err := a.s.listJSON(ctx, a.s.shardPrefix(runID), func(_ string, data []byte) error {
		var doc shardDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		tally.Add(doc.Status)
		return nil
	})
	return tally, err
}

func (a *runAPI) Finalize(ctx context.Context, runID string, status model.RunStatus, tally model.RunTally) (*model.Run, error) {
	key := a.s.runKey(runID)
	var doc runDoc
	if err := a.s.getJSON(ctx, key, &doc); err != nil {
		return nil, err
	}
	if doc.Status != model.RunRunning {
		return nil, model.ErrConditionFailed
	}
	now := time.Now().UTC()
	doc.Status = status
	doc.SucceededCount = tally.Succeeded
	doc.FailedCount = tally.Failed + tally.TimedOut
	doc.UpdatedAt = now
	doc.CompletedAt = &now
	doc.Revision = uuid.New().String()
	if err := a.s.putJSON(ctx, key, &doc); err != nil {
		return nil, err
	}
	if err := a.s.settleWait(ctx); err != nil {
		return nil, err
	}
	var confirm runDoc
	if err := a.s.getJSON(ctx, key, &confirm); err != nil {
		return nil, err
	}
	if confirm.Revision != doc.Revision {
		return nil, model.ErrConditionFailed
	}
	cp := confirm.Run
	return &cp, nil
}

// --- Shards ---
type shardAPI struct{ s *Store }

type shardDoc struct {
	model.Shard
	Revision string `json:"revision"`
}

func (a *shardAPI) Put(ctx context.Context, sh *model.Shard) (*model.Shard, error) {
	key := a.s.shardKey(sh.RunID, sh.ShardKey)
	var existing shardDoc
	err := a.s.getJSON(ctx, key, &existing)
	if err == nil {
		cp := existing.Shard
		return &cp, nil
	}
	if err != model.ErrNotFound {
		return nil, err
	}
	now := time.Now().UTC()
	doc := shardDoc{Shard: *sh, Revision: uuid.New().String()}
	if doc.Status == "" {
		doc.Status = model.ShardQueued
	}
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if err := a.s.putJSON(ctx, key, &doc); err != nil {
		return nil, err
	}
	cp := doc.Shard
	return &cp, nil
}

func (a *shardAPI) Get(ctx context.Context, runID, shardKey string) (*model.Shard, error) {
	var doc shardDoc
	if err := a.s.getJSON(ctx, a.s.shardKey(runID, shardKey), &doc); err != nil {
		return nil, err
	}
	cp := doc.Shard
	return &cp, nil
}

func (a *shardAPI) List(ctx context.Context, runID string) ([]*model.Shard, error) {
	var out []*model.Shard
	err := a.s.listJSON(ctx, a.s.shardPrefix(runID), func(_ string, data []byte) error {
		var doc shardDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		cp := doc.Shard
		out = append(out, &cp)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShardKey < out[j].ShardKey })
	return out, nil
}

func (a *shardAPI) Transition(ctx context.Context, runID, shardKey string, from []model.ShardStatus, to model.ShardStatus, mut model.ShardMutation) (*model.Shard, error) {
	key := a.s.shardKey(runID, shardKey)
	var doc shardDoc
	if err := a.s.getJSON(ctx, key, &doc); err != nil {
		return nil, err
	}
	if doc.Status.Terminal() {
		return nil, model.ErrConditionFailed
	}
	matched := false
	for _, f := range from {
		if doc.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return nil, model.ErrConditionFailed
	}

	doc.Status = to
	if mut.Owner != nil {
		doc.Owner = *mut.Owner
	}
	if mut.ClaimToken != nil {
		doc.ClaimToken = *mut.ClaimToken
	}
	if mut.IncrementAttempt {
		doc.Attempts++
	}
	if mut.ClearNextAttempt {
		doc.NextAttemptAt = nil
	} else if mut.NextAttemptAt != nil {
		t := *mut.NextAttemptAt
		doc.NextAttemptAt = &t
	}
	if mut.LastExitCode != nil {
		v := *mut.LastExitCode
		doc.LastExitCode = &v
	}
	if mut.LastError != nil {
		doc.LastError = *mut.LastError
	}
	doc.UpdatedAt = time.Now().UTC()
	doc.Revision = uuid.New().String()

	if err := a.s.putJSON(ctx, key, &doc); err != nil {
		return nil, err
	}
	if err := a.s.settleWait(ctx); err != nil {
		return nil, err
	}
	var confirm shardDoc
	if err := a.s.getJSON(ctx, key, &confirm); err != nil {
		return nil, err
	}
	if confirm.Revision != doc.Revision {
		return nil, model.ErrConditionFailed
	}
	cp := confirm.Shard
	return &cp, nil
}

// --- Events ---
type eventAPI struct{ s *Store }

func (a *eventAPI) Append(ctx context.Context, e *model.Event) error {
	cp := *e
	if cp.OccurredAt.IsZero() {
		cp.OccurredAt = time.Now().UTC()
	}
	return a.s.putJSON(ctx, a.s.eventKey(cp.RunID, cp.OccurredAt), &cp)
}

func (a *eventAPI) List(ctx context.Context, runID string) ([]*model.Event, error) {
	var out []*model.Event
	err := a.s.listJSON(ctx, a.s.eventPrefix(runID), func(_ string, data []byte) error {
		var ev model.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		out = append(out, &ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

// --- Workers ---
type workerAPI struct{ s *Store }

func (a *workerAPI) Upsert(ctx context.Context, w *model.WorkerStatus) error {
	cp := *w
	cp.UpdatedAt = time.Now().UTC()
	return a.s.putJSON(ctx, a.s.workerKey(cp.WorkerID), &cp)
}

func (a *workerAPI) List(ctx context.Context) ([]*model.WorkerStatus, error) {
	var out []*model.WorkerStatus
	err := a.s.listJSON(ctx, a.s.workerPrefix(), func(_ string, data []byte) error {
		var ws model.WorkerStatus
		if err := json.Unmarshal(data, &ws); err != nil {
			return err
		}
		out = append(out, &ws)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

// --- Dead letters ---
type dlqAPI struct{ s *Store }

func (a *dlqAPI) Add(ctx context.Context, d *model.DeadLetter) error {
	cp := *d
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	return a.s.putJSON(ctx, a.s.dlqKey(cp.RunID, cp.ShardKey, cp.Attempt), &cp)
}

func (a *dlqAPI) List(ctx context.Context, runID string) ([]*model.DeadLetter, error) {
	var out []*model.DeadLetter
	err := a.s.listJSON(ctx, a.s.dlqPrefix(runID), func(_ string, data []byte) error {
		var dl model.DeadLetter
		if err := json.Unmarshal(data, &dl); err != nil {
			return err
		}
		out = append(out, &dl)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ShardKey != out[j].ShardKey {
			return out[i].ShardKey < out[j].ShardKey
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out, nil
}
