package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"

	"github.com/scfuzzbench/benchq/internal/model"
)

// ObjectLocker implements Locker on an S3-compatible store, where no
// conditional write primitive exists. Acquisition is an election: each
// contender writes a claim marker named {ts_ms}-{owner}-{nonce}, waits for
// the store to settle, then lists all markers. The lexicographically first
// marker wins and its owner writes the lease object. Losers delete their
// marker and report the lock held.
type ObjectLocker struct {
	client *minio.Client
	bucket string
	prefix string
	settle time.Duration

	// Now is the clock; tests override it.
	Now func() time.Time
}

// NewObjectLocker wraps an existing minio client. Lock state lives under
// prefix/locks/<name>/.
func NewObjectLocker(client *minio.Client, bucket, prefix string, settle time.Duration) *ObjectLocker {
	return &ObjectLocker{client: client, bucket: bucket, prefix: prefix, settle: settle, Now: time.Now}
}

type leaseDoc struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (l *ObjectLocker) leaseKey(name string) string {
	return path.Join(l.prefix, "locks", name, "lease.json")
}

func (l *ObjectLocker) claimPrefix(name string) string {
	return path.Join(l.prefix, "locks", name, "claims") + "/"
}

func (l *ObjectLocker) claimKey(name, owner, nonce string, at time.Time) string {
	return l.claimPrefix(name) + fmt.Sprintf("%013d-%s-%s.json", at.UnixMilli(), owner, nonce)
}

func (l *ObjectLocker) getLease(ctx context.Context, name string) (*leaseDoc, error) {
	obj, err := l.client.GetObject(ctx, l.bucket, l.leaseKey(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = obj.Close() }()
	data, err := io.ReadAll(obj)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	var doc leaseDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (l *ObjectLocker) putLease(ctx context.Context, name string, doc leaseDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = l.client.PutObject(ctx, l.bucket, l.leaseKey(name), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func (l *ObjectLocker) settleWait(ctx context.Context) error {
	if l.settle <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(l.settle):
		return nil
	}
}

func (l *ObjectLocker) Acquire(ctx context.Context, name, owner string, lease time.Duration) (*Lease, error) {
	now := l.Now().UTC()

	cur, err := l.getLease(ctx, name)
	if err != nil && err != model.ErrNotFound {
		return nil, err
	}
	if cur != nil && cur.ExpiresAt.After(now) {
		if cur.Owner != owner {
			return nil, model.ErrLockHeld
		}
		// Already ours: refresh in place.
		doc := leaseDoc{Owner: owner, ExpiresAt: now.Add(lease)}
		if err := l.putLease(ctx, name, doc); err != nil {
			return nil, err
		}
		return &Lease{Name: name, Owner: owner, ExpiresAt: doc.ExpiresAt}, nil
	}

	nonce := uuid.New().String()
	marker := l.claimKey(name, owner, nonce, now)
	if _, err := l.client.PutObject(ctx, l.bucket, marker, bytes.NewReader(nil), 0,
		minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return nil, err
	}
	if err := l.settleWait(ctx); err != nil {
		return nil, err
	}

	winner, err := l.electWinner(ctx, name, now, lease)
	if err != nil {
		return nil, err
	}
	if winner != marker {
		_ = l.client.RemoveObject(ctx, l.bucket, marker, minio.RemoveObjectOptions{})
		return nil, model.ErrLockHeld
	}

	doc := leaseDoc{Owner: owner, ExpiresAt: now.Add(lease)}
	if err := l.putLease(ctx, name, doc); err != nil {
		return nil, err
	}
	_ = l.client.RemoveObject(ctx, l.bucket, marker, minio.RemoveObjectOptions{})
	return &Lease{Name: name, Owner: owner, ExpiresAt: doc.ExpiresAt}, nil
}

// electWinner lists claim markers, prunes abandoned ones, and returns the
// lexicographically first survivor. Marker names start with a zero-padded
// millisecond timestamp so lexicographic order is claim order.
func (l *ObjectLocker) electWinner(ctx context.Context, name string, now time.Time, lease time.Duration) (string, error) {
	maxAge := 2 * lease
	if maxAge < 20*time.Minute {
		maxAge = 20 * time.Minute
	}

	var markers []string
	for info := range l.client.ListObjects(ctx, l.bucket, minio.ListObjectsOptions{Prefix: l.claimPrefix(name), Recursive: true}) {
		if info.Err != nil {
			return "", info.Err
		}
		if ts, ok := markerTime(info.Key); ok && now.Sub(ts) > maxAge {
			_ = l.client.RemoveObject(ctx, l.bucket, info.Key, minio.RemoveObjectOptions{})
			continue
		}
		markers = append(markers, info.Key)
	}
	if len(markers) == 0 {
		return "", fmt.Errorf("lock %s: no claim markers after settle", name)
	}
	sort.Strings(markers)
	return markers[0], nil
}

func markerTime(key string) (time.Time, bool) {
	base := path.Base(key)
	idx := strings.Index(base, "-")
	if idx <= 0 {
		return time.Time{}, false
	}
	var ms int64
	if _, err := fmt.Sscanf(base[:idx], "%d", &ms); err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (l *ObjectLocker) Renew(ctx context.Context, name, owner string, lease time.Duration) error {
	cur, err := l.getLease(ctx, name)
	if err != nil {
		if err == model.ErrNotFound {
			return model.ErrNotOwner
		}
		return err
	}
	now := l.Now().UTC()
	// Expired leases are not renewable: another contender may already be
	// mid-election over this name, so the old owner must re-acquire.
	if cur.Owner != owner || !cur.ExpiresAt.After(now) {
		return model.ErrNotOwner
	}
	return l.putLease(ctx, name, leaseDoc{Owner: owner, ExpiresAt: now.Add(lease)})
}

func (l *ObjectLocker) Release(ctx context.Context, name, owner string) error {
	cur, err := l.getLease(ctx, name)
	if err != nil {
		if err == model.ErrNotFound {
			return nil
		}
		return err
	}
	if cur.Owner != owner {
		return nil
	}
	return l.client.RemoveObject(ctx, l.bucket, l.leaseKey(name), minio.RemoveObjectOptions{})
}
