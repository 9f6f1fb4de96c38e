// Package identity resolves a stable worker id. Resolution order: EC2
// instance id via IMDSv2, the BENCHQ_WORKER_ID environment variable, then
// hostname plus a random suffix. Stability matters because the id is the
// owner recorded on claimed shards; a worker that restarts with a new id
// simply looks like a new worker and its old claims age out.
package identity

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	imdsBase     = "http://169.254.169.254"
	imdsTokenTTL = "60"
)

// Resolver resolves worker identity. The zero endpoint uses the EC2
// metadata service.
type Resolver struct {
	endpoint string
	timeout  time.Duration
	log      zerolog.Logger
}

// NewResolver builds a resolver. endpoint overrides the metadata service
// address; pass "" for the default.
func NewResolver(endpoint string, log zerolog.Logger) *Resolver {
	if endpoint == "" {
		endpoint = imdsBase
	}
	return &Resolver{endpoint: endpoint, timeout: 2 * time.Second, log: log}
}

// Resolve returns the worker id. It never fails; every fallback level
// degrades to the next.
func (r *Resolver) Resolve(ctx context.Context) string {
	if id, err := r.instanceID(ctx); err == nil && id != "" {
		return id
	} else if err != nil {
		r.log.Debug().Err(err).Msg("instance metadata unavailable")
	}

	if id := os.Getenv("BENCHQ_WORKER_ID"); id != "" {
		return id
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}

// instanceID fetches the EC2 instance id using the session-token flow
// (IMDSv2).
func (r *Resolver) instanceID(ctx context.Context) (string, error) {
	client := resty.New().SetBaseURL(r.endpoint).SetTimeout(r.timeout)

	tokenResp, err := client.R().
		SetContext(ctx).
		SetHeader("X-aws-ec2-metadata-token-ttl-seconds", imdsTokenTTL).
		Put("/latest/api/token")
	if err != nil {
		return "", err
	}
	if tokenResp.IsError() {
		return "", fmt.Errorf("imds token: %s", tokenResp.Status())
	}

	idResp, err := client.R().
		SetContext(ctx).
		SetHeader("X-aws-ec2-metadata-token", strings.TrimSpace(tokenResp.String())).
		Get("/latest/meta-data/instance-id")
	if err != nil {
		return "", err
	}
	if idResp.IsError() {
		return "", fmt.Errorf("imds instance-id: %s", idResp.Status())
	}
	return strings.TrimSpace(idResp.String()), nil
}
