// Package server exposes the evaluation service over HTTP, SSE and gRPC.
// Every handler serves the deployment that the auth middleware resolved from
// the request's deployment key.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/matt-riley/expz/internal/core"
	"github.com/matt-riley/expz/internal/metrics"
	"github.com/matt-riley/expz/internal/service"
)

type Service interface {
	Flags(ctx context.Context, deploymentID string, keys ...string) ([]core.FlagConfig, error)
	Evaluate(ctx context.Context, deploymentID string, user core.User, keys []string) (map[string]core.Variant, error)
}

var _ Service = (*service.Service)(nil)

const (
	defaultStreamPollInterval      = time.Second
	defaultStreamKeepaliveInterval = 15 * time.Second
	defaultMaxJSONBodyBytes        = 1 << 20
)

// Option configures the HTTP handler and the gRPC server.
type Option func(*options)

type options struct {
	pollInterval      time.Duration
	keepaliveInterval time.Duration
	maxBodyBytes      int64
	metrics           *metrics.Metrics
	auth              func(http.Handler) http.Handler
}

func newOptions(opts []Option) options {
	o := options{
		pollInterval:      defaultStreamPollInterval,
		keepaliveInterval: defaultStreamKeepaliveInterval,
		maxBodyBytes:      defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithStreamPollInterval sets how often streams re-evaluate to detect changes.
func WithStreamPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithKeepaliveInterval sets the keepalive period on open streams.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.keepaliveInterval = d
		}
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBodyBytes = n
		}
	}
}

// WithMetrics instruments HTTP routes, serves /metrics and counts open SSE
// streams.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithAuth wraps the SDK routes. /healthz and /metrics stay unauthenticated.
func WithAuth(mw func(http.Handler) http.Handler) Option {
	return func(o *options) { o.auth = mw }
}
