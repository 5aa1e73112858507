// Package updater keeps a local copy of remote flag data fresh. Updaters share
// one lifecycle: Start delivers results through callbacks until Stop returns,
// after which no callback runs.
package updater

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/matt-riley/expz/internal/clock"
	"github.com/matt-riley/expz/internal/core"
	"github.com/matt-riley/expz/internal/transport"
)

var (
	ErrStreamDisabled = errors.New("updater: stream disabled after terminal error")
	ErrStopped        = errors.New("updater: stopped")
)

// Params identifies what an updater fetches.
type Params struct {
	User    core.User
	Options transport.FetchOptions
}

type Updater[T any] interface {
	// Start begins delivering updates. A non-nil error means the first
	// attempt failed; the updater may still retry in the background.
	Start(ctx context.Context, params Params, onUpdate func(T), onError func(error)) error
	Stop() error
}

type FetchFunc[T any] func(ctx context.Context, params Params) (T, error)

type StreamFunc[T any] func(ctx context.Context, params Params, handler transport.StreamHandler[T]) (transport.Stream, error)

type Option func(*options)

type options struct {
	scheduler clock.Scheduler
	logger    *slog.Logger
	jitter    func(max time.Duration) time.Duration
}

func WithScheduler(s clock.Scheduler) Option {
	return func(o *options) {
		if s != nil {
			o.scheduler = s
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithJitter replaces the uniform jitter source used by RetryAndFallback.
func WithJitter(f func(max time.Duration) time.Duration) Option {
	return func(o *options) {
		if f != nil {
			o.jitter = f
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{
		scheduler: clock.Real{},
		logger:    slog.Default(),
		jitter:    uniformJitter,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// uniformJitter returns a duration in [-max, max].
func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(2*max)+1)) - max
}

// gate forwards callbacks until closed. close waits for in-flight callbacks,
// so callbacks must not stop their own updater synchronously.
type gate[T any] struct {
	mu       sync.RWMutex
	closed   bool
	onUpdate func(T)
	onError  func(error)
}

func newGate[T any](onUpdate func(T), onError func(error)) *gate[T] {
	return &gate[T]{onUpdate: onUpdate, onError: onError}
}

func (g *gate[T]) update(v T) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed || g.onUpdate == nil {
		return
	}
	g.onUpdate(v)
}

func (g *gate[T]) fail(err error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed || g.onError == nil {
		return
	}
	g.onError(err)
}

func (g *gate[T]) rebind(onUpdate func(T), onError func(error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onUpdate = onUpdate
	g.onError = onError
}

func (g *gate[T]) close() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
}

func stopTimer(t clock.Timer) {
	if t != nil {
		t.Stop()
	}
}
