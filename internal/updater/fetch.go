package updater

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/matt-riley/expz/internal/clock"
	"github.com/matt-riley/expz/internal/transport"
)

const (
	DefaultRetryAttempts = 8
	DefaultRetryMinDelay = 500 * time.Millisecond
	DefaultRetryMaxDelay = 10 * time.Second
	DefaultRetryScalar   = 1.5
)

// FetchConfig controls background retries after a retriable fetch failure.
// Zero fields take the Default* values.
type FetchConfig struct {
	NoRetry  bool
	Attempts int
	MinDelay time.Duration
	MaxDelay time.Duration
	Scalar   float64
}

func (c FetchConfig) withDefaults() FetchConfig {
	if c.Attempts <= 0 {
		c.Attempts = DefaultRetryAttempts
	}
	if c.MinDelay <= 0 {
		c.MinDelay = DefaultRetryMinDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultRetryMaxDelay
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.Scalar < 1 {
		c.Scalar = DefaultRetryScalar
	}
	return c
}

// FetchUpdater performs one fetch per Start. A retriable failure starts a
// background backoff loop re-issuing the same request; the next Start or Stop
// cancels it.
type FetchUpdater[T any] struct {
	fetch FetchFunc[T]
	cfg   FetchConfig
	opts  options

	mu    sync.Mutex
	gen   uint64
	gate  *gate[T]
	retry *retryLoop
}

type retryLoop struct {
	backoff *backoff.ExponentialBackOff
	timer   clock.Timer
	cancel  context.CancelFunc
	attempt int
}

func NewFetchUpdater[T any](fetch FetchFunc[T], cfg FetchConfig, opts ...Option) *FetchUpdater[T] {
	return &FetchUpdater[T]{
		fetch: fetch,
		cfg:   cfg.withDefaults(),
		opts:  applyOptions(opts),
	}
}

func (u *FetchUpdater[T]) Start(ctx context.Context, params Params, onUpdate func(T), onError func(error)) error {
	g := newGate(onUpdate, onError)

	u.mu.Lock()
	u.cancelRetryLocked()
	u.gen++
	gen := u.gen
	old := u.gate
	u.gate = g
	u.mu.Unlock()
	old.close()

	value, err := u.fetch(ctx, params)
	if err == nil {
		if u.current(gen) {
			g.update(value)
		}
		return nil
	}

	if !u.cfg.NoRetry && transport.Retriable(err) {
		u.startRetry(ctx, gen, params, g)
	}
	return err
}

func (u *FetchUpdater[T]) Stop() error {
	u.mu.Lock()
	u.cancelRetryLocked()
	u.gen++
	g := u.gate
	u.gate = nil
	u.mu.Unlock()

	g.close()
	return nil
}

// Retrying reports whether a background retry loop is active.
func (u *FetchUpdater[T]) Retrying() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.retry != nil
}

func (u *FetchUpdater[T]) current(gen uint64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.gen == gen
}

func (u *FetchUpdater[T]) startRetry(ctx context.Context, gen uint64, params Params, g *gate[T]) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     u.cfg.MinDelay,
		RandomizationFactor: 0,
		Multiplier:          u.cfg.Scalar,
		MaxInterval:         u.cfg.MaxDelay,
	}
	b.Reset()
	retryCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	loop := &retryLoop{backoff: b, cancel: cancel}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.gen != gen {
		cancel()
		return
	}
	u.retry = loop
	u.scheduleLocked(retryCtx, loop, gen, params, g)
}

func (u *FetchUpdater[T]) scheduleLocked(ctx context.Context, loop *retryLoop, gen uint64, params Params, g *gate[T]) {
	loop.attempt++
	delay := loop.backoff.NextBackOff()
	loop.timer = u.opts.scheduler.AfterFunc(delay, func() {
		u.retryAttempt(ctx, loop, gen, params, g)
	})
}

func (u *FetchUpdater[T]) retryAttempt(ctx context.Context, loop *retryLoop, gen uint64, params Params, g *gate[T]) {
	value, err := u.fetch(ctx, params)

	u.mu.Lock()
	if u.gen != gen || u.retry != loop {
		u.mu.Unlock()
		return
	}
	if err == nil {
		u.retry = nil
		loop.cancel()
		u.mu.Unlock()
		g.update(value)
		return
	}
	if !transport.Retriable(err) || loop.attempt >= u.cfg.Attempts {
		u.retry = nil
		loop.cancel()
		u.mu.Unlock()
		u.opts.logger.Warn("giving up fetch retries", "attempts", loop.attempt, "error", err)
		g.fail(err)
		return
	}
	u.opts.logger.Debug("fetch retry failed", "attempt", loop.attempt, "error", err)
	u.scheduleLocked(ctx, loop, gen, params, g)
	u.mu.Unlock()
}

func (u *FetchUpdater[T]) cancelRetryLocked() {
	if u.retry == nil {
		return
	}
	stopTimer(u.retry.timer)
	u.retry.cancel()
	u.retry = nil
}
