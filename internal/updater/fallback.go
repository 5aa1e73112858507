package updater

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/matt-riley/expz/internal/clock"
	"github.com/matt-riley/expz/internal/transport"
)

const (
	DefaultFallbackRetryDelay = 15 * time.Second
	DefaultFallbackMaxJitter  = time.Second
)

type FallbackConfig struct {
	RetryDelay time.Duration
	MaxJitter  time.Duration
}

// RetryAndFallback runs primary and switches to fallback while primary is
// down. Primary and fallback each get their own jittered retry timer.
type RetryAndFallback[T any] struct {
	primary  Updater[T]
	fallback Updater[T]
	cfg      FallbackConfig
	opts     options

	// primaryMu and fallbackMu serialize Start and Stop on each wrapped
	// updater. Lock order is primaryMu, fallbackMu, mu.
	primaryMu  sync.Mutex
	fallbackMu sync.Mutex

	mu              sync.Mutex
	gen             uint64
	gate            *gate[T]
	ctx             context.Context
	params          Params
	primaryUp       bool
	fallbackUp      bool
	primaryTimer    clock.Timer
	fallbackTimer   clock.Timer
	primaryDisabled bool
}

func NewRetryAndFallback[T any](primary, fallback Updater[T], cfg FallbackConfig, opts ...Option) *RetryAndFallback[T] {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultFallbackRetryDelay
	}
	if cfg.MaxJitter < 0 {
		cfg.MaxJitter = 0
	}
	return &RetryAndFallback[T]{
		primary:  primary,
		fallback: fallback,
		cfg:      cfg,
		opts:     applyOptions(opts),
	}
}

func (u *RetryAndFallback[T]) Start(ctx context.Context, params Params, onUpdate func(T), onError func(error)) error {
	g := newGate(onUpdate, onError)

	u.mu.Lock()
	u.cancelTimersLocked()
	u.gen++
	gen := u.gen
	old := u.gate
	u.gate = g
	u.ctx = context.WithoutCancel(ctx)
	u.params = params
	u.primaryUp = false
	u.primaryDisabled = false
	fallbackWasUp := u.fallbackUp
	u.fallbackUp = false
	u.mu.Unlock()
	old.close()

	// A running fallback is bound to the previous params and gate.
	if fallbackWasUp {
		u.stopFallback()
	}

	err := u.startPrimary(gen)
	if err == nil {
		return nil
	}

	u.opts.logger.Warn("primary updater failed to start, using fallback", "error", err)
	u.markPrimaryDown(gen, err)
	if fbErr := u.startFallback(gen); fbErr != nil {
		return multierror.Append(err, fbErr)
	}
	return nil
}

// Stop cancels both retry timers, then closes the callback gate, then stops
// the wrapped updaters. A start already in flight finishes before its updater
// is stopped.
func (u *RetryAndFallback[T]) Stop() error {
	u.mu.Lock()
	u.cancelTimersLocked()
	u.gen++
	g := u.gate
	u.gate = nil
	u.primaryUp = false
	u.fallbackUp = false
	u.mu.Unlock()

	g.close()

	var result *multierror.Error
	u.primaryMu.Lock()
	result = multierror.Append(result, u.primary.Stop())
	u.primaryMu.Unlock()
	u.fallbackMu.Lock()
	result = multierror.Append(result, u.fallback.Stop())
	u.fallbackMu.Unlock()
	return result.ErrorOrNil()
}

// UsingFallback reports whether the fallback updater is currently running.
func (u *RetryAndFallback[T]) UsingFallback() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.fallbackUp
}

// startPrimary starts the primary for gen. It returns nil without starting
// anything when gen is no longer live, and stops a primary whose gen was
// superseded while it was starting.
func (u *RetryAndFallback[T]) startPrimary(gen uint64) error {
	u.primaryMu.Lock()
	defer u.primaryMu.Unlock()

	u.mu.Lock()
	if u.gen != gen {
		u.mu.Unlock()
		return nil
	}
	ctx, params, g := u.ctx, u.params, u.gate
	u.mu.Unlock()

	if err := u.primary.Start(ctx, params, g.update, u.primaryFailed(gen)); err != nil {
		return err
	}
	if !u.primaryStarted(gen) {
		if err := u.primary.Stop(); err != nil {
			u.opts.logger.Warn("stop superseded primary updater", "error", err)
		}
	}
	return nil
}

func (u *RetryAndFallback[T]) primaryFailed(gen uint64) func(error) {
	return func(err error) {
		u.opts.logger.Warn("primary updater failed, using fallback", "error", err)
		if !u.markPrimaryDown(gen, err) {
			return
		}
		_ = u.startFallback(gen)
	}
}

// markPrimaryDown records a primary failure and schedules its retry. It
// reports whether gen is still live.
func (u *RetryAndFallback[T]) markPrimaryDown(gen uint64, err error) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.gen != gen {
		return false
	}
	u.primaryUp = false
	if errors.Is(err, ErrStreamDisabled) || !transport.Retriable(err) {
		u.primaryDisabled = true
	}
	u.schedulePrimaryRetryLocked(gen)
	return true
}

// primaryStarted marks the primary up and retires the fallback. It reports
// false when gen is no longer live.
func (u *RetryAndFallback[T]) primaryStarted(gen uint64) bool {
	u.mu.Lock()
	if u.gen != gen {
		u.mu.Unlock()
		return false
	}
	u.primaryUp = true
	stopTimer(u.fallbackTimer)
	u.fallbackTimer = nil
	wasUp := u.fallbackUp
	u.fallbackUp = false
	u.mu.Unlock()

	if wasUp {
		u.stopFallback()
	}
	return true
}

func (u *RetryAndFallback[T]) stopFallback() {
	u.fallbackMu.Lock()
	defer u.fallbackMu.Unlock()
	if err := u.fallback.Stop(); err != nil {
		u.opts.logger.Warn("stop fallback updater", "error", err)
	}
}

func (u *RetryAndFallback[T]) startFallback(gen uint64) error {
	u.fallbackMu.Lock()

	u.mu.Lock()
	if u.gen != gen || u.fallbackUp || u.primaryUp {
		u.mu.Unlock()
		u.fallbackMu.Unlock()
		return nil
	}
	ctx, params, g := u.ctx, u.params, u.gate
	u.mu.Unlock()

	err := u.fallback.Start(ctx, params, g.update, u.fallbackFailed(gen))

	u.mu.Lock()
	switch {
	case u.gen != gen:
		u.mu.Unlock()
		if err == nil {
			// Superseded while starting.
			_ = u.fallback.Stop()
		}
		u.fallbackMu.Unlock()
		return nil
	case err != nil:
		u.scheduleFallbackRetryLocked(gen)
		u.mu.Unlock()
		u.fallbackMu.Unlock()
		u.opts.logger.Warn("fallback updater failed to start", "error", err)
		g.fail(err)
		return err
	case u.primaryUp:
		// Primary recovered while the fallback was starting.
		u.mu.Unlock()
		_ = u.fallback.Stop()
		u.fallbackMu.Unlock()
		return nil
	}
	u.fallbackUp = true
	u.mu.Unlock()
	u.fallbackMu.Unlock()
	return nil
}

func (u *RetryAndFallback[T]) fallbackFailed(gen uint64) func(error) {
	return func(err error) {
		u.mu.Lock()
		if u.gen != gen {
			u.mu.Unlock()
			return
		}
		u.fallbackUp = false
		if !u.primaryUp {
			u.scheduleFallbackRetryLocked(gen)
		}
		g := u.gate
		u.mu.Unlock()

		u.opts.logger.Warn("fallback updater failed", "error", err)
		g.fail(err)
	}
}

func (u *RetryAndFallback[T]) schedulePrimaryRetryLocked(gen uint64) {
	if u.primaryTimer != nil || u.primaryDisabled {
		return
	}
	u.primaryTimer = u.opts.scheduler.AfterFunc(u.retryDelay(), func() {
		u.mu.Lock()
		if u.gen != gen {
			u.mu.Unlock()
			return
		}
		u.primaryTimer = nil
		u.mu.Unlock()

		if err := u.startPrimary(gen); err != nil {
			u.opts.logger.Debug("primary retry failed", "error", err)
			u.markPrimaryDown(gen, err)
		}
	})
}

func (u *RetryAndFallback[T]) scheduleFallbackRetryLocked(gen uint64) {
	if u.fallbackTimer != nil {
		return
	}
	u.fallbackTimer = u.opts.scheduler.AfterFunc(u.retryDelay(), func() {
		u.mu.Lock()
		if u.gen != gen {
			u.mu.Unlock()
			return
		}
		u.fallbackTimer = nil
		u.mu.Unlock()

		_ = u.startFallback(gen)
	})
}

func (u *RetryAndFallback[T]) retryDelay() time.Duration {
	delay := u.cfg.RetryDelay + u.opts.jitter(u.cfg.MaxJitter)
	if delay < 0 {
		return 0
	}
	return delay
}

func (u *RetryAndFallback[T]) cancelTimersLocked() {
	stopTimer(u.primaryTimer)
	stopTimer(u.fallbackTimer)
	u.primaryTimer = nil
	u.fallbackTimer = nil
}
