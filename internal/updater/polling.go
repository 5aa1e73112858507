package updater

import (
	"context"
	"sync"
	"time"

	"github.com/matt-riley/expz/internal/clock"
)

const DefaultPollInterval = 5 * time.Minute

// PollingUpdater fetches once on Start and then every interval until stopped.
// Failed polls are reported through onError and polling continues.
type PollingUpdater[T any] struct {
	fetch    FetchFunc[T]
	interval time.Duration
	opts     options

	mu     sync.Mutex
	gen    uint64
	gate   *gate[T]
	timer  clock.Timer
	cancel context.CancelFunc
}

func NewPollingUpdater[T any](fetch FetchFunc[T], interval time.Duration, opts ...Option) *PollingUpdater[T] {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollingUpdater[T]{fetch: fetch, interval: interval, opts: applyOptions(opts)}
}

func (u *PollingUpdater[T]) Start(ctx context.Context, params Params, onUpdate func(T), onError func(error)) error {
	g := newGate(onUpdate, onError)
	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	u.mu.Lock()
	old := u.resetLocked()
	u.gen++
	gen := u.gen
	u.gate = g
	u.cancel = cancel
	u.mu.Unlock()
	old.close()

	value, err := u.fetch(ctx, params)
	if err != nil {
		u.mu.Lock()
		if u.gen == gen {
			u.resetLocked()
			u.gen++
		}
		u.mu.Unlock()
		g.close()
		return err
	}

	u.mu.Lock()
	if u.gen != gen {
		u.mu.Unlock()
		return ErrStopped
	}
	u.scheduleLocked(pollCtx, gen, params, g)
	u.mu.Unlock()

	g.update(value)
	return nil
}

func (u *PollingUpdater[T]) Stop() error {
	u.mu.Lock()
	g := u.resetLocked()
	u.gen++
	u.mu.Unlock()

	g.close()
	return nil
}

func (u *PollingUpdater[T]) resetLocked() *gate[T] {
	stopTimer(u.timer)
	u.timer = nil
	if u.cancel != nil {
		u.cancel()
		u.cancel = nil
	}
	g := u.gate
	u.gate = nil
	return g
}

func (u *PollingUpdater[T]) scheduleLocked(ctx context.Context, gen uint64, params Params, g *gate[T]) {
	u.timer = u.opts.scheduler.AfterFunc(u.interval, func() {
		value, err := u.fetch(ctx, params)

		u.mu.Lock()
		if u.gen != gen {
			u.mu.Unlock()
			return
		}
		u.scheduleLocked(ctx, gen, params, g)
		u.mu.Unlock()

		if err != nil {
			u.opts.logger.Debug("poll failed", "error", err)
			g.fail(err)
			return
		}
		g.update(value)
	})
}
