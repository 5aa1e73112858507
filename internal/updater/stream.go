package updater

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/matt-riley/expz/internal/clock"
	"github.com/matt-riley/expz/internal/transport"
)

const DefaultKeepaliveTimeout = 30 * time.Second

type StreamConfig struct {
	// KeepaliveTimeout is how long the stream may stay silent before it is
	// treated as dead. Zero uses DefaultKeepaliveTimeout.
	KeepaliveTimeout time.Duration
}

// StreamUpdater holds one push connection. Starting again with the same params
// keeps the connection and rebinds the callbacks. A non-retriable error
// disables the updater for good.
type StreamUpdater[T any] struct {
	open StreamFunc[T]
	cfg  StreamConfig
	opts options

	mu       sync.Mutex
	gen      uint64
	gate     *gate[T]
	stream   transport.Stream
	params   *Params
	watchdog clock.Timer
	disabled bool
	lastErr  error
}

func NewStreamUpdater[T any](open StreamFunc[T], cfg StreamConfig, opts ...Option) *StreamUpdater[T] {
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	return &StreamUpdater[T]{open: open, cfg: cfg, opts: applyOptions(opts)}
}

func (u *StreamUpdater[T]) Start(ctx context.Context, params Params, onUpdate func(T), onError func(error)) error {
	u.mu.Lock()
	if u.disabled {
		u.mu.Unlock()
		return ErrStreamDisabled
	}
	if u.stream != nil && u.params != nil && reflect.DeepEqual(*u.params, params) {
		g := u.gate
		u.mu.Unlock()
		g.rebind(onUpdate, onError)
		return nil
	}
	old, oldGate := u.detachLocked()
	u.gen++
	gen := u.gen
	g := newGate(onUpdate, onError)
	u.gate = g
	u.mu.Unlock()

	oldGate.close()
	if old != nil {
		_ = old.Close()
	}

	u.mu.Lock()
	u.armWatchdogLocked(gen)
	u.mu.Unlock()

	stream, err := u.open(ctx, params, transport.StreamHandler[T]{
		OnUpdate: func(v T) {
			if u.touch(gen) {
				g.update(v)
			}
		},
		OnKeepalive: func() { u.touch(gen) },
		OnError:     func(err error) { u.fail(gen, err) },
	})

	u.mu.Lock()
	if err != nil {
		if u.gen == gen {
			stopTimer(u.watchdog)
			u.watchdog = nil
			u.gate = nil
			if !transport.Retriable(err) {
				u.disabled = true
			}
		}
		u.mu.Unlock()
		g.close()
		return err
	}
	if u.gen != gen {
		lost := u.lastErr
		u.mu.Unlock()
		_ = stream.Close()
		if lost == nil {
			lost = ErrStopped
		}
		return lost
	}
	u.stream = stream
	p := params
	u.params = &p
	u.mu.Unlock()
	return nil
}

func (u *StreamUpdater[T]) Stop() error {
	u.mu.Lock()
	u.gen++
	stream, g := u.detachLocked()
	u.mu.Unlock()

	g.close()
	if stream != nil {
		return stream.Close()
	}
	return nil
}

// Connected reports whether a stream is currently open.
func (u *StreamUpdater[T]) Connected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stream != nil
}

func (u *StreamUpdater[T]) detachLocked() (transport.Stream, *gate[T]) {
	stopTimer(u.watchdog)
	u.watchdog = nil
	stream, g := u.stream, u.gate
	u.stream = nil
	u.gate = nil
	u.params = nil
	return stream, g
}

// touch re-arms the keepalive watchdog. It reports whether gen is still live.
func (u *StreamUpdater[T]) touch(gen uint64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.gen != gen {
		return false
	}
	u.armWatchdogLocked(gen)
	return true
}

func (u *StreamUpdater[T]) armWatchdogLocked(gen uint64) {
	stopTimer(u.watchdog)
	timeout := u.cfg.KeepaliveTimeout
	u.watchdog = u.opts.scheduler.AfterFunc(timeout, func() {
		u.fail(gen, &transport.TimeoutError{Timeout: timeout})
	})
}

func (u *StreamUpdater[T]) fail(gen uint64, err error) {
	u.mu.Lock()
	if u.gen != gen {
		u.mu.Unlock()
		return
	}
	u.gen++
	u.lastErr = err
	if !transport.Retriable(err) {
		u.disabled = true
	}
	stream, g := u.detachLocked()
	u.mu.Unlock()

	u.opts.logger.Warn("stream closed", "error", err)
	if stream != nil {
		_ = stream.Close()
	}
	if g != nil {
		g.fail(err)
		g.close()
	}
}
