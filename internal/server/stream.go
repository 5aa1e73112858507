package server

import (
	"bytes"
	"context"
	"time"
)

// changeWatcher drives the SSE and gRPC watch streams. Both re-evaluate on a
// fixed poll interval and push only when the encoded result changes.
type changeWatcher struct {
	pollInterval      time.Duration
	keepaliveInterval time.Duration
}

// watch blocks until ctx is done or a load, send or keepalive fails. last is
// the payload the client already holds.
func (w changeWatcher) watch(
	ctx context.Context,
	last []byte,
	load func(context.Context) ([]byte, error),
	send func([]byte) error,
	keepalive func() error,
) error {
	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()
	keep := time.NewTicker(w.keepaliveInterval)
	defer keep.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			payload, err := load(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if bytes.Equal(payload, last) {
				continue
			}
			if err := send(payload); err != nil {
				return err
			}
			last = payload
		case <-keep.C:
			if err := keepalive(); err != nil {
				return err
			}
		}
	}
}
