package updater

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-riley/expz/internal/clock"
	"github.com/matt-riley/expz/internal/core"
	"github.com/matt-riley/expz/internal/transport"
)

type fakeStream struct {
	mu     sync.Mutex
	closed int
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeConnector records each connection so tests can push events into it.
type fakeConnector struct {
	mu         sync.Mutex
	connectErr error
	handlers   []transport.StreamHandler[string]
	streams    []*fakeStream
}

func (c *fakeConnector) open(_ context.Context, _ Params, handler transport.StreamHandler[string]) (transport.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	s := &fakeStream{}
	c.handlers = append(c.handlers, handler)
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *fakeConnector) last() (transport.StreamHandler[string], *fakeStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[len(c.handlers)-1], c.streams[len(c.streams)-1]
}

func (c *fakeConnector) connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

func userParams(id string) Params {
	return Params{User: core.User{UserID: id, UserProperties: map[string]any{"plan": "pro"}}}
}

func TestStreamUpdaterDeliversUpdates(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{}
	u := NewStreamUpdater(conn.open, StreamConfig{}, WithScheduler(clock.NewFake()))
	rec := &recorder[string]{}

	require.NoError(t, u.Start(context.Background(), userParams("u1"), rec.onUpdate, rec.onError))
	assert.True(t, u.Connected())

	handler, _ := conn.last()
	handler.OnUpdate("v1")
	handler.OnUpdate("v2")

	assert.Equal(t, []string{"v1", "v2"}, rec.Updates())
}

func TestStreamUpdaterSameParamsRebindsCallbacks(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{}
	u := NewStreamUpdater(conn.open, StreamConfig{}, WithScheduler(clock.NewFake()))
	first := &recorder[string]{}
	second := &recorder[string]{}

	require.NoError(t, u.Start(context.Background(), userParams("u1"), first.onUpdate, first.onError))
	require.NoError(t, u.Start(context.Background(), userParams("u1"), second.onUpdate, second.onError))
	assert.Equal(t, 1, conn.connections())

	handler, _ := conn.last()
	handler.OnUpdate("v1")
	assert.Empty(t, first.Updates())
	assert.Equal(t, []string{"v1"}, second.Updates())
}

func TestStreamUpdaterNewParamsReconnect(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{}
	u := NewStreamUpdater(conn.open, StreamConfig{}, WithScheduler(clock.NewFake()))
	rec := &recorder[string]{}

	require.NoError(t, u.Start(context.Background(), userParams("u1"), rec.onUpdate, rec.onError))
	oldHandler, oldStream := conn.last()

	require.NoError(t, u.Start(context.Background(), userParams("u2"), rec.onUpdate, rec.onError))
	assert.Equal(t, 2, conn.connections())
	assert.Equal(t, 1, oldStream.closeCount())

	oldHandler.OnUpdate("stale")
	assert.Empty(t, rec.Updates())
}

func TestStreamUpdaterRetriableErrorAllowsRestart(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{}
	u := NewStreamUpdater(conn.open, StreamConfig{}, WithScheduler(clock.NewFake()))
	rec := &recorder[string]{}

	require.NoError(t, u.Start(context.Background(), userParams("u1"), rec.onUpdate, rec.onError))
	handler, stream := conn.last()
	handler.OnError(transport.ErrStreamEnded)

	assert.False(t, u.Connected())
	assert.Equal(t, 1, stream.closeCount())
	require.Len(t, rec.Errors(), 1)
	assert.ErrorIs(t, rec.Errors()[0], transport.ErrStreamEnded)

	handler.OnUpdate("after error")
	assert.Empty(t, rec.Updates())

	require.NoError(t, u.Start(context.Background(), userParams("u1"), rec.onUpdate, rec.onError))
	assert.Equal(t, 2, conn.connections())
}

func TestStreamUpdaterTerminalErrorDisables(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{}
	u := NewStreamUpdater(conn.open, StreamConfig{}, WithScheduler(clock.NewFake()))
	rec := &recorder[string]{}

	require.NoError(t, u.Start(context.Background(), userParams("u1"), rec.onUpdate, rec.onError))
	handler, _ := conn.last()
	handler.OnError(&transport.APIError{StatusCode: http.StatusForbidden})

	err := u.Start(context.Background(), userParams("u1"), rec.onUpdate, rec.onError)
	assert.ErrorIs(t, err, ErrStreamDisabled)
	assert.Equal(t, 1, conn.connections())
}

func TestStreamUpdaterConnectErrors(t *testing.T) {
	t.Parallel()

	t.Run("retriable", func(t *testing.T) {
		t.Parallel()
		conn := &fakeConnector{connectErr: errors.New("dial tcp: connection refused")}
		u := NewStreamUpdater(conn.open, StreamConfig{}, WithScheduler(clock.NewFake()))

		require.Error(t, u.Start(context.Background(), userParams("u1"), nil, nil))
		conn.connectErr = nil
		require.NoError(t, u.Start(context.Background(), userParams("u1"), nil, nil))
	})

	t.Run("terminal", func(t *testing.T) {
		t.Parallel()
		conn := &fakeConnector{connectErr: &transport.APIError{StatusCode: http.StatusUnauthorized}}
		u := NewStreamUpdater(conn.open, StreamConfig{}, WithScheduler(clock.NewFake()))

		var apiErr *transport.APIError
		require.ErrorAs(t, u.Start(context.Background(), userParams("u1"), nil, nil), &apiErr)
		conn.connectErr = nil
		assert.ErrorIs(t, u.Start(context.Background(), userParams("u1"), nil, nil), ErrStreamDisabled)
	})
}

func TestStreamUpdaterKeepaliveWatchdog(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake()
	conn := &fakeConnector{}
	u := NewStreamUpdater(conn.open, StreamConfig{KeepaliveTimeout: 10 * time.Second}, WithScheduler(clk))
	rec := &recorder[string]{}

	require.NoError(t, u.Start(context.Background(), userParams("u1"), rec.onUpdate, rec.onError))
	handler, stream := conn.last()

	clk.Advance(8 * time.Second)
	handler.OnKeepalive()
	clk.Advance(8 * time.Second)
	handler.OnUpdate("v1")
	clk.Advance(8 * time.Second)
	assert.Empty(t, rec.Errors())
	assert.True(t, u.Connected())

	clk.Advance(3 * time.Second)
	require.Len(t, rec.Errors(), 1)
	var timeoutErr *transport.TimeoutError
	assert.ErrorAs(t, rec.Errors()[0], &timeoutErr)
	assert.False(t, u.Connected())
	assert.Equal(t, 1, stream.closeCount())

	require.NoError(t, u.Start(context.Background(), userParams("u1"), rec.onUpdate, rec.onError))
}

func TestStreamUpdaterStop(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake()
	conn := &fakeConnector{}
	u := NewStreamUpdater(conn.open, StreamConfig{}, WithScheduler(clk))
	rec := &recorder[string]{}

	require.NoError(t, u.Start(context.Background(), userParams("u1"), rec.onUpdate, rec.onError))
	handler, stream := conn.last()
	require.NoError(t, u.Stop())

	handler.OnUpdate("late")
	handler.OnError(transport.ErrStreamEnded)
	clk.Advance(time.Hour)

	assert.Empty(t, rec.Updates())
	assert.Empty(t, rec.Errors())
	assert.Equal(t, 1, stream.closeCount())
	assert.Equal(t, 0, clk.Pending())
}
