package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type Event struct {
	ID   int64
	Type string
	Data []byte
}

type StreamRequest struct {
	URL            string
	Header         http.Header
	ConnectTimeout time.Duration
}

// Stream is a live push connection. Close stops delivery and releases the
// connection; it does not wait for the reader to exit.
type Stream interface {
	Close() error
}

// Connector opens push streams. Connect returns once the connection is
// established. onEvent and onError run on the stream's reader goroutine, and
// onError runs at most once.
type Connector interface {
	Connect(ctx context.Context, req StreamRequest, onEvent func(Event), onError func(error)) (Stream, error)
}

type SSEConnector struct {
	client *http.Client
}

// NewSSEConnector wraps client, which must not set an overall Timeout since
// streams are long lived.
func NewSSEConnector(client *http.Client) *SSEConnector {
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport}
	}
	return &SSEConnector{client: client}
}

type sseStream struct {
	cancel context.CancelFunc
	body   io.Closer
}

func (s *sseStream) Close() error {
	s.cancel()
	return s.body.Close()
}

func (c *SSEConnector) Connect(ctx context.Context, req StreamRequest, onEvent func(Event), onError func(error)) (Stream, error) {
	connectCtx := ctx
	if req.ConnectTimeout > 0 {
		var cancelConnect context.CancelFunc
		connectCtx, cancelConnect = context.WithTimeoutCause(ctx, req.ConnectTimeout, &TimeoutError{Timeout: req.ConnectTimeout})
		defer cancelConnect()
	}

	// The stream outlives ctx; ctx only bounds the connect phase.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopWatching := context.AfterFunc(connectCtx, cancel)

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		stopWatching()
		cancel()
		return nil, fmt.Errorf("expz: create stream request: %w", err)
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(httpReq)
	watching := stopWatching()
	if err != nil {
		cancel()
		if !watching {
			return nil, requestError(connectCtx, context.Cause(connectCtx))
		}
		return nil, fmt.Errorf("expz: stream connect: %w", err)
	}
	if !watching {
		resp.Body.Close()
		return nil, requestError(connectCtx, context.Cause(connectCtx))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		defer cancel()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	go func() {
		defer resp.Body.Close()
		// A 1 MiB buffer fits large variant payloads on a single data line.
		err := parseSSE(streamCtx, bufio.NewReaderSize(resp.Body, 1<<20), onEvent)
		if streamCtx.Err() != nil {
			return
		}
		cancel()
		onError(err)
	}()

	return &sseStream{cancel: cancel, body: resp.Body}, nil
}

// parseSSE reads id, event and data fields, dispatching an event at each blank
// line that follows at least one data line. Lines starting with ':' are
// comments.
func parseSSE(ctx context.Context, r *bufio.Reader, onEvent func(Event)) error {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 {
				if eventType == "" {
					eventType = "message"
				}
				onEvent(Event{ID: eventID, Type: eventType, Data: []byte(strings.Join(dataLines, "\n"))})
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id:"):
			if id, parseErr := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64); parseErr == nil {
				eventID = id
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrStreamEnded
			}
			return fmt.Errorf("expz: read stream: %w", err)
		}
	}
}
