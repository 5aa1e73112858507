package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Request struct {
	URL     string
	Method  string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

type Response struct {
	Status int
	Body   []byte
}

// Doer issues a single request. A status of 400 or above is returned as an
// *APIError alongside the response.
type Doer interface {
	Do(ctx context.Context, req Request) (Response, error)
}

type HTTPDoer struct {
	client *http.Client
}

// NewHTTPDoer wraps client. A nil client gets a traced default transport.
func NewHTTPDoer(client *http.Client) *HTTPDoer {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPDoer{client: client}
}

func (d *HTTPDoer) Do(ctx context.Context, req Request) (Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, req.Timeout, &TimeoutError{Timeout: req.Timeout})
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return Response{}, fmt.Errorf("expz: create request: %w", err)
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return Response{}, requestError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, requestError(ctx, err)
	}

	out := Response{Status: resp.StatusCode, Body: data}
	if resp.StatusCode >= http.StatusBadRequest {
		return out, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return out, nil
}

func requestError(ctx context.Context, err error) error {
	var timeoutErr *TimeoutError
	if errors.As(context.Cause(ctx), &timeoutErr) {
		return timeoutErr
	}
	return fmt.Errorf("expz: http: %w", err)
}
