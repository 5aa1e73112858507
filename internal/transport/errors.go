package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrStreamEnded = errors.New("expz: stream ended")
	ErrServerEvent = errors.New("expz: server reported a stream error")
)

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("expz: HTTP %d: %s", e.StatusCode, e.Message)
}

// TimeoutError reports that a caller supplied deadline elapsed.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("expz: request timed out after %s", e.Timeout)
}

// Retriable reports whether a failed request may succeed if repeated. Timeouts,
// network failures, 429 and 5xx responses are retriable; other 4xx responses
// and caller cancellation are not.
func Retriable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return true
		case apiErr.StatusCode >= http.StatusInternalServerError:
			return true
		case apiErr.StatusCode >= http.StatusBadRequest:
			return false
		}
	}

	return true
}
