package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestRetriable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "canceled", err: fmt.Errorf("wrap: %w", context.Canceled), want: false},
		{name: "timeout", err: &TimeoutError{Timeout: time.Second}, want: true},
		{name: "network", err: errors.New("connection refused"), want: true},
		{name: "stream ended", err: ErrStreamEnded, want: true},
		{name: "too many requests", err: &APIError{StatusCode: http.StatusTooManyRequests}, want: true},
		{name: "server error", err: &APIError{StatusCode: http.StatusBadGateway}, want: true},
		{name: "unauthorized", err: &APIError{StatusCode: http.StatusUnauthorized}, want: false},
		{name: "not found", err: fmt.Errorf("fetch: %w", &APIError{StatusCode: http.StatusNotFound}), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retriable(tt.err); got != tt.want {
				t.Fatalf("Retriable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
