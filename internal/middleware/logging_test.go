package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// watchStream is a grpc.ServerStream that only carries a context.
type watchStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *watchStream) Context() context.Context { return s.ctx }

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&c.buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func (c *logCapture) records(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(&c.buf)
	for {
		var rec map[string]any
		if err := dec.Decode(&rec); err == io.EOF {
			return out
		} else if err != nil {
			t.Fatalf("decode log record: %v", err)
		}
		out = append(out, rec)
	}
}

func (c *logCapture) record(t *testing.T, msg string) map[string]any {
	t.Helper()
	for _, rec := range c.records(t) {
		if rec["msg"] == msg {
			return rec
		}
	}
	t.Fatalf("no %q record in %s", msg, c.buf.String())
	return nil
}

func TestHTTPRequestLogging(t *testing.T) {
	validator := &testKeyValidator{expectedKey: "dep-1.good"}
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("completion line names the authenticated deployment", func(t *testing.T) {
		var logs logCapture
		handler := HTTPRequestLogging(logs.logger())(HTTPAuthMiddleware(validator)(okHandler))

		req := httptest.NewRequest(http.MethodGet, "/sdk/v2/flags", nil)
		req.Header.Set("Authorization", "Api-Key dep-1.good")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		got := logs.record(t, "request completed")
		if got["deployment_id"] != "dep-1" {
			t.Fatalf("deployment_id = %v, want dep-1", got["deployment_id"])
		}
		if got["level"] != "INFO" || got["status_code"] != float64(http.StatusOK) {
			t.Fatalf("record = %v, want INFO with status 200", got)
		}
		if got["path"] != "/sdk/v2/flags" || got["duration_ms"] == nil {
			t.Fatalf("record = %v, want path and duration", got)
		}
		if got["request_id"] != rec.Header().Get(RequestIDHeader) {
			t.Fatalf("request_id = %v, response header = %q", got["request_id"], rec.Header().Get(RequestIDHeader))
		}
	})

	t.Run("rejected key logs at warn", func(t *testing.T) {
		var logs logCapture
		handler := HTTPRequestLogging(logs.logger())(HTTPAuthMiddleware(validator)(okHandler))

		req := httptest.NewRequest(http.MethodGet, "/sdk/v2/vardata", nil)
		req.Header.Set("Authorization", "Api-Key dep-9.bad")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		records := logs.records(t)
		if len(records) != 2 {
			t.Fatalf("got %d records, want rejection and completion: %v", len(records), records)
		}
		rejected, completed := records[0], records[1]
		if rejected["msg"] != "deployment key rejected" || rejected["claimed_deployment_id"] != "dep-9" {
			t.Fatalf("rejection record = %v", rejected)
		}
		if rejected["request_id"] != completed["request_id"] {
			t.Fatalf("rejection request_id = %v, completion = %v", rejected["request_id"], completed["request_id"])
		}
		if completed["level"] != "WARN" || completed["status_code"] != float64(http.StatusUnauthorized) {
			t.Fatalf("completion record = %v, want WARN 401", completed)
		}
		if _, ok := completed["deployment_id"]; ok {
			t.Fatalf("completion record = %v, want no deployment_id", completed)
		}
	})

	t.Run("server errors log at error", func(t *testing.T) {
		var logs logCapture
		handler := HTTPRequestLogging(logs.logger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))

		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/sdk/v2/vardata", nil))

		if got := logs.record(t, "request completed"); got["level"] != "ERROR" {
			t.Fatalf("level = %v, want ERROR", got["level"])
		}
	})

	t.Run("stream routes log lifetime and bytes", func(t *testing.T) {
		var logs logCapture
		const event = "event: variants\ndata: {}\n\n"
		handler := HTTPRequestLogging(logs.logger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, event)
			if err := http.NewResponseController(w).Flush(); err != nil {
				t.Errorf("Flush() error = %v", err)
			}
		}))

		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sdk/stream/v1/vardata", nil))

		records := logs.records(t)
		if len(records) != 2 || records[0]["msg"] != "stream opened" || records[1]["msg"] != "stream closed" {
			t.Fatalf("records = %v, want stream opened then closed", records)
		}
		closed := records[1]
		if closed["bytes_sent"] != float64(len(event)) || closed["lifetime_ms"] == nil {
			t.Fatalf("closed record = %v, want bytes_sent=%d and lifetime_ms", closed, len(event))
		}
		if _, ok := closed["duration_ms"]; ok {
			t.Fatalf("closed record = %v, want lifetime_ms instead of duration_ms", closed)
		}
	})

	t.Run("keeps a usable caller request id", func(t *testing.T) {
		var seen string
		handler := HTTPRequestLogging(slog.New(slog.DiscardHandler))(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			seen, _ = RequestIDFromContext(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set(RequestIDHeader, "edge-7f3a")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if seen != "edge-7f3a" || rec.Header().Get(RequestIDHeader) != "edge-7f3a" {
			t.Fatalf("request id = %q, header = %q, want edge-7f3a", seen, rec.Header().Get(RequestIDHeader))
		}
	})

	t.Run("nil logger uses default", func(t *testing.T) {
		rec := httptest.NewRecorder()
		HTTPRequestLogging(nil)(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})
}

func TestUnaryRequestLoggingInterceptor(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/expz.v1.Evaluation/Fetch"}
	auth := UnaryAuthInterceptor(&testKeyValidator{expectedKey: "dep-1.good"})

	t.Run("completion line names the authenticated deployment", func(t *testing.T) {
		var logs logCapture
		interceptor := UnaryRequestLoggingInterceptor(logs.logger())
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(
			"authorization", "Api-Key dep-1.good",
			"x-request-id", "sdk-42",
		))

		resp, err := interceptor(ctx, "req", info, func(ctx context.Context, req any) (any, error) {
			return auth(ctx, req, info, func(context.Context, any) (any, error) { return "ok", nil })
		})
		if err != nil || resp != "ok" {
			t.Fatalf("interceptor() = %v, %v; want ok", resp, err)
		}

		got := logs.record(t, "request completed")
		if got["deployment_id"] != "dep-1" || got["request_id"] != "sdk-42" {
			t.Fatalf("record = %v, want deployment dep-1 and request sdk-42", got)
		}
		if got["status_code"] != codes.OK.String() || got["level"] != "INFO" {
			t.Fatalf("record = %v, want INFO OK", got)
		}
	})

	t.Run("levels follow the status code", func(t *testing.T) {
		tests := []struct {
			code codes.Code
			want string
		}{
			{codes.InvalidArgument, "INFO"},
			{codes.Unauthenticated, "WARN"},
			{codes.ResourceExhausted, "WARN"},
			{codes.Internal, "ERROR"},
		}
		for _, tt := range tests {
			var logs logCapture
			interceptor := UnaryRequestLoggingInterceptor(logs.logger())
			_, _ = interceptor(context.Background(), "req", info, func(context.Context, any) (any, error) {
				return nil, status.Error(tt.code, "x")
			})

			got := logs.record(t, "request completed")
			if got["level"] != tt.want || got["status_code"] != tt.code.String() {
				t.Fatalf("code %v: record = %v, want level %s", tt.code, got, tt.want)
			}
		}
	})

	t.Run("nil logger uses default", func(t *testing.T) {
		resp, err := UnaryRequestLoggingInterceptor(nil)(context.Background(), "req", info, func(context.Context, any) (any, error) {
			return "ok", nil
		})
		if err != nil || resp != "ok" {
			t.Fatalf("interceptor() = %v, %v; want ok", resp, err)
		}
	})
}

func TestStreamRequestLoggingInterceptor(t *testing.T) {
	info := &grpc.StreamServerInfo{FullMethod: "/expz.v1.Evaluation/Watch", IsServerStream: true}

	t.Run("logs opening and lifetime with deployment", func(t *testing.T) {
		var logs logCapture
		interceptor := StreamRequestLoggingInterceptor(logs.logger())
		auth := StreamAuthInterceptor(&testKeyValidator{expectedKey: "dep-1.good"})
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer dep-1.good"))

		err := interceptor(nil, &watchStream{ctx: ctx}, info, func(srv any, ss grpc.ServerStream) error {
			if _, ok := RequestIDFromContext(ss.Context()); !ok {
				t.Error("expected request id in stream context")
			}
			return auth(srv, ss, info, func(any, grpc.ServerStream) error {
				return status.Error(codes.Canceled, "client went away")
			})
		})
		if status.Code(err) != codes.Canceled {
			t.Fatalf("interceptor() error = %v, want Canceled", err)
		}

		records := logs.records(t)
		if len(records) != 2 || records[0]["msg"] != "stream opened" || records[1]["msg"] != "stream closed" {
			t.Fatalf("records = %v, want stream opened then closed", records)
		}
		closed := records[1]
		if closed["deployment_id"] != "dep-1" || closed["lifetime_ms"] == nil {
			t.Fatalf("closed record = %v, want deployment and lifetime", closed)
		}
		if closed["level"] != "INFO" {
			t.Fatalf("closed level = %v, want INFO for a client cancel", closed["level"])
		}
	})

	t.Run("server failure logs at error", func(t *testing.T) {
		var logs logCapture
		interceptor := StreamRequestLoggingInterceptor(logs.logger())

		_ = interceptor(nil, &watchStream{ctx: context.Background()}, info, func(any, grpc.ServerStream) error {
			return status.Error(codes.Internal, "oops")
		})

		if got := logs.record(t, "stream closed"); got["level"] != "ERROR" || got["status_code"] != codes.Internal.String() {
			t.Fatalf("record = %v, want ERROR Internal", got)
		}
	})
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "empty", incoming: "", keep: false},
		{name: "token", incoming: "edge_01.a-b", keep: true},
		{name: "trimmed", incoming: "  abc  ", keep: true},
		{name: "spaces", incoming: "a b", keep: false},
		{name: "header injection", incoming: "a\r\nb", keep: false},
		{name: "too long", incoming: strings.Repeat("a", maxRequestIDLength+1), keep: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := requestID(tt.incoming)
			if tt.keep {
				if got != strings.TrimSpace(tt.incoming) {
					t.Fatalf("requestID(%q) = %q, want it kept", tt.incoming, got)
				}
				return
			}
			if _, err := uuid.Parse(got); err != nil {
				t.Fatalf("requestID(%q) = %q, want a uuid", tt.incoming, got)
			}
		})
	}
}

func TestLoggerFromContext(t *testing.T) {
	if LoggerFromContext(context.Background()) != slog.Default() {
		t.Fatal("LoggerFromContext() on empty context should return slog.Default()")
	}

	custom := slog.New(slog.DiscardHandler)
	ctx, reqLogger, _ := newRequestContext(context.Background(), custom, "r-1")
	if LoggerFromContext(ctx) != reqLogger {
		t.Fatal("LoggerFromContext() should return the request logger")
	}
	if id, ok := RequestIDFromContext(ctx); !ok || id != "r-1" {
		t.Fatalf("RequestIDFromContext() = %q, %v; want r-1, true", id, ok)
	}
}

func TestResponseWriterCapture(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusCreated)
	rw.WriteHeader(http.StatusInternalServerError)
	_, _ = rw.Write([]byte("abc"))
	_, _ = rw.Write([]byte("de"))

	if rw.statusCode != http.StatusCreated {
		t.Fatalf("statusCode = %d, want 201", rw.statusCode)
	}
	if rw.bytes != 5 {
		t.Fatalf("bytes = %d, want 5", rw.bytes)
	}
	if rw.Unwrap() != rec {
		t.Fatal("Unwrap() should return the underlying writer")
	}
}
