package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RequestIDHeader carries the request id on HTTP requests and responses. gRPC
// uses the lower-case form as metadata.
const RequestIDHeader = "X-Request-Id"

const (
	maxRequestIDLength = 64
	streamPathPrefix   = "/sdk/stream/"
)

type logContextKey string

const (
	requestIDKey   logContextKey = "request_id"
	loggerKey      logContextKey = "logger"
	requestInfoKey logContextKey = "request_info"
)

// requestInfo collects values learned by inner handlers for the completion
// line, which is written outside them.
type requestInfo struct {
	mu           sync.Mutex
	deploymentID string
}

func (i *requestInfo) setDeployment(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.deploymentID = id
}

func (i *requestInfo) attrs() []any {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.deploymentID == "" {
		return nil
	}
	return []any{slog.String("deployment_id", i.deploymentID)}
}

// RequestIDFromContext retrieves the request ID from the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

// LoggerFromContext retrieves the request-scoped logger from the context.
// Falls back to slog.Default() if none is set.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// requestID keeps a caller-supplied id when it is short and printable and
// mints a uuid otherwise.
func requestID(incoming string) string {
	incoming = strings.TrimSpace(incoming)
	if incoming == "" || len(incoming) > maxRequestIDLength {
		return uuid.NewString()
	}
	for _, r := range incoming {
		if !isRequestIDRune(r) {
			return uuid.NewString()
		}
	}
	return incoming
}

func isRequestIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '_', r == '.':
		return true
	}
	return false
}

func newRequestContext(ctx context.Context, logger *slog.Logger, reqID string) (context.Context, *slog.Logger, *requestInfo) {
	reqLogger := logger.With(slog.String("request_id", reqID))
	info := &requestInfo{}
	ctx = context.WithValue(ctx, requestIDKey, reqID)
	ctx = context.WithValue(ctx, loggerKey, reqLogger)
	ctx = context.WithValue(ctx, requestInfoKey, info)
	return ctx, reqLogger, info
}

func milliseconds(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}

func levelForHTTPStatus(code int) slog.Level {
	switch {
	case code >= http.StatusInternalServerError:
		return slog.LevelError
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusTooManyRequests:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func levelForGRPCCode(code codes.Code) slog.Level {
	switch code {
	case codes.Internal, codes.Unknown, codes.DataLoss, codes.Unavailable:
		return slog.LevelError
	case codes.Unauthenticated, codes.PermissionDenied, codes.ResourceExhausted:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// responseWriter records the status code and body size of a response.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
	bytes      int64
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the Flusher of SSE responses.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// HTTPRequestLogging logs one completion line per request, levelled by status.
// Requests under /sdk/stream/ also get an opening line, and their completion
// line carries the stream lifetime and bytes sent. Completion lines name the
// deployment once auth has resolved it.
func HTTPRequestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := requestID(r.Header.Get(RequestIDHeader))
			ctx, reqLogger, info := newRequestContext(r.Context(), logger, reqID)
			w.Header().Set(RequestIDHeader, reqID)

			stream := strings.HasPrefix(r.URL.Path, streamPathPrefix)
			if stream {
				reqLogger.InfoContext(ctx, "stream opened",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)
			}

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(wrapped, r.WithContext(ctx))
			elapsed := time.Since(start)

			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", wrapped.statusCode),
			}
			attrs = append(attrs, info.attrs()...)
			msg := "request completed"
			if stream {
				msg = "stream closed"
				attrs = append(attrs,
					slog.Float64("lifetime_ms", milliseconds(elapsed)),
					slog.Int64("bytes_sent", wrapped.bytes),
				)
			} else {
				attrs = append(attrs, slog.Float64("duration_ms", milliseconds(elapsed)))
			}
			reqLogger.Log(ctx, levelForHTTPStatus(wrapped.statusCode), msg, attrs...)
		})
	}
}

func incomingRequestID(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	if values := md.Get(RequestIDHeader); len(values) > 0 {
		return values[0]
	}
	return ""
}

// UnaryRequestLoggingInterceptor logs one completion line per call, levelled
// by status code.
func UnaryRequestLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		reqID := requestID(incomingRequestID(ctx))
		ctx, reqLogger, reqInfo := newRequestContext(ctx, logger, reqID)
		_ = grpc.SetHeader(ctx, metadata.Pairs(strings.ToLower(RequestIDHeader), reqID))

		start := time.Now()
		resp, err := handler(ctx, req)
		elapsed := time.Since(start)

		code := status.Code(err)
		attrs := []any{
			slog.String("method", info.FullMethod),
			slog.String("status_code", code.String()),
		}
		attrs = append(attrs, reqInfo.attrs()...)
		attrs = append(attrs, slog.Float64("duration_ms", milliseconds(elapsed)))
		reqLogger.Log(ctx, levelForGRPCCode(code), "request completed", attrs...)
		return resp, err
	}
}

type loggingServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *loggingServerStream) Context() context.Context { return s.ctx }

// StreamRequestLoggingInterceptor logs the opening and closing of Watch
// streams. The closing line carries the stream lifetime. A stream ended by
// the client is logged at info level.
func StreamRequestLoggingInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		reqID := requestID(incomingRequestID(ss.Context()))
		ctx, reqLogger, reqInfo := newRequestContext(ss.Context(), logger, reqID)
		_ = grpc.SetHeader(ctx, metadata.Pairs(strings.ToLower(RequestIDHeader), reqID))

		reqLogger.InfoContext(ctx, "stream opened", slog.String("method", info.FullMethod))

		start := time.Now()
		err := handler(srv, &loggingServerStream{ServerStream: ss, ctx: ctx})
		elapsed := time.Since(start)

		code := status.Code(err)
		attrs := []any{
			slog.String("method", info.FullMethod),
			slog.String("status_code", code.String()),
		}
		attrs = append(attrs, reqInfo.attrs()...)
		attrs = append(attrs, slog.Float64("lifetime_ms", milliseconds(elapsed)))
		level := levelForGRPCCode(code)
		if code == codes.Canceled {
			level = slog.LevelInfo
		}
		reqLogger.Log(ctx, level, "stream closed", attrs...)
		return err
	}
}
