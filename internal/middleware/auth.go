package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// KeyValidator resolves a deployment key to its deployment id.
type KeyValidator interface {
	ValidateKey(ctx context.Context, key string) (string, error)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure   func()
	rateLimiter *RateLimiter
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure (e.g. to increment a Prometheus counter).
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter throttles repeated key failures per address and per claimed
// deployment. A throttled attempt is rejected before its key is checked.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

func newAuthConfig(opts []AuthOption) authConfig {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// failed records a rejected key and reports whether the attempt is now
// throttled.
func (c authConfig) failed(ctx context.Context, a AuthAttempt, err error) bool {
	if c.onFailure != nil {
		c.onFailure()
	}
	allowed := c.rateLimiter == nil || c.rateLimiter.RecordFailure(a)
	LoggerFromContext(ctx).WarnContext(ctx, "deployment key rejected",
		slog.String("remote_ip", a.IP),
		slog.String("claimed_deployment_id", a.DeploymentID),
		slog.Bool("throttled", !allowed),
		slog.Any("error", err),
	)
	return !allowed
}

func (c authConfig) throttled(a AuthAttempt) bool {
	return c.rateLimiter != nil && c.rateLimiter.Blocked(a)
}

// claimedDeployment returns the id half of the first well-formed key among
// the authorization values.
func claimedDeployment(authorizationHeaders ...string) string {
	for _, header := range authorizationHeaders {
		key, err := parseAuthorization(header)
		if err != nil {
			continue
		}
		if id, _, err := ParseDeploymentKey(key); err == nil {
			return id
		}
	}
	return ""
}

// HTTPAuthMiddleware accepts "Api-Key <key>" or "Bearer <key>".
func HTTPAuthMiddleware(validator KeyValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := newAuthConfig(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			attempt := AuthAttempt{IP: ExtractIP(r.RemoteAddr), DeploymentID: claimedDeployment(header)}
			if cfg.throttled(attempt) {
				writeHTTPError(w, http.StatusTooManyRequests, "too many failed auth attempts")
				return
			}

			deploymentID, err := authorizeHTTP(r.Context(), header, validator)
			if err != nil {
				if cfg.failed(r.Context(), attempt, err) {
					writeHTTPError(w, http.StatusTooManyRequests, "too many failed auth attempts")
					return
				}
				writeHTTPUnauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(authenticatedContext(r.Context(), deploymentID)))
		})
	}
}

// UnaryAuthInterceptor enforces deployment-key auth for unary gRPC requests.
func UnaryAuthInterceptor(validator KeyValidator, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		attempt := grpcAttempt(ctx)
		if cfg.throttled(attempt) {
			return nil, status.Error(codes.ResourceExhausted, "too many failed auth attempts")
		}

		deploymentID, err := authorizeGRPC(ctx, validator)
		if err != nil {
			if cfg.failed(ctx, attempt, err) {
				return nil, status.Error(codes.ResourceExhausted, "too many failed auth attempts")
			}
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}
		return handler(authenticatedContext(ctx, deploymentID), req)
	}
}

// StreamAuthInterceptor enforces deployment-key auth for streaming gRPC requests.
func StreamAuthInterceptor(validator KeyValidator, opts ...AuthOption) grpc.StreamServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		attempt := grpcAttempt(ctx)
		if cfg.throttled(attempt) {
			return status.Error(codes.ResourceExhausted, "too many failed auth attempts")
		}

		deploymentID, err := authorizeGRPC(ctx, validator)
		if err != nil {
			if cfg.failed(ctx, attempt, err) {
				return status.Error(codes.ResourceExhausted, "too many failed auth attempts")
			}
			return status.Error(codes.Unauthenticated, "unauthorized")
		}

		return handler(srv, &wrappedServerStream{
			ServerStream: ss,
			ctx:          authenticatedContext(ctx, deploymentID),
		})
	}
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

type contextKey string

const deploymentIDKey contextKey = "deployment_id"

// authenticatedContext stores the deployment id, tags the request logger with
// it and reports it to the enclosing request log line.
func authenticatedContext(ctx context.Context, deploymentID string) context.Context {
	if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok {
		info.setDeployment(deploymentID)
	}
	ctx = context.WithValue(ctx, deploymentIDKey, deploymentID)
	return context.WithValue(ctx, loggerKey, LoggerFromContext(ctx).With(slog.String("deployment_id", deploymentID)))
}

// DeploymentIDFromContext retrieves the authenticated deployment id.
func DeploymentIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(deploymentIDKey).(string)
	return id, ok
}

// NewContextWithDeploymentID returns a new context with the given deployment id.
func NewContextWithDeploymentID(ctx context.Context, deploymentID string) context.Context {
	return context.WithValue(ctx, deploymentIDKey, deploymentID)
}

func authorizeHTTP(ctx context.Context, authorizationHeader string, validator KeyValidator) (string, error) {
	if validator == nil {
		return "", errors.New("key validator is nil")
	}
	if strings.TrimSpace(authorizationHeader) == "" {
		return "", errMissingAuthorizationHeader
	}

	key, err := parseAuthorization(authorizationHeader)
	if err != nil {
		return "", err
	}
	deploymentID, err := validator.ValidateKey(ctx, key)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(deploymentID) == "" {
		return "", errInvalidAuthorizationHeader
	}
	return deploymentID, nil
}

func authorizeGRPC(ctx context.Context, validator KeyValidator) (string, error) {
	if validator == nil {
		return "", errors.New("key validator is nil")
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errMissingAuthorizationHeader
	}

	authorizationHeaders := md.Get("authorization")
	if len(authorizationHeaders) == 0 {
		return "", errMissingAuthorizationHeader
	}

	for _, authorizationHeader := range authorizationHeaders {
		key, err := parseAuthorization(authorizationHeader)
		if err != nil {
			continue
		}
		deploymentID, err := validator.ValidateKey(ctx, key)
		if err == nil {
			if strings.TrimSpace(deploymentID) == "" {
				return "", errInvalidAuthorizationHeader
			}
			return deploymentID, nil
		}
	}

	return "", errInvalidAuthorizationHeader
}

// parseAuthorization extracts the key from "Api-Key <key>" or "Bearer <key>".
func parseAuthorization(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 {
		return "", errInvalidAuthorizationHeader
	}
	if !strings.EqualFold(parts[0], "Api-Key") && !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}

	return parts[1], nil
}

func writeHTTPUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Api-Key")
	writeHTTPError(w, http.StatusUnauthorized, "unauthorized")
}

func writeHTTPError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}` + "\n"))
}

func grpcAttempt(ctx context.Context) AuthAttempt {
	md, _ := metadata.FromIncomingContext(ctx)
	return AuthAttempt{IP: extractGRPCPeerIP(ctx), DeploymentID: claimedDeployment(md.Get("authorization")...)}
}

func extractGRPCPeerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return ExtractIP(p.Addr.String())
}
