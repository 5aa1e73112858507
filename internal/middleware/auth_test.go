package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

func TestHTTPAuthMiddleware(t *testing.T) {
	t.Run("missing key", func(t *testing.T) {
		validator := &testKeyValidator{}
		nextCalled := false
		handler := HTTPAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			nextCalled = true
		}))

		req := httptest.NewRequest(http.MethodGet, "/sdk/v2/flags", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if nextCalled {
			t.Fatal("expected next handler not to be called")
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != "Api-Key" {
			t.Fatalf("expected WWW-Authenticate header to be Api-Key, got %q", got)
		}
		if !strings.Contains(rec.Body.String(), `"error":"unauthorized"`) {
			t.Fatalf("expected JSON error body, got %q", rec.Body.String())
		}
	})

	t.Run("invalid key", func(t *testing.T) {
		validator := &testKeyValidator{expectedKey: "dep-1.good"}
		nextCalled := false
		handler := HTTPAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			nextCalled = true
		}))

		req := httptest.NewRequest(http.MethodGet, "/sdk/v2/flags", nil)
		req.Header.Set("Authorization", "Api-Key dep-1.bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if nextCalled {
			t.Fatal("expected next handler not to be called")
		}
		if !validator.called {
			t.Fatal("expected validator to be called")
		}
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		validator := &testKeyValidator{}
		handler := HTTPAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("expected next handler not to be called")
		}))

		req := httptest.NewRequest(http.MethodGet, "/sdk/v2/flags", nil)
		req.Header.Set("Authorization", "Basic bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
	})

	for _, scheme := range []string{"Api-Key", "Bearer", "api-key"} {
		t.Run("valid key with "+scheme, func(t *testing.T) {
			validator := &testKeyValidator{expectedKey: "dep-1.good"}
			handler := HTTPAuthMiddleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				id, ok := DeploymentIDFromContext(r.Context())
				if !ok || id != "dep-1" {
					t.Errorf("DeploymentIDFromContext = %q, %v; want dep-1, true", id, ok)
				}
				w.WriteHeader(http.StatusNoContent)
			}))

			req := httptest.NewRequest(http.MethodGet, "/sdk/v2/flags", nil)
			req.Header.Set("Authorization", scheme+" dep-1.good")
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusNoContent {
				t.Fatalf("expected %d, got %d", http.StatusNoContent, rec.Code)
			}
			if validator.gotKey != "dep-1.good" {
				t.Fatalf("expected key %q, got %q", "dep-1.good", validator.gotKey)
			}
		})
	}

	t.Run("tags request logger with deployment", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		validator := &testKeyValidator{expectedKey: "dep-1.good"}
		handler := HTTPRequestLogging(logger)(HTTPAuthMiddleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			LoggerFromContext(r.Context()).Info("evaluated")
		})))

		req := httptest.NewRequest(http.MethodGet, "/sdk/v2/flags", nil)
		req.Header.Set("Authorization", "Api-Key dep-1.good")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		for _, line := range strings.Split(buf.String(), "\n") {
			if strings.Contains(line, "msg=evaluated") && !strings.Contains(line, "deployment_id=dep-1") {
				t.Fatalf("expected deployment_id on handler log line, got %q", line)
			}
		}
	})

	t.Run("on failure callback", func(t *testing.T) {
		failures := 0
		validator := &testKeyValidator{expectedKey: "dep-1.good"}
		handler := HTTPAuthMiddleware(validator, WithOnAuthFailure(func() { failures++ }))(http.NotFoundHandler())

		req := httptest.NewRequest(http.MethodGet, "/sdk/v2/flags", nil)
		req.Header.Set("Authorization", "Api-Key dep-1.bad")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		if failures != 1 {
			t.Fatalf("expected 1 failure callback, got %d", failures)
		}
	})

	t.Run("rate limits repeated failures", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		rl := NewRateLimiter(ctx, 2)
		defer rl.Stop()

		validator := &testKeyValidator{expectedKey: "dep-1.good"}
		handler := HTTPAuthMiddleware(validator, WithRateLimiter(rl))(http.NotFoundHandler())

		statuses := make([]int, 0, 4)
		for i := 0; i < 4; i++ {
			req := httptest.NewRequest(http.MethodGet, "/sdk/v2/flags", nil)
			req.RemoteAddr = "10.1.1.1:5000"
			req.Header.Set("Authorization", "Api-Key dep-1.bad")
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			statuses = append(statuses, rec.Code)
		}

		if statuses[0] != http.StatusUnauthorized || statuses[1] != http.StatusUnauthorized {
			t.Fatalf("expected first two attempts to be 401, got %v", statuses)
		}
		if statuses[2] != http.StatusTooManyRequests || statuses[3] != http.StatusTooManyRequests {
			t.Fatalf("expected later attempts to be 429, got %v", statuses)
		}

		// A throttled IP is rejected even with a valid key.
		validator.called = false
		req := httptest.NewRequest(http.MethodGet, "/sdk/v2/flags", nil)
		req.RemoteAddr = "10.1.1.1:5000"
		req.Header.Set("Authorization", "Api-Key dep-1.good")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("expected throttled IP to get 429, got %d", rec.Code)
		}
		if validator.called {
			t.Fatal("expected validator not to be called for a throttled IP")
		}
	})
}

func TestUnaryAuthInterceptor(t *testing.T) {
	t.Run("missing key", func(t *testing.T) {
		validator := &testKeyValidator{}
		interceptor := UnaryAuthInterceptor(validator)
		handlerCalled := false

		_, err := interceptor(context.Background(), struct{}{}, &grpc.UnaryServerInfo{}, func(context.Context, any) (any, error) {
			handlerCalled = true
			return nil, nil
		})
		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("expected %v, got %v", codes.Unauthenticated, status.Code(err))
		}
		if handlerCalled {
			t.Fatal("expected handler not to be called")
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
	})

	t.Run("invalid key", func(t *testing.T) {
		validator := &testKeyValidator{expectedKey: "dep-1.good"}
		interceptor := UnaryAuthInterceptor(validator)
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Api-Key dep-1.bad"))

		_, err := interceptor(ctx, struct{}{}, &grpc.UnaryServerInfo{}, func(context.Context, any) (any, error) {
			t.Fatal("expected handler not to be called")
			return nil, nil
		})
		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("expected %v, got %v", codes.Unauthenticated, status.Code(err))
		}
		if !validator.called {
			t.Fatal("expected validator to be called")
		}
	})

	t.Run("valid key among several headers", func(t *testing.T) {
		validator := &testKeyValidator{expectedKey: "dep-1.good"}
		interceptor := UnaryAuthInterceptor(validator)
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(
			"authorization", "Basic nope",
			"authorization", "Api-Key dep-1.good",
		))

		resp, err := interceptor(ctx, struct{}{}, &grpc.UnaryServerInfo{}, func(ctx context.Context, _ any) (any, error) {
			id, ok := DeploymentIDFromContext(ctx)
			if !ok || id != "dep-1" {
				t.Errorf("DeploymentIDFromContext = %q, %v; want dep-1, true", id, ok)
			}
			return "ok", nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp != "ok" {
			t.Fatalf("expected response %q, got %v", "ok", resp)
		}
	})

	t.Run("rate limits by peer address", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		rl := NewRateLimiter(ctx, 1)
		defer rl.Stop()

		validator := &testKeyValidator{expectedKey: "dep-1.good"}
		interceptor := UnaryAuthInterceptor(validator, WithRateLimiter(rl))
		callCtx := peer.NewContext(ctx, &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("10.2.2.2"), Port: 9000}})
		callCtx = metadata.NewIncomingContext(callCtx, metadata.Pairs("authorization", "Api-Key dep-1.bad"))

		noop := func(context.Context, any) (any, error) { return nil, nil }
		if _, err := interceptor(callCtx, struct{}{}, &grpc.UnaryServerInfo{}, noop); status.Code(err) != codes.Unauthenticated {
			t.Fatalf("first attempt: expected %v, got %v", codes.Unauthenticated, status.Code(err))
		}
		if _, err := interceptor(callCtx, struct{}{}, &grpc.UnaryServerInfo{}, noop); status.Code(err) != codes.ResourceExhausted {
			t.Fatalf("second attempt: expected %v, got %v", codes.ResourceExhausted, status.Code(err))
		}
	})
}

func TestStreamAuthInterceptor(t *testing.T) {
	t.Run("missing key", func(t *testing.T) {
		validator := &testKeyValidator{}
		interceptor := StreamAuthInterceptor(validator)

		err := interceptor(nil, &watchStream{ctx: context.Background()}, &grpc.StreamServerInfo{}, func(any, grpc.ServerStream) error {
			t.Fatal("expected handler not to be called")
			return nil
		})
		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("expected %v, got %v", codes.Unauthenticated, status.Code(err))
		}
	})

	t.Run("valid key wraps stream context", func(t *testing.T) {
		validator := &testKeyValidator{expectedKey: "dep-1.good"}
		interceptor := StreamAuthInterceptor(validator)
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer dep-1.good"))

		err := interceptor(nil, &watchStream{ctx: ctx}, &grpc.StreamServerInfo{}, func(_ any, ss grpc.ServerStream) error {
			id, ok := DeploymentIDFromContext(ss.Context())
			if !ok || id != "dep-1" {
				t.Errorf("DeploymentIDFromContext = %q, %v; want dep-1, true", id, ok)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("invalid key", func(t *testing.T) {
		validator := &testKeyValidator{expectedKey: "dep-1.good"}
		interceptor := StreamAuthInterceptor(validator)
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Api-Key dep-1.bad"))

		err := interceptor(nil, &watchStream{ctx: ctx}, &grpc.StreamServerInfo{}, func(any, grpc.ServerStream) error {
			t.Fatal("expected handler not to be called")
			return nil
		})
		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("expected %v, got %v", codes.Unauthenticated, status.Code(err))
		}
	})
}

func TestDeploymentKeyValidator(t *testing.T) {
	hash, err := HashDeploymentKey("s3cret")
	if err != nil {
		t.Fatalf("HashDeploymentKey() error = %v", err)
	}
	lookup := &testHashLookup{hashes: map[string]string{"dep-1": hash}}
	validator := NewDeploymentKeyValidator(lookup)

	id, err := validator.ValidateKey(context.Background(), "dep-1.s3cret")
	if err != nil {
		t.Fatalf("ValidateKey() error = %v", err)
	}
	if id != "dep-1" {
		t.Fatalf("ValidateKey() id = %q, want dep-1", id)
	}

	if _, err := validator.ValidateKey(context.Background(), "dep-1.wrong"); !errors.Is(err, ErrDeploymentKeyMismatch) {
		t.Fatalf("ValidateKey(wrong secret) error = %v, want %v", err, ErrDeploymentKeyMismatch)
	}
	if _, err := validator.ValidateKey(context.Background(), "no-separator"); !errors.Is(err, ErrMalformedDeploymentKey) {
		t.Fatalf("ValidateKey(malformed) error = %v, want %v", err, ErrMalformedDeploymentKey)
	}
	if _, err := validator.ValidateKey(context.Background(), "dep-2.s3cret"); err == nil {
		t.Fatal("ValidateKey(unknown deployment) error = nil, want lookup error")
	}

	var nilValidator *DeploymentKeyValidator
	if _, err := nilValidator.ValidateKey(context.Background(), "dep-1.s3cret"); err == nil {
		t.Fatal("nil validator ValidateKey() error = nil, want error")
	}
}

func TestDeploymentKeyMatchesHash(t *testing.T) {
	hash, err := HashDeploymentKey("s3cret")
	if err != nil {
		t.Fatalf("HashDeploymentKey() error = %v", err)
	}
	if !DeploymentKeyMatchesHash(hash, "s3cret") {
		t.Fatal("expected bcrypt hash to match")
	}
	if DeploymentKeyMatchesHash(hash, "other") {
		t.Fatal("expected bcrypt hash not to match a different secret")
	}

	legacy := sha256.Sum256([]byte("s3cret"))
	if !DeploymentKeyMatchesHash(hex.EncodeToString(legacy[:]), "s3cret") {
		t.Fatal("expected legacy sha256 hash to match")
	}
	if DeploymentKeyMatchesHash("zz-not-hex", "s3cret") {
		t.Fatal("expected malformed hash not to match")
	}
}

func TestNewContextWithDeploymentID(t *testing.T) {
	if _, ok := DeploymentIDFromContext(context.Background()); ok {
		t.Fatal("expected no deployment id in empty context")
	}
	ctx := NewContextWithDeploymentID(context.Background(), "dep-9")
	if id, ok := DeploymentIDFromContext(ctx); !ok || id != "dep-9" {
		t.Fatalf("DeploymentIDFromContext = %q, %v; want dep-9, true", id, ok)
	}
}

type testKeyValidator struct {
	expectedKey string
	called      bool
	gotKey      string
}

func (v *testKeyValidator) ValidateKey(_ context.Context, key string) (string, error) {
	v.called = true
	v.gotKey = key
	if key != v.expectedKey {
		return "", errors.New("invalid key")
	}
	id, _, err := ParseDeploymentKey(key)
	return id, err
}

type testHashLookup struct {
	hashes map[string]string
}

func (l *testHashLookup) ValidateDeploymentKey(_ context.Context, id string) (string, error) {
	hash, ok := l.hashes[id]
	if !ok {
		return "", errors.New("deployment not found")
	}
	return hash, nil
}
