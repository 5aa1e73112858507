package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	expzv1 "github.com/matt-riley/expz/api/expz/v1"
	"github.com/matt-riley/expz/internal/core"
)

// GRPCConfig holds configuration for the gRPC client.
type GRPCConfig struct {
	// Address is the host:port of the expz gRPC server, e.g. "localhost:9090".
	Address string
	// DeploymentKey is the deployment credential in "id.secret" format.
	DeploymentKey string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// GRPCClient serves the same operations as Client over expz.v1.Evaluation.
type GRPCClient struct {
	cfg  GRPCConfig
	stub expzv1.EvaluationClient
	conn *grpc.ClientConn
}

// NewGRPCClient dials the expz gRPC server. Call Close when done.
func NewGRPCClient(cfg GRPCConfig) (*GRPCClient, error) {
	opts := []grpc.DialOption{grpc.WithStatsHandler(otelgrpc.NewClientHandler())}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("expz: grpc dial: %w", err)
	}
	return &GRPCClient{cfg: cfg, stub: expzv1.NewEvaluationClient(conn), conn: conn}, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func (c *GRPCClient) authCtx(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Api-Key "+c.cfg.DeploymentKey)
}

func (c *GRPCClient) FetchVariants(ctx context.Context, user core.User, opts FetchOptions) (map[string]core.Variant, error) {
	req, err := fetchRequest(user, opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withRequestTimeout(ctx, opts.Timeout)
	defer cancel()

	resp, err := c.stub.Fetch(c.authCtx(ctx), req)
	if err != nil {
		return nil, statusError(ctx, err)
	}

	var msg expzv1.VariantsMessage
	if err := expzv1.FromStruct(resp, &msg); err != nil {
		return nil, err
	}
	return decodeVariants(msg.Variants)
}

func (c *GRPCClient) FetchFlags(ctx context.Context, opts FetchOptions) ([]core.FlagConfig, error) {
	req, err := expzv1.ToStruct(expzv1.FlagsRequest{FlagKeys: opts.FlagKeys})
	if err != nil {
		return nil, err
	}

	ctx, cancel := withRequestTimeout(ctx, opts.Timeout)
	defer cancel()

	resp, err := c.stub.Flags(c.authCtx(ctx), req)
	if err != nil {
		return nil, statusError(ctx, err)
	}

	var msg expzv1.FlagsMessage
	if err := expzv1.FromStruct(resp, &msg); err != nil {
		return nil, err
	}
	return decodeFlags(msg.Flags)
}

func (c *GRPCClient) StreamVariants(ctx context.Context, user core.User, opts FetchOptions, handler StreamHandler[map[string]core.Variant]) (Stream, error) {
	req, err := fetchRequest(user, opts)
	if err != nil {
		return nil, err
	}
	return c.watch(ctx, opts.Timeout, req, c.stub.Watch, func(s *structpb.Struct) error {
		var msg expzv1.VariantsMessage
		if err := expzv1.FromStruct(s, &msg); err != nil {
			return err
		}
		if msg.Keepalive {
			if handler.OnKeepalive != nil {
				handler.OnKeepalive()
			}
			return nil
		}
		variants, err := decodeVariants(msg.Variants)
		if err != nil {
			return err
		}
		handler.OnUpdate(variants)
		return nil
	}, handler.OnError)
}

func (c *GRPCClient) StreamFlags(ctx context.Context, opts FetchOptions, handler StreamHandler[[]core.FlagConfig]) (Stream, error) {
	req, err := expzv1.ToStruct(expzv1.FlagsRequest{FlagKeys: opts.FlagKeys})
	if err != nil {
		return nil, err
	}
	return c.watch(ctx, opts.Timeout, req, c.stub.WatchFlags, func(s *structpb.Struct) error {
		var msg expzv1.FlagsMessage
		if err := expzv1.FromStruct(s, &msg); err != nil {
			return err
		}
		if msg.Keepalive {
			if handler.OnKeepalive != nil {
				handler.OnKeepalive()
			}
			return nil
		}
		flags, err := decodeFlags(msg.Flags)
		if err != nil {
			return err
		}
		handler.OnUpdate(flags)
		return nil
	}, handler.OnError)
}

type watchFunc func(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error)

type grpcStream struct {
	cancel context.CancelFunc
}

func (s *grpcStream) Close() error {
	s.cancel()
	return nil
}

func (c *GRPCClient) watch(ctx context.Context, connectTimeout time.Duration, req *structpb.Struct, open watchFunc, onMessage func(*structpb.Struct) error, onError func(error)) (Stream, error) {
	connectCtx, cancelConnect := withRequestTimeout(ctx, connectTimeout)
	defer cancelConnect()

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopWatching := context.AfterFunc(connectCtx, cancel)

	stream, err := open(c.authCtx(streamCtx), req)
	if err == nil {
		var md metadata.MD
		md, err = stream.Header()
		if err == nil && md == nil {
			// Terminated without headers; the status comes from Recv.
			_, err = stream.Recv()
			if errors.Is(err, io.EOF) {
				err = ErrStreamEnded
			}
		}
	}
	watching := stopWatching()
	if !watching {
		cancel()
		return nil, requestError(connectCtx, context.Cause(connectCtx))
	}
	if err != nil {
		cancel()
		return nil, statusError(connectCtx, err)
	}

	go func() {
		for {
			msg, err := stream.Recv()
			if streamCtx.Err() != nil {
				return
			}
			if err == nil {
				err = onMessage(msg)
				if err == nil {
					continue
				}
			} else if errors.Is(err, io.EOF) {
				err = ErrStreamEnded
			} else {
				err = statusError(streamCtx, err)
			}
			cancel()
			onError(err)
			return
		}
	}()

	return &grpcStream{cancel: cancel}, nil
}

func fetchRequest(user core.User, opts FetchOptions) (*structpb.Struct, error) {
	encodedUser, err := json.Marshal(user)
	if err != nil {
		return nil, fmt.Errorf("expz: encode user: %w", err)
	}
	return expzv1.ToStruct(expzv1.FetchRequest{User: encodedUser, FlagKeys: opts.FlagKeys})
}

func decodeVariants(raw json.RawMessage) (map[string]core.Variant, error) {
	variants := make(map[string]core.Variant)
	if len(raw) == 0 {
		return variants, nil
	}
	if err := json.Unmarshal(raw, &variants); err != nil {
		return nil, fmt.Errorf("expz: decode variants: %w", err)
	}
	return variants, nil
}

func decodeFlags(raw json.RawMessage) ([]core.FlagConfig, error) {
	var flags []core.FlagConfig
	if len(raw) == 0 {
		return flags, nil
	}
	if err := json.Unmarshal(raw, &flags); err != nil {
		return nil, fmt.Errorf("expz: decode flags: %w", err)
	}
	return flags, nil
}

func withRequestTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, timeout, &TimeoutError{Timeout: timeout})
}

var grpcHTTPStatus = map[codes.Code]int{
	codes.InvalidArgument:    http.StatusBadRequest,
	codes.FailedPrecondition: http.StatusBadRequest,
	codes.Unauthenticated:    http.StatusUnauthorized,
	codes.PermissionDenied:   http.StatusForbidden,
	codes.NotFound:           http.StatusNotFound,
	codes.ResourceExhausted:  http.StatusTooManyRequests,
	codes.Unimplemented:      http.StatusNotImplemented,
	codes.Unavailable:        http.StatusServiceUnavailable,
	codes.DeadlineExceeded:   http.StatusGatewayTimeout,
}

// statusError maps gRPC status errors onto the HTTP error model so Retriable
// classifies both transports the same way.
func statusError(ctx context.Context, err error) error {
	var timeoutErr *TimeoutError
	if errors.As(context.Cause(ctx), &timeoutErr) {
		return timeoutErr
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if st.Code() == codes.Canceled {
		return fmt.Errorf("expz: grpc: %w", context.Canceled)
	}
	code, ok := grpcHTTPStatus[st.Code()]
	if !ok {
		code = http.StatusInternalServerError
	}
	return &APIError{StatusCode: code, Message: st.Message()}
}
