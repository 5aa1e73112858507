package server

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	expzv1 "github.com/matt-riley/expz/api/expz/v1"
	"github.com/matt-riley/expz/internal/core"
	"github.com/matt-riley/expz/internal/middleware"
	"github.com/matt-riley/expz/internal/service"
)

// GRPCServer implements expz.v1.Evaluation: unary Fetch and Flags, and the
// server-streaming Watch and WatchFlags.
type GRPCServer struct {
	expzv1.UnimplementedEvaluationServer
	service Service
	watcher changeWatcher
}

var _ expzv1.EvaluationServer = (*GRPCServer)(nil)

func NewGRPCServer(svc Service, opts ...Option) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}

	o := newOptions(opts)
	return &GRPCServer{
		service: svc,
		watcher: changeWatcher{pollInterval: o.pollInterval, keepaliveInterval: o.keepaliveInterval},
	}
}

func (s *GRPCServer) Fetch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	deploymentID, user, keys, err := decodeFetchRequest(ctx, req)
	if err != nil {
		return nil, toGRPCError(err)
	}

	payload, err := s.variantsPayload(ctx, deploymentID, user, keys)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return variantsMessage(payload)
}

func (s *GRPCServer) Flags(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	deploymentID, keys, err := decodeFlagsRequest(ctx, req)
	if err != nil {
		return nil, toGRPCError(err)
	}

	payload, err := s.flagsPayload(ctx, deploymentID, keys)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return flagsMessage(payload)
}

func (s *GRPCServer) Watch(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	deploymentID, user, keys, err := decodeFetchRequest(ctx, req)
	if err != nil {
		return toGRPCError(err)
	}

	return s.serveStream(stream, func(ctx context.Context) ([]byte, error) {
		return s.variantsPayload(ctx, deploymentID, user, keys)
	}, variantsMessage, func() (*structpb.Struct, error) {
		return expzv1.ToStruct(expzv1.VariantsMessage{Keepalive: true})
	})
}

func (s *GRPCServer) WatchFlags(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	deploymentID, keys, err := decodeFlagsRequest(ctx, req)
	if err != nil {
		return toGRPCError(err)
	}

	return s.serveStream(stream, func(ctx context.Context) ([]byte, error) {
		return s.flagsPayload(ctx, deploymentID, keys)
	}, flagsMessage, func() (*structpb.Struct, error) {
		return expzv1.ToStruct(expzv1.FlagsMessage{Keepalive: true})
	})
}

func (s *GRPCServer) serveStream(
	stream grpc.ServerStreamingServer[structpb.Struct],
	load func(context.Context) ([]byte, error),
	wrap func([]byte) (*structpb.Struct, error),
	keepalive func() (*structpb.Struct, error),
) error {
	ctx := stream.Context()
	initial, err := load(ctx)
	if err != nil {
		return toGRPCError(err)
	}

	send := func(payload []byte) error {
		msg, err := wrap(payload)
		if err != nil {
			return err
		}
		return stream.Send(msg)
	}
	if err := send(initial); err != nil {
		return err
	}

	err = s.watcher.watch(ctx, initial, load, send, func() error {
		msg, err := keepalive()
		if err != nil {
			return err
		}
		return stream.Send(msg)
	})
	if err != nil {
		middleware.LoggerFromContext(ctx).Warn("watch stream closed on error", "error", err)
		return toGRPCError(err)
	}
	return nil
}

func (s *GRPCServer) flagsPayload(ctx context.Context, deploymentID string, keys []string) ([]byte, error) {
	flags, err := s.service.Flags(ctx, deploymentID, keys...)
	if err != nil {
		return nil, err
	}
	return encodeFlags(flags)
}

func (s *GRPCServer) variantsPayload(ctx context.Context, deploymentID string, user core.User, keys []string) ([]byte, error) {
	variants, err := s.service.Evaluate(ctx, deploymentID, user, keys)
	if err != nil {
		return nil, err
	}
	return encodeVariants(variants)
}

func decodeFetchRequest(ctx context.Context, req *structpb.Struct) (string, core.User, []string, error) {
	deploymentID, ok := middleware.DeploymentIDFromContext(ctx)
	if !ok {
		return "", core.User{}, nil, errUnauthenticated
	}

	var msg expzv1.FetchRequest
	if err := expzv1.FromStruct(req, &msg); err != nil {
		return "", core.User{}, nil, fmt.Errorf("%w: %v", service.ErrInvalidUser, err)
	}
	user, err := service.DecodeUser(msg.User)
	if err != nil {
		return "", core.User{}, nil, err
	}
	keys, err := service.NormalizeFlagKeys(msg.FlagKeys)
	if err != nil {
		return "", core.User{}, nil, err
	}
	return deploymentID, user, keys, nil
}

func decodeFlagsRequest(ctx context.Context, req *structpb.Struct) (string, []string, error) {
	deploymentID, ok := middleware.DeploymentIDFromContext(ctx)
	if !ok {
		return "", nil, errUnauthenticated
	}

	var msg expzv1.FlagsRequest
	if err := expzv1.FromStruct(req, &msg); err != nil {
		return "", nil, fmt.Errorf("%w: %v", service.ErrInvalidFlagKeys, err)
	}
	keys, err := service.NormalizeFlagKeys(msg.FlagKeys)
	if err != nil {
		return "", nil, err
	}
	return deploymentID, keys, nil
}

func variantsMessage(payload []byte) (*structpb.Struct, error) {
	return expzv1.ToStruct(expzv1.VariantsMessage{Variants: payload})
}

func flagsMessage(payload []byte) (*structpb.Struct, error) {
	return expzv1.ToStruct(expzv1.FlagsMessage{Flags: payload})
}

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, service.ErrInvalidUser), errors.Is(err, service.ErrInvalidFlagKeys):
		return status.Error(codes.InvalidArgument, serviceErrorMessage(err))
	case errors.Is(err, errUnauthenticated), errors.Is(err, service.ErrDeploymentRequired):
		return status.Error(codes.Unauthenticated, "unauthorized")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}
