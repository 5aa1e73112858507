// Package expzv1 declares the expz.v1.Evaluation gRPC service. Requests and
// responses are google.protobuf.Struct documents carrying the same JSON shapes
// as the HTTP API.
package expzv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "expz.v1.Evaluation"

	Evaluation_Fetch_FullMethodName      = "/expz.v1.Evaluation/Fetch"
	Evaluation_Flags_FullMethodName      = "/expz.v1.Evaluation/Flags"
	Evaluation_Watch_FullMethodName      = "/expz.v1.Evaluation/Watch"
	Evaluation_WatchFlags_FullMethodName = "/expz.v1.Evaluation/WatchFlags"
)

type EvaluationClient interface {
	// Fetch takes {user, flag_keys} and returns {variants}.
	Fetch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	// Flags takes {flag_keys} and returns {flags}.
	Flags(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	// Watch streams {variants} whenever the user's assignment changes and
	// {keepalive: true} in between.
	Watch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error)
	// WatchFlags streams {flags} whenever the deployment's configs change.
	WatchFlags(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error)
}

type evaluationClient struct {
	cc grpc.ClientConnInterface
}

func NewEvaluationClient(cc grpc.ClientConnInterface) EvaluationClient {
	return &evaluationClient{cc: cc}
}

func (c *evaluationClient) Fetch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, Evaluation_Fetch_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *evaluationClient) Flags(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, Evaluation_Flags_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *evaluationClient) Watch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	return c.serverStream(ctx, &Evaluation_ServiceDesc.Streams[0], Evaluation_Watch_FullMethodName, in, opts...)
}

func (c *evaluationClient) WatchFlags(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	return c.serverStream(ctx, &Evaluation_ServiceDesc.Streams[1], Evaluation_WatchFlags_FullMethodName, in, opts...)
}

func (c *evaluationClient) serverStream(ctx context.Context, desc *grpc.StreamDesc, method string, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, desc, method, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type EvaluationServer interface {
	Fetch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Flags(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
	WatchFlags(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// UnimplementedEvaluationServer can be embedded for forward compatibility.
type UnimplementedEvaluationServer struct{}

func (UnimplementedEvaluationServer) Fetch(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Fetch not implemented")
}

func (UnimplementedEvaluationServer) Flags(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Flags not implemented")
}

func (UnimplementedEvaluationServer) Watch(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error {
	return status.Error(codes.Unimplemented, "method Watch not implemented")
}

func (UnimplementedEvaluationServer) WatchFlags(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error {
	return status.Error(codes.Unimplemented, "method WatchFlags not implemented")
}

func RegisterEvaluationServer(s grpc.ServiceRegistrar, srv EvaluationServer) {
	s.RegisterService(&Evaluation_ServiceDesc, srv)
}

func _Evaluation_Fetch_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EvaluationServer).Fetch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Evaluation_Fetch_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EvaluationServer).Fetch(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Evaluation_Flags_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EvaluationServer).Flags(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Evaluation_Flags_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EvaluationServer).Flags(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Evaluation_Watch_Handler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(EvaluationServer).Watch(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

func _Evaluation_WatchFlags_Handler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(EvaluationServer).WatchFlags(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

var Evaluation_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EvaluationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Fetch", Handler: _Evaluation_Fetch_Handler},
		{MethodName: "Flags", Handler: _Evaluation_Flags_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: _Evaluation_Watch_Handler, ServerStreams: true},
		{StreamName: "WatchFlags", Handler: _Evaluation_WatchFlags_Handler, ServerStreams: true},
	},
	Metadata: "expz/v1/evaluation.proto",
}
