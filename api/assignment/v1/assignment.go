// Package assignmentv1 describes the bucketz.v1.AssignmentService gRPC API.
//
// Requests and responses are google.protobuf.Struct messages holding the same
// JSON documents the HTTP API accepts and returns, so any gRPC client can call
// the service without generated stubs:
//
//	EvaluateFeature: {"environment", "feature", "attributes", "draft", "trace"} -> result
//	EvaluateAll:     {"environment", "attributes", "draft", "trace"} -> {"results": {key: result}}
package assignmentv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "bucketz.v1.AssignmentService"

	EvaluateFeatureFullMethod = "/" + ServiceName + "/EvaluateFeature"
	EvaluateAllFullMethod     = "/" + ServiceName + "/EvaluateAll"
)

// AssignmentServiceServer is implemented by the server transport.
type AssignmentServiceServer interface {
	EvaluateFeature(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EvaluateAll(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterAssignmentServiceServer registers srv on s.
func RegisterAssignmentServiceServer(s grpc.ServiceRegistrar, srv AssignmentServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc is the grpc.ServiceDesc for AssignmentService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AssignmentServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "EvaluateFeature", Handler: evaluateFeatureHandler},
		{MethodName: "EvaluateAll", Handler: evaluateAllHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bucketz/v1/assignment",
}

func evaluateFeatureHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AssignmentServiceServer).EvaluateFeature(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EvaluateFeatureFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AssignmentServiceServer).EvaluateFeature(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func evaluateAllHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AssignmentServiceServer).EvaluateAll(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EvaluateAllFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AssignmentServiceServer).EvaluateAll(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// AssignmentServiceClient calls AssignmentService.
type AssignmentServiceClient interface {
	EvaluateFeature(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	EvaluateAll(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type assignmentServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewAssignmentServiceClient(cc grpc.ClientConnInterface) AssignmentServiceClient {
	return &assignmentServiceClient{cc: cc}
}

func (c *assignmentServiceClient) EvaluateFeature(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, EvaluateFeatureFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *assignmentServiceClient) EvaluateAll(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, EvaluateAllFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
