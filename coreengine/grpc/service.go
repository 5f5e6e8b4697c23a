package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// StageServiceName is the fully-qualified gRPC service name.
const StageServiceName = "reviewcore.stage.v1.StageService"

// StageService_Process_FullMethodName is the full method name of Process.
const StageService_Process_FullMethodName = "/" + StageServiceName + "/Process"

// StageServiceServer is the server API for StageService.
//
// Process takes a request envelope and returns the stage's response or
// error envelope. Envelopes travel as google.protobuf.Struct values holding
// the envelope's JSON form.
type StageServiceServer interface {
	Process(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterStageServiceServer registers srv with s.
func RegisterStageServiceServer(s grpc.ServiceRegistrar, srv StageServiceServer) {
	s.RegisterService(&StageService_ServiceDesc, srv)
}

func _StageService_Process_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StageServiceServer).Process(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: StageService_Process_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StageServiceServer).Process(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// StageService_ServiceDesc is the grpc.ServiceDesc for StageService.
var StageService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: StageServiceName,
	HandlerType: (*StageServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Process",
			Handler:    _StageService_Process_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "reviewcore/stage/v1/stage.proto",
}

// StageServiceClient is the client API for StageService.
type StageServiceClient interface {
	Process(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type stageServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewStageServiceClient creates a StageService client over cc.
func NewStageServiceClient(cc grpc.ClientConnInterface) StageServiceClient {
	return &stageServiceClient{cc}
}

func (c *stageServiceClient) Process(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, StageService_Process_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
