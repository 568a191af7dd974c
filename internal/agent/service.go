package agent

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ReasoningServiceName is the fully qualified gRPC service name.
const ReasoningServiceName = "deskpilot.agent.v1.ReasoningService"

const nextStepMethod = "/" + ReasoningServiceName + "/NextStep"

// ReasoningServer is the server side of the reasoning-model contract.
type ReasoningServer interface {
	NextStep(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterReasoningServer registers srv on a gRPC server.
func RegisterReasoningServer(s grpc.ServiceRegistrar, srv ReasoningServer) {
	s.RegisterService(&reasoningServiceDesc, srv)
}

var reasoningServiceDesc = grpc.ServiceDesc{
	ServiceName: ReasoningServiceName,
	HandlerType: (*ReasoningServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "NextStep",
			Handler:    nextStepHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "deskpilot/agent/v1/reasoning.proto",
}

func nextStepHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReasoningServer).NextStep(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: nextStepMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReasoningServer).NextStep(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// StepFunc produces the next step for a typed request.
type StepFunc func(ctx context.Context, req StepRequest) (Step, error)

// NewReasoningServer adapts a typed step function to the wire contract.
func NewReasoningServer(fn StepFunc) ReasoningServer {
	return stepServer{fn: fn}
}

type stepServer struct {
	fn StepFunc
}

func (s stepServer) NextStep(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRequest(in)
	if err != nil {
		return nil, err
	}
	step, err := s.fn(ctx, req)
	if err != nil {
		return nil, err
	}
	return encodeStep(step)
}
