package sources

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ScoreServer is implemented by model services speaking the Score protocol.
type ScoreServer interface {
	Score(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ScoreFunc adapts a function to ScoreServer.
type ScoreFunc func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func (f ScoreFunc) Score(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return f(ctx, req)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ScoreServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Score",
		Handler:    scoreHandler,
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "probability.proto",
}

func scoreHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ScoreServer).Score(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ScoreMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ScoreServer).Score(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterScoreServer registers srv on s under ServiceName.
func RegisterScoreServer(s grpc.ServiceRegistrar, srv ScoreServer) {
	s.RegisterService(&serviceDesc, srv)
}
