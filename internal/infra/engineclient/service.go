package engineclient

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName 是引擎 gRPC 服务名，同时用于健康检查。
	ServiceName = "localsigner.engine.v1.Engine"

	invokeMethod = "/" + ServiceName + "/Invoke"
)

// EngineServer 由引擎进程实现：按方法名执行钱包操作。
// 请求为 {"method": string, "params": object}，响应为字符串或字符串数组。
type EngineServer interface {
	Invoke(context.Context, *structpb.Struct) (*structpb.Value, error)
}

// RegisterEngineServer 在 gRPC server 上注册引擎服务。
func RegisterEngineServer(s grpc.ServiceRegistrar, srv EngineServer) {
	s.RegisterService(&engineServiceDesc, srv)
}

// Invoke 在给定连接上调用引擎。
func Invoke(ctx context.Context, cc grpc.ClientConnInterface, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Value, error) {
	out := new(structpb.Value)
	if err := cc.Invoke(ctx, invokeMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EngineServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: invokeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EngineServer).Invoke(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var engineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "localsigner/engine/v1/engine.proto",
}
