package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The control service is small enough to be described by hand over the
// protobuf well-known types:
//
//	service Control {
//	  rpc Shutdown(google.protobuf.Int32Value) returns (google.protobuf.BoolValue);
//	  rpc Stop(google.protobuf.Int32Value) returns (google.protobuf.Empty);
//	  rpc Status(google.protobuf.Empty) returns (google.protobuf.BytesValue);
//	}
const (
	serviceName          = "restfleet.Control"
	methodShutdown       = "/restfleet.Control/Shutdown"
	methodStop           = "/restfleet.Control/Stop"
	methodStatus         = "/restfleet.Control/Status"
	controlProtoMetadata = "restfleet/control.proto"
)

// controlServer is the server API of the control service.
type controlServer interface {
	Shutdown(context.Context, *wrapperspb.Int32Value) (*wrapperspb.BoolValue, error)
	Stop(context.Context, *wrapperspb.Int32Value) (*emptypb.Empty, error)
	Status(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error)
}

func registerControlServer(s grpc.ServiceRegistrar, srv controlServer) {
	s.RegisterService(&controlServiceDesc, srv)
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Shutdown", Handler: controlShutdownHandler},
		{MethodName: "Stop", Handler: controlStopHandler},
		{MethodName: "Status", Handler: controlStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: controlProtoMetadata,
}

func controlShutdownHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.Int32Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(controlServer).Shutdown(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodShutdown}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(controlServer).Shutdown(ctx, req.(*wrapperspb.Int32Value))
	}
	return interceptor(ctx, in, info, handler)
}

func controlStopHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.Int32Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(controlServer).Stop(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStop}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(controlServer).Stop(ctx, req.(*wrapperspb.Int32Value))
	}
	return interceptor(ctx, in, info, handler)
}

func controlStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(controlServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStatus}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(controlServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
