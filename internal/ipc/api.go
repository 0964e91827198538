package ipc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "wgtunnel.Tunnel"

const (
	methodConnect       = "/" + ServiceName + "/Connect"
	methodDisconnect    = "/" + ServiceName + "/Disconnect"
	methodStatus        = "/" + ServiceName + "/Status"
	methodRegenerateKey = "/" + ServiceName + "/RegenerateKey"
	methodListProfiles  = "/" + ServiceName + "/ListProfiles"
	methodImportProfile = "/" + ServiceName + "/ImportProfile"
	methodWatch         = "/" + ServiceName + "/Watch"
)

// TunnelServer is the control surface of the headless service. Messages
// are protobuf well-known types so no generated code is needed.
type TunnelServer interface {
	Connect(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Disconnect(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RegenerateKey(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	ListProfiles(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ImportProfile(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*emptypb.Empty, WatchStream) error
}

// WatchStream is the server side of a Watch call.
type WatchStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type watchStream struct {
	grpc.ServerStream
}

func (s *watchStream) Send(m *structpb.Struct) error { return s.ServerStream.SendMsg(m) }

// unary builds a method descriptor that decodes Req and calls fn.
func unary[Req proto.Message, Resp proto.Message](
	name, full string,
	newReq func() Req,
	fn func(TunnelServer, context.Context, Req) (Resp, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(TunnelServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(TunnelServer), ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func newEmpty() *emptypb.Empty { return new(emptypb.Empty) }

// TunnelServiceDesc describes the service for grpc.Server.RegisterService.
var TunnelServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TunnelServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Connect", methodConnect, func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }, TunnelServer.Connect),
		unary("Disconnect", methodDisconnect, newEmpty, TunnelServer.Disconnect),
		unary("Status", methodStatus, newEmpty, TunnelServer.Status),
		unary("RegenerateKey", methodRegenerateKey, newEmpty, TunnelServer.RegenerateKey),
		unary("ListProfiles", methodListProfiles, newEmpty, TunnelServer.ListProfiles),
		unary("ImportProfile", methodImportProfile, func() *structpb.Struct { return new(structpb.Struct) }, TunnelServer.ImportProfile),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(emptypb.Empty)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(TunnelServer).Watch(in, &watchStream{stream})
			},
		},
	},
	Metadata: "wgtunnel/tunnel.proto",
}

// RegisterTunnelServer registers srv on s.
func RegisterTunnelServer(s grpc.ServiceRegistrar, srv TunnelServer) {
	s.RegisterService(&TunnelServiceDesc, srv)
}
