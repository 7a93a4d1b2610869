package wire

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	GatewayService = "chatsync.v1.Gateway"
	PushService    = "chatsync.v1.Push"
)

// Gateway method names.
const (
	MethodListConversations      = "ListConversations"
	MethodGetMessages            = "GetMessages"
	MethodSendMessage            = "SendMessage"
	MethodUpdateMessage          = "UpdateMessage"
	MethodDeleteMessage          = "DeleteMessage"
	MethodMarkConversationViewed = "MarkConversationViewed"
	MethodMarkMentionsViewed     = "MarkMentionsViewed"
	MethodCreateConversation     = "CreateConversation"
	MethodStream                 = "Stream"
)

// FullMethod returns the gRPC method path.
func FullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// GatewayServer is implemented by chatd's request service.
type GatewayServer interface {
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkConversationViewed(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkMentionsViewed(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type (
	PushServerStream = grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]
	PushClientStream = grpc.BidiStreamingClient[structpb.Struct, structpb.Struct]
)

// PushServer is implemented by chatd's push service.
type PushServer interface {
	Stream(PushServerStream) error
}

type unaryCall func(srv GatewayServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(GatewayServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(GatewayService, name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(GatewayServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// GatewayServiceDesc describes chatsync.v1.Gateway.
var GatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: GatewayService,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodListConversations, GatewayServer.ListConversations),
		unary(MethodGetMessages, GatewayServer.GetMessages),
		unary(MethodSendMessage, GatewayServer.SendMessage),
		unary(MethodUpdateMessage, GatewayServer.UpdateMessage),
		unary(MethodDeleteMessage, GatewayServer.DeleteMessage),
		unary(MethodMarkConversationViewed, GatewayServer.MarkConversationViewed),
		unary(MethodMarkMentionsViewed, GatewayServer.MarkMentionsViewed),
		unary(MethodCreateConversation, GatewayServer.CreateConversation),
	},
	Metadata: "chatsync/v1/gateway",
}

// PushStreamDesc describes the bidirectional Stream method.
var PushStreamDesc = grpc.StreamDesc{
	StreamName: MethodStream,
	Handler: func(srv any, stream grpc.ServerStream) error {
		return srv.(PushServer).Stream(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
	},
	ServerStreams: true,
	ClientStreams: true,
}

// PushServiceDesc describes chatsync.v1.Push.
var PushServiceDesc = grpc.ServiceDesc{
	ServiceName: PushService,
	HandlerType: (*PushServer)(nil),
	Streams:     []grpc.StreamDesc{PushStreamDesc},
	Metadata:    "chatsync/v1/push",
}

// OpenPush starts the push stream on conn.
func OpenPush(ctx context.Context, conn grpc.ClientConnInterface) (PushClientStream, error) {
	stream, err := conn.NewStream(ctx, &PushStreamDesc, FullMethod(PushService, MethodStream))
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}, nil
}
