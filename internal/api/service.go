// Package api exposes the sync engine to local tools over gRPC. Requests and
// responses are structpb.Struct values so no generated code is needed.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "matchsync.v1.SyncService"

// Method names.
const (
	MethodGetStatus         = "GetStatus"
	MethodLogin             = "Login"
	MethodLogout            = "Logout"
	MethodListRooms         = "ListRooms"
	MethodListUnread        = "ListUnread"
	MethodOpenConversation  = "OpenConversation"
	MethodMarkRead          = "MarkRead"
	MethodSendMessage       = "SendMessage"
	MethodRetrySend         = "RetrySend"
	MethodListFailed        = "ListFailed"
	MethodWatchConversation = "WatchConversation"
	MethodWatchEvents       = "WatchEvents"
)

// SyncServer is the server side of matchsync.v1.SyncService.
type SyncServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRooms(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListUnread(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetrySend(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListFailed(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchConversation(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
	WatchEvents(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

type unaryCall func(SyncServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

type streamCall func(SyncServer, *structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SyncServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(SyncServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func serverStream(name string, call streamCall) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return call(srv.(SyncServer), in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
		},
	}
}

// ServiceDesc describes matchsync.v1.SyncService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, SyncServer.GetStatus),
		unary(MethodLogin, SyncServer.Login),
		unary(MethodLogout, SyncServer.Logout),
		unary(MethodListRooms, SyncServer.ListRooms),
		unary(MethodListUnread, SyncServer.ListUnread),
		unary(MethodOpenConversation, SyncServer.OpenConversation),
		unary(MethodMarkRead, SyncServer.MarkRead),
		unary(MethodSendMessage, SyncServer.SendMessage),
		unary(MethodRetrySend, SyncServer.RetrySend),
		unary(MethodListFailed, SyncServer.ListFailed),
	},
	Streams: []grpc.StreamDesc{
		serverStream(MethodWatchConversation, SyncServer.WatchConversation),
		serverStream(MethodWatchEvents, SyncServer.WatchEvents),
	},
	Metadata: "matchsync/v1/sync.proto",
}

// RegisterSyncServer registers srv on s.
func RegisterSyncServer(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}
