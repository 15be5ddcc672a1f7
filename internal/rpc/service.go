package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// Fully-qualified method names. The services and messages of this package
// are published as proto/courier/v1/courier.proto.
const (
	ConversationService = "courier.v1.ConversationService"
	MessageService      = "courier.v1.MessageService"
	DeliveryService     = "courier.v1.DeliveryService"

	methodCreateIndividual  = "/" + ConversationService + "/CreateIndividual"
	methodCreateGroup       = "/" + ConversationService + "/CreateGroup"
	methodAddMember         = "/" + ConversationService + "/AddMember"
	methodRemoveMember      = "/" + ConversationService + "/RemoveMember"
	methodRename            = "/" + ConversationService + "/Rename"
	methodArchive           = "/" + ConversationService + "/Archive"
	methodGetConversation   = "/" + ConversationService + "/GetConversation"
	methodListConversations = "/" + ConversationService + "/ListConversations"

	methodSend         = "/" + MessageService + "/Send"
	methodGetMessage   = "/" + MessageService + "/GetMessage"
	methodListMessages = "/" + MessageService + "/ListMessages"

	methodGetMessageStatus = "/" + DeliveryService + "/GetMessageStatus"
	methodAcknowledge      = "/" + DeliveryService + "/Acknowledge"
	methodWatchInbox       = "/" + DeliveryService + "/WatchInbox"
	methodWatchRollups     = "/" + DeliveryService + "/WatchRollups"
)

// ConversationServer is the server API for the conversation service.
type ConversationServer interface {
	CreateIndividual(context.Context, *CreateIndividualRequest) (*CreateIndividualResponse, error)
	CreateGroup(context.Context, *CreateGroupRequest) (*Conversation, error)
	AddMember(context.Context, *MemberRequest) (*Conversation, error)
	RemoveMember(context.Context, *MemberRequest) (*Conversation, error)
	Rename(context.Context, *RenameRequest) (*Conversation, error)
	Archive(context.Context, *ConversationRequest) (*Conversation, error)
	GetConversation(context.Context, *ConversationRequest) (*Conversation, error)
	ListConversations(context.Context, *ListConversationsRequest) (*ListConversationsResponse, error)
}

// MessageServer is the server API for the message service.
type MessageServer interface {
	Send(context.Context, *SendMessageRequest) (*Message, error)
	GetMessage(context.Context, *GetMessageRequest) (*Message, error)
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
}

// DeliveryServer is the server API for the delivery service.
type DeliveryServer interface {
	GetMessageStatus(context.Context, *GetMessageRequest) (*MessageStatus, error)
	Acknowledge(context.Context, *AcknowledgeRequest) (*AcknowledgeResponse, error)
	WatchInbox(*WatchInboxRequest, grpc.ServerStreamingServer[Message]) error
	WatchRollups(*WatchRollupsRequest, grpc.ServerStreamingServer[RollupUpdate]) error
}

var conversationServiceDesc = grpc.ServiceDesc{
	ServiceName: ConversationService,
	HandlerType: (*ConversationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateIndividual", Handler: unary(methodCreateIndividual, ConversationServer.CreateIndividual)},
		{MethodName: "CreateGroup", Handler: unary(methodCreateGroup, ConversationServer.CreateGroup)},
		{MethodName: "AddMember", Handler: unary(methodAddMember, ConversationServer.AddMember)},
		{MethodName: "RemoveMember", Handler: unary(methodRemoveMember, ConversationServer.RemoveMember)},
		{MethodName: "Rename", Handler: unary(methodRename, ConversationServer.Rename)},
		{MethodName: "Archive", Handler: unary(methodArchive, ConversationServer.Archive)},
		{MethodName: "GetConversation", Handler: unary(methodGetConversation, ConversationServer.GetConversation)},
		{MethodName: "ListConversations", Handler: unary(methodListConversations, ConversationServer.ListConversations)},
	},
}

var messageServiceDesc = grpc.ServiceDesc{
	ServiceName: MessageService,
	HandlerType: (*MessageServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: unary(methodSend, MessageServer.Send)},
		{MethodName: "GetMessage", Handler: unary(methodGetMessage, MessageServer.GetMessage)},
		{MethodName: "ListMessages", Handler: unary(methodListMessages, MessageServer.ListMessages)},
	},
}

var deliveryServiceDesc = grpc.ServiceDesc{
	ServiceName: DeliveryService,
	HandlerType: (*DeliveryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetMessageStatus", Handler: unary(methodGetMessageStatus, DeliveryServer.GetMessageStatus)},
		{MethodName: "Acknowledge", Handler: unary(methodAcknowledge, DeliveryServer.Acknowledge)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchInbox", Handler: serverStream(DeliveryServer.WatchInbox), ServerStreams: true},
		{StreamName: "WatchRollups", Handler: serverStream(DeliveryServer.WatchRollups), ServerStreams: true},
	},
}

func RegisterConversationServer(s grpc.ServiceRegistrar, srv ConversationServer) {
	s.RegisterService(&conversationServiceDesc, srv)
}

func RegisterMessageServer(s grpc.ServiceRegistrar, srv MessageServer) {
	s.RegisterService(&messageServiceDesc, srv)
}

func RegisterDeliveryServer(s grpc.ServiceRegistrar, srv DeliveryServer) {
	s.RegisterService(&deliveryServiceDesc, srv)
}

// unary adapts a typed server method to a grpc.MethodHandler.
func unary[S, Req, Res any](method string, call func(S, context.Context, *Req) (*Res, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(S), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(S), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// serverStream adapts a typed server-streaming method to a grpc.StreamHandler.
func serverStream[S, Req, Res any](call func(S, *Req, grpc.ServerStreamingServer[Res]) error) grpc.StreamHandler {
	return func(srv any, stream grpc.ServerStream) error {
		in := new(Req)
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		return call(srv.(S), in, &grpc.GenericServerStream[Req, Res]{ServerStream: stream})
	}
}
