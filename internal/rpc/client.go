package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ConversationClient calls the conversation service.
type ConversationClient struct {
	cc grpc.ClientConnInterface
}

func NewConversationClient(cc grpc.ClientConnInterface) *ConversationClient {
	return &ConversationClient{cc: cc}
}

func (c *ConversationClient) CreateIndividual(ctx context.Context, in *CreateIndividualRequest, opts ...grpc.CallOption) (*CreateIndividualResponse, error) {
	return invoke[CreateIndividualResponse](ctx, c.cc, methodCreateIndividual, in, opts)
}

func (c *ConversationClient) CreateGroup(ctx context.Context, in *CreateGroupRequest, opts ...grpc.CallOption) (*Conversation, error) {
	return invoke[Conversation](ctx, c.cc, methodCreateGroup, in, opts)
}

func (c *ConversationClient) AddMember(ctx context.Context, in *MemberRequest, opts ...grpc.CallOption) (*Conversation, error) {
	return invoke[Conversation](ctx, c.cc, methodAddMember, in, opts)
}

func (c *ConversationClient) RemoveMember(ctx context.Context, in *MemberRequest, opts ...grpc.CallOption) (*Conversation, error) {
	return invoke[Conversation](ctx, c.cc, methodRemoveMember, in, opts)
}

func (c *ConversationClient) Rename(ctx context.Context, in *RenameRequest, opts ...grpc.CallOption) (*Conversation, error) {
	return invoke[Conversation](ctx, c.cc, methodRename, in, opts)
}

func (c *ConversationClient) Archive(ctx context.Context, in *ConversationRequest, opts ...grpc.CallOption) (*Conversation, error) {
	return invoke[Conversation](ctx, c.cc, methodArchive, in, opts)
}

func (c *ConversationClient) GetConversation(ctx context.Context, in *ConversationRequest, opts ...grpc.CallOption) (*Conversation, error) {
	return invoke[Conversation](ctx, c.cc, methodGetConversation, in, opts)
}

func (c *ConversationClient) ListConversations(ctx context.Context, in *ListConversationsRequest, opts ...grpc.CallOption) (*ListConversationsResponse, error) {
	return invoke[ListConversationsResponse](ctx, c.cc, methodListConversations, in, opts)
}

// MessageClient calls the message service.
type MessageClient struct {
	cc grpc.ClientConnInterface
}

func NewMessageClient(cc grpc.ClientConnInterface) *MessageClient {
	return &MessageClient{cc: cc}
}

func (c *MessageClient) Send(ctx context.Context, in *SendMessageRequest, opts ...grpc.CallOption) (*Message, error) {
	return invoke[Message](ctx, c.cc, methodSend, in, opts)
}

func (c *MessageClient) GetMessage(ctx context.Context, in *GetMessageRequest, opts ...grpc.CallOption) (*Message, error) {
	return invoke[Message](ctx, c.cc, methodGetMessage, in, opts)
}

func (c *MessageClient) ListMessages(ctx context.Context, in *ListMessagesRequest, opts ...grpc.CallOption) (*ListMessagesResponse, error) {
	return invoke[ListMessagesResponse](ctx, c.cc, methodListMessages, in, opts)
}

// DeliveryClient calls the delivery service.
type DeliveryClient struct {
	cc grpc.ClientConnInterface
}

func NewDeliveryClient(cc grpc.ClientConnInterface) *DeliveryClient {
	return &DeliveryClient{cc: cc}
}

func (c *DeliveryClient) GetMessageStatus(ctx context.Context, in *GetMessageRequest, opts ...grpc.CallOption) (*MessageStatus, error) {
	return invoke[MessageStatus](ctx, c.cc, methodGetMessageStatus, in, opts)
}

func (c *DeliveryClient) Acknowledge(ctx context.Context, in *AcknowledgeRequest, opts ...grpc.CallOption) (*AcknowledgeResponse, error) {
	return invoke[AcknowledgeResponse](ctx, c.cc, methodAcknowledge, in, opts)
}

func (c *DeliveryClient) WatchInbox(ctx context.Context, in *WatchInboxRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[Message], error) {
	return openStream[WatchInboxRequest, Message](ctx, c.cc, &deliveryServiceDesc.Streams[0], methodWatchInbox, in, opts)
}

func (c *DeliveryClient) WatchRollups(ctx context.Context, in *WatchRollupsRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[RollupUpdate], error) {
	return openStream[WatchRollupsRequest, RollupUpdate](ctx, c.cc, &deliveryServiceDesc.Streams[1], methodWatchRollups, in, opts)
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{CallOption()}, opts...)
}

func invoke[Res any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Res, error) {
	out := new(Res)
	if err := cc.Invoke(ctx, method, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func openStream[Req, Res any](ctx context.Context, cc grpc.ClientConnInterface, desc *grpc.StreamDesc, method string, in *Req, opts []grpc.CallOption) (grpc.ServerStreamingClient[Res], error) {
	stream, err := cc.NewStream(ctx, desc, method, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[Req, Res]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
