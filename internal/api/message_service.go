package api

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/ledger"
	"github.com/matheus3301/courier/internal/registry"
	"github.com/matheus3301/courier/internal/rpc"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// Fanout receives every appended message.
type Fanout interface {
	OnMessageCreated(ctx context.Context, msg chat.Message) error
}

// MessageService implements the message gRPC service.
type MessageService struct {
	ledger   *ledger.Ledger
	registry *registry.Registry
	fanout   Fanout
	logger   *zap.Logger
}

// NewMessageService creates a message service.
func NewMessageService(l *ledger.Ledger, reg *registry.Registry, fanout Fanout, logger *zap.Logger) *MessageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageService{ledger: l, registry: reg, fanout: fanout, logger: logger}
}

// Send appends a message and creates its delivery records before returning.
// If record creation fails the message stays appended and the recovery
// sweep fans it out later.
func (s *MessageService) Send(ctx context.Context, req *rpc.SendMessageRequest) (*rpc.Message, error) {
	user, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := s.ledger.Append(ctx, req.ConversationID, user, req.PayloadRef)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.fanout.OnMessageCreated(ctx, msg); err != nil {
		s.logger.Error("fanout deferred to recovery", zap.String("message_id", msg.ID), zap.Error(err))
	}
	return messageToRPC(msg), nil
}

func (s *MessageService) GetMessage(ctx context.Context, req *rpc.GetMessageRequest) (*rpc.Message, error) {
	msg, err := s.readable(ctx, req.MessageID)
	if err != nil {
		return nil, toStatus(err)
	}
	return messageToRPC(msg), nil
}

func (s *MessageService) ListMessages(ctx context.Context, req *rpc.ListMessagesRequest) (*rpc.ListMessagesResponse, error) {
	user, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	conv, err := s.registry.Get(ctx, req.ConversationID)
	if err != nil {
		return nil, toStatus(err)
	}
	if !conv.HasMember(user) {
		return nil, toStatus(fmt.Errorf("%w: %s in %s", chat.ErrNotAMember, user, conv.ID))
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	limit = min(limit, maxPageLimit)

	msgs, err := ledger.Collect(s.ledger.List(ctx, conv.ID, ledger.Range{After: req.After, Limit: limit}))
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &rpc.ListMessagesResponse{Messages: make([]rpc.Message, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, *messageToRPC(m))
	}
	if len(msgs) == limit {
		resp.NextAfter = msgs[len(msgs)-1].Sequence
	}
	return resp, nil
}

// readable returns a message the caller sent or was a member at send time.
func (s *MessageService) readable(ctx context.Context, messageID string) (chat.Message, error) {
	return readableMessage(ctx, s.ledger, s.registry, messageID)
}

func readableMessage(ctx context.Context, l *ledger.Ledger, reg *registry.Registry, messageID string) (chat.Message, error) {
	user, err := caller(ctx)
	if err != nil {
		return chat.Message{}, err
	}
	msg, err := l.Get(ctx, messageID)
	if err != nil {
		return chat.Message{}, err
	}
	if msg.SenderID == user {
		return msg, nil
	}
	members, err := reg.MembersOf(ctx, msg.ConversationID, msg.MembershipVersion)
	if err != nil {
		return chat.Message{}, err
	}
	if !slices.Contains(members, user) {
		return chat.Message{}, fmt.Errorf("%w: %s did not receive %s", chat.ErrNotAMember, user, messageID)
	}
	return msg, nil
}
