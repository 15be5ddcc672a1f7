package api

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/registry"
	"github.com/matheus3301/courier/internal/rpc"
)

// ConversationService implements the conversation gRPC service. It enforces
// who may change a group; the registry enforces what changes are valid.
type ConversationService struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewConversationService creates a conversation service.
func NewConversationService(reg *registry.Registry, logger *zap.Logger) *ConversationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationService{registry: reg, logger: logger}
}

func (s *ConversationService) CreateIndividual(ctx context.Context, req *rpc.CreateIndividualRequest) (*rpc.CreateIndividualResponse, error) {
	user, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	conv, created, err := s.registry.CreateIndividual(ctx, user, req.PeerID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.CreateIndividualResponse{Conversation: *conversationToRPC(conv), Created: created}, nil
}

func (s *ConversationService) CreateGroup(ctx context.Context, req *rpc.CreateGroupRequest) (*rpc.Conversation, error) {
	user, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	conv, err := s.registry.CreateGroup(ctx, user, req.Members, req.Name)
	if err != nil {
		return nil, toStatus(err)
	}
	return conversationToRPC(conv), nil
}

func (s *ConversationService) AddMember(ctx context.Context, req *rpc.MemberRequest) (*rpc.Conversation, error) {
	if _, err := s.authorize(ctx, req.ConversationID, true); err != nil {
		return nil, toStatus(err)
	}
	conv, err := s.registry.AddMember(ctx, req.ConversationID, req.UserID)
	if err != nil {
		return nil, toStatus(err)
	}
	return conversationToRPC(conv), nil
}

// RemoveMember lets admins remove anyone and members remove themselves.
func (s *ConversationService) RemoveMember(ctx context.Context, req *rpc.MemberRequest) (*rpc.Conversation, error) {
	user, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, req.ConversationID, req.UserID != user); err != nil {
		return nil, toStatus(err)
	}
	conv, err := s.registry.RemoveMember(ctx, req.ConversationID, req.UserID)
	if err != nil {
		return nil, toStatus(err)
	}
	return conversationToRPC(conv), nil
}

// Rename and Archive are admin actions on groups.
func (s *ConversationService) Rename(ctx context.Context, req *rpc.RenameRequest) (*rpc.Conversation, error) {
	if _, err := s.authorize(ctx, req.ConversationID, true); err != nil {
		return nil, toStatus(err)
	}
	conv, err := s.registry.Rename(ctx, req.ConversationID, req.Name)
	if err != nil {
		return nil, toStatus(err)
	}
	return conversationToRPC(conv), nil
}

func (s *ConversationService) Archive(ctx context.Context, req *rpc.ConversationRequest) (*rpc.Conversation, error) {
	if _, err := s.authorize(ctx, req.ConversationID, true); err != nil {
		return nil, toStatus(err)
	}
	conv, err := s.registry.Archive(ctx, req.ConversationID)
	if err != nil {
		return nil, toStatus(err)
	}
	return conversationToRPC(conv), nil
}

func (s *ConversationService) GetConversation(ctx context.Context, req *rpc.ConversationRequest) (*rpc.Conversation, error) {
	conv, err := s.authorize(ctx, req.ConversationID, false)
	if err != nil {
		return nil, toStatus(err)
	}
	return conversationToRPC(conv), nil
}

func (s *ConversationService) ListConversations(ctx context.Context, _ *rpc.ListConversationsRequest) (*rpc.ListConversationsResponse, error) {
	user, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	convs, err := s.registry.ListForUser(ctx, user)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &rpc.ListConversationsResponse{Conversations: make([]rpc.Conversation, 0, len(convs))}
	for _, c := range convs {
		resp.Conversations = append(resp.Conversations, *conversationToRPC(c))
	}
	return resp, nil
}

// authorize loads a conversation and checks the caller is a current member,
// and an admin of the group when admin is set.
func (s *ConversationService) authorize(ctx context.Context, convID string, admin bool) (chat.Conversation, error) {
	user, err := caller(ctx)
	if err != nil {
		return chat.Conversation{}, err
	}
	conv, err := s.registry.Get(ctx, convID)
	if err != nil {
		return chat.Conversation{}, err
	}
	if !conv.HasMember(user) {
		return chat.Conversation{}, fmt.Errorf("%w: %s in %s", chat.ErrNotAMember, user, convID)
	}
	if admin {
		if conv.Kind != chat.Group {
			return chat.Conversation{}, fmt.Errorf("%w: %s", chat.ErrNotAGroup, convID)
		}
		if !conv.IsAdmin(user) {
			return chat.Conversation{}, fmt.Errorf("%w: %s is not an admin of %s", chat.ErrNotAuthorized, user, convID)
		}
	}
	return conv, nil
}
