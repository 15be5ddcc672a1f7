package api

import (
	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/delivery"
	"github.com/matheus3301/courier/internal/rpc"
)

func conversationToRPC(c chat.Conversation) *rpc.Conversation {
	out := &rpc.Conversation{
		ID:         c.ID,
		Kind:       string(c.Kind),
		Name:       c.Name,
		Version:    c.Version,
		Members:    make([]rpc.Member, 0, len(c.Members)),
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
		ArchivedAt: c.ArchivedAt,
	}
	for _, m := range c.Members {
		out.Members = append(out.Members, rpc.Member{
			UserID:        m.UserID,
			IsAdmin:       m.IsAdmin,
			JoinedVersion: m.JoinedVersion,
			JoinedAt:      m.JoinedAt,
		})
	}
	return out
}

func messageToRPC(m chat.Message) *rpc.Message {
	return &rpc.Message{
		ID:                m.ID,
		ConversationID:    m.ConversationID,
		SenderID:          m.SenderID,
		Sequence:          m.Sequence,
		PayloadRef:        m.PayloadRef,
		MembershipVersion: m.MembershipVersion,
		CreatedAt:         m.CreatedAt,
	}
}

func recordToRPC(r delivery.Record) rpc.Record {
	out := rpc.Record{
		RecipientID: r.RecipientID,
		State:       string(r.State),
		Attempts:    r.Attempts,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	for _, t := range r.History {
		out.History = append(out.History, rpc.Transition{
			Event:         string(t.Event),
			State:         string(t.State),
			Kind:          string(t.Kind),
			SourceEventID: t.SourceEventID,
			Reason:        t.Reason,
			At:            t.At,
		})
	}
	return out
}
