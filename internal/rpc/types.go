package rpc

import "time"

// Conversation is the wire form of a conversation.
type Conversation struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Name       string     `json:"name,omitempty"`
	Version    int64      `json:"version"`
	Members    []Member   `json:"members"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

type Member struct {
	UserID        string    `json:"user_id"`
	IsAdmin       bool      `json:"is_admin,omitempty"`
	JoinedVersion int64     `json:"joined_version"`
	JoinedAt      time.Time `json:"joined_at"`
}

type Message struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	SenderID          string    `json:"sender_id"`
	Sequence          int64     `json:"sequence"`
	PayloadRef        string    `json:"payload_ref"`
	MembershipVersion int64     `json:"membership_version"`
	CreatedAt         time.Time `json:"created_at"`
}

// Record is one recipient's delivery record.
type Record struct {
	RecipientID string       `json:"recipient_id"`
	State       string       `json:"state"`
	Attempts    int          `json:"attempts"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	History     []Transition `json:"history,omitempty"`
}

type Transition struct {
	Event         string    `json:"event,omitempty"`
	State         string    `json:"state"`
	Kind          string    `json:"kind"`
	SourceEventID string    `json:"source_event_id"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}

// Conversation service.

type CreateIndividualRequest struct {
	PeerID string `json:"peer_id"`
}

type CreateIndividualResponse struct {
	Conversation Conversation `json:"conversation"`
	Created      bool         `json:"created"`
}

type CreateGroupRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

type MemberRequest struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type RenameRequest struct {
	ConversationID string `json:"conversation_id"`
	Name           string `json:"name"`
}

type ConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

type ListConversationsRequest struct{}

type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

// Message service.

type SendMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	PayloadRef     string `json:"payload_ref"`
}

type GetMessageRequest struct {
	MessageID string `json:"message_id"`
}

type ListMessagesRequest struct {
	ConversationID string `json:"conversation_id"`
	After          int64  `json:"after,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type ListMessagesResponse struct {
	Messages  []Message `json:"messages"`
	NextAfter int64     `json:"next_after,omitempty"` // zero when no more pages
}

// Delivery service.

type MessageStatus struct {
	MessageID      string   `json:"message_id"`
	ConversationID string   `json:"conversation_id"`
	SenderID       string   `json:"sender_id"`
	Status         string   `json:"status"`
	Records        []Record `json:"records"`
}

type AcknowledgeRequest struct {
	MessageID     string `json:"message_id"`
	Event         string `json:"event"`
	SourceEventID string `json:"source_event_id"`
}

type AcknowledgeResponse struct {
	Outcome  string `json:"outcome"` // applied, absorbed, duplicate or discarded
	Previous string `json:"previous,omitempty"`
	Current  string `json:"current,omitempty"`
}

type WatchInboxRequest struct{}

type WatchRollupsRequest struct{}

type RollupUpdate struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Status         string    `json:"status"`
	At             time.Time `json:"at"`
}
