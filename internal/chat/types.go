// Package chat holds the conversation and message model shared by the
// registry, the message ledger and the delivery pipeline.
package chat

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes one-to-one conversations from groups.
type Kind string

const (
	Individual Kind = "individual"
	Group      Kind = "group"
)

// Conversation is the registry's view of a conversation at its current version.
type Conversation struct {
	ID         string
	Kind       Kind
	Name       string
	Version    int64 // bumped on every membership change
	Members    []Member
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ArchivedAt *time.Time
}

// Archived reports whether the conversation was soft-archived.
func (c *Conversation) Archived() bool {
	return c.ArchivedAt != nil
}

// MemberIDs returns the sorted user ids of the current members.
func (c *Conversation) MemberIDs() []string {
	ids := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		ids = append(ids, m.UserID)
	}
	slices.Sort(ids)
	return ids
}

// HasMember reports whether userID is a current member.
func (c *Conversation) HasMember(userID string) bool {
	return slices.ContainsFunc(c.Members, func(m Member) bool { return m.UserID == userID })
}

// IsAdmin reports whether userID is a current admin member.
func (c *Conversation) IsAdmin(userID string) bool {
	return slices.ContainsFunc(c.Members, func(m Member) bool { return m.UserID == userID && m.IsAdmin })
}

// Member is one membership span of a user in a conversation.
type Member struct {
	UserID        string
	IsAdmin       bool
	JoinedVersion int64
	JoinedAt      time.Time
}

// Message is an immutable entry of a conversation's ledger.
type Message struct {
	ID                string
	ConversationID    string
	SenderID          string
	Sequence          int64
	PayloadRef        string
	MembershipVersion int64 // conversation version at append time
	CreatedAt         time.Time
}

// NewID returns a time-ordered unique identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// PairKey returns the order-independent key of an individual conversation.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}
