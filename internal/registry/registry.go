// Package registry owns conversations and their versioned membership.
//
// Every membership change bumps the conversation version inside the
// conversation's critical section, so a message stamped with a version can
// always recover the exact member set it was sent to.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/keylock"
	"github.com/matheus3301/courier/internal/store"
)

// Registry manages conversations.
type Registry struct {
	db    *store.DB
	locks *keylock.Arena
	log   *zap.Logger
	now   func() time.Time
}

// New creates a registry over db.
func New(db *store.DB, locks *keylock.Arena, log *zap.Logger) *Registry {
	if locks == nil {
		locks = keylock.New(0)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{db: db, locks: locks, log: log, now: time.Now}
}

// Locked runs fn inside the critical section of a conversation. Membership
// changes and ledger appends of the same conversation never interleave.
func (r *Registry) Locked(convID string, fn func() error) error {
	return r.locks.Do("conv:"+convID, fn)
}

// CreateIndividual returns the one-to-one conversation between a and b,
// creating it if needed. created is false when it already existed.
func (r *Registry) CreateIndividual(ctx context.Context, a, b string) (conv chat.Conversation, created bool, err error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" || a == b {
		return chat.Conversation{}, false, fmt.Errorf("%w: individual conversation needs two distinct users", chat.ErrInvalidMembership)
	}
	key := chat.PairKey(a, b)

	err = r.locks.Do("pair:"+key, func() error {
		return r.db.WithTx(ctx, func(tx *store.Tx) error {
			existing, err := tx.ConversationByPair(ctx, key)
			if err == nil {
				conv = existing
				return nil
			}
			if !errors.Is(err, chat.ErrNotFound) {
				return err
			}

			now := r.now()
			conv = chat.Conversation{
				ID:        chat.NewID(),
				Kind:      chat.Individual,
				Version:   1,
				CreatedAt: now,
				UpdatedAt: now,
			}
			for _, u := range []string{a, b} {
				conv.Members = append(conv.Members, chat.Member{UserID: u, JoinedVersion: 1, JoinedAt: now})
			}
			created = true
			return tx.InsertConversation(ctx, conv, key)
		})
	})
	if err != nil {
		return chat.Conversation{}, false, err
	}
	if created {
		r.log.Info("conversation created", zap.String("conversation_id", conv.ID), zap.String("kind", string(conv.Kind)))
	} else {
		r.log.Debug("individual conversation already exists", zap.String("conversation_id", conv.ID))
	}
	return conv, created, nil
}

// CreateGroup creates a group owned by creator. The creator is always a
// member and admin; at least one other member is required.
func (r *Registry) CreateGroup(ctx context.Context, creator string, members []string, name string) (chat.Conversation, error) {
	creator = strings.TrimSpace(creator)
	if creator == "" {
		return chat.Conversation{}, fmt.Errorf("%w: missing creator", chat.ErrInvalidMembership)
	}
	others := make([]string, 0, len(members))
	for _, m := range members {
		m = strings.TrimSpace(m)
		if m == "" {
			return chat.Conversation{}, fmt.Errorf("%w: empty user id", chat.ErrInvalidMembership)
		}
		if m != creator && !slices.Contains(others, m) {
			others = append(others, m)
		}
	}
	if len(others) < 1 {
		return chat.Conversation{}, fmt.Errorf("%w: group needs at least one member besides the creator", chat.ErrInvalidMembership)
	}

	now := r.now()
	conv := chat.Conversation{
		ID:        chat.NewID(),
		Kind:      chat.Group,
		Name:      strings.TrimSpace(name),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	conv.Members = append(conv.Members, chat.Member{UserID: creator, IsAdmin: true, JoinedVersion: 1, JoinedAt: now})
	for _, u := range others {
		conv.Members = append(conv.Members, chat.Member{UserID: u, JoinedVersion: 1, JoinedAt: now})
	}

	if err := r.db.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertConversation(ctx, conv, "")
	}); err != nil {
		return chat.Conversation{}, err
	}
	r.log.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("kind", string(conv.Kind)),
		zap.Int("members", len(conv.Members)))
	return conv, nil
}

// AddMember adds userID to a group at a new membership version.
func (r *Registry) AddMember(ctx context.Context, convID, userID string) (chat.Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return chat.Conversation{}, fmt.Errorf("%w: empty user id", chat.ErrInvalidMembership)
	}
	return r.mutateGroup(ctx, convID, func(tx *store.Tx, conv chat.Conversation, now time.Time) error {
		if conv.Archived() {
			return fmt.Errorf("%s: %w", conv.ID, chat.ErrArchived)
		}
		if conv.HasMember(userID) {
			return fmt.Errorf("%s: %w", userID, chat.ErrAlreadyAMember)
		}
		v, err := tx.BumpVersion(ctx, conv.ID, now)
		if err != nil {
			return err
		}
		return tx.InsertMember(ctx, conv.ID, chat.Member{UserID: userID, JoinedVersion: v, JoinedAt: now})
	}, "member added", userID)
}

// RemoveMember ends userID's membership. Messages already sent keep their
// recipient sets. A group left without members is archived.
func (r *Registry) RemoveMember(ctx context.Context, convID, userID string) (chat.Conversation, error) {
	return r.mutateGroup(ctx, convID, func(tx *store.Tx, conv chat.Conversation, now time.Time) error {
		if !conv.HasMember(userID) {
			return fmt.Errorf("%s: %w", userID, chat.ErrNotAMember)
		}
		v, err := tx.BumpVersion(ctx, conv.ID, now)
		if err != nil {
			return err
		}
		if err := tx.EndMember(ctx, conv.ID, userID, v, now); err != nil {
			return err
		}
		if len(conv.Members) == 1 {
			return tx.Archive(ctx, conv.ID, now)
		}
		return nil
	}, "member removed", userID)
}

// Rename sets a group's display name.
func (r *Registry) Rename(ctx context.Context, convID, name string) (chat.Conversation, error) {
	return r.mutateGroup(ctx, convID, func(tx *store.Tx, conv chat.Conversation, now time.Time) error {
		return tx.Rename(ctx, conv.ID, strings.TrimSpace(name), now)
	}, "conversation renamed", "")
}

// Archive soft-archives a group. Its history stays readable but no new
// messages can be appended. Individual conversations are never archived
// because CreateIndividual keeps returning the same one for a pair.
func (r *Registry) Archive(ctx context.Context, convID string) (chat.Conversation, error) {
	return r.mutateGroup(ctx, convID, func(tx *store.Tx, conv chat.Conversation, now time.Time) error {
		return tx.Archive(ctx, conv.ID, now)
	}, "conversation archived", "")
}

func (r *Registry) mutateGroup(ctx context.Context, convID string, fn func(*store.Tx, chat.Conversation, time.Time) error, event, userID string) (chat.Conversation, error) {
	var conv chat.Conversation
	err := r.Locked(convID, func() error {
		return r.db.WithTx(ctx, func(tx *store.Tx) error {
			cur, err := tx.Conversation(ctx, convID)
			if err != nil {
				return err
			}
			if cur.Kind != chat.Group {
				return fmt.Errorf("%s: %w", convID, chat.ErrNotAGroup)
			}
			if err := fn(tx, cur, r.now()); err != nil {
				return err
			}
			conv, err = tx.Conversation(ctx, convID)
			return err
		})
	})
	if err != nil {
		return chat.Conversation{}, err
	}
	fields := []zap.Field{zap.String("conversation_id", convID), zap.Int64("version", conv.Version)}
	if userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	r.log.Info(event, fields...)
	return conv, nil
}

// Get returns a conversation with its current members.
func (r *Registry) Get(ctx context.Context, convID string) (chat.Conversation, error) {
	return r.db.GetConversation(ctx, convID)
}

// ListForUser returns the conversations userID currently belongs to.
func (r *Registry) ListForUser(ctx context.Context, userID string) ([]chat.Conversation, error) {
	return r.db.ListConversationsForUser(ctx, userID)
}

// MembersOf returns the user ids that belonged to a conversation at
// version, sorted.
func (r *Registry) MembersOf(ctx context.Context, convID string, version int64) ([]string, error) {
	members, err := r.db.MembersAt(ctx, convID, version)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.UserID
	}
	return ids, nil
}

// Recipients returns the members a message was sent to, excluding its sender.
func (r *Registry) Recipients(ctx context.Context, m chat.Message) ([]string, error) {
	ids, err := r.MembersOf(ctx, m.ConversationID, m.MembershipVersion)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(ids, func(id string) bool { return id == m.SenderID }), nil
}
