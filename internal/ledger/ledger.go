// Package ledger is the append-only message store. It is the only writer of
// message sequence numbers.
package ledger

import (
	"context"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/metrics"
	"github.com/matheus3301/courier/internal/store"
)

// Serializer runs fn inside a conversation's critical section.
type Serializer interface {
	Locked(convID string, fn func() error) error
}

// Ledger appends and reads messages.
type Ledger struct {
	db   *store.DB
	conv Serializer
	log  *zap.Logger
	now  func() time.Time
}

// New creates a ledger. conv must be the same serializer the registry uses
// for membership changes.
func New(db *store.DB, conv Serializer, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{db: db, conv: conv, log: log, now: time.Now}
}

// Append stores a message from senderID. The sender must be a current member
// of a conversation that is not archived. payloadRef is stored verbatim.
func (l *Ledger) Append(ctx context.Context, convID, senderID, payloadRef string) (chat.Message, error) {
	var msg chat.Message
	err := l.conv.Locked(convID, func() error {
		return l.db.WithTx(ctx, func(tx *store.Tx) error {
			conv, err := tx.Conversation(ctx, convID)
			if err != nil {
				return err
			}
			if !conv.HasMember(senderID) {
				return fmt.Errorf("%s in %s: %w", senderID, convID, chat.ErrNotAMember)
			}
			if conv.Archived() {
				return fmt.Errorf("%s: %w", convID, chat.ErrArchived)
			}

			now := l.now()
			seq, err := tx.NextSequence(ctx, convID, now)
			if err != nil {
				return err
			}
			msg = chat.Message{
				ID:                chat.NewID(),
				ConversationID:    convID,
				SenderID:          senderID,
				Sequence:          seq,
				PayloadRef:        payloadRef,
				MembershipVersion: conv.Version,
				CreatedAt:         now,
			}
			return tx.InsertMessage(ctx, msg)
		})
	})
	if err != nil {
		return chat.Message{}, err
	}
	metrics.MessagesAppended.Inc()
	l.log.Debug("message appended",
		zap.String("message_id", msg.ID),
		zap.String("conversation_id", convID),
		zap.Int64("sequence", msg.Sequence))
	return msg, nil
}

// Get returns a message by id.
func (l *Ledger) Get(ctx context.Context, id string) (chat.Message, error) {
	return l.db.GetMessage(ctx, id)
}

// Range selects a window of a conversation's messages.
type Range struct {
	After    int64 // exclusive lower sequence bound
	Limit    int   // total messages to yield; 0 means all
	PageSize int   // rows fetched per query; 0 selects a default
}

const defaultPageSize = 100

// List returns the messages of a conversation in sequence order. The
// sequence is lazy: pages are fetched as iteration proceeds. Ranging over it
// again restarts from r.After.
func (l *Ledger) List(ctx context.Context, convID string, r Range) iter.Seq2[chat.Message, error] {
	return func(yield func(chat.Message, error) bool) {
		page := r.PageSize
		if page <= 0 {
			page = defaultPageSize
		}
		after, yielded := r.After, 0
		for {
			n := page
			if r.Limit > 0 {
				n = min(n, r.Limit-yielded)
			}
			if n <= 0 {
				return
			}
			msgs, err := l.db.ListMessages(ctx, convID, after, n)
			if err != nil {
				yield(chat.Message{}, err)
				return
			}
			for _, m := range msgs {
				if !yield(m, nil) {
					return
				}
				after = m.Sequence
				yielded++
			}
			if len(msgs) < n {
				return
			}
		}
	}
}

// Collect drains a List sequence into a slice.
func Collect(seq iter.Seq2[chat.Message, error]) ([]chat.Message, error) {
	var out []chat.Message
	for m, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}
