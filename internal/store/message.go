package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/courier/internal/chat"
)

const messageColumns = `id, conversation_id, sender_id, sequence, payload_ref, membership_version, created_at`

func scanMessage(row interface{ Scan(...any) error }) (chat.Message, error) {
	var (
		m       chat.Message
		created int64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Sequence, &m.PayloadRef, &m.MembershipVersion, &created); err != nil {
		return chat.Message{}, err
	}
	m.CreatedAt = fromMillis(created)
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]chat.Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// InsertMessage appends m to the ledger. The caller reserves m.Sequence with
// NextSequence in the same transaction.
func (tx *Tx) InsertMessage(ctx context.Context, m chat.Message) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, sequence, payload_ref, membership_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.Sequence, m.PayloadRef, m.MembershipVersion, millis(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Message reads a message inside the transaction.
func (tx *Tx) Message(ctx context.Context, id string) (chat.Message, error) {
	return getMessage(ctx, tx.tx, id)
}

// MarkFanout records that the delivery records of a message exist.
func (tx *Tx) MarkFanout(ctx context.Context, messageID string, at time.Time) error {
	_, err := tx.tx.ExecContext(ctx,
		`UPDATE messages SET fanout_at = ? WHERE id = ? AND fanout_at IS NULL`, millis(at), messageID)
	if err != nil {
		return fmt.Errorf("mark fanout: %w", err)
	}
	return nil
}

func getMessage(ctx context.Context, q querier, id string) (chat.Message, error) {
	m, err := scanMessage(q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, fmt.Errorf("message %s: %w", id, chat.ErrNotFound)
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// GetMessage returns a message by id.
func (db *DB) GetMessage(ctx context.Context, id string) (chat.Message, error) {
	return getMessage(ctx, db.DB, id)
}

// ListMessages returns up to limit messages of a conversation with a
// sequence greater than after, in ascending sequence order.
func (db *DB) ListMessages(ctx context.Context, convID string, after int64, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND sequence > ?
		ORDER BY sequence ASC
		LIMIT ?`, convID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return scanMessages(rows)
}

// MessagesAwaitingFanout returns messages whose delivery records were never
// created, oldest first.
func (db *DB) MessagesAwaitingFanout(ctx context.Context, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE fanout_at IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("messages awaiting fanout: %w", err)
	}
	return scanMessages(rows)
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
