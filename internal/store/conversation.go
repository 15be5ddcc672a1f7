package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/courier/internal/chat"
)

const conversationColumns = `id, kind, name, version, created_at, updated_at, archived_at`

func scanConversation(row interface{ Scan(...any) error }) (chat.Conversation, error) {
	var (
		c                chat.Conversation
		kind             string
		created, updated int64
		archived         sql.NullInt64
	)
	if err := row.Scan(&c.ID, &kind, &c.Name, &c.Version, &created, &updated, &archived); err != nil {
		return chat.Conversation{}, err
	}
	c.Kind = chat.Kind(kind)
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	c.ArchivedAt = fromNullMillis(archived)
	return c, nil
}

func getConversation(ctx context.Context, q querier, where string, arg any) (chat.Conversation, error) {
	c, err := scanConversation(q.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE `+where+` = ?`, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Conversation{}, fmt.Errorf("conversation %v: %w", arg, chat.ErrNotFound)
	}
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	c.Members, err = membersAt(ctx, q, c.ID, c.Version)
	if err != nil {
		return chat.Conversation{}, err
	}
	return c, nil
}

// membersAt returns the members whose span covers version: joined at or
// before it and not yet removed by it.
func membersAt(ctx context.Context, q querier, convID string, version int64) ([]chat.Member, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id, is_admin, joined_version, joined_at
		FROM conversation_members
		WHERE conversation_id = ?
		  AND joined_version <= ?
		  AND (left_version IS NULL OR left_version > ?)
		ORDER BY user_id`, convID, version, version)
	if err != nil {
		return nil, fmt.Errorf("members of %s@%d: %w", convID, version, err)
	}
	defer func() { _ = rows.Close() }()

	var members []chat.Member
	for rows.Next() {
		var (
			m      chat.Member
			joined int64
		)
		if err := rows.Scan(&m.UserID, &m.IsAdmin, &m.JoinedVersion, &joined); err != nil {
			return nil, err
		}
		m.JoinedAt = fromMillis(joined)
		members = append(members, m)
	}
	return members, rows.Err()
}

// GetConversation returns a conversation with its current members.
func (db *DB) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	return getConversation(ctx, db.DB, "id", id)
}

// MembersAt returns the member set of a conversation as of version.
func (db *DB) MembersAt(ctx context.Context, convID string, version int64) ([]chat.Member, error) {
	return membersAt(ctx, db.DB, convID, version)
}

// ListConversationsForUser returns the conversations userID currently belongs
// to, most recently updated first.
func (db *DB) ListConversationsForUser(ctx context.Context, userID string) ([]chat.Conversation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.kind, c.name, c.version, c.created_at, c.updated_at, c.archived_at
		FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE m.user_id = ? AND m.left_version IS NULL
		ORDER BY c.updated_at DESC, c.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	var convs []chat.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		convs = append(convs, c)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range convs {
		convs[i].Members, err = membersAt(ctx, db.DB, convs[i].ID, convs[i].Version)
		if err != nil {
			return nil, err
		}
	}
	return convs, nil
}

// Conversation reads a conversation inside the transaction.
func (tx *Tx) Conversation(ctx context.Context, id string) (chat.Conversation, error) {
	return getConversation(ctx, tx.tx, "id", id)
}

// ConversationByPair returns the individual conversation of a user pair.
func (tx *Tx) ConversationByPair(ctx context.Context, pairKey string) (chat.Conversation, error) {
	return getConversation(ctx, tx.tx, "pair_key", pairKey)
}

// InsertConversation creates c and its initial members at c.Version. pairKey
// is only set for individual conversations.
func (tx *Tx) InsertConversation(ctx context.Context, c chat.Conversation, pairKey string) error {
	var pk sql.NullString
	if pairKey != "" {
		pk = sql.NullString{String: pairKey, Valid: true}
	}
	if _, err := tx.tx.ExecContext(ctx, `
		INSERT INTO conversations (id, kind, name, pair_key, version, last_sequence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		c.ID, string(c.Kind), c.Name, pk, c.Version, millis(c.CreatedAt), millis(c.UpdatedAt)); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	for _, m := range c.Members {
		if err := tx.InsertMember(ctx, c.ID, m); err != nil {
			return err
		}
	}
	return nil
}

// InsertMember opens a membership span starting at m.JoinedVersion.
func (tx *Tx) InsertMember(ctx context.Context, convID string, m chat.Member) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO conversation_members (conversation_id, user_id, is_admin, joined_version, joined_at)
		VALUES (?, ?, ?, ?, ?)`,
		convID, m.UserID, m.IsAdmin, m.JoinedVersion, millis(m.JoinedAt))
	if err != nil {
		return fmt.Errorf("insert member %s: %w", m.UserID, err)
	}
	return nil
}

// EndMember closes the open membership span of userID at version.
func (tx *Tx) EndMember(ctx context.Context, convID, userID string, version int64, at time.Time) error {
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE conversation_members SET left_version = ?, left_at = ?
		WHERE conversation_id = ? AND user_id = ? AND left_version IS NULL`,
		version, millis(at), convID, userID)
	if err != nil {
		return fmt.Errorf("end member %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", userID, chat.ErrNotAMember)
	}
	return nil
}

// BumpVersion increments the membership version and returns the new value.
func (tx *Tx) BumpVersion(ctx context.Context, convID string, at time.Time) (int64, error) {
	var v int64
	err := tx.tx.QueryRowContext(ctx, `
		UPDATE conversations SET version = version + 1, updated_at = ?
		WHERE id = ? RETURNING version`, millis(at), convID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("bump version: %w", err)
	}
	return v, nil
}

// NextSequence reserves the next ledger sequence number of a conversation.
func (tx *Tx) NextSequence(ctx context.Context, convID string, at time.Time) (int64, error) {
	var seq int64
	err := tx.tx.QueryRowContext(ctx, `
		UPDATE conversations SET last_sequence = last_sequence + 1, updated_at = ?
		WHERE id = ? RETURNING last_sequence`, millis(at), convID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return seq, nil
}

// Rename sets the display name of a conversation.
func (tx *Tx) Rename(ctx context.Context, convID, name string, at time.Time) error {
	_, err := tx.tx.ExecContext(ctx,
		`UPDATE conversations SET name = ?, updated_at = ? WHERE id = ?`, name, millis(at), convID)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	return nil
}

// Archive marks a conversation archived. Archiving twice keeps the first time.
func (tx *Tx) Archive(ctx context.Context, convID string, at time.Time) error {
	_, err := tx.tx.ExecContext(ctx, `
		UPDATE conversations SET archived_at = COALESCE(archived_at, ?), updated_at = ?
		WHERE id = ?`, millis(at), millis(at), convID)
	if err != nil {
		return fmt.Errorf("archive conversation: %w", err)
	}
	return nil
}
