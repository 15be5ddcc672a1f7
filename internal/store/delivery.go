package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/delivery"
)

const recordColumns = `message_id, recipient_id, state, attempts, created_at, updated_at`

func scanRecord(row interface{ Scan(...any) error }) (delivery.Record, error) {
	var (
		r                delivery.Record
		state            string
		created, updated int64
	)
	if err := row.Scan(&r.MessageID, &r.RecipientID, &state, &r.Attempts, &created, &updated); err != nil {
		return delivery.Record{}, err
	}
	r.State = delivery.State(state)
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]delivery.Record, error) {
	defer func() { _ = rows.Close() }()
	var recs []delivery.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func getRecord(ctx context.Context, q querier, messageID, recipientID string) (delivery.Record, error) {
	r, err := scanRecord(q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM delivery_records WHERE message_id = ? AND recipient_id = ?`,
		messageID, recipientID))
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Record{}, fmt.Errorf("%s/%s: %w", messageID, recipientID, chat.ErrUnknownRecord)
	}
	if err != nil {
		return delivery.Record{}, fmt.Errorf("get record: %w", err)
	}
	r.History, err = history(ctx, q, messageID, recipientID)
	if err != nil {
		return delivery.Record{}, err
	}
	return r, nil
}

func history(ctx context.Context, q querier, messageID, recipientID string) ([]delivery.Transition, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT event, state, kind, source_event_id, reason, occurred_at
		FROM delivery_transitions
		WHERE message_id = ? AND recipient_id = ?
		ORDER BY id ASC`, messageID, recipientID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []delivery.Transition
	for rows.Next() {
		var (
			t                  delivery.Transition
			event, state, kind string
			at                 int64
		)
		if err := rows.Scan(&event, &state, &kind, &t.SourceEventID, &t.Reason, &at); err != nil {
			return nil, err
		}
		t.Event = delivery.Event(event)
		t.State = delivery.State(state)
		t.Kind = delivery.TransitionKind(kind)
		t.At = fromMillis(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// FanoutDone reports whether the delivery records of a message exist.
func (tx *Tx) FanoutDone(ctx context.Context, messageID string) (bool, error) {
	var at sql.NullInt64
	err := tx.tx.QueryRowContext(ctx, `SELECT fanout_at FROM messages WHERE id = ?`, messageID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("message %s: %w", messageID, chat.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("fanout state: %w", err)
	}
	return at.Valid, nil
}

// InsertRecord stores a new record together with its history.
func (tx *Tx) InsertRecord(ctx context.Context, r delivery.Record) error {
	if _, err := tx.tx.ExecContext(ctx, `
		INSERT INTO delivery_records (message_id, recipient_id, state, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.MessageID, r.RecipientID, string(r.State), r.Attempts, millis(r.CreatedAt), millis(r.UpdatedAt)); err != nil {
		return fmt.Errorf("insert record %s/%s: %w", r.MessageID, r.RecipientID, err)
	}
	return tx.AppendTransitions(ctx, r.MessageID, r.RecipientID, r.History)
}

// Record reads a record and its history inside the transaction.
func (tx *Tx) Record(ctx context.Context, messageID, recipientID string) (delivery.Record, error) {
	return getRecord(ctx, tx.tx, messageID, recipientID)
}

// AppendTransitions adds history entries to a record.
func (tx *Tx) AppendTransitions(ctx context.Context, messageID, recipientID string, entries []delivery.Transition) error {
	for _, t := range entries {
		if _, err := tx.tx.ExecContext(ctx, `
			INSERT INTO delivery_transitions (message_id, recipient_id, source_event_id, event, state, kind, reason, occurred_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			messageID, recipientID, t.SourceEventID, string(t.Event), string(t.State), string(t.Kind), t.Reason, millis(t.At)); err != nil {
			return fmt.Errorf("append transition: %w", err)
		}
	}
	return nil
}

// UpdateRecord persists the state of r.
func (tx *Tx) UpdateRecord(ctx context.Context, r delivery.Record) error {
	_, err := tx.tx.ExecContext(ctx, `
		UPDATE delivery_records SET state = ?, attempts = ?, updated_at = ?
		WHERE message_id = ? AND recipient_id = ?`,
		string(r.State), r.Attempts, millis(r.UpdatedAt), r.MessageID, r.RecipientID)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	return nil
}

// GetRecord returns a record with its full history.
func (db *DB) GetRecord(ctx context.Context, messageID, recipientID string) (delivery.Record, error) {
	return getRecord(ctx, db.DB, messageID, recipientID)
}

// ListRecords returns the records of a message without their history,
// ordered by recipient.
func (db *DB) ListRecords(ctx context.Context, messageID string) ([]delivery.Record, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM delivery_records
		WHERE message_id = ? ORDER BY recipient_id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return scanRecords(rows)
}

// SnapshotStates reads every recipient state of a message in one statement,
// so the result reflects a single committed point in time.
func (db *DB) SnapshotStates(ctx context.Context, messageID string) ([]delivery.State, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT state FROM delivery_records WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, fmt.Errorf("snapshot states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var states []delivery.State
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		states = append(states, delivery.State(s))
	}
	return states, rows.Err()
}

// StalePending returns pending records not touched since before.
func (db *DB) StalePending(ctx context.Context, before time.Time, limit int) ([]delivery.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM delivery_records
		WHERE state = 'pending' AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`, millis(before), limit)
	if err != nil {
		return nil, fmt.Errorf("stale pending: %w", err)
	}
	return scanRecords(rows)
}

// CountRecordsByState returns the number of records in each state.
func (db *DB) CountRecordsByState(ctx context.Context) (map[delivery.State]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT state, COUNT(*) FROM delivery_records GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[delivery.State]int64)
	for rows.Next() {
		var (
			s string
			n int64
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[delivery.State(s)] = n
	}
	return counts, rows.Err()
}
