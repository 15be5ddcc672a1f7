// Package tracker is the only writer of delivery record state. Each
// (message, recipient) pair is updated inside its own critical section and
// its own transaction; unrelated pairs never wait on each other.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/delivery"
	"github.com/matheus3301/courier/internal/keylock"
	"github.com/matheus3301/courier/internal/metrics"
	"github.com/matheus3301/courier/internal/store"
)

// Observer is called after a committed change to a message's record set.
type Observer func(messageID string)

// Event is an acknowledgement to apply to one delivery record.
type Event struct {
	MessageID     string
	RecipientID   string
	Event         delivery.Event
	SourceEventID string
	Reason        string
	At            time.Time // when the event happened; zero means now
}

// Tracker owns delivery records.
type Tracker struct {
	db    *store.DB
	locks *keylock.Arena
	log   *zap.Logger
	now   func() time.Time

	mu        sync.RWMutex
	observers []Observer
}

// New creates a tracker.
func New(db *store.DB, locks *keylock.Arena, log *zap.Logger) *Tracker {
	if locks == nil {
		locks = keylock.New(0)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{db: db, locks: locks, log: log, now: time.Now}
}

// Observe registers fn to be called after every committed change.
func (t *Tracker) Observe(fn Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

func (t *Tracker) notify(messageID string) {
	t.mu.RLock()
	obs := t.observers
	t.mu.RUnlock()
	for _, fn := range obs {
		fn(messageID)
	}
}

func recordKey(messageID, recipientID string) string {
	return "rec:" + messageID + "\x00" + recipientID
}

// CreateRecords creates one pending record per recipient and marks the
// message as fanned out, all in one transaction: readers see either no
// records or all of them. If the message was already fanned out the
// existing records are returned and created is false.
func (t *Tracker) CreateRecords(ctx context.Context, msg chat.Message, recipients []string) (recs []delivery.Record, created bool, err error) {
	now := t.now()
	err = t.db.WithTx(ctx, func(tx *store.Tx) error {
		done, err := tx.FanoutDone(ctx, msg.ID)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		for _, r := range recipients {
			rec := delivery.NewRecord(msg.ID, r, "fanout:"+msg.ID, now)
			if err := tx.InsertRecord(ctx, rec); err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		created = true
		return tx.MarkFanout(ctx, msg.ID, now)
	})
	if err != nil {
		return nil, false, fmt.Errorf("create records for %s: %w", msg.ID, err)
	}
	if !created {
		recs, err = t.db.ListRecords(ctx, msg.ID)
		return recs, false, err
	}

	metrics.RecordsCreated.Add(float64(len(recs)))
	t.log.Debug("delivery records created",
		zap.String("message_id", msg.ID),
		zap.Int("recipients", len(recs)))
	t.notify(msg.ID)
	return recs, true, nil
}

// RecordEvent applies ev to its record. Duplicate source event ids and
// backward moves are not errors. It fails with chat.ErrUnknownRecord when
// the pair has no record and chat.ErrInvalidTransition when the event is
// not allowed from the current state.
func (t *Tracker) RecordEvent(ctx context.Context, ev Event) (delivery.Result, error) {
	if ev.At.IsZero() {
		ev.At = t.now()
	}

	var res delivery.Result
	err := t.locks.Do(recordKey(ev.MessageID, ev.RecipientID), func() error {
		return t.db.WithTx(ctx, func(tx *store.Tx) error {
			rec, err := tx.Record(ctx, ev.MessageID, ev.RecipientID)
			if err != nil {
				return err
			}
			res, err = delivery.Apply(&rec, ev.Event, ev.SourceEventID, ev.Reason, ev.At)
			if err != nil {
				return err
			}
			if res.Outcome == delivery.Duplicate {
				return nil
			}
			if err := tx.AppendTransitions(ctx, rec.MessageID, rec.RecipientID, res.Entries); err != nil {
				return err
			}
			if !res.Changed() {
				return nil
			}
			rec.UpdatedAt = t.now()
			return tx.UpdateRecord(ctx, rec)
		})
	})
	if err != nil {
		return delivery.Result{}, err
	}

	metrics.DeliveryEvents.WithLabelValues(string(ev.Event), res.Outcome.String()).Inc()
	t.log.Debug("delivery event",
		zap.String("message_id", ev.MessageID),
		zap.String("recipient_id", ev.RecipientID),
		zap.String("event", string(ev.Event)),
		zap.String("source_event_id", ev.SourceEventID),
		zap.Stringer("outcome", res.Outcome),
		zap.String("state", string(res.Current)))
	if res.Changed() {
		t.notify(ev.MessageID)
	}
	return res, nil
}

// BeginAttempt counts a dispatch attempt for a record and returns the new
// attempt number. It also restarts the record's staleness clock.
func (t *Tracker) BeginAttempt(ctx context.Context, messageID, recipientID string) (int, error) {
	var attempts int
	err := t.locks.Do(recordKey(messageID, recipientID), func() error {
		return t.db.WithTx(ctx, func(tx *store.Tx) error {
			rec, err := tx.Record(ctx, messageID, recipientID)
			if err != nil {
				return err
			}
			rec.Attempts++
			rec.UpdatedAt = t.now()
			attempts = rec.Attempts
			return tx.UpdateRecord(ctx, rec)
		})
	})
	return attempts, err
}

// Get returns a record with its history.
func (t *Tracker) Get(ctx context.Context, messageID, recipientID string) (delivery.Record, error) {
	return t.db.GetRecord(ctx, messageID, recipientID)
}

// ListForMessage returns every record of a message.
func (t *Tracker) ListForMessage(ctx context.Context, messageID string) ([]delivery.Record, error) {
	return t.db.ListRecords(ctx, messageID)
}
