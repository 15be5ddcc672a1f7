// Package notify tells senders when the rollup status of their messages
// changes. Delivery is at most once; updates for one message are never
// published out of rank order.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/metrics"
	"github.com/matheus3301/courier/internal/rollup"
)

// StatusSource computes the current rollup of a message.
type StatusSource interface {
	Status(ctx context.Context, messageID string) (rollup.Status, error)
}

// MessageSource looks up the message a rollup belongs to.
type MessageSource interface {
	GetMessage(ctx context.Context, id string) (chat.Message, error)
}

// Update is the payload published to a sender.
type Update struct {
	MessageID      string
	ConversationID string
	SenderID       string
	Status         rollup.Status
	At             time.Time
}

type mark struct {
	status  rollup.Status
	touched time.Time
}

// Emitter consumes record change events and publishes rollup updates keyed
// by sender.
type Emitter struct {
	bus    *bus.Bus
	status StatusSource
	msgs   MessageSource
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	marks map[string]mark // last published status per message

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEmitter creates an emitter. Watermarks of messages without updates for
// ttl are forgotten.
func NewEmitter(b *bus.Bus, status StatusSource, msgs MessageSource, ttl time.Duration, logger *zap.Logger) *Emitter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		bus:    b,
		status: status,
		msgs:   msgs,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		marks:  make(map[string]mark),
	}
}

// Start subscribes to record change events on the bus.
func (e *Emitter) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe("delivery.", 1024)

	go func() {
		defer close(e.done)
		defer unsub()
		cleanup := time.NewTicker(e.ttl / 2)
		defer cleanup.Stop()
		for {
			select {
			case evt := <-ch:
				if id, ok := evt.Payload.(string); ok {
					e.Handle(ctx, id)
				}
			case <-cleanup.C:
				e.evictExpired()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the emitter.
func (e *Emitter) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// Handle recomputes the rollup of messageID and publishes it if it moved.
func (e *Emitter) Handle(ctx context.Context, messageID string) {
	msg, err := e.msgs.GetMessage(ctx, messageID)
	if err != nil {
		e.logger.Warn("rollup for unknown message", zap.String("message_id", messageID), zap.Error(err))
		return
	}
	st, err := e.status.Status(ctx, messageID)
	if err != nil {
		e.logger.Error("failed to compute rollup", zap.String("message_id", messageID), zap.Error(err))
		return
	}
	e.OnStatusChanged(msg, st)
}

// OnStatusChanged publishes st to the sender of msg unless an update of equal
// or higher rank was already published. It reports whether it published.
func (e *Emitter) OnStatusChanged(msg chat.Message, st rollup.Status) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if prev, ok := e.marks[msg.ID]; ok && st.Rank() <= prev.status.Rank() {
		metrics.RollupNotifications.WithLabelValues("suppressed").Inc()
		return false
	}
	e.marks[msg.ID] = mark{status: st, touched: now}

	// Published under the lock so two updates for one message cannot
	// overtake each other.
	e.bus.Publish(bus.Event{
		Kind:      bus.KindRollupChanged,
		Key:       msg.SenderID,
		Timestamp: now,
		Payload: Update{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			Status:         st,
			At:             now,
		},
	})
	metrics.RollupNotifications.WithLabelValues("published").Inc()
	e.logger.Debug("rollup published", zap.String("message_id", msg.ID), zap.String("status", string(st)))
	return true
}

func (e *Emitter) evictExpired() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := e.now().Add(-e.ttl)
	n := 0
	for id, m := range e.marks {
		if m.touched.Before(cutoff) {
			delete(e.marks, id)
			n++
		}
	}
	return n
}

// Tracked returns the number of messages with a live watermark.
func (e *Emitter) Tracked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.marks)
}
