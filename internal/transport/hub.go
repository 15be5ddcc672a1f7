// Package transport is the in-process delivery transport. A message handed
// to the hub is pushed to every inbox stream the recipient has open.
package transport

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/chat"
)

// InboxItem is the payload of an inbox bus event.
type InboxItem struct {
	Message chat.Message
}

// Hub publishes messages to recipient inboxes over the bus.
type Hub struct {
	bus    *bus.Bus
	logger *zap.Logger
}

// NewHub creates a hub on b.
func NewHub(b *bus.Bus, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{bus: b, logger: logger}
}

// Deliver pushes msg to recipientID's open inboxes. A recipient without an
// open inbox still counts as handed off; they fetch history on reconnect and
// acknowledge from there.
func (h *Hub) Deliver(ctx context.Context, recipientID string, msg chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.bus.Publish(bus.Event{
		Kind:      bus.KindInbox,
		Key:       recipientID,
		Timestamp: time.Now(),
		Payload:   InboxItem{Message: msg},
	})
	if h.bus.Subscribers(bus.KindInbox, recipientID) == 0 {
		h.logger.Debug("recipient offline", zap.String("recipient_id", recipientID), zap.String("message_id", msg.ID))
	}
	return nil
}

// Watch streams the messages delivered to userID until ctx ends.
func (h *Hub) Watch(ctx context.Context, userID string, fn func(chat.Message) error) error {
	ch, unsub := h.bus.SubscribeKey("inbox.", userID, 256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-ch:
			item, ok := evt.Payload.(InboxItem)
			if !ok {
				continue
			}
			if err := fn(item.Message); err != nil {
				return err
			}
		}
	}
}
