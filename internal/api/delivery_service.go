package api

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/delivery"
	"github.com/matheus3301/courier/internal/fanout"
	"github.com/matheus3301/courier/internal/ledger"
	"github.com/matheus3301/courier/internal/notify"
	"github.com/matheus3301/courier/internal/registry"
	"github.com/matheus3301/courier/internal/rollup"
	"github.com/matheus3301/courier/internal/rpc"
	"github.com/matheus3301/courier/internal/tracker"
	"github.com/matheus3301/courier/internal/transport"
)

// DeliveryService implements the delivery gRPC service: status reads,
// recipient acknowledgements and the inbox and rollup streams.
type DeliveryService struct {
	ledger     *ledger.Ledger
	registry   *registry.Registry
	tracker    *tracker.Tracker
	dispatcher *fanout.Dispatcher
	hub        *transport.Hub
	bus        *bus.Bus
	logger     *zap.Logger
}

// NewDeliveryService creates a delivery service.
func NewDeliveryService(l *ledger.Ledger, reg *registry.Registry, trk *tracker.Tracker, d *fanout.Dispatcher, hub *transport.Hub, b *bus.Bus, logger *zap.Logger) *DeliveryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeliveryService{ledger: l, registry: reg, tracker: trk, dispatcher: d, hub: hub, bus: b, logger: logger}
}

// GetMessageStatus returns the rollup and every recipient's record. States
// and rollup come from one snapshot; a record's history may already hold
// entries committed after it.
func (s *DeliveryService) GetMessageStatus(ctx context.Context, req *rpc.GetMessageRequest) (*rpc.MessageStatus, error) {
	msg, err := readableMessage(ctx, s.ledger, s.registry, req.MessageID)
	if err != nil {
		return nil, toStatus(err)
	}
	recs, err := s.tracker.ListForMessage(ctx, msg.ID)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &rpc.MessageStatus{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Status:         string(rollup.OfRecords(recs)),
		Records:        make([]rpc.Record, 0, len(recs)),
	}
	for _, r := range recs {
		out := recordToRPC(r)
		if full, err := s.tracker.Get(ctx, msg.ID, r.RecipientID); err == nil {
			out.History = recordToRPC(full).History
		}
		resp.Records = append(resp.Records, out)
	}
	return resp, nil
}

// Acknowledge applies a delivered or seen report from the calling recipient.
// Reports for unknown records or impossible transitions are discarded.
func (s *DeliveryService) Acknowledge(ctx context.Context, req *rpc.AcknowledgeRequest) (*rpc.AcknowledgeResponse, error) {
	user, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	ev, err := delivery.ParseEvent(req.Event)
	if err != nil || (ev != delivery.EventDelivered && ev != delivery.EventSeen) {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "recipients may only report delivered or seen, got %q", req.Event)
	}
	if strings.TrimSpace(req.SourceEventID) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "source_event_id is required")
	}

	res, err := s.dispatcher.Acknowledge(ctx, tracker.Event{
		MessageID:     req.MessageID,
		RecipientID:   user,
		Event:         ev,
		SourceEventID: req.SourceEventID,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	if res.Current == "" {
		return &rpc.AcknowledgeResponse{Outcome: "discarded"}, nil
	}
	return &rpc.AcknowledgeResponse{
		Outcome:  res.Outcome.String(),
		Previous: string(res.Previous),
		Current:  string(res.Current),
	}, nil
}

// WatchInbox streams messages handed to the caller until the client goes away.
func (s *DeliveryService) WatchInbox(_ *rpc.WatchInboxRequest, stream grpc.ServerStreamingServer[rpc.Message]) error {
	ctx := stream.Context()
	user, err := caller(ctx)
	if err != nil {
		return err
	}
	s.logger.Debug("inbox stream opened", zap.String("user_id", user))
	defer s.logger.Debug("inbox stream closed", zap.String("user_id", user))

	return s.hub.Watch(ctx, user, func(m chat.Message) error {
		return stream.Send(messageToRPC(m))
	})
}

// WatchRollups streams rollup changes of the caller's messages.
func (s *DeliveryService) WatchRollups(_ *rpc.WatchRollupsRequest, stream grpc.ServerStreamingServer[rpc.RollupUpdate]) error {
	ctx := stream.Context()
	user, err := caller(ctx)
	if err != nil {
		return err
	}
	ch, unsub := s.bus.SubscribeKey("rollup.", user, 64)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			u, ok := evt.Payload.(notify.Update)
			if !ok {
				continue
			}
			if err := stream.Send(&rpc.RollupUpdate{
				MessageID:      u.MessageID,
				ConversationID: u.ConversationID,
				Status:         string(u.Status),
				At:             u.At,
			}); err != nil {
				return fmt.Errorf("send rollup update: %w", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
