package fanout

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/delivery"
	"github.com/matheus3301/courier/internal/metrics"
	"github.com/matheus3301/courier/internal/tracker"
)

// Backlog is the persisted state the sweeper recovers from.
type Backlog interface {
	MessagesAwaitingFanout(ctx context.Context, limit int) ([]chat.Message, error)
	StalePending(ctx context.Context, before time.Time, limit int) ([]delivery.Record, error)
	GetMessage(ctx context.Context, id string) (chat.Message, error)
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	FannedOut    int // messages whose records were missing
	Redispatched int
	Failed       int
	InFlight     int // stale-looking records whose handoff is still queued
}

// Sweeper recovers work interrupted by a crash or a lost handoff: messages
// appended but never fanned out, and records stuck in pending.
type Sweeper struct {
	d       *Dispatcher
	backlog Backlog
	logger  *zap.Logger
	now     func() time.Time
	batch   int
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSweeper creates a sweeper driving d.
func NewSweeper(d *Dispatcher, backlog Backlog, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{d: d, backlog: backlog, logger: logger, now: time.Now, batch: 100}
}

// Start runs a sweep every SweepInterval until Stop.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sweep loop and waits for a running sweep to return.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.d.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("recovery sweep failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one recovery pass. Dispatches happen inline so the pass is
// finished when it returns.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	msgs, err := s.backlog.MessagesAwaitingFanout(ctx, s.batch)
	if err != nil {
		return res, err
	}
	for _, m := range msgs {
		recs, created, err := s.d.createRecords(ctx, m)
		if err != nil {
			s.logger.Error("recovery fanout failed", zap.String("message_id", m.ID), zap.Error(err))
			continue
		}
		if created {
			res.FannedOut++
			metrics.RecoveryActions.WithLabelValues("fanout").Inc()
			s.d.Dispatch(ctx, m, recipientsOf(recs))
		}
	}

	stale, err := s.backlog.StalePending(ctx, s.now().Add(-s.d.opts.StaleAfter), s.batch)
	if err != nil {
		return res, err
	}
	for _, rec := range stale {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		// Queued behind the worker limit or the rate limiter, not abandoned.
		if !s.d.claim(rec.MessageID, rec.RecipientID) {
			res.InFlight++
			continue
		}
		s.recoverStale(ctx, rec, &res)
		s.d.release(rec.MessageID, rec.RecipientID)
	}

	if res != (SweepResult{}) {
		s.logger.Info("recovery sweep",
			zap.Int("fanned_out", res.FannedOut),
			zap.Int("redispatched", res.Redispatched),
			zap.Int("failed", res.Failed),
			zap.Int("in_flight", res.InFlight))
	}
	return res, nil
}

func (s *Sweeper) recoverStale(ctx context.Context, rec delivery.Record, res *SweepResult) {
	// A handoff may have finished between the query and the claim.
	cur, err := s.d.tracker.Get(ctx, rec.MessageID, rec.RecipientID)
	if err != nil {
		s.logger.Error("recovery load record failed", zap.String("message_id", rec.MessageID), zap.Error(err))
		return
	}
	if cur.State != delivery.Pending {
		return
	}
	rec = cur

	if s.d.opts.StalePolicy == PolicyRedispatch && rec.Attempts < s.d.opts.MaxAttempts {
		m, err := s.backlog.GetMessage(ctx, rec.MessageID)
		if err != nil {
			s.logger.Error("recovery load message failed", zap.String("message_id", rec.MessageID), zap.Error(err))
			return
		}
		s.d.dispatchOne(ctx, m, rec.RecipientID)
		res.Redispatched++
		metrics.RecoveryActions.WithLabelValues("redispatch").Inc()
		return
	}

	_, err = s.d.tracker.RecordEvent(ctx, tracker.Event{
		MessageID:     rec.MessageID,
		RecipientID:   rec.RecipientID,
		Event:         delivery.EventFailed,
		SourceEventID: fmt.Sprintf("stale:%s:%s:%d", rec.MessageID, rec.RecipientID, rec.Attempts),
		Reason:        fmt.Sprintf("%v: pending after %d attempts", chat.ErrStaleDispatch, rec.Attempts),
	})
	if err != nil {
		s.logger.Error("recovery fail record", zap.String("message_id", rec.MessageID), zap.String("recipient_id", rec.RecipientID), zap.Error(err))
		return
	}
	res.Failed++
	metrics.RecoveryActions.WithLabelValues("fail").Inc()
}
