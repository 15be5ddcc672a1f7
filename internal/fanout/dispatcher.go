// Package fanout turns an appended message into per-recipient delivery
// obligations and hands each one to the transport.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/delivery"
	"github.com/matheus3301/courier/internal/metrics"
	"github.com/matheus3301/courier/internal/tracker"
)

// Transport pushes a message to one recipient. A nil error means the
// transport accepted it; delivery is confirmed later through Acknowledge.
type Transport interface {
	Deliver(ctx context.Context, recipientID string, msg chat.Message) error
}

// Membership resolves the recipients a message was sent to.
type Membership interface {
	Recipients(ctx context.Context, m chat.Message) ([]string, error)
}

// Policy decides what the sweeper does with a record stuck in pending.
type Policy string

const (
	PolicyRedispatch Policy = "redispatch"
	PolicyFail       Policy = "fail"
)

// Options tunes dispatch and recovery.
type Options struct {
	Workers         int           // concurrent handoffs per message
	RatePerSec      float64       // global handoff rate; 0 disables throttling
	Burst           int
	DispatchTimeout time.Duration // a handoff exceeding this becomes a failed event
	StaleAfter      time.Duration
	SweepInterval   time.Duration
	MaxAttempts     int
	StalePolicy     Policy
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.Burst <= 0 {
		o.Burst = o.Workers
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = 5 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 30 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.StalePolicy == "" {
		o.StalePolicy = PolicyRedispatch
	}
	return o
}

// Dispatcher creates delivery records and dispatches them.
type Dispatcher struct {
	tracker   *tracker.Tracker
	members   Membership
	transport Transport
	limiter   *rate.Limiter
	opts      Options
	logger    *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{} // handoffs queued or running in this process

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(trk *tracker.Tracker, members Membership, transport Transport, opts Options, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		tracker:   trk,
		members:   members,
		transport: transport,
		limiter:   rate.NewLimiter(limit, opts.Burst),
		opts:      opts,
		logger:    logger,
		inflight:  make(map[string]struct{}),
		base:      base,
		cancel:    cancel,
	}
}

// Options returns the effective options.
func (d *Dispatcher) Options() Options {
	return d.opts
}

// OnMessageCreated creates the records of msg for the members it was sent
// to, excluding the sender, then dispatches them in the background. The
// records exist when it returns.
func (d *Dispatcher) OnMessageCreated(ctx context.Context, msg chat.Message) error {
	recs, created, err := d.createRecords(ctx, msg)
	if err != nil {
		return err
	}
	if !created || len(recs) == 0 {
		return nil
	}

	// Claimed before returning so a sweep never mistakes queued handoffs
	// for abandoned ones.
	claimed := d.claimAll(msg.ID, recipientsOf(recs))
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatchClaimed(d.base, msg, claimed)
	}()
	return nil
}

func (d *Dispatcher) createRecords(ctx context.Context, msg chat.Message) ([]delivery.Record, bool, error) {
	recipients, err := d.members.Recipients(ctx, msg)
	if err != nil {
		return nil, false, fmt.Errorf("resolve recipients of %s: %w", msg.ID, err)
	}
	return d.tracker.CreateRecords(ctx, msg, recipients)
}

func recipientsOf(recs []delivery.Record) []string {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.RecipientID
	}
	return ids
}

// Dispatch hands msg to every recipient, at most Workers at a time. A failed
// handoff degrades that recipient only. Recipients whose handoff is already
// in flight are skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, msg chat.Message, recipients []string) {
	d.dispatchClaimed(ctx, msg, d.claimAll(msg.ID, recipients))
}

func (d *Dispatcher) dispatchClaimed(ctx context.Context, msg chat.Message, recipients []string) {
	var g errgroup.Group
	g.SetLimit(d.opts.Workers)
	for _, r := range recipients {
		g.Go(func() error {
			defer d.release(msg.ID, r)
			if err := d.limiter.Wait(ctx); err != nil {
				// Shutting down; the record stays pending for recovery.
				return nil
			}
			d.dispatchOne(ctx, msg, r)
			return nil
		})
	}
	_ = g.Wait()
}

func inflightKey(messageID, recipientID string) string {
	return messageID + "\x00" + recipientID
}

// claim marks the handoff of messageID to recipientID as scheduled. It
// returns false if it already is.
func (d *Dispatcher) claim(messageID, recipientID string) bool {
	key := inflightKey(messageID, recipientID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[key]; ok {
		return false
	}
	d.inflight[key] = struct{}{}
	return true
}

func (d *Dispatcher) claimAll(messageID string, recipients []string) []string {
	claimed := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if d.claim(messageID, r) {
			claimed = append(claimed, r)
		}
	}
	return claimed
}

func (d *Dispatcher) release(messageID, recipientID string) {
	d.mu.Lock()
	delete(d.inflight, inflightKey(messageID, recipientID))
	d.mu.Unlock()
}

// InFlight reports whether a handoff of messageID to recipientID is queued
// or running.
func (d *Dispatcher) InFlight(messageID, recipientID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[inflightKey(messageID, recipientID)]
	return ok
}

func (d *Dispatcher) dispatchOne(ctx context.Context, msg chat.Message, recipientID string) {
	log := d.logger.With(zap.String("message_id", msg.ID), zap.String("recipient_id", recipientID))

	attempt, err := d.tracker.BeginAttempt(ctx, msg.ID, recipientID)
	if err != nil {
		log.Error("failed to begin dispatch attempt", zap.Error(err))
		return
	}

	tctx, cancel := context.WithTimeout(ctx, d.opts.DispatchTimeout)
	start := time.Now()
	err = d.transport.Deliver(tctx, recipientID, msg)
	timedOut := err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded)
	cancel()
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())

	if err != nil && ctx.Err() != nil {
		log.Info("dispatch interrupted", zap.Int("attempt", attempt))
		return
	}

	ev := tracker.Event{
		MessageID:     msg.ID,
		RecipientID:   recipientID,
		Event:         delivery.EventSent,
		SourceEventID: "dispatch:" + msg.ID + ":" + recipientID,
	}
	result := "sent"
	switch {
	case timedOut:
		ev.Event = delivery.EventFailed
		ev.SourceEventID = fmt.Sprintf("timeout:%s:%s:%d", msg.ID, recipientID, attempt)
		ev.Reason = fmt.Sprintf("dispatch timed out after %s", d.opts.DispatchTimeout)
		result = "timeout"
	case err != nil:
		ev.Event = delivery.EventFailed
		ev.SourceEventID = fmt.Sprintf("undeliverable:%s:%s:%d", msg.ID, recipientID, attempt)
		ev.Reason = err.Error()
		result = "failed"
	}
	metrics.DispatchAttempts.WithLabelValues(result).Inc()

	if _, rerr := d.tracker.RecordEvent(ctx, ev); rerr != nil {
		if errors.Is(rerr, chat.ErrInvalidTransition) {
			log.Debug("dispatch result absorbed", zap.String("event", string(ev.Event)), zap.Error(rerr))
			return
		}
		log.Error("failed to record dispatch result", zap.Error(rerr))
		return
	}
	if ev.Event == delivery.EventFailed {
		log.Warn("dispatch failed", zap.Int("attempt", attempt), zap.String("reason", ev.Reason))
	}
}

// Acknowledge is the transport callback boundary. Unknown records and
// invalid transitions are logged and discarded so a malformed or delayed
// acknowledgement never fails the caller; other errors are returned.
func (d *Dispatcher) Acknowledge(ctx context.Context, ev tracker.Event) (delivery.Result, error) {
	res, err := d.tracker.RecordEvent(ctx, ev)
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, chat.ErrUnknownRecord):
		metrics.DeliveryRejected.WithLabelValues("unknown_record").Inc()
	case errors.Is(err, chat.ErrInvalidTransition):
		metrics.DeliveryRejected.WithLabelValues("invalid_transition").Inc()
	default:
		return delivery.Result{}, err
	}
	d.logger.Warn("acknowledgement discarded",
		zap.String("message_id", ev.MessageID),
		zap.String("recipient_id", ev.RecipientID),
		zap.String("event", string(ev.Event)),
		zap.String("source_event_id", ev.SourceEventID),
		zap.Error(err))
	return delivery.Result{}, nil
}

// Wait blocks until background dispatches finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close cancels background dispatches and waits for them. Records left
// pending are picked up by the sweeper on the next start.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
