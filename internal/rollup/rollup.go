// Package rollup computes the single delivery status a sender sees for a
// message from the per-recipient delivery records.
package rollup

import "github.com/matheus3301/courier/internal/delivery"

// Status is the aggregate delivery status of a message.
type Status string

const (
	Pending        Status = "pending"
	Sent           Status = "sent"
	Delivered      Status = "delivered"
	Seen           Status = "seen"
	PartialFailure Status = "partial_failure"
	Failed         Status = "failed"
)

// Rank orders statuses so that updates for one message never move backwards.
// failed is last because once every recipient failed nothing can follow.
func (s Status) Rank() int {
	switch s {
	case Pending:
		return 0
	case Sent:
		return 1
	case Delivered, PartialFailure:
		return 2
	case Seen:
		return 3
	case Failed:
		return 4
	default:
		return -1
	}
}

// Terminal reports whether no later record change can alter the status.
func (s Status) Terminal() bool {
	return s == Seen || s == Failed
}

// Aggregate folds recipient states into a rollup status. It is a pure function
// of the multiset of states; order does not matter. A message without
// recipients (a lone-member group) is reported as sent.
func Aggregate(states []delivery.State) Status {
	if len(states) == 0 {
		return Sent
	}

	var failed, seen, delivered, sent int
	for _, s := range states {
		switch s {
		case delivery.Failed:
			failed++
		case delivery.Seen:
			seen++
		case delivery.Delivered:
			delivered++
		case delivery.Sent:
			sent++
		}
	}

	n := len(states)
	switch {
	case failed == n:
		return Failed
	case failed > 0:
		return PartialFailure
	case seen == n:
		return Seen
	case seen+delivered == n:
		return Delivered
	case seen+delivered+sent == n:
		return Sent
	default:
		return Pending
	}
}

// OfRecords aggregates a record set.
func OfRecords(recs []delivery.Record) Status {
	states := make([]delivery.State, len(recs))
	for i, r := range recs {
		states[i] = r.State
	}
	return Aggregate(states)
}
