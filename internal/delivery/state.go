// Package delivery defines the per-recipient delivery state machine.
//
// States advance along pending < sent < delivered < seen. failed is terminal
// and only reachable from pending or sent. Merge is the single place that
// decides how an incoming event moves a state; everything that handles
// out-of-order or duplicated acknowledgements goes through it.
package delivery

import (
	"fmt"

	"github.com/matheus3301/courier/internal/chat"
)

// State is the delivery state of one (message, recipient) pair.
type State string

const (
	Pending   State = "pending"
	Sent      State = "sent"
	Delivered State = "delivered"
	Seen      State = "seen"
	Failed    State = "failed"
)

// forward is the total order of non-terminal states.
var forward = []State{Pending, Sent, Delivered, Seen}

// Rank returns the position of s in the forward order, or -1 for failed and
// unknown states.
func (s State) Rank() int {
	for i, f := range forward {
		if f == s {
			return i
		}
	}
	return -1
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == Failed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return s == Failed || s.Rank() >= 0
}

// ParseState converts a stored state name.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown delivery state %q", s)
	}
	return st, nil
}

// Event is an acknowledgement reported against a delivery record.
type Event string

const (
	EventSent      Event = "sent"      // handed to the transport
	EventDelivered Event = "delivered" // recipient device confirmed receipt
	EventSeen      Event = "seen"      // recipient client confirmed read
	EventFailed    Event = "failed"    // undeliverable or timed out
)

// Target is the state an event moves a record towards.
func (e Event) Target() State {
	switch e {
	case EventSent:
		return Sent
	case EventDelivered:
		return Delivered
	case EventSeen:
		return Seen
	case EventFailed:
		return Failed
	default:
		return ""
	}
}

// ParseEvent converts a wire event name.
func ParseEvent(s string) (Event, error) {
	e := Event(s)
	if e.Target() == "" {
		return "", fmt.Errorf("%w: unknown event %q", chat.ErrInvalidTransition, s)
	}
	return e, nil
}

// Outcome classifies what an event did to a record.
type Outcome int

const (
	// Applied moved the state forward.
	Applied Outcome = iota
	// Absorbed was a backward or same-state move; kept in history only.
	Absorbed
	// Duplicate repeated an already applied source event id; nothing changed.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Absorbed:
		return "absorbed"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Step is the result of merging one event into a state.
type Step struct {
	From    State
	To      State
	Outcome Outcome
	// Skipped lists intermediate states the event implies, in forward order
	// (e.g. delivered when seen arrives while still sent).
	Skipped []State
}

// Merge computes the effect of ev on a record currently in state cur.
// It is pure: the same inputs always produce the same Step.
func Merge(cur State, ev Event) (Step, error) {
	target := ev.Target()
	if target == "" || !cur.Valid() {
		return Step{}, fmt.Errorf("%w: %s on %s", chat.ErrInvalidTransition, ev, cur)
	}
	if cur.Terminal() {
		return Step{}, fmt.Errorf("%w: %s is terminal", chat.ErrInvalidTransition, cur)
	}

	if target == Failed {
		if cur == Pending || cur == Sent {
			return Step{From: cur, To: Failed, Outcome: Applied}, nil
		}
		return Step{}, fmt.Errorf("%w: failed after %s", chat.ErrInvalidTransition, cur)
	}

	from, to := cur.Rank(), target.Rank()
	if to <= from {
		return Step{From: cur, To: cur, Outcome: Absorbed}, nil
	}
	var skipped []State
	for _, s := range forward[from+1 : to] {
		skipped = append(skipped, s)
	}
	return Step{From: cur, To: target, Outcome: Applied, Skipped: skipped}, nil
}
