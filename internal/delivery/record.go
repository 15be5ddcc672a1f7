package delivery

import (
	"slices"
	"time"
)

// TransitionKind tags an entry of a record's history.
type TransitionKind string

const (
	KindCreated     TransitionKind = "created"
	KindApplied     TransitionKind = "applied"
	KindSynthesized TransitionKind = "synthesized"
	KindAbsorbed    TransitionKind = "absorbed"
)

// Transition is one history entry of a delivery record.
type Transition struct {
	Event         Event // empty for the creation entry
	State         State // record state after this entry
	Kind          TransitionKind
	SourceEventID string
	Reason        string
	At            time.Time
}

// Record is the delivery lifecycle of one message for one recipient.
type Record struct {
	MessageID   string
	RecipientID string
	State       State
	Attempts    int
	CreatedAt   time.Time
	// UpdatedAt is the last time the stored row was written. It is stamped by
	// whoever persists the record and drives stale detection; event times
	// live on the history entries.
	UpdatedAt   time.Time
	History     []Transition
}

// Seen reports whether sourceEventID was already applied to the record.
func (r *Record) Seen(sourceEventID string) bool {
	return slices.ContainsFunc(r.History, func(t Transition) bool {
		return t.SourceEventID == sourceEventID
	})
}

// Result describes a single Apply call.
type Result struct {
	Outcome  Outcome
	Previous State
	Current  State
	// Entries are the history entries appended by this call.
	Entries []Transition
}

// Changed reports whether the record's state moved.
func (r Result) Changed() bool {
	return r.Previous != r.Current
}

// Apply merges ev into rec and appends the resulting history entries. A
// source event id already present in the history makes the call a no-op.
// rec is only modified when the returned error is nil.
func Apply(rec *Record, ev Event, sourceEventID, reason string, at time.Time) (Result, error) {
	if sourceEventID != "" && rec.Seen(sourceEventID) {
		return Result{Outcome: Duplicate, Previous: rec.State, Current: rec.State}, nil
	}

	step, err := Merge(rec.State, ev)
	if err != nil {
		return Result{}, err
	}

	var entries []Transition
	switch step.Outcome {
	case Absorbed:
		entries = append(entries, Transition{
			Event: ev, State: rec.State, Kind: KindAbsorbed,
			SourceEventID: sourceEventID, Reason: reason, At: at,
		})
	case Applied:
		for _, s := range step.Skipped {
			entries = append(entries, Transition{
				Event: ev, State: s, Kind: KindSynthesized,
				SourceEventID: sourceEventID, At: at,
			})
		}
		entries = append(entries, Transition{
			Event: ev, State: step.To, Kind: KindApplied,
			SourceEventID: sourceEventID, Reason: reason, At: at,
		})
	}

	res := Result{Outcome: step.Outcome, Previous: rec.State, Current: step.To, Entries: entries}
	rec.History = append(rec.History, entries...)
	if step.Outcome == Applied {
		rec.State = step.To
	}
	return res, nil
}

// NewRecord returns a pending record with its creation entry.
func NewRecord(messageID, recipientID, sourceEventID string, at time.Time) Record {
	return Record{
		MessageID:   messageID,
		RecipientID: recipientID,
		State:       Pending,
		CreatedAt:   at,
		UpdatedAt:   at,
		History: []Transition{{
			State: Pending, Kind: KindCreated, SourceEventID: sourceEventID, At: at,
		}},
	}
}
