package tracker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/delivery"
	"github.com/matheus3301/courier/internal/ledger"
	"github.com/matheus3301/courier/internal/registry"
	"github.com/matheus3301/courier/internal/store"
)

type fixture struct {
	db  *store.DB
	reg *registry.Registry
	led *ledger.Ledger
	trk *Tracker
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	reg := registry.New(db, nil, nil)
	return &fixture{db: db, reg: reg, led: ledger.New(db, reg, nil), trk: New(db, nil, nil)}
}

// send appends a message from the first member and fans it out.
func (f *fixture) send(t *testing.T, members ...string) chat.Message {
	t.Helper()
	ctx := context.Background()
	g, err := f.reg.CreateGroup(ctx, members[0], members[1:], "")
	if err != nil {
		t.Fatal(err)
	}
	m, err := f.led.Append(ctx, g.ID, members[0], "ref")
	if err != nil {
		t.Fatal(err)
	}
	rcpt, err := f.reg.Recipients(ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.trk.CreateRecords(ctx, m, rcpt); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestCreateRecordsOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := f.send(t, "a", "b", "c")

	recs, created, err := f.trk.CreateRecords(ctx, m, []string{"b", "c", "d"})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second CreateRecords should not create")
	}
	if len(recs) != 2 {
		t.Errorf("records = %d, want the original 2", len(recs))
	}
}

func TestRecordEventDuplicateIsNoop(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := f.send(t, "a", "b")

	for _, ev := range []struct {
		e   delivery.Event
		src string
	}{
		{delivery.EventSent, "s1"},
		{delivery.EventDelivered, "d1"},
		{delivery.EventSeen, "v1"},
	} {
		if _, err := f.trk.RecordEvent(ctx, Event{MessageID: m.ID, RecipientID: "b", Event: ev.e, SourceEventID: ev.src}); err != nil {
			t.Fatal(err)
		}
	}
	before, err := f.trk.Get(ctx, m.ID, "b")
	if err != nil {
		t.Fatal(err)
	}

	res, err := f.trk.RecordEvent(ctx, Event{MessageID: m.ID, RecipientID: "b", Event: delivery.EventSeen, SourceEventID: "v1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != delivery.Duplicate || res.Current != delivery.Seen {
		t.Errorf("result = %+v, want duplicate/seen", res)
	}
	after, err := f.trk.Get(ctx, m.ID, "b")
	if err != nil {
		t.Fatal(err)
	}
	if len(after.History) != len(before.History) || after.State != before.State {
		t.Errorf("duplicate changed record: %d -> %d entries", len(before.History), len(after.History))
	}
}

func TestRecordEventErrors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := f.send(t, "a", "b")

	_, err := f.trk.RecordEvent(ctx, Event{MessageID: m.ID, RecipientID: "zed", Event: delivery.EventSent, SourceEventID: "x"})
	if !errors.Is(err, chat.ErrUnknownRecord) {
		t.Errorf("unknown recipient error = %v, want ErrUnknownRecord", err)
	}

	if _, err := f.trk.RecordEvent(ctx, Event{MessageID: m.ID, RecipientID: "b", Event: delivery.EventFailed, SourceEventID: "t1"}); err != nil {
		t.Fatal(err)
	}
	_, err = f.trk.RecordEvent(ctx, Event{MessageID: m.ID, RecipientID: "b", Event: delivery.EventDelivered, SourceEventID: "late"})
	if !errors.Is(err, chat.ErrInvalidTransition) {
		t.Errorf("event after failed error = %v, want ErrInvalidTransition", err)
	}
	rec, err := f.trk.Get(ctx, m.ID, "b")
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != delivery.Failed || rec.Seen("late") {
		t.Errorf("rejected event left a trace: %+v", rec)
	}
}

func TestObserverOnlyOnChange(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := f.send(t, "a", "b")

	var calls atomic.Int32
	f.trk.Observe(func(id string) {
		if id == m.ID {
			calls.Add(1)
		}
	})
	ev := Event{MessageID: m.ID, RecipientID: "b", Event: delivery.EventDelivered, SourceEventID: "d1"}
	for range 3 {
		if _, err := f.trk.RecordEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	// A backward move is absorbed, not a change.
	if _, err := f.trk.RecordEvent(ctx, Event{MessageID: m.ID, RecipientID: "b", Event: delivery.EventSent, SourceEventID: "s1"}); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("observer calls = %d, want 1", got)
	}
}

// TestConcurrentEventsConverge fires the same acknowledgements at one record
// from many goroutines, in every order, and checks the final state.
func TestConcurrentEventsConverge(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := f.send(t, "a", "b", "c")

	events := []Event{
		{Event: delivery.EventSent, SourceEventID: "s"},
		{Event: delivery.EventDelivered, SourceEventID: "d"},
		{Event: delivery.EventSeen, SourceEventID: "v"},
	}
	var wg sync.WaitGroup
	for _, r := range []string{"b", "c"} {
		for i := range 30 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ev := events[i%len(events)]
				ev.MessageID, ev.RecipientID = m.ID, r
				if _, err := f.trk.RecordEvent(ctx, ev); err != nil {
					t.Error(err)
				}
			}()
		}
	}
	wg.Wait()

	for _, r := range []string{"b", "c"} {
		rec, err := f.trk.Get(ctx, m.ID, r)
		if err != nil {
			t.Fatal(err)
		}
		if rec.State != delivery.Seen {
			t.Errorf("%s state = %s, want seen", r, rec.State)
		}
		for _, src := range []string{"s", "d", "v"} {
			if !rec.Seen(src) {
				t.Errorf("%s history lacks %s", r, src)
			}
		}
		// creation + at most 3 applied/synthesized + absorbed entries, one
		// set per distinct source id; duplicates add nothing.
		if len(rec.History) > 1+3+2 {
			t.Errorf("%s history has %d entries, duplicates were recorded", r, len(rec.History))
		}
	}
}

// TestReadersNeverSeePartialFanout reads the record set while a large
// fanout commits and checks it only ever observes none or all records.
func TestReadersNeverSeePartialFanout(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	members := []string{"sender"}
	for i := range 50 {
		members = append(members, fmt.Sprintf("u%02d", i))
	}
	g, err := f.reg.CreateGroup(ctx, members[0], members[1:], "big")
	if err != nil {
		t.Fatal(err)
	}
	m, err := f.led.Append(ctx, g.ID, "sender", "ref")
	if err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	var bad atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			states, err := f.db.SnapshotStates(ctx, m.ID)
			if err != nil {
				continue
			}
			if n := len(states); n != 0 && n != 50 {
				bad.Add(1)
			}
		}
	}()

	if _, _, err := f.trk.CreateRecords(ctx, m, members[1:]); err != nil {
		t.Fatal(err)
	}
	close(stop)
	wg.Wait()
	if bad.Load() > 0 {
		t.Errorf("observed %d partial record sets", bad.Load())
	}
}

func TestBeginAttemptCounts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := f.send(t, "a", "b")

	for want := 1; want <= 3; want++ {
		got, err := f.trk.BeginAttempt(ctx, m.ID, "b")
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("attempt = %d, want %d", got, want)
		}
	}
}

// UpdatedAt follows the tracker clock, not the event time, so a late
// acknowledgement carrying an old timestamp still restarts staleness.
func TestRecordEventStampsWriteTime(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := f.send(t, "a", "b")

	writeTime := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	f.trk.now = func() time.Time { return writeTime }
	eventTime := writeTime.Add(-2 * time.Hour)

	if _, err := f.trk.RecordEvent(ctx, Event{
		MessageID: m.ID, RecipientID: "b", Event: delivery.EventSent,
		SourceEventID: "dispatch", At: eventTime,
	}); err != nil {
		t.Fatal(err)
	}
	rec, err := f.trk.Get(ctx, m.ID, "b")
	if err != nil {
		t.Fatal(err)
	}
	if rec.UpdatedAt.UnixMilli() != writeTime.UnixMilli() {
		t.Errorf("UpdatedAt = %v, want write time %v", rec.UpdatedAt, writeTime)
	}
	last := rec.History[len(rec.History)-1]
	if last.At.UnixMilli() != eventTime.UnixMilli() {
		t.Errorf("history At = %v, want event time %v", last.At, eventTime)
	}
}
