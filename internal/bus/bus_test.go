package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("rollup.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindRollupChanged, Key: "alice", Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != KindRollupChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindRollupChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("inbox.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindRollupChanged})
	b.Publish(Event{Kind: KindInbox})

	select {
	case evt := <-ch:
		if evt.Kind != KindInbox {
			t.Errorf("got kind %q, want %s", evt.Kind, KindInbox)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestKeyFiltering(t *testing.T) {
	b := New()
	bob, unsubBob := b.SubscribeKey("inbox.", "bob", 10)
	defer unsubBob()
	all, unsubAll := b.Subscribe("inbox.", 10)
	defer unsubAll()

	b.Publish(Event{Kind: KindInbox, Key: "carol"})
	b.Publish(Event{Kind: KindInbox, Key: "bob"})

	evt := <-bob
	if evt.Key != "bob" {
		t.Errorf("bob received event for %q", evt.Key)
	}
	select {
	case evt := <-bob:
		t.Errorf("unexpected event for bob: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
	if len(all) != 2 {
		t.Errorf("unkeyed subscriber got %d events, want 2", len(all))
	}
	if n := b.Subscribers(KindInbox, "bob"); n != 2 {
		t.Errorf("Subscribers(bob) = %d, want 2", n)
	}
	if n := b.Subscribers(KindInbox, "carol"); n != 1 {
		t.Errorf("Subscribers(carol) = %d, want 1", n)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("rollup.", 10)
	unsub()
	unsub() // idempotent

	b.Publish(Event{Kind: KindRollupChanged})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	if b.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", b.Dropped())
	}
}
