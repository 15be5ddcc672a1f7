package chat

import "testing"

func TestPairKeyIsOrderIndependent(t *testing.T) {
	if PairKey("alice", "bob") != PairKey("bob", "alice") {
		t.Errorf("PairKey differs by argument order: %q vs %q", PairKey("alice", "bob"), PairKey("bob", "alice"))
	}
	if PairKey("alice", "bob") == PairKey("alice", "carol") {
		t.Error("PairKey collides for different pairs")
	}
}

func TestNewIDIsTimeOrdered(t *testing.T) {
	prev := NewID()
	for range 100 {
		next := NewID()
		if next <= prev {
			t.Fatalf("NewID() = %q, not after %q", next, prev)
		}
		prev = next
	}
}

func TestConversationMembership(t *testing.T) {
	c := &Conversation{
		Kind: Group,
		Members: []Member{
			{UserID: "carol"},
			{UserID: "alice", IsAdmin: true},
			{UserID: "bob"},
		},
	}

	ids := c.MemberIDs()
	want := []string{"alice", "bob", "carol"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("MemberIDs() = %v, want %v", ids, want)
		}
	}
	if !c.HasMember("bob") || c.HasMember("dave") {
		t.Error("HasMember() mismatch")
	}
	if !c.IsAdmin("alice") || c.IsAdmin("bob") {
		t.Error("IsAdmin() mismatch")
	}
	if c.Archived() {
		t.Error("Archived() = true for a live conversation")
	}
}
