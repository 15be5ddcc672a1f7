package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/courier/internal/chat"
	"github.com/matheus3301/courier/internal/delivery"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedGroup(t *testing.T, db *DB, id string, users ...string) chat.Conversation {
	t.Helper()
	now := time.Now()
	c := chat.Conversation{ID: id, Kind: chat.Group, Name: id, Version: 1, CreatedAt: now, UpdatedAt: now}
	for i, u := range users {
		c.Members = append(c.Members, chat.Member{UserID: u, IsAdmin: i == 0, JoinedVersion: 1, JoinedAt: now})
	}
	err := db.WithTx(context.Background(), func(tx *Tx) error {
		return tx.InsertConversation(context.Background(), c, "")
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func seedMessage(t *testing.T, db *DB, convID, sender string) chat.Message {
	t.Helper()
	ctx := context.Background()
	m := chat.Message{ID: chat.NewID(), ConversationID: convID, SenderID: sender, PayloadRef: "blob://x", MembershipVersion: 1, CreatedAt: time.Now()}
	err := db.WithTx(ctx, func(tx *Tx) error {
		seq, err := tx.NextSequence(ctx, convID, m.CreatedAt)
		if err != nil {
			return err
		}
		m.Sequence = seq
		return tx.InsertMessage(ctx, m)
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestMigrate(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	change, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if !change.Applied() || change.From != 0 || change.To != 1 {
		t.Errorf("first Migrate() = %+v, want 0 -> 1", change)
	}

	change, err = db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if change.Applied() || change.To != 1 {
		t.Errorf("second Migrate() = %+v, want no change at 1", change)
	}
}

func TestMigrateRefusesDirtySchema(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); !errors.Is(err, ErrDirtySchema) {
		t.Errorf("Migrate() error = %v, want ErrDirtySchema", err)
	}
}

func TestConversationRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedGroup(t, db, "g1", "alice", "bob")

	c, err := db.GetConversation(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Kind != chat.Group || c.Version != 1 || len(c.Members) != 2 {
		t.Fatalf("got %+v", c)
	}
	if !c.IsAdmin("alice") || c.IsAdmin("bob") {
		t.Error("admin flags not preserved")
	}

	if _, err := db.GetConversation(ctx, "missing"); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("GetConversation(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMembersAtHistoricalVersion(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedGroup(t, db, "g1", "alice", "bob")

	now := time.Now()
	err := db.WithTx(ctx, func(tx *Tx) error {
		v, err := tx.BumpVersion(ctx, "g1", now)
		if err != nil {
			return err
		}
		if err := tx.InsertMember(ctx, "g1", chat.Member{UserID: "carol", JoinedVersion: v, JoinedAt: now}); err != nil {
			return err
		}
		v, err = tx.BumpVersion(ctx, "g1", now)
		if err != nil {
			return err
		}
		return tx.EndMember(ctx, "g1", "bob", v, now)
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		version int64
		want    []string
	}{
		{1, []string{"alice", "bob"}},
		{2, []string{"alice", "bob", "carol"}},
		{3, []string{"alice", "carol"}},
	}
	for _, tt := range tests {
		members, err := db.MembersAt(ctx, "g1", tt.version)
		if err != nil {
			t.Fatal(err)
		}
		var got []string
		for _, m := range members {
			got = append(got, m.UserID)
		}
		if len(got) != len(tt.want) {
			t.Errorf("MembersAt(%d) = %v, want %v", tt.version, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("MembersAt(%d) = %v, want %v", tt.version, got, tt.want)
				break
			}
		}
	}
}

func TestPairKeyIsUnique(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now()
	insert := func(id string) error {
		return db.WithTx(ctx, func(tx *Tx) error {
			return tx.InsertConversation(ctx, chat.Conversation{
				ID: id, Kind: chat.Individual, Version: 1, CreatedAt: now, UpdatedAt: now,
			}, chat.PairKey("a", "b"))
		})
	}
	if err := insert("c1"); err != nil {
		t.Fatal(err)
	}
	if err := insert("c2"); err == nil {
		t.Error("second conversation with the same pair key should fail")
	}
}

func TestListMessagesBySequence(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedGroup(t, db, "g1", "alice", "bob")
	for range 5 {
		seedMessage(t, db, "g1", "alice")
	}

	page, err := db.ListMessages(ctx, "g1", 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Sequence != 3 || page[1].Sequence != 4 {
		t.Fatalf("ListMessages(after=2, limit=2) = %+v", page)
	}
}

func TestRecordsAndFanoutMarker(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedGroup(t, db, "g1", "alice", "bob", "carol")
	m := seedMessage(t, db, "g1", "alice")

	awaiting, err := db.MessagesAwaitingFanout(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(awaiting) != 1 || awaiting[0].ID != m.ID {
		t.Fatalf("awaiting = %+v, want [%s]", awaiting, m.ID)
	}

	now := time.Now()
	err = db.WithTx(ctx, func(tx *Tx) error {
		for _, r := range []string{"bob", "carol"} {
			if err := tx.InsertRecord(ctx, delivery.NewRecord(m.ID, r, "fanout:"+m.ID, now)); err != nil {
				return err
			}
		}
		return tx.MarkFanout(ctx, m.ID, now)
	})
	if err != nil {
		t.Fatal(err)
	}

	awaiting, err = db.MessagesAwaitingFanout(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(awaiting) != 0 {
		t.Errorf("awaiting after fanout = %d, want 0", len(awaiting))
	}

	states, err := db.SnapshotStates(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 2 {
		t.Fatalf("states = %v, want 2 pending", states)
	}

	rec, err := db.GetRecord(ctx, m.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != delivery.Pending || len(rec.History) != 1 || rec.History[0].Kind != delivery.KindCreated {
		t.Errorf("record = %+v", rec)
	}

	if _, err := db.GetRecord(ctx, m.ID, "dave"); !errors.Is(err, chat.ErrUnknownRecord) {
		t.Errorf("GetRecord(dave) error = %v, want ErrUnknownRecord", err)
	}

	stale, err := db.StalePending(ctx, now.Add(time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 2 {
		t.Errorf("stale = %d, want 2", len(stale))
	}
}

// TestRollbackLeavesNoRecords checks that a failed fanout transaction leaves
// no partial record set behind.
func TestRollbackLeavesNoRecords(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedGroup(t, db, "g1", "alice", "bob", "carol")
	m := seedMessage(t, db, "g1", "alice")

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(tx *Tx) error {
		if err := tx.InsertRecord(ctx, delivery.NewRecord(m.ID, "bob", "f", time.Now())); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}
	recs, err := db.ListRecords(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("records after rollback = %d, want 0", len(recs))
	}
}
