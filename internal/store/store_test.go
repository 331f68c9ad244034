package store

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/matheus3301/matchsync/internal/conversation"
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

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

// TestMigrateSchemaHasRequiredColumns verifies the migration creates every
// column the cache and outbox write paths depend on.
func TestMigrateSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"cache message", "INSERT INTO cached_messages (conversation_id, local_user_id, msg_id, sender_id, receiver_id, content, created_at, delivery_state) VALUES (?, ?, ?, ?, ?, ?, ?, ?)", []any{"c1", "u1", "m1", "u1", "u2", "hi", 1000, "sent"}},
		{"read state", "INSERT INTO read_state (local_user_id, message_id, marked_at) VALUES (?, ?, ?)", []any{"u1", "m1", 1}},
		{"seen match", "INSERT INTO seen_matches (local_user_id, match_id, seen_at) VALUES (?, ?, ?)", []any{"u1", "x", 1}},
		{"queue outbox", "INSERT INTO outbox (client_msg_id, conversation_id, receiver_id, content, status) VALUES (?, ?, ?, ?, ?)", []any{"cid", "c1", "u2", "text", "queued"}},
		{"set sync state", "INSERT INTO sync_state (key, value) VALUES (?, ?)", []any{"k", "v"}},
	}

	for _, op := range requiredOps {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err != nil {
				t.Fatalf("%s failed: %v", op.desc, err)
			}
		})
	}
}

func TestLoadMessagesMissIsEmpty(t *testing.T) {
	db := testDB(t)

	msgs, err := db.LoadMessages(context.Background(), "c1", "u1")
	if err != nil {
		t.Fatalf("LoadMessages() error = %v, want nil on miss", err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Errorf("got %v, want empty non-nil slice", msgs)
	}
}

func TestSaveThenLoadMessages(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	at := time.Date(2026, 2, 3, 4, 5, 6, 7_000_000, time.UTC)

	saved := []conversation.Message{
		{ID: "1", ConversationID: "c1", SenderID: "u1", ReceiverID: "u2", Content: "hi", CreatedAt: at, State: conversation.Sent},
		{ID: "tmp-x", ConversationID: "c1", SenderID: "u1", ReceiverID: "u2", Content: "still sending", CreatedAt: at.Add(time.Second), State: conversation.Pending},
	}
	if err := db.SaveMessages(ctx, "c1", "u1", saved); err != nil {
		t.Fatal(err)
	}

	loaded, err := db.LoadMessages(ctx, "c1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !sameMessages(loaded, saved) {
		t.Errorf("loaded = %+v\nwant     %+v", loaded, saved)
	}

	// Another local user on the same conversation is a separate key.
	other, err := db.LoadMessages(ctx, "c1", "u2")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("got %d messages for another user, want 0", len(other))
	}
}

func TestSaveMessagesReplacesSnapshot(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	at := time.UnixMilli(5000).UTC()

	first := []conversation.Message{
		{ID: "tmp-a", SenderID: "u1", Content: "hi", CreatedAt: at, State: conversation.Pending},
	}
	second := []conversation.Message{
		{ID: "9", SenderID: "u1", Content: "hi", CreatedAt: at, State: conversation.Sent},
	}
	if err := db.SaveMessages(ctx, "c1", "u1", first); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveMessages(ctx, "c1", "u1", second); err != nil {
		t.Fatal(err)
	}

	loaded, err := db.LoadMessages(ctx, "c1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].ID != "9" {
		t.Errorf("loaded = %+v, want only id 9", loaded)
	}
}

func TestLoadMessagesOrdersByTimeThenID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	at := time.UnixMilli(1000).UTC()

	if err := db.SaveMessages(ctx, "c1", "u1", []conversation.Message{
		{ID: "b", CreatedAt: at, State: conversation.Sent},
		{ID: "c", CreatedAt: at.Add(-time.Millisecond), State: conversation.Sent},
		{ID: "a", CreatedAt: at, State: conversation.Sent},
	}); err != nil {
		t.Fatal(err)
	}
	loaded, _ := db.LoadMessages(ctx, "c1", "u1")
	var got []string
	for _, m := range loaded {
		got = append(got, m.ID)
	}
	if !slices.Equal(got, []string{"c", "a", "b"}) {
		t.Errorf("order = %v, want [c a b]", got)
	}
}

func TestReadStateUnion(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.AddReadState(ctx, "u1", []string{"1", "2"}); err != nil {
		t.Fatal(err)
	}
	if err := db.AddReadState(ctx, "u1", []string{"2", "3"}); err != nil {
		t.Fatal(err)
	}
	if err := db.AddReadState(ctx, "u1", nil); err != nil {
		t.Fatal(err)
	}

	set, err := db.LoadReadState(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 3 {
		t.Errorf("got %d ids, want 3", len(set))
	}
	for _, id := range []string{"1", "2", "3"} {
		if _, ok := set[id]; !ok {
			t.Errorf("id %q missing from read state", id)
		}
	}

	empty, err := db.LoadReadState(ctx, "nobody")
	if err != nil || len(empty) != 0 {
		t.Errorf("LoadReadState(nobody) = %v, %v; want empty, nil", empty, err)
	}
}

func TestSeenMatches(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.AddSeenMatches(ctx, "u1", []string{"m1"}); err != nil {
		t.Fatal(err)
	}
	if err := db.AddSeenMatches(ctx, "u1", []string{"m1", "m2"}); err != nil {
		t.Fatal(err)
	}
	set, err := db.LoadSeenMatches(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 2 {
		t.Errorf("got %d matches, want 2", len(set))
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox(&OutboxEntry{ClientMsgID: "client1", ConversationID: "c1", SenderID: "u1", ReceiverID: "u2", Content: "test msg"}); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ClientMsgID != "client1" {
		t.Fatalf("pending = %+v, want client1", pending)
	}
	if other, _ := db.PendingOutbox("u9"); len(other) != 0 {
		t.Errorf("another sender sees %+v", other)
	}

	if err := db.MarkOutboxSending("client1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed("client1", "boom"); err != nil {
		t.Fatal(err)
	}
	failed, err := db.FailedOutbox("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].ErrorMessage != "boom" || failed[0].Attempts != 1 {
		t.Fatalf("failed = %+v", failed)
	}

	ok, err := db.RequeueOutbox("client1")
	if err != nil || !ok {
		t.Fatalf("RequeueOutbox() = %v, %v", ok, err)
	}
	ok, err = db.RequeueOutbox("client1")
	if err != nil || ok {
		t.Errorf("second RequeueOutbox() = %v, %v; want false (not failed)", ok, err)
	}

	if err := db.MarkOutboxSending("client1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSent("client1", "server1"); err != nil {
		t.Fatal(err)
	}
	e, err := db.GetOutbox("client1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != OutboxSent || e.ServerMsgID != "server1" || e.Content != "test msg" || e.Attempts != 2 {
		t.Errorf("entry = %+v", e)
	}

	missing, err := db.GetOutbox("nope")
	if err != nil || missing != nil {
		t.Errorf("GetOutbox(nope) = %v, %v; want nil, nil", missing, err)
	}
}

func TestResetStaleSending(t *testing.T) {
	db := testDB(t)
	if err := db.QueueOutbox(&OutboxEntry{ClientMsgID: "c", ConversationID: "c1", SenderID: "u1", ReceiverID: "u2", Content: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSending("c"); err != nil {
		t.Fatal(err)
	}
	n, err := db.ResetStaleSending()
	if err != nil || n != 1 {
		t.Fatalf("ResetStaleSending() = %d, %v; want 1", n, err)
	}
	pending, _ := db.PendingOutbox("u1")
	if len(pending) != 1 {
		t.Errorf("got %d pending, want 1", len(pending))
	}
}

func TestCheckpoint(t *testing.T) {
	db := testDB(t)
	key := FetchCheckpointKey("u1", "c1")

	v, err := db.GetCheckpoint(key)
	if err != nil || v != "" {
		t.Fatalf("GetCheckpoint(missing) = %q, %v", v, err)
	}
	if err := db.UpdateCheckpoint(key, "100"); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateCheckpoint(key, "200"); err != nil {
		t.Fatal(err)
	}
	v, err = db.GetCheckpoint(key)
	if err != nil || v != "200" {
		t.Errorf("GetCheckpoint() = %q, %v; want 200", v, err)
	}
}

// TestSaveMessagesRollsBackOnInsertError uses sqlmock to check that a failed
// insert leaves the previous snapshot in place.
func TestSaveMessagesRollsBackOnInsertError(t *testing.T) {
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = raw.Close() }()
	db := Wrap(raw)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM cached_messages").WithArgs("c1", "u1").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO cached_messages").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = db.SaveMessages(context.Background(), "c1", "u1", []conversation.Message{
		{ID: "1", CreatedAt: time.UnixMilli(1), State: conversation.Sent},
	})
	if err == nil {
		t.Fatal("SaveMessages() should fail")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestLoadReadStateQueryError(t *testing.T) {
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = raw.Close() }()
	db := Wrap(raw)

	mock.ExpectQuery("SELECT message_id FROM read_state").WithArgs("u1").WillReturnError(errors.New("database is locked"))

	if _, err := db.LoadReadState(context.Background(), "u1"); err == nil {
		t.Error("LoadReadState() should surface the query error")
	}
}

func sameMessages(a, b []conversation.Message) bool {
	return slices.EqualFunc(a, b, func(x, y conversation.Message) bool {
		x.CreatedAt, y.CreatedAt = x.CreatedAt.UTC(), y.CreatedAt.UTC()
		return x.CreatedAt.Equal(y.CreatedAt) && x.ID == y.ID && x.ConversationID == y.ConversationID &&
			x.SenderID == y.SenderID && x.ReceiverID == y.ReceiverID && x.Content == y.Content && x.State == y.State
	})
}
