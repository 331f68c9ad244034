package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/matchsync/internal/bus"
	"github.com/matheus3301/matchsync/internal/conversation"
	"github.com/matheus3301/matchsync/internal/remote/remotetest"
	"github.com/matheus3301/matchsync/internal/store"
	"github.com/matheus3301/matchsync/internal/wire"
	appErrors "github.com/matheus3301/matchsync/pkg/errors"
	"go.uber.org/zap"
)

// bufferView adapts a conversation buffer to View.
type bufferView struct {
	buf *conversation.Buffer

	mu   sync.Mutex
	user string
}

func (v *bufferView) UserID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.user
}

func (v *bufferView) setUser(id string) {
	v.mu.Lock()
	v.user = id
	v.mu.Unlock()
}

func (v *bufferView) Ingest(conv string, m conversation.Message) conversation.Outcome {
	return v.buf.Ingest(conv, m)
}

func (v *bufferView) Confirm(conv, tempID string, m conversation.Message) {
	if !v.buf.Confirm(conv, tempID, m) {
		v.buf.Ingest(conv, m)
	}
}

func (v *bufferView) Rollback(conv, tempID string) { v.buf.Remove(conv, tempID) }

// mockEmitter records socket pushes.
type mockEmitter struct {
	mu   sync.Mutex
	sent []wire.PrivateMessage
}

func (m *mockEmitter) Emit(event string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pm, ok := payload.(wire.PrivateMessage); ok && event == wire.EventPrivateMessage {
		m.sent = append(m.sent, pm)
	}
	return nil
}

func (m *mockEmitter) pushed() []wire.PrivateMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]wire.PrivateMessage(nil), m.sent...)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fixture struct {
	db      *store.DB
	remote  *remotetest.Fake
	view    *bufferView
	emitter *mockEmitter
	bus     *bus.Bus
	sender  *Sender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		db:      testDB(t),
		remote:  remotetest.New(),
		view:    &bufferView{buf: conversation.NewBuffer(0), user: "u1"},
		emitter: &mockEmitter{},
		bus:     bus.New(),
	}
	logger, _ := zap.NewDevelopment()
	f.sender = NewSender(f.db, f.remote, f.view, f.emitter, f.bus, 20*time.Millisecond, logger)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.sender.Start(context.Background())
	t.Cleanup(f.sender.Stop)
}

func waitEvent(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return bus.Event{}
	}
}

func TestSendConfirmsOptimisticEntry(t *testing.T) {
	f := newFixture(t)
	ch, unsub := f.bus.Subscribe(bus.KindSendAck, 10)
	defer unsub()

	msg, err := f.sender.Send(context.Background(), "match:m1", "u2", "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !conversation.IsTempID(msg.ID) || msg.State != conversation.Pending {
		t.Fatalf("optimistic message = %+v", msg)
	}

	// Visible before the sender loop runs.
	snap := f.view.buf.Snapshot("match:m1")
	if len(snap) != 1 || snap[0].ID != msg.ID || snap[0].State != conversation.Pending {
		t.Fatalf("optimistic snapshot = %+v", snap)
	}

	f.start(t)
	evt := waitEvent(t, ch)
	ack := evt.Payload.(SendAck)
	if ack.ClientMsgID != msg.ID || ack.ServerMsgID != "srv-1" || ack.ConversationID != "match:m1" {
		t.Errorf("ack = %+v", ack)
	}

	snap = f.view.buf.Snapshot("match:m1")
	if len(snap) != 1 {
		t.Fatalf("got %d entries, want 1", len(snap))
	}
	if snap[0].ID != "srv-1" || snap[0].State != conversation.Sent {
		t.Errorf("confirmed entry = %+v", snap[0])
	}

	posted := f.remote.Posted()
	if len(posted) != 1 || posted[0].RoomID != "match:m1" || posted[0].Content != "hello" || posted[0].SenderID != "u1" {
		t.Errorf("posted = %+v", posted)
	}

	pushed := f.emitter.pushed()
	if len(pushed) != 1 || pushed[0].ID != "srv-1" || pushed[0].CreatedAt == nil {
		t.Errorf("socket push = %+v", pushed)
	}

	entry, err := f.db.GetOutbox(msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != store.OutboxSent || entry.ServerMsgID != "srv-1" || entry.Attempts != 1 {
		t.Errorf("outbox entry = %+v", entry)
	}
}

func TestSendDirectConversationTargetsReceiverRoom(t *testing.T) {
	f := newFixture(t)
	ch, unsub := f.bus.Subscribe(bus.KindSendAck, 10)
	defer unsub()
	f.start(t)

	conv := wire.DirectConversation("u1", "u2")
	if _, err := f.sender.Send(context.Background(), conv, "u2", "hey"); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ch)

	posted := f.remote.Posted()
	if len(posted) != 1 || posted[0].RoomID != "user:u2" {
		t.Errorf("posted = %+v", posted)
	}
	if snap := f.view.buf.Snapshot(conv); len(snap) != 1 || snap[0].State != conversation.Sent {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestSendFailureRollsBackAndRetries(t *testing.T) {
	f := newFixture(t)
	f.remote.SetPostErr(fmt.Errorf("network error"))
	failed, unsubFailed := f.bus.Subscribe(bus.KindSendFailed, 10)
	defer unsubFailed()
	acks, unsubAck := f.bus.Subscribe(bus.KindSendAck, 10)
	defer unsubAck()
	f.start(t)

	msg, err := f.sender.Send(context.Background(), "match:m1", "u2", "will-fail")
	if err != nil {
		t.Fatal(err)
	}

	evt := waitEvent(t, failed)
	sf, ok := evt.Payload.(*SendFailure)
	if !ok {
		t.Fatalf("payload = %T, want *SendFailure", evt.Payload)
	}
	if sf.ClientMsgID != msg.ID || sf.Content != "will-fail" || sf.ReceiverID != "u2" {
		t.Errorf("failure = %+v", sf)
	}
	if sf.Code() != appErrors.CodeSendFailed || sf.Cause == nil {
		t.Errorf("failure should carry its cause, got %v", sf)
	}

	if snap := f.view.buf.Snapshot("match:m1"); len(snap) != 0 {
		t.Errorf("optimistic entry not rolled back: %+v", snap)
	}
	entry, err := f.db.GetOutbox(msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != store.OutboxFailed || entry.ErrorMessage != "network error" {
		t.Errorf("outbox entry = %+v", entry)
	}

	failures, err := f.sender.Failed()
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 1 || failures[0].Content != "will-fail" {
		t.Errorf("Failed() = %+v", failures)
	}

	// Retry with the backend healthy again.
	f.remote.SetPostErr(nil)
	retried, err := f.sender.Retry(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.Content != "will-fail" || retried.State != conversation.Pending {
		t.Errorf("retried = %+v", retried)
	}

	waitEvent(t, acks)
	snap := f.view.buf.Snapshot("match:m1")
	if len(snap) != 1 || snap[0].State != conversation.Sent || snap[0].Content != "will-fail" {
		t.Errorf("snapshot after retry = %+v", snap)
	}
	entry, _ = f.db.GetOutbox(msg.ID)
	if entry.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", entry.Attempts)
	}
}

func TestRetryErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.sender.Retry(context.Background(), "tmp-missing")
	if !errors.Is(err, appErrors.ErrOutboxNotFound) {
		t.Errorf("unknown entry: err = %v", err)
	}

	msg, err := f.sender.Send(context.Background(), "match:m1", "u2", "queued")
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.sender.Retry(context.Background(), msg.ID)
	if !errors.Is(err, appErrors.ErrNotFailed) {
		t.Errorf("queued entry: err = %v", err)
	}
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name                 string
		conv, receiver, body string
		signedOut            bool
		want                 appErrors.Code
	}{
		{"missing conversation", "", "u2", "hi", false, appErrors.CodeInvalidArgument},
		{"missing receiver", "match:m1", "", "hi", false, appErrors.CodeInvalidArgument},
		{"blank content", "match:m1", "u2", "  ", false, appErrors.CodeInvalidArgument},
		{"signed out", "match:m1", "u2", "hi", true, appErrors.CodeUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.view.setUser("u1")
			if tt.signedOut {
				f.view.setUser("")
			}
			_, err := f.sender.Send(context.Background(), tt.conv, tt.receiver, tt.body)
			if !appErrors.HasCode(err, tt.want) {
				t.Errorf("err = %v, want %s", err, tt.want)
			}
		})
	}
	if pending, _ := f.db.PendingOutbox("u1"); len(pending) != 0 {
		t.Errorf("invalid sends were queued: %+v", pending)
	}
}

func TestStartRequeuesStaleSending(t *testing.T) {
	f := newFixture(t)
	ch, unsub := f.bus.Subscribe(bus.KindSendAck, 10)
	defer unsub()

	if err := f.db.QueueOutbox(&store.OutboxEntry{
		ClientMsgID: "tmp-stale", ConversationID: "match:m1", RoomID: "match:m1",
		SenderID: "u1", ReceiverID: "u2", Content: "left over",
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.db.MarkOutboxSending("tmp-stale"); err != nil {
		t.Fatal(err)
	}

	f.start(t)
	evt := waitEvent(t, ch)
	if ack := evt.Payload.(SendAck); ack.ClientMsgID != "tmp-stale" {
		t.Errorf("ack = %+v", ack)
	}
}

func TestMessagesAreDeliveredInOrder(t *testing.T) {
	f := newFixture(t)
	ch, unsub := f.bus.Subscribe(bus.KindSendAck, 10)
	defer unsub()

	for i := 0; i < 3; i++ {
		if _, err := f.sender.Send(context.Background(), "match:m1", "u2", fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatal(err)
		}
	}
	f.start(t)
	for n := 0; n < 3; n++ {
		waitEvent(t, ch)
	}

	posted := f.remote.Posted()
	for i, pm := range posted {
		if want := fmt.Sprintf("msg %d", i); pm.Content != want {
			t.Errorf("posted[%d] = %q, want %q", i, pm.Content, want)
		}
	}
	if n := len(f.view.buf.Snapshot("match:m1")); n != 3 {
		t.Errorf("got %d entries, want 3", n)
	}
}

func TestQueueStaysWithItsAccount(t *testing.T) {
	f := newFixture(t)
	acks, unsub := f.bus.Subscribe(bus.KindSendAck, 10)
	defer unsub()

	// Queued by u1, who signs out before the loop runs.
	queued, err := f.sender.Send(context.Background(), "match:m1", "u2", "from u1")
	if err != nil {
		t.Fatal(err)
	}
	f.view.setUser("u3")
	f.start(t)

	mine, err := f.sender.Send(context.Background(), "match:m7", "u4", "from u3")
	if err != nil {
		t.Fatal(err)
	}
	if ack := waitEvent(t, acks).Payload.(SendAck); ack.ClientMsgID != mine.ID {
		t.Fatalf("ack = %+v, want %s", ack, mine.ID)
	}
	time.Sleep(60 * time.Millisecond) // a few poll intervals

	posted := f.remote.Posted()
	if len(posted) != 1 || posted[0].SenderID != "u3" {
		t.Fatalf("posted = %+v, want only u3's message", posted)
	}
	entry, err := f.db.GetOutbox(queued.ID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != store.OutboxQueued {
		t.Errorf("u1's entry status = %s, want queued", entry.Status)
	}
	if _, err := f.sender.Retry(context.Background(), queued.ID); !errors.Is(err, appErrors.ErrOutboxNotFound) {
		t.Errorf("Retry of another account's entry: err = %v", err)
	}

	// Back as u1, the message goes out under u1.
	f.view.setUser("u1")
	f.sender.Kick()
	if ack := waitEvent(t, acks).Payload.(SendAck); ack.ClientMsgID != queued.ID {
		t.Errorf("ack = %+v, want %s", ack, queued.ID)
	}
	if posted := f.remote.Posted(); len(posted) != 2 || posted[1].SenderID != "u1" {
		t.Errorf("posted = %+v", posted)
	}
}
