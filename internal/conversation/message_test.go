package conversation

import (
	"testing"
	"time"

	"github.com/matheus3301/matchsync/internal/wire"
)

func TestTempIDs(t *testing.T) {
	id := NewTempID()
	if !IsTempID(id) {
		t.Errorf("IsTempID(%q) = false", id)
	}
	if IsTempID("65f1c0a2e4b0a1b2c3d4e5f6") {
		t.Error("server object id treated as temporary")
	}
	if NewTempID() == id {
		t.Error("NewTempID() returned the same id twice")
	}
}

func TestFromWire(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	m := FromWire(wire.PrivateMessage{
		RoomID: "user:u2", SenderID: "u1", ReceiverID: "u2",
		Content: "hey", CreatedAt: wire.NewTimestamp(at), ID: "abc",
	})
	if m.ConversationID != "dm:u1:u2" || m.State != Sent || !m.CreatedAt.Equal(at) {
		t.Errorf("FromWire() = %+v", m)
	}
	if !m.Confirmed() {
		t.Error("message with server id should be confirmed")
	}
}

func TestToWireHidesTempID(t *testing.T) {
	m := Message{ID: NewTempID(), SenderID: "u1", ReceiverID: "u2", Content: "x", CreatedAt: t0, State: Pending}
	pm := m.ToWire("user:u2")
	if pm.ID != "" {
		t.Errorf("temp id leaked on the wire: %q", pm.ID)
	}
	if pm.CreatedAt == nil || !pm.CreatedAt.Equal(t0) {
		t.Errorf("createdAt = %v, want %v", pm.CreatedAt, t0)
	}
}
