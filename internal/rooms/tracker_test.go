package rooms

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/matchsync/internal/bus"
	"github.com/matheus3301/matchsync/internal/realtime"
	"github.com/matheus3301/matchsync/internal/realtime/realtimetest"
	"github.com/matheus3301/matchsync/internal/status"
	"github.com/matheus3301/matchsync/internal/wire"
	"go.uber.org/zap"
)

type emission struct {
	event  string
	roomID string
}

// mockEmitter records emissions and can be told to fail.
type mockEmitter struct {
	mu   sync.Mutex
	sent []emission
	err  error
}

func (m *mockEmitter) Emit(event string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	var room string
	switch p := payload.(type) {
	case wire.JoinRoom:
		room = p.RoomID
	case wire.LeaveRoom:
		room = p.RoomID
	}
	m.sent = append(m.sent, emission{event: event, roomID: room})
	return nil
}

func (m *mockEmitter) emissions() []emission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]emission(nil), m.sent...)
}

func connected() realtime.Lifecycle {
	return realtime.Lifecycle{Kind: realtime.LifecycleConnected}
}

func TestJoinWhileOfflineIsDeferred(t *testing.T) {
	em := &mockEmitter{}
	tr := NewTracker(em, nil)

	if err := tr.Join("user:u1"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Join("match:m1"); err != nil {
		t.Fatal(err)
	}
	if n := len(em.emissions()); n != 0 {
		t.Fatalf("offline join emitted %d frames", n)
	}

	tr.HandleLifecycle(connected())

	want := []emission{
		{wire.EventJoinRoom, "match:m1"},
		{wire.EventJoinRoom, "user:u1"},
	}
	if got := em.emissions(); !slices.Equal(got, want) {
		t.Errorf("emissions = %v, want %v", got, want)
	}
}

func TestJoinWhileOnlineEmitsOnce(t *testing.T) {
	em := &mockEmitter{}
	tr := NewTracker(em, nil)
	tr.HandleLifecycle(connected())

	for n := 0; n < 3; n++ {
		if err := tr.Join("match:m1"); err != nil {
			t.Fatal(err)
		}
	}
	got := em.emissions()
	if len(got) != 1 || got[0] != (emission{wire.EventJoinRoom, "match:m1"}) {
		t.Errorf("emissions = %v", got)
	}
	if rooms := tr.Rooms(); !slices.Equal(rooms, []string{"match:m1"}) {
		t.Errorf("rooms = %v", rooms)
	}
}

func TestJoinRejectsEmptyRoom(t *testing.T) {
	tr := NewTracker(&mockEmitter{}, nil)
	if err := tr.Join(""); err == nil {
		t.Fatal("expected error for empty room id")
	}
}

func TestLeave(t *testing.T) {
	tests := []struct {
		name   string
		online bool
		member bool
		want   []emission
	}{
		{"online member", true, true, []emission{{wire.EventLeaveRoom, "match:m1"}}},
		{"online non-member", true, false, nil},
		{"offline member", false, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			em := &mockEmitter{}
			tr := NewTracker(em, nil)
			if tt.member {
				_ = tr.Join("match:m1")
			}
			if tt.online {
				tr.HandleLifecycle(connected())
			}
			before := len(em.emissions())

			tr.Leave("match:m1")

			got := em.emissions()[before:]
			if !slices.Equal(got, tt.want) {
				t.Errorf("emissions = %v, want %v", got, tt.want)
			}
			if len(tr.Rooms()) != 0 {
				t.Errorf("rooms = %v, want empty", tr.Rooms())
			}
		})
	}
}

func TestReconnectReplaysEveryRoomOnce(t *testing.T) {
	em := &mockEmitter{}
	tr := NewTracker(em, nil)
	_ = tr.Join("user:u1")
	_ = tr.Join("match:a")
	_ = tr.Join("match:b")
	tr.HandleLifecycle(connected())

	tr.HandleLifecycle(realtime.Lifecycle{Kind: realtime.LifecycleReconnecting, Attempt: 1})
	if tr.Online() {
		t.Fatal("tracker should be offline while reconnecting")
	}
	before := len(em.emissions())
	tr.HandleLifecycle(realtime.Lifecycle{Kind: realtime.LifecycleConnected, Reconnected: true})

	got := em.emissions()[before:]
	want := []emission{
		{wire.EventJoinRoom, "match:a"},
		{wire.EventJoinRoom, "match:b"},
		{wire.EventJoinRoom, "user:u1"},
	}
	if !slices.Equal(got, want) {
		t.Errorf("replay = %v, want %v", got, want)
	}
}

func TestFailedJoinIsRetriedOnNextConnect(t *testing.T) {
	em := &mockEmitter{err: errors.New("socket closed")}
	tr := NewTracker(em, nil)
	tr.HandleLifecycle(connected())

	if err := tr.Join("match:m1"); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(tr.Rooms(), []string{"match:m1"}) {
		t.Fatal("room should stay in the set after a failed emit")
	}

	em.mu.Lock()
	em.err = nil
	em.mu.Unlock()
	tr.HandleLifecycle(realtime.Lifecycle{Kind: realtime.LifecycleDisconnected})
	tr.HandleLifecycle(connected())

	if got := em.emissions(); !slices.Equal(got, []emission{{wire.EventJoinRoom, "match:m1"}}) {
		t.Errorf("emissions = %v", got)
	}
}

func TestClearEmitsNothing(t *testing.T) {
	em := &mockEmitter{}
	tr := NewTracker(em, nil)
	_ = tr.Join("user:u1")
	tr.HandleLifecycle(connected())
	before := len(em.emissions())

	tr.Clear()

	if len(tr.Rooms()) != 0 {
		t.Errorf("rooms = %v", tr.Rooms())
	}
	if len(em.emissions()) != before {
		t.Error("Clear must not emit")
	}
}

// Drives a real manager over the in-memory transport through a drop and
// checks that each room is joined exactly once per connection.
func TestRejoinAfterTransportRestart(t *testing.T) {
	transport := realtimetest.New()
	b := bus.New()
	m := realtime.NewManager(
		realtime.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		transport, status.NewMachine(b), b, zap.NewNop())
	defer m.Disconnect()

	tr := NewTracker(m, zap.NewNop())
	m.OnLifecycle(tr.HandleLifecycle)
	_ = tr.Join("user:u1")
	_ = tr.Join("match:m1")

	if err := m.Connect(realtimetest.Token("u1")); err != nil {
		t.Fatal(err)
	}
	first, ok := transport.WaitConn(2 * time.Second)
	if !ok {
		t.Fatal("no connection")
	}
	if _, ok := first.WaitSent(wire.EventJoinRoom, 2, 2*time.Second); !ok {
		t.Fatal("rooms not joined on first connect")
	}

	first.Drop()
	second, ok := transport.WaitConn(2 * time.Second)
	if !ok {
		t.Fatal("no reconnection")
	}
	got, ok := second.WaitSent(wire.EventJoinRoom, 2, 2*time.Second)
	if !ok {
		t.Fatal("rooms not rejoined")
	}
	time.Sleep(20 * time.Millisecond)
	got = second.SentPayloads(wire.EventJoinRoom)

	var rooms []string
	for _, raw := range got {
		var jr wire.JoinRoom
		if err := json.Unmarshal(raw, &jr); err != nil {
			t.Fatal(err)
		}
		rooms = append(rooms, jr.RoomID)
	}
	if want := []string{"match:m1", "user:u1"}; !slices.Equal(rooms, want) {
		t.Errorf("rejoined = %v, want %v", rooms, want)
	}
	if n := len(first.SentPayloads(wire.EventJoinRoom)); n != 2 {
		t.Errorf("first connection joins = %d, want 2", n)
	}
}
