// Package rooms keeps the set of realtime rooms the client wants to be in and
// reasserts it after every transport restart.
package rooms

import (
	"slices"
	"sync"

	"github.com/matheus3301/matchsync/internal/realtime"
	"github.com/matheus3301/matchsync/internal/wire"
	appErrors "github.com/matheus3301/matchsync/pkg/errors"
	"go.uber.org/zap"
)

// Emitter sends an event on the realtime session.
type Emitter interface {
	Emit(event string, payload any) error
}

// Tracker owns room membership. Emissions happen under the tracker lock so a
// Join racing a reconnect is sent exactly once.
type Tracker struct {
	emitter Emitter
	logger  *zap.Logger

	mu     sync.Mutex
	rooms  map[string]struct{}
	online bool
}

// NewTracker creates an empty tracker that considers itself offline until it
// sees a connected lifecycle event.
func NewTracker(emitter Emitter, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		emitter: emitter,
		logger:  logger,
		rooms:   make(map[string]struct{}),
	}
}

// Join adds roomID to the membership set. The join is sent now when online,
// otherwise on the next connect. Joining a member room does nothing.
func (t *Tracker) Join(roomID string) error {
	if roomID == "" {
		return appErrors.InvalidArg("room id is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.rooms[roomID]; ok {
		return nil
	}
	t.rooms[roomID] = struct{}{}
	if t.online {
		t.emitJoin(roomID)
	}
	return nil
}

// Leave drops roomID. A leave is sent only when online and the room was a member.
func (t *Tracker) Leave(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.rooms[roomID]; !ok {
		return
	}
	delete(t.rooms, roomID)
	if !t.online {
		return
	}
	if err := t.emitter.Emit(wire.EventLeaveRoom, wire.LeaveRoom{RoomID: roomID}); err != nil {
		t.logger.Warn("leave room", zap.String("room_id", roomID), zap.Error(err))
	}
}

// Clear forgets every room without emitting anything. Used on logout.
func (t *Tracker) Clear() {
	t.mu.Lock()
	clear(t.rooms)
	t.mu.Unlock()
}

// Rooms returns the membership set, sorted.
func (t *Tracker) Rooms() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.rooms))
	for id := range t.rooms {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Online reports whether the tracker last saw the session connected.
func (t *Tracker) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

// HandleLifecycle follows the connection manager. Every connected event
// replays the whole set once.
func (t *Tracker) HandleLifecycle(l realtime.Lifecycle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch l.Kind {
	case realtime.LifecycleConnected:
		t.online = true
		ids := make([]string, 0, len(t.rooms))
		for id := range t.rooms {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			t.emitJoin(id)
		}
		t.logger.Info("rooms rejoined", zap.Int("count", len(ids)), zap.Bool("reconnected", l.Reconnected))
	default:
		t.online = false
	}
}

func (t *Tracker) emitJoin(roomID string) {
	if err := t.emitter.Emit(wire.EventJoinRoom, wire.JoinRoom{RoomID: roomID}); err != nil {
		// The room stays in the set and is replayed on the next connect.
		t.logger.Warn("join room", zap.String("room_id", roomID), zap.Error(err))
	}
}
