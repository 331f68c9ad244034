package realtime

import (
	"context"

	"github.com/matheus3301/matchsync/internal/wire"
)

// Conn is one established transport session.
type Conn interface {
	// ReadFrame blocks until the next inbound frame or a transport error.
	ReadFrame() (wire.Frame, error)
	// WriteFrame sends one frame. It is safe for concurrent use.
	WriteFrame(wire.Frame) error
	// Close tears the session down and unblocks ReadFrame.
	Close() error
}

// Transport dials realtime sessions carrying the user's identity.
type Transport interface {
	Dial(ctx context.Context, token, userID string) (Conn, error)
}
