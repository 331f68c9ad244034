package conversation

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/matchsync/internal/wire"
)

// DeliveryState tags a message with where it is in the send lifecycle.
type DeliveryState string

const (
	// Pending is an optimistic local insert waiting for the server.
	Pending DeliveryState = "pending"
	// Sent is a server-confirmed message.
	Sent DeliveryState = "sent"
	// Failed is a local message the server refused to persist.
	Failed DeliveryState = "failed"
)

// Server ids are hex object ids, so anything starting with "tmp" is local.
const tempIDPrefix = "tmp"

// NewTempID returns a placeholder id outside the server id space.
func NewTempID() string {
	return tempIDPrefix + "-" + uuid.NewString()
}

// IsTempID reports whether id is a locally generated placeholder.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// Message is one chat message in a conversation.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	CreatedAt      time.Time
	State          DeliveryState
}

// Confirmed reports whether the message carries a server-assigned id.
func (m Message) Confirmed() bool {
	return m.ID != "" && !IsTempID(m.ID) && m.State != Pending && m.State != Failed
}

// Less orders messages by (CreatedAt, ID).
func Less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func compare(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func normalize(m Message) Message {
	m.CreatedAt = m.CreatedAt.UTC().Truncate(time.Millisecond)
	if m.State == "" {
		if m.ID == "" || IsTempID(m.ID) {
			m.State = Pending
		} else {
			m.State = Sent
		}
	}
	return m
}

// FromWire converts a socket or REST payload into a confirmed message.
func FromWire(pm wire.PrivateMessage) Message {
	m := Message{
		ID:             pm.ID,
		ConversationID: wire.ConversationID(pm),
		SenderID:       pm.SenderID,
		ReceiverID:     pm.ReceiverID,
		Content:        pm.Content,
	}
	if pm.CreatedAt != nil {
		m.CreatedAt = pm.CreatedAt.Time
	}
	return normalize(m)
}

// ToWire converts a message into its socket payload addressed to roomID.
func (m Message) ToWire(roomID string) wire.PrivateMessage {
	pm := wire.PrivateMessage{
		RoomID:     roomID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
	}
	if !m.CreatedAt.IsZero() {
		pm.CreatedAt = wire.NewTimestamp(m.CreatedAt)
	}
	if m.Confirmed() {
		pm.ID = m.ID
	}
	return pm
}
