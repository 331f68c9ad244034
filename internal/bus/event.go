package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by prefix, so the dotted namespaces matter.
const (
	KindStatusChanged    = "conn.status_changed"
	KindConnected        = "conn.connected"
	KindReconnecting     = "conn.reconnecting"
	KindDisconnected     = "conn.disconnected"
	KindConnectionFailed = "conn.connection_failed"

	KindMessageIngested = "message.ingested"
	KindSendAck         = "message.send_ack"
	KindSendFailed      = "message.send_failed"

	KindUnreadChanged = "notify.unread_changed"
	KindNewMatch      = "notify.new_match"
)

// ConversationNamespace is the prefix for events scoped to one conversation.
func ConversationNamespace(conversationID string) string {
	return "conversation." + conversationID + "."
}

// ConversationUpdated is the kind published whenever a conversation's ordered
// message list changes.
func ConversationUpdated(conversationID string) string {
	return ConversationNamespace(conversationID) + "updated"
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
