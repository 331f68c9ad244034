package store

// Outbox statuses.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxEntry represents an outgoing message waiting for server persistence.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID string
	RoomID         string
	SenderID       string
	ReceiverID     string
	Content        string
	Status         string
	ErrorMessage   string
	ServerMsgID    string
	Attempts       int
	CreatedAt      int64
}
