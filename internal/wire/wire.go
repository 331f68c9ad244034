// Package wire defines the realtime socket contract: event names, payload
// shapes and room identifiers.
package wire

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Event names as they appear on the socket.
const (
	EventJoinRoom       = "JoinRoom"
	EventLeaveRoom      = "LeaveRoom"
	EventPrivateMessage = "privateMessage"
	EventUserOnline     = "userOnline"
	EventNewMatch       = "newMatch"
)

// Frame is one socket message: an event name and its JSON payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a frame for the named event.
func NewFrame(event string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: data}, nil
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

type UserOnline struct {
	UserID string `json:"userId"`
}

// PrivateMessage is sent by the client and echoed by the server. Inbound
// copies carry the server-assigned ID and the authoritative CreatedAt.
type PrivateMessage struct {
	RoomID     string     `json:"roomId"`
	SenderID   string     `json:"senderId"`
	ReceiverID string     `json:"receiverId"`
	Content    string     `json:"content"`
	CreatedAt  *Timestamp `json:"createdAt,omitempty"`
	ID         string     `json:"id,omitempty"`
}

type NewMatch struct {
	MatchID string   `json:"matchId"`
	Users   []string `json:"users"`
}

// Involves reports whether userID is one of the matched users.
func (m NewMatch) Involves(userID string) bool {
	for _, u := range m.Users {
		if u == userID {
			return true
		}
	}
	return false
}

// Timestamp is a time encoded as an RFC 3339 string with millisecond precision.
type Timestamp struct {
	time.Time
}

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{Time: t.UTC().Truncate(time.Millisecond)}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(timestampLayout))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Some servers send epoch milliseconds.
		var ms int64
		if err2 := json.Unmarshal(b, &ms); err2 != nil {
			return err
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	t.Time = parsed.UTC().Truncate(time.Millisecond)
	return nil
}

const (
	userRoomPrefix  = "user:"
	matchRoomPrefix = "match:"
	directPrefix    = "dm:"
)

// UserRoom returns the personal room for a user.
func UserRoom(userID string) string { return userRoomPrefix + userID }

// MatchRoom returns the room shared by the two users of a match.
func MatchRoom(matchID string) string { return matchRoomPrefix + matchID }

// IsMatchRoom reports whether roomID names a match room.
func IsMatchRoom(roomID string) bool { return strings.HasPrefix(roomID, matchRoomPrefix) }

// DirectConversation returns the conversation id for two users, independent of
// argument order.
func DirectConversation(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return directPrefix + ids[0] + ":" + ids[1]
}

// ConversationID maps a private message to the conversation it belongs to:
// the match room when it was sent to one, otherwise the sender/receiver pair.
func ConversationID(m PrivateMessage) string {
	if IsMatchRoom(m.RoomID) {
		return m.RoomID
	}
	return DirectConversation(m.SenderID, m.ReceiverID)
}

// RoomFor returns the room a message in conversationID should be sent to:
// the match room itself, or the receiver's personal room for direct chats.
func RoomFor(conversationID, receiverID string) string {
	if IsMatchRoom(conversationID) {
		return conversationID
	}
	return UserRoom(receiverID)
}
