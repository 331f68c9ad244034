package api

import (
	"time"

	"github.com/matheus3301/matchsync/internal/bus"
	"github.com/matheus3301/matchsync/internal/conversation"
	"github.com/matheus3301/matchsync/internal/notify"
	"github.com/matheus3301/matchsync/internal/outbox"
	"github.com/matheus3301/matchsync/internal/status"
	intsync "github.com/matheus3301/matchsync/internal/sync"
	appErrors "github.com/matheus3301/matchsync/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, toStatus(appErrors.Wrap(appErrors.CodeInternal, "encode response", err))
	}
	return s, nil
}

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func num(s *structpb.Struct, key string) int {
	return int(s.GetFields()[key].GetNumberValue())
}

func anyList(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func messageFields(m conversation.Message) map[string]any {
	return map[string]any{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"receiver_id":     m.ReceiverID,
		"content":         m.Content,
		"created_at":      formatTime(m.CreatedAt),
		"state":           string(m.State),
	}
}

func messageList(msgs []conversation.Message) []any {
	out := make([]any, len(msgs))
	for i, m := range msgs {
		out[i] = messageFields(m)
	}
	return out
}

func messageFromValue(v *structpb.Value) conversation.Message {
	s := v.GetStructValue()
	return conversation.Message{
		ID:             str(s, "id"),
		ConversationID: str(s, "conversation_id"),
		SenderID:       str(s, "sender_id"),
		ReceiverID:     str(s, "receiver_id"),
		Content:        str(s, "content"),
		CreatedAt:      parseTime(str(s, "created_at")),
		State:          conversation.DeliveryState(str(s, "state")),
	}
}

func messagesFromValue(v *structpb.Value) []conversation.Message {
	values := v.GetListValue().GetValues()
	out := make([]conversation.Message, 0, len(values))
	for _, mv := range values {
		out = append(out, messageFromValue(mv))
	}
	return out
}

func failureFields(f *outbox.SendFailure) map[string]any {
	out := map[string]any{
		"client_msg_id":   f.ClientMsgID,
		"conversation_id": f.ConversationID,
		"receiver_id":     f.ReceiverID,
		"content":         f.Content,
	}
	if f.Cause != nil {
		out["error"] = f.Cause.Error()
	}
	return out
}

// eventFields flattens a bus event for WatchEvents.
func eventFields(evt bus.Event) map[string]any {
	out := map[string]any{
		"kind": evt.Kind,
		"at":   formatTime(evt.Timestamp),
	}
	switch p := evt.Payload.(type) {
	case intsync.ConversationUpdate:
		out["conversation_id"] = p.ConversationID
		out["messages"] = messageList(p.Messages)
		out["unread"] = p.Unread
	case notify.UnreadChange:
		out["conversation_id"] = p.ConversationID
		out["unread"] = p.Unread
	case notify.MatchSignal:
		out["match_id"] = p.MatchID
		out["users"] = anyList(p.Users)
	case outbox.SendAck:
		out["client_msg_id"] = p.ClientMsgID
		out["server_msg_id"] = p.ServerMsgID
		out["conversation_id"] = p.ConversationID
	case *outbox.SendFailure:
		for k, v := range failureFields(p) {
			out[k] = v
		}
	case status.StatusChange:
		out["from"] = string(p.From)
		out["to"] = string(p.To)
	case int:
		out["attempt"] = p
	case string:
		out["conversation_id"] = p
	case error:
		out["error"] = p.Error()
	}
	return out
}
