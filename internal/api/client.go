package api

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/matheus3301/matchsync/internal/conversation"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Status is the daemon's view of the realtime session.
type Status struct {
	Session   string
	State     string
	UserID    string
	LastError string
	Rooms     int
	Uptime    time.Duration
}

// Conversation is an ordered snapshot of one conversation.
type Conversation struct {
	ID          string
	Messages    []conversation.Message
	Unread      int
	LastFetched time.Time
}

// Failure is a message waiting for a retry.
type Failure struct {
	ClientMsgID    string
	ConversationID string
	ReceiverID     string
	Content        string
	Error          string
}

// Event is one bus event relayed by WatchEvents.
type Event struct {
	Kind   string
	At     time.Time
	Fields map[string]any
}

// Client talks to a daemon's SyncService.
type Client struct {
	cc *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath.
func Dial(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	return NewClient("unix://"+socketPath, opts...)
}

// NewClient connects to target. Without options the connection is insecure,
// which is what a 0600 Unix socket needs.
func NewClient(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: cc}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.cc.Close()
}

func (c *Client) call(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

func (c *Client) stream(ctx context.Context, index int, method string, fields map[string]any) (grpc.ServerStreamingClient[structpb.Struct], error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	cs, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[index], fullMethod(method))
	if err != nil {
		return nil, fromStatus(err)
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: cs}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, fromStatus(err)
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, fromStatus(err)
	}
	return x, nil
}

func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	out, err := c.call(ctx, MethodGetStatus, nil)
	if err != nil {
		return nil, err
	}
	return &Status{
		Session:   str(out, "session"),
		State:     str(out, "status"),
		UserID:    str(out, "user_id"),
		LastError: str(out, "last_error"),
		Rooms:     num(out, "rooms"),
		Uptime:    time.Duration(num(out, "uptime_ms")) * time.Millisecond,
	}, nil
}

// Login hands a token to the daemon and returns the user it belongs to.
func (c *Client) Login(ctx context.Context, token string) (string, error) {
	out, err := c.call(ctx, MethodLogin, map[string]any{"token": token})
	if err != nil {
		return "", err
	}
	return str(out, "user_id"), nil
}

func (c *Client) Logout(ctx context.Context) error {
	_, err := c.call(ctx, MethodLogout, nil)
	return err
}

func (c *Client) ListRooms(ctx context.Context) ([]string, error) {
	out, err := c.call(ctx, MethodListRooms, nil)
	if err != nil {
		return nil, err
	}
	var rooms []string
	for _, v := range out.GetFields()["rooms"].GetListValue().GetValues() {
		rooms = append(rooms, v.GetStringValue())
	}
	return rooms, nil
}

func (c *Client) ListUnread(ctx context.Context) (map[string]int, error) {
	out, err := c.call(ctx, MethodListUnread, nil)
	if err != nil {
		return nil, err
	}
	unread := make(map[string]int)
	for id, v := range out.GetFields()["unread"].GetStructValue().GetFields() {
		unread[id] = int(v.GetNumberValue())
	}
	return unread, nil
}

func (c *Client) OpenConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	out, err := c.call(ctx, MethodOpenConversation, map[string]any{"conversation_id": conversationID})
	if err != nil {
		return nil, err
	}
	return conversationFromStruct(out), nil
}

func conversationFromStruct(s *structpb.Struct) *Conversation {
	return &Conversation{
		ID:          str(s, "conversation_id"),
		Messages:    messagesFromValue(s.GetFields()["messages"]),
		Unread:      num(s, "unread"),
		LastFetched: parseTime(str(s, "last_fetched")),
	}
}

// MarkRead returns how many messages were newly marked read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) (int, error) {
	out, err := c.call(ctx, MethodMarkRead, map[string]any{"conversation_id": conversationID})
	if err != nil {
		return 0, err
	}
	return num(out, "marked"), nil
}

// SendMessage queues a message and returns its optimistic copy.
func (c *Client) SendMessage(ctx context.Context, conversationID, receiverID, content string) (conversation.Message, error) {
	out, err := c.call(ctx, MethodSendMessage, map[string]any{
		"conversation_id": conversationID,
		"receiver_id":     receiverID,
		"content":         content,
	})
	if err != nil {
		return conversation.Message{}, err
	}
	return messageFromValue(out.GetFields()["message"]), nil
}

func (c *Client) RetrySend(ctx context.Context, clientMsgID string) (conversation.Message, error) {
	out, err := c.call(ctx, MethodRetrySend, map[string]any{"client_msg_id": clientMsgID})
	if err != nil {
		return conversation.Message{}, err
	}
	return messageFromValue(out.GetFields()["message"]), nil
}

func (c *Client) ListFailed(ctx context.Context) ([]Failure, error) {
	out, err := c.call(ctx, MethodListFailed, nil)
	if err != nil {
		return nil, err
	}
	var failures []Failure
	for _, v := range out.GetFields()["failures"].GetListValue().GetValues() {
		f := v.GetStructValue()
		failures = append(failures, Failure{
			ClientMsgID:    str(f, "client_msg_id"),
			ConversationID: str(f, "conversation_id"),
			ReceiverID:     str(f, "receiver_id"),
			Content:        str(f, "content"),
			Error:          str(f, "error"),
		})
	}
	return failures, nil
}

// WatchConversation calls fn with the snapshot and then with every update
// until ctx is done or fn returns an error.
func (c *Client) WatchConversation(ctx context.Context, conversationID string, fn func(*Conversation) error) error {
	stream, err := c.stream(ctx, 0, MethodWatchConversation, map[string]any{"conversation_id": conversationID})
	if err != nil {
		return err
	}
	return drain(ctx, stream, func(s *structpb.Struct) error {
		return fn(conversationFromStruct(s))
	})
}

// WatchEvents calls fn for every bus event whose kind starts with prefix.
func (c *Client) WatchEvents(ctx context.Context, prefix string, fn func(Event) error) error {
	stream, err := c.stream(ctx, 1, MethodWatchEvents, map[string]any{"prefix": prefix})
	if err != nil {
		return err
	}
	return drain(ctx, stream, func(s *structpb.Struct) error {
		fields := s.AsMap()
		kind, _ := fields["kind"].(string)
		at, _ := fields["at"].(string)
		delete(fields, "kind")
		delete(fields, "at")
		return fn(Event{Kind: kind, At: parseTime(at), Fields: fields})
	})
}

func drain(ctx context.Context, stream grpc.ServerStreamingClient[structpb.Struct], fn func(*structpb.Struct) error) error {
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fromStatus(err)
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}
