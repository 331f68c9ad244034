package api

import (
	"context"
	"time"

	"github.com/matheus3301/matchsync/internal/bus"
	"github.com/matheus3301/matchsync/internal/conversation"
	"github.com/matheus3301/matchsync/internal/outbox"
	"github.com/matheus3301/matchsync/internal/status"
	intsync "github.com/matheus3301/matchsync/internal/sync"
	appErrors "github.com/matheus3301/matchsync/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Engine is the part of the sync engine the control API drives.
type Engine interface {
	UserID() string
	Status() status.Connection
	Rooms() []string
	Login(ctx context.Context, token string) error
	Logout(ctx context.Context) error
	OpenConversation(ctx context.Context, conversationID string) (*intsync.Watch, error)
	MarkRead(conversationID string) int
	Unread(conversationID string) int
	UnreadAll() map[string]int
	LastFetched(conversationID string) (time.Time, bool)
}

// Outbox is the optimistic send path.
type Outbox interface {
	Send(ctx context.Context, conversationID, receiverID, content string) (conversation.Message, error)
	Retry(ctx context.Context, clientMsgID string) (conversation.Message, error)
	Failed() ([]outbox.SendFailure, error)
}

// SyncService implements matchsync.v1.SyncService.
type SyncService struct {
	sessionName string
	startedAt   time.Time
	engine      Engine
	outbox      Outbox
	bus         *bus.Bus
	logger      *zap.Logger
}

// NewSyncService creates a new sync service.
func NewSyncService(sessionName string, engine Engine, sender Outbox, b *bus.Bus, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{
		sessionName: sessionName,
		startedAt:   time.Now(),
		engine:      engine,
		outbox:      sender,
		bus:         b,
		logger:      logger,
	}
}

func (s *SyncService) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	conn := s.engine.Status()
	lastErr := ""
	if conn.LastError != nil {
		lastErr = conn.LastError.Error()
	}
	return newStruct(map[string]any{
		"session":    s.sessionName,
		"status":     string(conn.Status),
		"user_id":    s.engine.UserID(),
		"last_error": lastErr,
		"rooms":      len(s.engine.Rooms()),
		"uptime_ms":  time.Since(s.startedAt).Milliseconds(),
	})
}

func (s *SyncService) Login(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	token := str(in, "token")
	if token == "" {
		return nil, toStatus(appErrors.InvalidArg("token is required"))
	}
	if err := s.engine.Login(ctx, token); err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"user_id": s.engine.UserID()})
}

func (s *SyncService) Logout(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.Logout(ctx); err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"message": "logged out"})
}

func (s *SyncService) ListRooms(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return newStruct(map[string]any{"rooms": anyList(s.engine.Rooms())})
}

func (s *SyncService) ListUnread(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	unread := make(map[string]any)
	for id, n := range s.engine.UnreadAll() {
		unread[id] = n
	}
	return newStruct(map[string]any{"unread": unread})
}

func (s *SyncService) OpenConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := str(in, "conversation_id")
	w, err := s.engine.OpenConversation(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	defer w.Close()
	return newStruct(s.conversationFields(id, w.Snapshot, w.Unread))
}

func (s *SyncService) conversationFields(id string, msgs []conversation.Message, unread int) map[string]any {
	out := map[string]any{
		"conversation_id": id,
		"messages":        messageList(msgs),
		"unread":          unread,
	}
	if at, ok := s.engine.LastFetched(id); ok {
		out["last_fetched"] = formatTime(at)
	}
	return out
}

func (s *SyncService) MarkRead(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := str(in, "conversation_id")
	if id == "" {
		return nil, toStatus(appErrors.InvalidArg("conversation_id is required"))
	}
	n := s.engine.MarkRead(id)
	return newStruct(map[string]any{"marked": n, "unread": s.engine.Unread(id)})
}

func (s *SyncService) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	msg, err := s.outbox.Send(ctx, str(in, "conversation_id"), str(in, "receiver_id"), str(in, "content"))
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"message": messageFields(msg)})
}

func (s *SyncService) RetrySend(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := str(in, "client_msg_id")
	if id == "" {
		return nil, toStatus(appErrors.InvalidArg("client_msg_id is required"))
	}
	msg, err := s.outbox.Retry(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"message": messageFields(msg)})
}

func (s *SyncService) ListFailed(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	failures, err := s.outbox.Failed()
	if err != nil {
		return nil, toStatus(err)
	}
	list := make([]any, len(failures))
	for i := range failures {
		list[i] = failureFields(&failures[i])
	}
	return newStruct(map[string]any{"failures": list})
}

// WatchConversation opens a conversation, sends its snapshot and then every
// update until the client goes away.
func (s *SyncService) WatchConversation(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	id := str(in, "conversation_id")
	w, err := s.engine.OpenConversation(ctx, id)
	if err != nil {
		return toStatus(err)
	}
	defer w.Close()

	first, err := newStruct(s.conversationFields(id, w.Snapshot, w.Unread))
	if err != nil {
		return err
	}
	if err := stream.Send(first); err != nil {
		return err
	}

	for {
		select {
		case u, ok := <-w.Updates:
			if !ok {
				return nil
			}
			msg, err := newStruct(s.conversationFields(id, u.Messages, u.Unread))
			if err != nil {
				return err
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// WatchEvents streams bus events whose kind starts with the requested prefix.
// An empty prefix streams everything.
func (s *SyncService) WatchEvents(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ch, unsub := s.bus.Subscribe(str(in, "prefix"), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			msg, err := newStruct(eventFields(evt))
			if err != nil {
				s.logger.Warn("skip event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
