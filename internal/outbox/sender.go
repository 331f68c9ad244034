package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/matchsync/internal/bus"
	"github.com/matheus3301/matchsync/internal/conversation"
	"github.com/matheus3301/matchsync/internal/store"
	"github.com/matheus3301/matchsync/internal/wire"
	appErrors "github.com/matheus3301/matchsync/pkg/errors"
	"go.uber.org/zap"
)

// Poster persists a message on the backend.
type Poster interface {
	PostMessage(ctx context.Context, msg wire.PrivateMessage) (conversation.Message, error)
}

// Emitter pushes a frame on the realtime session.
type Emitter interface {
	Emit(event string, payload any) error
}

// View is the conversation state the sender reconciles against.
type View interface {
	UserID() string
	Ingest(conversationID string, msg conversation.Message) conversation.Outcome
	Confirm(conversationID, tempID string, confirmed conversation.Message)
	Rollback(conversationID, tempID string)
}

// SendAck is the payload of message.send_ack.
type SendAck struct {
	ClientMsgID    string
	ServerMsgID    string
	ConversationID string
}

// SendFailure reports a message the backend did not persist. The optimistic
// entry has been rolled back; Content is kept so the caller can retry.
type SendFailure struct {
	ClientMsgID    string
	ConversationID string
	ReceiverID     string
	Content        string
	Cause          error
}

func (f *SendFailure) Error() string {
	return fmt.Sprintf("send %s failed: %v", f.ClientMsgID, f.Cause)
}

func (f *SendFailure) Unwrap() error { return f.Cause }

// Code classifies the failure for API callers.
func (f *SendFailure) Code() appErrors.Code { return appErrors.CodeSendFailed }

const defaultPollInterval = 500 * time.Millisecond

// Sender drains the outbox and posts messages to the backend.
type Sender struct {
	db       *store.DB
	poster   Poster
	view     View
	emitter  Emitter
	bus      *bus.Bus
	interval time.Duration
	logger   *zap.Logger

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSender creates a new outbox sender. emitter may be nil, in which case
// confirmed messages are not pushed on the socket.
func NewSender(db *store.DB, poster Poster, view View, emitter Emitter, b *bus.Bus, pollInterval time.Duration, logger *zap.Logger) *Sender {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:       db,
		poster:   poster,
		view:     view,
		emitter:  emitter,
		bus:      b,
		interval: pollInterval,
		logger:   logger,
		kick:     make(chan struct{}, 1),
	}
}

// Start begins polling the outbox. Entries left in sending by a previous run
// are queued again.
func (s *Sender) Start(ctx context.Context) {
	if n, err := s.db.ResetStaleSending(); err != nil {
		s.logger.Error("failed to reset stale outbox entries", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("requeued stale outbox entries", zap.Int64("count", n))
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for the in-flight entry.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Send inserts an optimistic pending message and queues it for delivery.
func (s *Sender) Send(ctx context.Context, conversationID, receiverID, content string) (conversation.Message, error) {
	if conversationID == "" || receiverID == "" {
		return conversation.Message{}, appErrors.InvalidArg("conversation and receiver are required")
	}
	if strings.TrimSpace(content) == "" {
		return conversation.Message{}, appErrors.InvalidArg("message content is empty")
	}
	userID := s.view.UserID()
	if userID == "" {
		return conversation.Message{}, appErrors.ErrNoToken
	}

	msg := conversation.Message{
		ID:             conversation.NewTempID(),
		ConversationID: conversationID,
		SenderID:       userID,
		ReceiverID:     receiverID,
		Content:        content,
		CreatedAt:      time.Now(),
		State:          conversation.Pending,
	}
	s.view.Ingest(conversationID, msg)

	err := s.db.QueueOutbox(&store.OutboxEntry{
		ClientMsgID:    msg.ID,
		ConversationID: conversationID,
		RoomID:         wire.RoomFor(conversationID, receiverID),
		SenderID:       userID,
		ReceiverID:     receiverID,
		Content:        content,
	})
	if err != nil {
		s.view.Rollback(conversationID, msg.ID)
		return conversation.Message{}, appErrors.Cache("queue outgoing message", err)
	}

	s.logger.Debug("message queued",
		zap.String("client_msg_id", msg.ID), zap.String("conversation_id", conversationID))
	s.Kick()
	return msg, nil
}

// Retry queues a failed message again and restores its optimistic entry.
func (s *Sender) Retry(ctx context.Context, clientMsgID string) (conversation.Message, error) {
	entry, err := s.db.GetOutbox(clientMsgID)
	if err != nil {
		return conversation.Message{}, appErrors.Cache("read outbox", err)
	}
	if entry == nil || entry.SenderID != s.view.UserID() {
		return conversation.Message{}, appErrors.ErrOutboxNotFound
	}
	if entry.Status != store.OutboxFailed {
		return conversation.Message{}, appErrors.ErrNotFailed
	}
	ok, err := s.db.RequeueOutbox(clientMsgID)
	if err != nil {
		return conversation.Message{}, appErrors.Cache("requeue outbox", err)
	}
	if !ok {
		return conversation.Message{}, appErrors.ErrNotFailed
	}

	msg := conversation.Message{
		ID:             entry.ClientMsgID,
		ConversationID: entry.ConversationID,
		SenderID:       entry.SenderID,
		ReceiverID:     entry.ReceiverID,
		Content:        entry.Content,
		CreatedAt:      time.Now(),
		State:          conversation.Pending,
	}
	s.view.Ingest(entry.ConversationID, msg)
	s.logger.Info("retrying message", zap.String("client_msg_id", clientMsgID))
	s.Kick()
	return msg, nil
}

// Failed lists the signed-in user's messages waiting for a retry.
func (s *Sender) Failed() ([]SendFailure, error) {
	userID := s.view.UserID()
	if userID == "" {
		return []SendFailure{}, nil
	}
	entries, err := s.db.FailedOutbox(userID)
	if err != nil {
		return nil, appErrors.Cache("list failed outbox", err)
	}
	out := make([]SendFailure, 0, len(entries))
	for _, e := range entries {
		out = append(out, SendFailure{
			ClientMsgID:    e.ClientMsgID,
			ConversationID: e.ConversationID,
			ReceiverID:     e.ReceiverID,
			Content:        e.Content,
			Cause:          appErrors.New(appErrors.CodeSendFailed, e.ErrorMessage),
		})
	}
	return out, nil
}

// Kick wakes the loop without waiting for the next tick.
func (s *Sender) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-s.kick:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// processPending delivers the signed-in user's queue only. Entries queued by
// another account wait until that account signs in again, so they are never
// posted under someone else's token.
func (s *Sender) processPending(ctx context.Context) {
	userID := s.view.UserID()
	if userID == "" {
		return
	}
	pending, err := s.db.PendingOutbox(userID)
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil || s.view.UserID() != userID {
			return
		}
		s.deliver(ctx, entry)
	}
}

func (s *Sender) deliver(ctx context.Context, entry store.OutboxEntry) {
	if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
		s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		return
	}

	created, err := s.poster.PostMessage(ctx, wire.PrivateMessage{
		RoomID:     entry.RoomID,
		SenderID:   entry.SenderID,
		ReceiverID: entry.ReceiverID,
		Content:    entry.Content,
	})
	if err != nil {
		if ctx.Err() != nil {
			// Left in sending; the next Start requeues it.
			return
		}
		s.fail(entry, err)
		return
	}

	if err := s.db.MarkOutboxSent(entry.ClientMsgID, created.ID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}

	created.ConversationID = entry.ConversationID
	s.view.Confirm(entry.ConversationID, entry.ClientMsgID, created)

	if s.emitter != nil {
		if err := s.emitter.Emit(wire.EventPrivateMessage, created.ToWire(entry.RoomID)); err != nil {
			s.logger.Debug("live push skipped", zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
		}
	}

	s.logger.Info("message sent", zap.String("client_msg_id", entry.ClientMsgID), zap.String("server_msg_id", created.ID))
	s.publish(bus.KindSendAck, SendAck{
		ClientMsgID:    entry.ClientMsgID,
		ServerMsgID:    created.ID,
		ConversationID: entry.ConversationID,
	})
}

func (s *Sender) fail(entry store.OutboxEntry, cause error) {
	s.logger.Error("failed to send message", zap.Error(cause), zap.String("client_msg_id", entry.ClientMsgID))
	if err := s.db.MarkOutboxFailed(entry.ClientMsgID, cause.Error()); err != nil {
		s.logger.Error("failed to mark failed", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	s.view.Rollback(entry.ConversationID, entry.ClientMsgID)
	s.publish(bus.KindSendFailed, &SendFailure{
		ClientMsgID:    entry.ClientMsgID,
		ConversationID: entry.ConversationID,
		ReceiverID:     entry.ReceiverID,
		Content:        entry.Content,
		Cause:          cause,
	})
}

func (s *Sender) publish(kind string, payload any) {
	if s.bus != nil {
		s.bus.Publish(bus.NewEvent(kind, payload))
	}
}
