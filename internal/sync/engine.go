package sync

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"time"

	"github.com/matheus3301/matchsync/internal/auth"
	"github.com/matheus3301/matchsync/internal/bus"
	"github.com/matheus3301/matchsync/internal/cache"
	"github.com/matheus3301/matchsync/internal/conversation"
	"github.com/matheus3301/matchsync/internal/notify"
	"github.com/matheus3301/matchsync/internal/realtime"
	"github.com/matheus3301/matchsync/internal/remote"
	"github.com/matheus3301/matchsync/internal/rooms"
	"github.com/matheus3301/matchsync/internal/status"
	"github.com/matheus3301/matchsync/internal/store"
	"github.com/matheus3301/matchsync/internal/wire"
	appErrors "github.com/matheus3301/matchsync/pkg/errors"
	"go.uber.org/zap"
)

// TokenStore is the secure-storage collaborator.
type TokenStore interface {
	auth.TokenSource
	SetToken(token string) error
	Clear() error
}

// ConversationUpdate is published on conversation.<id>.updated whenever the
// ordered message list of a conversation changes.
type ConversationUpdate struct {
	ConversationID string
	Messages       []conversation.Message
	Unread         int
}

// Engine runs the realtime sync of one signed-in user: it wires live events
// into the conversation buffer, keeps the cache and unread state current and
// exposes the mutation path used by the outbox.
type Engine struct {
	tokens   TokenStore
	manager  *realtime.Manager
	rooms    *rooms.Tracker
	buffer   *conversation.Buffer
	cache    *cache.Cache
	notifier *notify.Notifier
	remote   remote.Client
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger

	mu      stdsync.Mutex
	userID  string
	ctx     context.Context
	cancel  context.CancelFunc
	unsubs  []func()
	watches map[int]*Watch
	nextID  int
}

// NewEngine creates a new sync engine.
func NewEngine(
	tokens TokenStore,
	manager *realtime.Manager,
	tracker *rooms.Tracker,
	buffer *conversation.Buffer,
	c *cache.Cache,
	notifier *notify.Notifier,
	client remote.Client,
	db *store.DB,
	b *bus.Bus,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		tokens:   tokens,
		manager:  manager,
		rooms:    tracker,
		buffer:   buffer,
		cache:    c,
		notifier: notifier,
		remote:   client,
		db:       db,
		bus:      b,
		logger:   logger,
		watches:  make(map[int]*Watch),
	}
}

// Start resumes the stored session. Without a stored token the engine stays
// disconnected until Login.
func (e *Engine) Start(ctx context.Context) error {
	token, err := e.tokens.GetToken()
	if err != nil {
		return appErrors.Wrap(appErrors.CodeInternal, "read auth token", err)
	}
	if token == "" {
		e.logger.Info("no auth token found, sign in required")
		return nil
	}
	return e.startSession(ctx, token)
}

// Login stores token and starts a session for its user. Logging in while a
// session is live replaces it.
func (e *Engine) Login(ctx context.Context, token string) error {
	userID, err := auth.UserIDFromToken(token)
	if err != nil {
		return err
	}
	if current := e.UserID(); current != "" {
		if current == userID {
			return e.manager.Connect(token)
		}
		if err := e.Logout(ctx); err != nil {
			return err
		}
	}
	if err := e.tokens.SetToken(token); err != nil {
		return appErrors.Wrap(appErrors.CodeInternal, "store auth token", err)
	}
	return e.startSession(ctx, token)
}

func (e *Engine) startSession(ctx context.Context, token string) error {
	userID, err := auth.UserIDFromToken(token)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.userID = userID
	if e.cancel != nil {
		e.cancel()
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	e.subscribe()
	e.notifier.Load(ctx, userID)

	if err := e.rooms.Join(wire.UserRoom(userID)); err != nil {
		return err
	}
	if err := e.RefreshMatches(ctx); err != nil {
		// The socket still delivers matches; REST is the fallback.
		e.logger.Warn("fetch matches", zap.Error(err))
	}

	e.logger.Info("session started", zap.String("user_id", userID))
	return e.manager.Connect(token)
}

func (e *Engine) subscribe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unsubs != nil {
		return
	}
	e.unsubs = []func(){
		e.manager.On(wire.EventPrivateMessage, e.handlePrivateMessage),
		e.manager.On(wire.EventNewMatch, e.handleNewMatch),
		e.manager.OnLifecycle(e.rooms.HandleLifecycle),
		e.manager.OnLifecycle(e.handleLifecycle),
	}
}

func (e *Engine) unsubscribe() {
	e.mu.Lock()
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// UserID returns the signed-in user, or "" when signed out.
func (e *Engine) UserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

// Status returns the realtime connection record.
func (e *Engine) Status() status.Connection {
	return e.manager.Status()
}

// Rooms returns the room membership set.
func (e *Engine) Rooms() []string {
	return e.rooms.Rooms()
}

// RefreshMatches fetches the match list, records it as known and joins every
// match room.
func (e *Engine) RefreshMatches(ctx context.Context) error {
	userID := e.UserID()
	if userID == "" {
		return appErrors.ErrNoToken
	}
	matches, err := e.remote.FetchMatches(ctx, userID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		if m.ID == "" {
			continue
		}
		ids = append(ids, m.ID)
		if err := e.rooms.Join(wire.MatchRoom(m.ID)); err != nil {
			e.logger.Warn("join match room", zap.String("match_id", m.ID), zap.Error(err))
		}
	}
	e.notifier.SetKnownMatches(ids)
	e.logger.Debug("matches refreshed", zap.Int("count", len(ids)))
	return nil
}

func (e *Engine) handlePrivateMessage(data json.RawMessage) {
	var pm wire.PrivateMessage
	if err := json.Unmarshal(data, &pm); err != nil {
		e.logger.Warn("malformed privateMessage", zap.Error(err))
		return
	}
	msg := conversation.FromWire(pm)
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	outcome := e.Ingest(msg.ConversationID, msg)
	e.logger.Debug("live message",
		zap.String("conversation_id", msg.ConversationID),
		zap.String("msg_id", msg.ID),
		zap.Stringer("outcome", outcome))
	if outcome.Changed() && msg.ReceiverID == e.UserID() {
		e.notifier.Refresh(msg.ConversationID)
	}
}

func (e *Engine) handleNewMatch(data json.RawMessage) {
	var nm wire.NewMatch
	if err := json.Unmarshal(data, &nm); err != nil {
		e.logger.Warn("malformed newMatch", zap.Error(err))
		return
	}
	if !nm.Involves(e.UserID()) {
		return
	}
	e.notifier.HandleNewMatch(nm)
	if err := e.rooms.Join(wire.MatchRoom(nm.MatchID)); err != nil {
		e.logger.Warn("join match room", zap.String("match_id", nm.MatchID), zap.Error(err))
	}
}

func (e *Engine) handleLifecycle(l realtime.Lifecycle) {
	if l.Kind != realtime.LifecycleConnected || !l.Reconnected {
		return
	}
	// Catch up on what was missed while the socket was down.
	e.mu.Lock()
	ctx := e.ctx
	convs := make(map[string]struct{})
	for _, w := range e.watches {
		convs[w.ConversationID] = struct{}{}
	}
	e.mu.Unlock()
	for id := range convs {
		id := id
		go func() {
			if err := e.refresh(ctx, id); err != nil {
				e.logger.Warn("resync after reconnect", zap.String("conversation_id", id), zap.Error(err))
			}
		}()
	}
}

// Ingest merges one message and persists the conversation when it changed.
func (e *Engine) Ingest(conversationID string, msg conversation.Message) conversation.Outcome {
	outcome := e.buffer.Ingest(conversationID, msg)
	if outcome.Changed() {
		e.persist(conversationID)
	}
	return outcome
}

// Confirm reconciles an optimistic entry with its server copy. When the copy
// already arrived over the socket the placeholder is simply dropped.
func (e *Engine) Confirm(conversationID, tempID string, confirmed conversation.Message) {
	if !e.buffer.Confirm(conversationID, tempID, confirmed) {
		if !e.buffer.Ingest(conversationID, confirmed).Changed() {
			return
		}
	}
	e.persist(conversationID)
}

// Rollback removes an optimistic entry.
func (e *Engine) Rollback(conversationID, tempID string) {
	if e.buffer.Remove(conversationID, tempID) {
		e.persist(conversationID)
	}
}

// MarkFailed keeps an optimistic entry visible in the failed state.
func (e *Engine) MarkFailed(conversationID, tempID string) {
	if e.buffer.MarkFailed(conversationID, tempID) {
		e.persist(conversationID)
	}
}

// MarkRead marks every incoming message of a conversation as read.
func (e *Engine) MarkRead(conversationID string) int {
	n := e.notifier.MarkConversationRead(conversationID)
	if n > 0 {
		e.publishUpdate(conversationID)
	}
	return n
}

// Unread returns the unread count of a conversation.
func (e *Engine) Unread(conversationID string) int {
	return e.notifier.Unread(conversationID)
}

// UnreadAll returns the unread count of every conversation with unread messages.
func (e *Engine) UnreadAll() map[string]int {
	return e.notifier.UnreadAll()
}

// persist schedules a cache write of the conversation. The snapshot is read
// when the write runs, so the last write for a key stores the newest state.
func (e *Engine) persist(conversationID string) {
	if userID := e.UserID(); userID != "" {
		e.cache.SaveLatest(conversationID, userID, func() ([]conversation.Message, bool) {
			// Signed out or switched user since scheduling: the buffer no
			// longer belongs to userID.
			if e.UserID() != userID {
				return nil, false
			}
			return e.buffer.Snapshot(conversationID), true
		})
	}
	e.publishUpdate(conversationID)
	e.bus.Publish(bus.NewEvent(bus.KindMessageIngested, conversationID))
}

func (e *Engine) publishUpdate(conversationID string) {
	e.bus.Publish(bus.NewEvent(bus.ConversationUpdated(conversationID), ConversationUpdate{
		ConversationID: conversationID,
		Messages:       e.buffer.Snapshot(conversationID),
		Unread:         e.notifier.Unread(conversationID),
	}))
}

// refresh fetches the conversation over REST, merges it and records the
// fetch checkpoint.
func (e *Engine) refresh(ctx context.Context, conversationID string) error {
	msgs, err := e.remote.FetchMessages(ctx, conversationID)
	if err != nil {
		return err
	}
	if e.buffer.IngestAll(conversationID, msgs) {
		e.persist(conversationID)
	}
	key := store.FetchCheckpointKey(e.UserID(), conversationID)
	if err := e.db.UpdateCheckpoint(key, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		e.logger.Warn("update fetch checkpoint", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return nil
}

// LastFetched returns when the conversation was last fetched over REST.
func (e *Engine) LastFetched(conversationID string) (time.Time, bool) {
	v, err := e.db.GetCheckpoint(store.FetchCheckpointKey(e.UserID(), conversationID))
	if err != nil || v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Logout tears the session down: no reconnect follows, rooms and in-memory
// state are cleared and the stored token is removed.
func (e *Engine) Logout(ctx context.Context) error {
	e.manager.Disconnect()
	e.rooms.Clear()
	e.closeWatches()
	e.cache.Flush()

	// Clearing the user before the buffer makes any write still queued skip
	// instead of storing the emptied buffer.
	e.mu.Lock()
	userID := e.userID
	e.userID = ""
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.mu.Unlock()

	e.buffer.Reset()
	e.notifier.Reset()

	if err := e.tokens.Clear(); err != nil {
		return appErrors.Wrap(appErrors.CodeInternal, "clear auth token", err)
	}
	e.logger.Info("logged out", zap.String("user_id", userID))
	return nil
}

// Stop disconnects without clearing any state.
func (e *Engine) Stop() {
	e.manager.Disconnect()
	e.unsubscribe()
	e.closeWatches()
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.mu.Unlock()
	e.cache.Flush()
}
