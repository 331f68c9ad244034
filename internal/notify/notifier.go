// Package notify derives unread counts and new-match signals from the
// conversation buffer and the persisted read state.
package notify

import (
	"context"
	"slices"
	"sync"

	"github.com/matheus3301/matchsync/internal/bus"
	"github.com/matheus3301/matchsync/internal/conversation"
	"github.com/matheus3301/matchsync/internal/wire"
	"go.uber.org/zap"
)

// Store persists read state and seen matches. *cache.Cache satisfies it.
type Store interface {
	SaveReadState(localUserID string, messageIDs []string)
	LoadReadState(ctx context.Context, localUserID string) map[string]struct{}
	SaveSeenMatches(localUserID string, matchIDs []string)
	LoadSeenMatches(ctx context.Context, localUserID string) map[string]struct{}
}

// Messages exposes conversation contents. *conversation.Buffer satisfies it.
type Messages interface {
	Snapshot(conversationID string) []conversation.Message
	Conversations() []string
}

// UnreadChange is the payload of notify.unread_changed.
type UnreadChange struct {
	ConversationID string
	Unread         int
}

// MatchSignal is the payload of notify.new_match.
type MatchSignal struct {
	MatchID string
	Users   []string
}

// UnreadCount counts the messages addressed to localUserID whose id is not in
// readState.
func UnreadCount(msgs []conversation.Message, localUserID string, readState map[string]struct{}) int {
	n := 0
	for _, m := range msgs {
		if m.ReceiverID != localUserID {
			continue
		}
		if _, read := readState[m.ID]; !read {
			n++
		}
	}
	return n
}

// Notifier tracks read state and seen matches for the signed-in user. It is
// safe for concurrent use.
type Notifier struct {
	store  Store
	msgs   Messages
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	userID string
	read   map[string]struct{}
	known  map[string]struct{}
	seen   map[string]struct{}
}

// New returns a Notifier with no user loaded. A nil bus disables events.
func New(store Store, msgs Messages, b *bus.Bus, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		store:  store,
		msgs:   msgs,
		bus:    b,
		logger: logger,
		read:   make(map[string]struct{}),
		known:  make(map[string]struct{}),
		seen:   make(map[string]struct{}),
	}
}

// Load restores the read state and seen matches of userID.
func (n *Notifier) Load(ctx context.Context, userID string) {
	read := n.store.LoadReadState(ctx, userID)
	seen := n.store.LoadSeenMatches(ctx, userID)

	n.mu.Lock()
	n.userID = userID
	n.read = read
	n.seen = seen
	n.mu.Unlock()

	n.logger.Debug("notifier state loaded",
		zap.String("user_id", userID),
		zap.Int("read", len(read)),
		zap.Int("seen_matches", len(seen)))
}

// Unread returns the unread count of one conversation.
func (n *Notifier) Unread(conversationID string) int {
	msgs := n.msgs.Snapshot(conversationID)
	n.mu.Lock()
	defer n.mu.Unlock()
	return UnreadCount(msgs, n.userID, n.read)
}

// UnreadAll returns the unread count of every conversation with at least one
// unread message.
func (n *Notifier) UnreadAll() map[string]int {
	out := make(map[string]int)
	for _, id := range n.msgs.Conversations() {
		if c := n.Unread(id); c > 0 {
			out[id] = c
		}
	}
	return out
}

// Refresh publishes the current unread count of a conversation.
func (n *Notifier) Refresh(conversationID string) {
	n.publish(bus.KindUnreadChanged, UnreadChange{
		ConversationID: conversationID,
		Unread:         n.Unread(conversationID),
	})
}

// MarkConversationRead adds every incoming message of the conversation to the
// read state and persists the additions. It returns how many ids were new.
func (n *Notifier) MarkConversationRead(conversationID string) int {
	msgs := n.msgs.Snapshot(conversationID)

	n.mu.Lock()
	var added []string
	for _, m := range msgs {
		if m.ReceiverID != n.userID || m.ID == "" {
			continue
		}
		if _, ok := n.read[m.ID]; ok {
			continue
		}
		n.read[m.ID] = struct{}{}
		added = append(added, m.ID)
	}
	userID := n.userID
	n.mu.Unlock()

	if len(added) == 0 {
		return 0
	}
	n.store.SaveReadState(userID, added)
	n.logger.Debug("conversation marked read",
		zap.String("conversation_id", conversationID), zap.Int("count", len(added)))
	n.publish(bus.KindUnreadChanged, UnreadChange{ConversationID: conversationID})
	return len(added)
}

// SetKnownMatches records the last fetched match list. Matches in it never
// raise a signal.
func (n *Notifier) SetKnownMatches(matchIDs []string) {
	known := make(map[string]struct{}, len(matchIDs))
	for _, id := range matchIDs {
		known[id] = struct{}{}
	}
	n.mu.Lock()
	n.known = known
	n.mu.Unlock()
}

// HandleNewMatch raises notify.new_match the first time a live match for the
// local user is seen that was not in the fetched list. It reports whether the
// signal fired.
func (n *Notifier) HandleNewMatch(evt wire.NewMatch) bool {
	if evt.MatchID == "" {
		return false
	}
	n.mu.Lock()
	if n.userID == "" || !evt.Involves(n.userID) {
		n.mu.Unlock()
		return false
	}
	if _, ok := n.known[evt.MatchID]; ok {
		n.mu.Unlock()
		return false
	}
	if _, ok := n.seen[evt.MatchID]; ok {
		n.mu.Unlock()
		return false
	}
	n.seen[evt.MatchID] = struct{}{}
	userID := n.userID
	n.mu.Unlock()

	n.store.SaveSeenMatches(userID, []string{evt.MatchID})
	n.logger.Info("new match", zap.String("match_id", evt.MatchID))
	n.publish(bus.KindNewMatch, MatchSignal{MatchID: evt.MatchID, Users: slices.Clone(evt.Users)})
	return true
}

// Reset forgets the signed-in user. Persisted state is left alone.
func (n *Notifier) Reset() {
	n.mu.Lock()
	n.userID = ""
	n.read = make(map[string]struct{})
	n.known = make(map[string]struct{})
	n.seen = make(map[string]struct{})
	n.mu.Unlock()
}

func (n *Notifier) publish(kind string, payload any) {
	if n.bus != nil {
		n.bus.Publish(bus.NewEvent(kind, payload))
	}
}
