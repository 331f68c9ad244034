// Package remotetest provides an in-memory remote.Client.
package remotetest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/matchsync/internal/conversation"
	"github.com/matheus3301/matchsync/internal/remote"
	"github.com/matheus3301/matchsync/internal/wire"
)

// Fake stores messages per conversation and matches per user. Posted
// messages get sequential server ids.
type Fake struct {
	mu       sync.Mutex
	messages map[string][]conversation.Message
	matches  map[string][]remote.Match
	posted   []wire.PrivateMessage
	seq      int

	FetchErr error
	PostErr  error
	// Now stamps posted messages. Defaults to time.Now.
	Now func() time.Time
}

func New() *Fake {
	return &Fake{
		messages: make(map[string][]conversation.Message),
		matches:  make(map[string][]remote.Match),
		Now:      time.Now,
	}
}

// AddMessages seeds the history of a conversation.
func (f *Fake) AddMessages(conversationID string, msgs ...conversation.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[conversationID] = append(f.messages[conversationID], msgs...)
}

// SetMatches replaces the match list of a user.
func (f *Fake) SetMatches(userID string, matches ...remote.Match) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.matches[userID] = matches
}

// SetPostErr changes the error returned by PostMessage.
func (f *Fake) SetPostErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PostErr = err
}

// Posted returns every accepted PostMessage payload.
func (f *Fake) Posted() []wire.PrivateMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.posted)
}

func (f *Fake) FetchMessages(_ context.Context, conversationID string) ([]conversation.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	return slices.Clone(f.messages[conversationID]), nil
}

func (f *Fake) FetchMatches(_ context.Context, userID string) ([]remote.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	return slices.Clone(f.matches[userID]), nil
}

func (f *Fake) PostMessage(_ context.Context, pm wire.PrivateMessage) (conversation.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PostErr != nil {
		return conversation.Message{}, f.PostErr
	}
	f.seq++
	pm.ID = fmt.Sprintf("srv-%d", f.seq)
	pm.CreatedAt = wire.NewTimestamp(f.Now())
	f.posted = append(f.posted, pm)

	m := conversation.FromWire(pm)
	f.messages[m.ConversationID] = append(f.messages[m.ConversationID], m)
	return m, nil
}
