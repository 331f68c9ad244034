package sync

import (
	"context"
	stdsync "sync"

	"github.com/matheus3301/matchsync/internal/bus"
	"github.com/matheus3301/matchsync/internal/conversation"
	"github.com/matheus3301/matchsync/internal/wire"
	appErrors "github.com/matheus3301/matchsync/pkg/errors"
	"go.uber.org/zap"
)

// Watch is an open conversation. Updates carries the latest state after every
// change; intermediate states may be skipped by a slow reader. The channel is
// closed by Close.
type Watch struct {
	ID             int
	ConversationID string
	Snapshot       []conversation.Message
	Unread         int
	Updates        <-chan ConversationUpdate

	once  stdsync.Once
	close func()
}

// Close stops the updates. It does not leave the room.
func (w *Watch) Close() {
	w.once.Do(func() {
		if w.close != nil {
			w.close()
		}
	})
}

// OpenConversation loads a conversation from the cache, refreshes it over
// REST and starts watching it. Match rooms are joined so live messages keep
// flowing after the watch is closed.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) (*Watch, error) {
	if conversationID == "" {
		return nil, appErrors.InvalidArg("conversation id is required")
	}
	userID := e.UserID()
	if userID == "" {
		return nil, appErrors.ErrNoToken
	}
	if wire.IsMatchRoom(conversationID) {
		if err := e.rooms.Join(conversationID); err != nil {
			return nil, err
		}
	}

	// Subscribe first so nothing ingested while loading is missed.
	w := e.watch(conversationID)

	if cached := e.cache.Load(ctx, conversationID, userID); len(cached) > 0 {
		e.buffer.IngestAll(conversationID, cached)
	}
	if err := e.refresh(ctx, conversationID); err != nil {
		e.logger.Warn("fetch conversation, serving cached copy",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}

	w.Snapshot = e.buffer.Snapshot(conversationID)
	w.Unread = e.notifier.Unread(conversationID)
	return w, nil
}

// CloseConversation closes the watch with the given id. Unknown ids are ignored.
func (e *Engine) CloseConversation(watchID int) {
	e.mu.Lock()
	w := e.watches[watchID]
	e.mu.Unlock()
	if w != nil {
		w.Close()
	}
}

// OpenWatches returns how many watches are open.
func (e *Engine) OpenWatches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.watches)
}

func (e *Engine) watch(conversationID string) *Watch {
	events, unsub := e.bus.Subscribe(bus.ConversationNamespace(conversationID), 32)
	out := make(chan ConversationUpdate, 1)
	done := make(chan struct{})

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	w := &Watch{ID: id, ConversationID: conversationID, Updates: out}
	e.watches[id] = w
	e.mu.Unlock()

	var wg stdsync.WaitGroup
	w.close = func() {
		unsub()
		close(done)
		wg.Wait()
		e.mu.Lock()
		delete(e.watches, id)
		e.mu.Unlock()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)
		for {
			select {
			case evt := <-events:
				u, ok := evt.Payload.(ConversationUpdate)
				if !ok {
					continue
				}
				// Keep only the newest state for a slow reader.
				select {
				case out <- u:
				default:
					select {
					case <-out:
					default:
					}
					out <- u
				}
			case <-done:
				return
			}
		}
	}()
	return w
}

func (e *Engine) closeWatches() {
	e.mu.Lock()
	ws := make([]*Watch, 0, len(e.watches))
	for _, w := range e.watches {
		ws = append(ws, w)
	}
	e.mu.Unlock()
	for _, w := range ws {
		w.Close()
	}
}
