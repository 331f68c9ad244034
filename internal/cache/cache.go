// Package cache is the single write path to local persistence. Writes are
// fire-and-forget for callers, serialized per key, and always visible to the
// next load of the same key.
package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/matchsync/internal/conversation"
	appErrors "github.com/matheus3301/matchsync/pkg/errors"
	"go.uber.org/zap"
)

// Backend persists conversation snapshots, read state and announced matches.
// *store.DB and *rediscache.Store implement it.
type Backend interface {
	SaveMessages(ctx context.Context, conversationID, localUserID string, msgs []conversation.Message) error
	LoadMessages(ctx context.Context, conversationID, localUserID string) ([]conversation.Message, error)
	AddReadState(ctx context.Context, localUserID string, messageIDs []string) error
	LoadReadState(ctx context.Context, localUserID string) (map[string]struct{}, error)
	AddSeenMatches(ctx context.Context, localUserID string, matchIDs []string) error
	LoadSeenMatches(ctx context.Context, localUserID string) (map[string]struct{}, error)
}

const writeTimeout = 10 * time.Second

// Cache wraps a Backend with per-key write ordering and miss-on-error loads.
type Cache struct {
	backend Backend
	logger  *zap.Logger

	mu    sync.Mutex
	tails map[string]chan struct{}
	wg    sync.WaitGroup
}

// New creates a cache over the given backend.
func New(backend Backend, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		backend: backend,
		logger:  logger,
		tails:   make(map[string]chan struct{}),
	}
}

func messagesKey(conversationID, localUserID string) string {
	return "messages/" + localUserID + "/" + conversationID
}

func readStateKey(localUserID string) string { return "read/" + localUserID }

func seenMatchesKey(localUserID string) string { return "matches/" + localUserID }

// Save schedules a replacement of the cached snapshot for (conversationID, localUserID).
func (c *Cache) Save(conversationID, localUserID string, msgs []conversation.Message) {
	msgs = slices.Clone(msgs)
	c.enqueue(messagesKey(conversationID, localUserID), func(ctx context.Context) error {
		return c.backend.SaveMessages(ctx, conversationID, localUserID, msgs)
	})
}

// SaveLatest schedules a write of whatever snapshot returns when the write
// runs, not when it is scheduled. A false ok skips the write.
func (c *Cache) SaveLatest(conversationID, localUserID string, snapshot func() (msgs []conversation.Message, ok bool)) {
	c.enqueue(messagesKey(conversationID, localUserID), func(ctx context.Context) error {
		msgs, ok := snapshot()
		if !ok {
			return nil
		}
		return c.backend.SaveMessages(ctx, conversationID, localUserID, msgs)
	})
}

// Load returns the cached snapshot. A miss or a backend failure yields an
// empty slice so the caller falls back to a remote fetch.
func (c *Cache) Load(ctx context.Context, conversationID, localUserID string) []conversation.Message {
	c.wait(ctx, messagesKey(conversationID, localUserID))
	msgs, err := c.backend.LoadMessages(ctx, conversationID, localUserID)
	if err != nil {
		c.logger.Warn("cache load failed, treating as miss",
			zap.Error(appErrors.Cache("load messages", err)),
			zap.String("conversation_id", conversationID))
		return []conversation.Message{}
	}
	if msgs == nil {
		return []conversation.Message{}
	}
	return msgs
}

// SaveReadState schedules adding message ids to the user's read set.
func (c *Cache) SaveReadState(localUserID string, messageIDs []string) {
	ids := slices.Clone(messageIDs)
	c.enqueue(readStateKey(localUserID), func(ctx context.Context) error {
		return c.backend.AddReadState(ctx, localUserID, ids)
	})
}

// LoadReadState returns the user's read set, empty on miss or failure.
func (c *Cache) LoadReadState(ctx context.Context, localUserID string) map[string]struct{} {
	c.wait(ctx, readStateKey(localUserID))
	set, err := c.backend.LoadReadState(ctx, localUserID)
	if err != nil {
		c.logger.Warn("cache load failed, treating as miss",
			zap.Error(appErrors.Cache("load read state", err)),
			zap.String("local_user_id", localUserID))
		return map[string]struct{}{}
	}
	if set == nil {
		return map[string]struct{}{}
	}
	return set
}

// SaveSeenMatches schedules recording announced match ids.
func (c *Cache) SaveSeenMatches(localUserID string, matchIDs []string) {
	ids := slices.Clone(matchIDs)
	c.enqueue(seenMatchesKey(localUserID), func(ctx context.Context) error {
		return c.backend.AddSeenMatches(ctx, localUserID, ids)
	})
}

// LoadSeenMatches returns the announced match ids, empty on miss or failure.
func (c *Cache) LoadSeenMatches(ctx context.Context, localUserID string) map[string]struct{} {
	c.wait(ctx, seenMatchesKey(localUserID))
	set, err := c.backend.LoadSeenMatches(ctx, localUserID)
	if err != nil {
		c.logger.Warn("cache load failed, treating as miss",
			zap.Error(appErrors.Cache("load seen matches", err)),
			zap.String("local_user_id", localUserID))
		return map[string]struct{}{}
	}
	if set == nil {
		return map[string]struct{}{}
	}
	return set
}

// enqueue chains write behind the last write scheduled for key.
func (c *Cache) enqueue(key string, write func(ctx context.Context) error) {
	done := make(chan struct{})
	c.mu.Lock()
	prev := c.tails[key]
	c.tails[key] = done
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := write(ctx)
		cancel()
		if err != nil {
			c.logger.Error("cache write failed", zap.Error(appErrors.Cache("write", err)), zap.String("key", key))
		}

		c.mu.Lock()
		if c.tails[key] == done {
			delete(c.tails, key)
		}
		c.mu.Unlock()
		close(done)
	}()
}

// wait blocks until every write scheduled for key so far has finished.
func (c *Cache) wait(ctx context.Context, key string) {
	c.mu.Lock()
	tail := c.tails[key]
	c.mu.Unlock()
	if tail == nil {
		return
	}
	select {
	case <-tail:
	case <-ctx.Done():
	}
}

// Flush waits for every scheduled write.
func (c *Cache) Flush() {
	c.wg.Wait()
}

// Close flushes pending writes.
func (c *Cache) Close() error {
	c.Flush()
	return nil
}
