// Package rediscache is a cache backend that keeps conversation snapshots and
// per-user sets in Redis.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/matchsync/internal/conversation"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "matchsync:"

// Store implements cache.Backend on a Redis client.
type Store struct {
	rdb *redis.Client
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

type cachedMessage struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	CreatedAt  int64  `json:"createdAt"`
	State      string `json:"state"`
}

func messagesKey(conversationID, localUserID string) string {
	return keyPrefix + "msgs:" + localUserID + ":" + conversationID
}

func readKey(localUserID string) string    { return keyPrefix + "read:" + localUserID }
func matchesKey(localUserID string) string { return keyPrefix + "matches:" + localUserID }

// SaveMessages replaces the snapshot stored for one conversation.
func (s *Store) SaveMessages(ctx context.Context, conversationID, localUserID string, msgs []conversation.Message) error {
	out := make([]cachedMessage, len(msgs))
	for i, m := range msgs {
		out[i] = cachedMessage{
			ID:         m.ID,
			SenderID:   m.SenderID,
			ReceiverID: m.ReceiverID,
			Content:    m.Content,
			CreatedAt:  m.CreatedAt.UnixMilli(),
			State:      string(m.State),
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.rdb.Set(ctx, messagesKey(conversationID, localUserID), data, 0).Err()
}

// LoadMessages returns the stored snapshot, or an empty slice on a miss.
func (s *Store) LoadMessages(ctx context.Context, conversationID, localUserID string) ([]conversation.Message, error) {
	data, err := s.rdb.Get(ctx, messagesKey(conversationID, localUserID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []conversation.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	var in []cachedMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	msgs := make([]conversation.Message, len(in))
	for i, m := range in {
		msgs[i] = conversation.Message{
			ID:             m.ID,
			ConversationID: conversationID,
			SenderID:       m.SenderID,
			ReceiverID:     m.ReceiverID,
			Content:        m.Content,
			CreatedAt:      time.UnixMilli(m.CreatedAt).UTC(),
			State:          conversation.DeliveryState(m.State),
		}
	}
	return msgs, nil
}

func (s *Store) AddReadState(ctx context.Context, localUserID string, messageIDs []string) error {
	return s.addToSet(ctx, readKey(localUserID), messageIDs)
}

func (s *Store) LoadReadState(ctx context.Context, localUserID string) (map[string]struct{}, error) {
	return s.loadSet(ctx, readKey(localUserID))
}

func (s *Store) AddSeenMatches(ctx context.Context, localUserID string, matchIDs []string) error {
	return s.addToSet(ctx, matchesKey(localUserID), matchIDs)
}

func (s *Store) LoadSeenMatches(ctx context.Context, localUserID string) (map[string]struct{}, error) {
	return s.loadSet(ctx, matchesKey(localUserID))
}

func (s *Store) addToSet(ctx context.Context, key string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	return s.rdb.SAdd(ctx, key, members...).Err()
}

func (s *Store) loadSet(ctx context.Context, key string) (map[string]struct{}, error) {
	ids, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}
