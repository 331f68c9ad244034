package store

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/matchsync/internal/conversation"
)

// SaveMessages replaces the cached snapshot of one conversation for one local user.
func (db *DB) SaveMessages(ctx context.Context, conversationID, localUserID string, msgs []conversation.Message) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM cached_messages WHERE conversation_id = ? AND local_user_id = ?`,
		conversationID, localUserID); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}

	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cached_messages (conversation_id, local_user_id, msg_id, sender_id, receiver_id, content, created_at, delivery_state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, local_user_id, msg_id) DO UPDATE SET
				content = excluded.content,
				created_at = excluded.created_at,
				delivery_state = excluded.delivery_state`,
			conversationID, localUserID, m.ID, m.SenderID, m.ReceiverID, m.Content, m.CreatedAt.UnixMilli(), string(m.State)); err != nil {
			return fmt.Errorf("insert message %q: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// LoadMessages returns the cached snapshot ordered by (created_at, msg_id).
// A cache miss yields an empty slice.
func (db *DB) LoadMessages(ctx context.Context, conversationID, localUserID string) ([]conversation.Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT msg_id, sender_id, receiver_id, content, created_at, delivery_state
		FROM cached_messages
		WHERE conversation_id = ? AND local_user_id = ?
		ORDER BY created_at ASC, msg_id ASC`, conversationID, localUserID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	msgs := []conversation.Message{}
	for rows.Next() {
		var (
			m       conversation.Message
			created int64
			state   string
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &created, &state); err != nil {
			return nil, err
		}
		m.ConversationID = conversationID
		m.CreatedAt = time.UnixMilli(created).UTC()
		m.State = conversation.DeliveryState(state)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
