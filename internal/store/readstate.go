package store

import (
	"context"
	"fmt"
	"time"
)

// AddReadState adds message ids to the local user's read set. Existing ids are kept.
func (db *DB) AddReadState(ctx context.Context, localUserID string, messageIDs []string) error {
	return db.addToSet(ctx, `
		INSERT INTO read_state (local_user_id, message_id, marked_at)
		VALUES (?, ?, ?)
		ON CONFLICT(local_user_id, message_id) DO NOTHING`, localUserID, messageIDs)
}

// LoadReadState returns the local user's read set. Unknown users get an empty set.
func (db *DB) LoadReadState(ctx context.Context, localUserID string) (map[string]struct{}, error) {
	return db.loadSet(ctx, `SELECT message_id FROM read_state WHERE local_user_id = ?`, localUserID)
}

// AddSeenMatches records match ids that have already been announced.
func (db *DB) AddSeenMatches(ctx context.Context, localUserID string, matchIDs []string) error {
	return db.addToSet(ctx, `
		INSERT INTO seen_matches (local_user_id, match_id, seen_at)
		VALUES (?, ?, ?)
		ON CONFLICT(local_user_id, match_id) DO NOTHING`, localUserID, matchIDs)
}

// LoadSeenMatches returns the announced match ids for the local user.
func (db *DB) LoadSeenMatches(ctx context.Context, localUserID string) (map[string]struct{}, error) {
	return db.loadSet(ctx, `SELECT match_id FROM seen_matches WHERE local_user_id = ?`, localUserID)
}

func (db *DB) addToSet(ctx context.Context, query, localUserID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, query, localUserID, id, now); err != nil {
			return fmt.Errorf("insert %q: %w", id, err)
		}
	}
	return tx.Commit()
}

func (db *DB) loadSet(ctx context.Context, query, localUserID string) (map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx, query, localUserID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	set := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		set[id] = struct{}{}
	}
	return set, rows.Err()
}
