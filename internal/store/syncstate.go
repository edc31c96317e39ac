package store

import (
	"database/sql"
	"time"
)

// GetSyncState returns the sync row for an account.
func (db *DB) GetSyncState(accountID int64) (*SyncState, error) {
	var s SyncState
	var lastFull, lastIncr sql.NullInt64
	err := db.QueryRow(`
		SELECT account_id, sync_token, total_messages, total_conversations,
		       last_full_sync, last_incremental_sync, sync_in_progress
		FROM sync_state WHERE account_id = ?`, accountID).
		Scan(&s.AccountID, &s.SyncToken, &s.TotalMessages, &s.TotalConversations,
			&lastFull, &lastIncr, &s.SyncInProgress)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.LastFullSync = lastFull.Int64
	s.LastIncrementalSync = lastIncr.Int64
	return &s, nil
}

// SetSyncInProgress flips the in-progress flag.
func (db *DB) SetSyncInProgress(accountID int64, inProgress bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE sync_state SET sync_in_progress = ?, updated_at = ?
		WHERE account_id = ?`, inProgress, now, accountID)
	return err
}

// SetConversationCount records the conversation counter at the start of a
// full sync.
func (db *DB) SetConversationCount(accountID, conversations int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE sync_state SET total_conversations = ?, updated_at = ?
		WHERE account_id = ?`, conversations, now, accountID)
	return err
}

// RecountMessages refreshes the message counter from the messages table.
// Re-applied batches create no rows, so counter arithmetic on created rows
// would drift to zero on an idempotent re-sync; counting the table cannot.
func (db *DB) RecountMessages(accountID int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE sync_state
		SET total_messages = (SELECT COUNT(*) FROM messages WHERE account_id = ?),
		    updated_at = ?
		WHERE account_id = ?`, accountID, now, accountID)
	return err
}

// CompleteFullSync stamps last_full_sync, stores the rotated token, and clears
// the in-progress flag in one statement.
func (db *DB) CompleteFullSync(accountID int64, token string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE sync_state
		SET sync_token = ?, last_full_sync = ?, sync_in_progress = 0, updated_at = ?
		WHERE account_id = ?`, token, now, now, accountID)
	return err
}

// CompleteIncrementalSync stamps last_incremental_sync and stores the rotated
// token.
func (db *DB) CompleteIncrementalSync(accountID int64, token string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE sync_state
		SET sync_token = ?, last_incremental_sync = ?, updated_at = ?
		WHERE account_id = ?`, token, now, now, accountID)
	return err
}
