package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EnqueueMessage inserts a web-originated send request and returns its id.
func (db *DB) EnqueueMessage(accountID int64, conversationID int64, addresses []string, body string) (int64, error) {
	addrs, err := json.Marshal(addresses)
	if err != nil {
		return 0, fmt.Errorf("marshal addresses: %w", err)
	}
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO queued_messages (account_id, conversation_id, addresses, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		accountID, nullableInt(conversationID), string(addrs), body, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PickupQueued selects and marks all undelivered entries for an account in
// one transaction, oldest first. The select and the mark share the same
// predicate inside the transaction, so a concurrent pickup can never return
// the same entry twice.
func (db *DB) PickupQueued(accountID int64) ([]QueuedMessage, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
		SELECT id, account_id, conversation_id, addresses, body, picked_up, sent, device_message_id, created_at
		FROM queued_messages
		WHERE account_id = ? AND picked_up = 0 AND sent = 0
		ORDER BY created_at ASC, id ASC`, accountID)
	if err != nil {
		return nil, err
	}
	entries, err := scanQueued(rows)
	if err != nil {
		return nil, err
	}

	if len(entries) > 0 {
		now := time.Now().UnixMilli()
		if _, err := tx.Exec(`
			UPDATE queued_messages SET picked_up = 1, updated_at = ?
			WHERE account_id = ? AND picked_up = 0 AND sent = 0`,
			now, accountID); err != nil {
			return nil, fmt.Errorf("mark picked up: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit pickup: %w", err)
	}
	for i := range entries {
		entries[i].PickedUp = true
	}
	return entries, nil
}

// ConfirmQueued marks an entry sent and records the device message id.
// Returns the entry and whether it had already been confirmed; re-confirms
// are idempotent no-ops. Unknown (id, account) pairs return ErrNotFound.
func (db *DB) ConfirmQueued(accountID, queueID, deviceMessageID int64) (*QueuedMessage, bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var e QueuedMessage
	var convID, devMsgID sql.NullInt64
	var addrs string
	err = tx.QueryRow(`
		SELECT id, account_id, conversation_id, addresses, body, picked_up, sent, device_message_id, created_at
		FROM queued_messages WHERE id = ? AND account_id = ?`, queueID, accountID).
		Scan(&e.ID, &e.AccountID, &convID, &addrs, &e.Body, &e.PickedUp, &e.Sent, &devMsgID, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}
	e.ConversationID = convID.Int64
	e.DeviceMessageID = devMsgID.Int64
	if err := json.Unmarshal([]byte(addrs), &e.Addresses); err != nil {
		return nil, false, fmt.Errorf("unmarshal addresses: %w", err)
	}

	if e.Sent {
		return &e, true, nil
	}

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		UPDATE queued_messages SET sent = 1, device_message_id = ?, updated_at = ?
		WHERE id = ?`, deviceMessageID, now, queueID); err != nil {
		return nil, false, fmt.Errorf("mark sent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit confirm: %w", err)
	}
	e.Sent = true
	e.DeviceMessageID = deviceMessageID
	return &e, false, nil
}

func scanQueued(rows *sql.Rows) ([]QueuedMessage, error) {
	defer func() { _ = rows.Close() }()

	var entries []QueuedMessage
	for rows.Next() {
		var e QueuedMessage
		var convID, devMsgID sql.NullInt64
		var addrs string
		if err := rows.Scan(&e.ID, &e.AccountID, &convID, &addrs, &e.Body, &e.PickedUp, &e.Sent, &devMsgID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ConversationID = convID.Int64
		e.DeviceMessageID = devMsgID.Int64
		if err := json.Unmarshal([]byte(addrs), &e.Addresses); err != nil {
			return nil, fmt.Errorf("unmarshal addresses: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
