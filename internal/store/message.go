package store

import (
	"database/sql"
	"time"
)

// CreateMessageIfAbsent inserts a message keyed by (account_id, message_id).
// If the row already exists, only read/seen/updated_at are refreshed. Returns
// true when a new row was created, so idempotent re-syncs count zero.
func (db *DB) CreateMessageIfAbsent(m *Message) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT OR IGNORE INTO messages
			(account_id, message_id, conversation_id, sender, body, kind, date, date_sent, read, seen, is_me, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.AccountID, m.MessageID, m.ConversationID, m.Sender, m.Body, m.Kind,
		m.Date, nullableInt(m.DateSent), m.Read, m.Seen, m.IsMe, now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	// Existing row: everything but the flags is immutable.
	_, err = db.Exec(`
		UPDATE messages SET read = ?, seen = ?, updated_at = ?
		WHERE account_id = ? AND message_id = ?`,
		m.Read, m.Seen, now, m.AccountID, m.MessageID)
	return false, err
}

// UpdateMessageFlags applies a read/seen change by id. Returns false for
// unknown ids, which callers ignore rather than fail on.
func (db *DB) UpdateMessageFlags(accountID, messageID int64, read, seen bool) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE messages SET read = ?, seen = ?, updated_at = ?
		WHERE account_id = ? AND message_id = ?`,
		read, seen, now, accountID, messageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetMessage returns a single message, or ErrNotFound.
func (db *DB) GetMessage(accountID, messageID int64) (*Message, error) {
	var m Message
	var dateSent sql.NullInt64
	err := db.QueryRow(`
		SELECT account_id, message_id, conversation_id, sender, body, kind, date, date_sent, read, seen, is_me
		FROM messages WHERE account_id = ? AND message_id = ?`,
		accountID, messageID).
		Scan(&m.AccountID, &m.MessageID, &m.ConversationID, &m.Sender, &m.Body, &m.Kind,
			&m.Date, &dateSent, &m.Read, &m.Seen, &m.IsMe)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.DateSent = dateSent.Int64
	return &m, nil
}

// ListMessages returns a conversation's messages using keyset pagination by date.
func (db *DB) ListMessages(accountID, conversationID, beforeDate int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeDate <= 0 {
		beforeDate = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT account_id, message_id, conversation_id, sender, body, kind, date, date_sent, read, seen, is_me
		FROM messages
		WHERE account_id = ? AND conversation_id = ? AND date < ?
		ORDER BY date DESC LIMIT ?`, accountID, conversationID, beforeDate, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var dateSent sql.NullInt64
		if err := rows.Scan(&m.AccountID, &m.MessageID, &m.ConversationID, &m.Sender, &m.Body, &m.Kind,
			&m.Date, &dateSent, &m.Read, &m.Seen, &m.IsMe); err != nil {
			return nil, err
		}
		m.DateSent = dateSent.Int64
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessages returns the stored message count for an account.
func (db *DB) CountMessages(accountID int64) (int64, error) {
	var n int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE account_id = ?`, accountID).Scan(&n)
	return n, err
}

func nullableInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
