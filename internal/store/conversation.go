package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation. last_message_date only
// moves forward, so out-of-order batches cannot roll it back.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (account_id, conversation_id, display_name, archived, blocked, pinned, last_message_date, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, conversation_id) DO UPDATE SET
			display_name = excluded.display_name,
			archived = excluded.archived,
			blocked = excluded.blocked,
			pinned = excluded.pinned,
			last_message_date = MAX(conversations.last_message_date, excluded.last_message_date),
			updated_at = excluded.updated_at`,
		c.AccountID, c.ConversationID, c.DisplayName, c.Archived, c.Blocked, c.Pinned, c.LastMessageDate, now)
	return err
}

// BumpConversationDate advances last_message_date if date exceeds the stored
// value. Returns true when the row moved.
func (db *DB) BumpConversationDate(accountID, conversationID, date int64) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE conversations SET last_message_date = ?, updated_at = ?
		WHERE account_id = ? AND conversation_id = ? AND last_message_date < ?`,
		date, now, accountID, conversationID, date)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetConversation returns a single conversation, or ErrNotFound.
func (db *DB) GetConversation(accountID, conversationID int64) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT account_id, conversation_id, display_name, archived, blocked, pinned, last_message_date
		FROM conversations WHERE account_id = ? AND conversation_id = ?`,
		accountID, conversationID).
		Scan(&c.AccountID, &c.ConversationID, &c.DisplayName, &c.Archived, &c.Blocked, &c.Pinned, &c.LastMessageDate)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns an account's conversations, most recent first.
func (db *DB) ListConversations(accountID int64, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT account_id, conversation_id, display_name, archived, blocked, pinned, last_message_date
		FROM conversations WHERE account_id = ?
		ORDER BY last_message_date DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.AccountID, &c.ConversationID, &c.DisplayName, &c.Archived, &c.Blocked, &c.Pinned, &c.LastMessageDate); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// UpsertRecipient inserts a recipient or refreshes only its contact name.
func (db *DB) UpsertRecipient(r *Recipient) error {
	_, err := db.Exec(`
		INSERT INTO recipients (account_id, conversation_id, address, contact_name)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, conversation_id, address) DO UPDATE SET
			contact_name = excluded.contact_name`,
		r.AccountID, r.ConversationID, r.Address, r.ContactName)
	return err
}

// ListRecipients returns the addresses of a conversation.
func (db *DB) ListRecipients(accountID, conversationID int64) ([]Recipient, error) {
	rows, err := db.Query(`
		SELECT account_id, conversation_id, address, contact_name
		FROM recipients WHERE account_id = ? AND conversation_id = ?
		ORDER BY address`, accountID, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recips []Recipient
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.AccountID, &r.ConversationID, &r.Address, &r.ContactName); err != nil {
			return nil, err
		}
		recips = append(recips, r)
	}
	return recips, rows.Err()
}
