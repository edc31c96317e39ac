// Package device implements the agent that runs next to the phone's message
// store: it mirrors local SMS/MMS rows up to the server, keeps a sync
// checkpoint, and executes web-originated sends from the server queue.
package device

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/rafaelmp/webtext/internal/device/migrations"
	"github.com/rafaelmp/webtext/internal/wire"
)

// Checkpoint keys in agent_state.
const (
	stateSyncToken = "sync_token"
	stateWatermark = "watermark"
)

// LocalDB is the agent's view of the device message store plus its own sync
// checkpoints.
type LocalDB struct {
	*sql.DB
}

// OpenLocal opens (creating if needed) the agent database at path and runs
// pending migrations.
func OpenLocal(path string) (*LocalDB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open agent database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping agent database: %w", err)
	}

	if err := migrateLocal(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &LocalDB{DB: db}, nil
}

func migrateLocal(db *sql.DB) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up: %w", err)
	}
	return nil
}

// GetState reads one checkpoint value. Missing keys return "".
func (db *LocalDB) GetState(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM agent_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read agent state %q: %w", key, err)
	}
	return value, nil
}

// SetState writes one checkpoint value.
func (db *LocalDB) SetState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO agent_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write agent state %q: %w", key, err)
	}
	return nil
}

// SyncToken returns the stored server sync token, "" when never synced.
func (db *LocalDB) SyncToken() (string, error) {
	return db.GetState(stateSyncToken)
}

// SetSyncToken persists the server sync token after a successful batch.
func (db *LocalDB) SetSyncToken(token string) error {
	return db.SetState(stateSyncToken, token)
}

// Watermark returns the incremental sync watermark in unix millis, 0 when
// never set.
func (db *LocalDB) Watermark() (int64, error) {
	raw, err := db.GetState(stateWatermark)
	if err != nil || raw == "" {
		return 0, err
	}
	mark, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt watermark %q: %w", raw, err)
	}
	return mark, nil
}

// SetWatermark persists the incremental sync watermark.
func (db *LocalDB) SetWatermark(millis int64) error {
	return db.SetState(stateWatermark, strconv.FormatInt(millis, 10))
}

// ListConversations reads every local thread with its recipients.
func (db *LocalDB) ListConversations() ([]wire.Conversation, error) {
	rows, err := db.Query(`
		SELECT thread_id, name, archived, blocked, pinned
		FROM device_conversations
		ORDER BY CAST(thread_id AS INTEGER)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []wire.Conversation
	for rows.Next() {
		var c wire.Conversation
		if err := rows.Scan(&c.ID, &c.Name, &c.Archived, &c.Blocked, &c.Pinned); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range convs {
		recips, err := db.listRecipients(convs[i].ID)
		if err != nil {
			return nil, err
		}
		convs[i].Recipients = recips
	}
	return convs, nil
}

func (db *LocalDB) listRecipients(threadID string) ([]wire.Recipient, error) {
	rows, err := db.Query(`
		SELECT address, name FROM device_recipients WHERE thread_id = ? ORDER BY address
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}
	defer rows.Close()

	var recips []wire.Recipient
	for rows.Next() {
		var r wire.Recipient
		if err := rows.Scan(&r.Address, &r.Name); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		recips = append(recips, r)
	}
	return recips, rows.Err()
}

// UpsertConversation writes one local thread row.
func (db *LocalDB) UpsertConversation(c wire.Conversation) error {
	_, err := db.Exec(`
		INSERT INTO device_conversations (thread_id, name, archived, blocked, pinned)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			name = excluded.name,
			archived = excluded.archived,
			blocked = excluded.blocked,
			pinned = excluded.pinned
	`, c.ID, c.Name, c.Archived, c.Blocked, c.Pinned)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}
	for _, r := range c.Recipients {
		if _, err := db.Exec(`
			INSERT INTO device_recipients (thread_id, address, name) VALUES (?, ?, ?)
			ON CONFLICT(thread_id, address) DO UPDATE SET name = excluded.name
		`, c.ID, r.Address, r.Name); err != nil {
			return fmt.Errorf("failed to upsert recipient: %w", err)
		}
	}
	return nil
}

// InsertMessage writes one local message row.
func (db *LocalDB) InsertMessage(m wire.Message) error {
	_, err := db.Exec(`
		INSERT INTO device_messages
			(msg_id, thread_id, sender, body, kind, date, date_sent, read, seen, is_me, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id) DO UPDATE SET
			read = excluded.read,
			seen = excluded.seen,
			updated_at = excluded.updated_at
	`, m.ID, m.ThreadID, m.Sender, m.Body, m.Type, m.Date, m.DateSent,
		m.Read, m.Seen, m.IsMe, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// ThreadForAddresses resolves the local thread for a recipient set, creating
// one when no existing thread matches. Queue entries may carry only addresses
// and body; the outgoing row still needs a numeric thread id or it can never
// pass wire validation on the next sync.
func (db *LocalDB) ThreadForAddresses(addresses []string) (string, error) {
	if len(addresses) == 0 {
		return "", errors.New("no addresses to resolve a thread for")
	}

	var threadID string
	err := db.QueryRow(`
		SELECT thread_id FROM device_recipients WHERE address = ? LIMIT 1
	`, addresses[0]).Scan(&threadID)
	if err == nil {
		return threadID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to resolve thread: %w", err)
	}

	var max sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(CAST(thread_id AS INTEGER)) FROM device_conversations`).Scan(&max); err != nil {
		return "", fmt.Errorf("failed to allocate thread id: %w", err)
	}
	threadID = strconv.FormatInt(max.Int64+1, 10)

	conv := wire.Conversation{ID: threadID}
	for _, a := range addresses {
		conv.Recipients = append(conv.Recipients, wire.Recipient{Address: a})
	}
	if err := db.UpsertConversation(conv); err != nil {
		return "", err
	}
	return threadID, nil
}

// InsertOutgoing records a message the agent just sent on behalf of a web
// client and returns its new local id.
func (db *LocalDB) InsertOutgoing(threadID, body string) (string, error) {
	if threadID == "" {
		return "", errors.New("outgoing message needs a thread id")
	}
	id, err := db.nextMessageID()
	if err != nil {
		return "", err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO device_messages
			(msg_id, thread_id, sender, body, kind, date, date_sent, read, seen, is_me, updated_at)
		VALUES (?, ?, '', ?, 'sms', ?, ?, 1, 1, 1, ?)
	`, id, threadID, body, strconv.FormatInt(now, 10), strconv.FormatInt(now, 10), now)
	if err != nil {
		return "", fmt.Errorf("failed to insert outgoing message: %w", err)
	}
	return id, nil
}

func (db *LocalDB) nextMessageID() (string, error) {
	var max sql.NullInt64
	err := db.QueryRow(`SELECT MAX(CAST(msg_id AS INTEGER)) FROM device_messages`).Scan(&max)
	if err != nil {
		return "", fmt.Errorf("failed to allocate message id: %w", err)
	}
	return strconv.FormatInt(max.Int64+1, 10), nil
}

// CountMessages returns the number of local message rows.
func (db *LocalDB) CountMessages() (int, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM device_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// ListMessagesPage reads one batch of messages in deterministic (date, id)
// order, resuming after the given cursor. Pass ("", "") for the first page.
func (db *LocalDB) ListMessagesPage(afterDate, afterID string, limit int) ([]wire.Message, error) {
	rows, err := db.Query(`
		SELECT msg_id, thread_id, sender, body, kind, date, date_sent, read, seen, is_me
		FROM device_messages
		WHERE (CAST(date AS INTEGER), CAST(msg_id AS INTEGER)) >
		      (CAST(? AS INTEGER), CAST(? AS INTEGER))
		ORDER BY CAST(date AS INTEGER), CAST(msg_id AS INTEGER)
		LIMIT ?
	`, orZero(afterDate), orZero(afterID), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to page messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessagesSince reads messages dated strictly after the watermark.
func (db *LocalDB) MessagesSince(watermark int64) ([]wire.Message, error) {
	rows, err := db.Query(`
		SELECT msg_id, thread_id, sender, body, kind, date, date_sent, read, seen, is_me
		FROM device_messages
		WHERE CAST(date AS INTEGER) > ?
		ORDER BY CAST(date AS INTEGER), CAST(msg_id AS INTEGER)
	`, watermark)
	if err != nil {
		return nil, fmt.Errorf("failed to read new messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// FlagUpdatesSince reads read/seen changes on messages older than the
// watermark but touched after it.
func (db *LocalDB) FlagUpdatesSince(watermark int64) ([]wire.MessageUpdate, error) {
	rows, err := db.Query(`
		SELECT msg_id, read, seen
		FROM device_messages
		WHERE updated_at > ? AND CAST(date AS INTEGER) <= ?
		ORDER BY CAST(msg_id AS INTEGER)
	`, watermark, watermark)
	if err != nil {
		return nil, fmt.Errorf("failed to read flag updates: %w", err)
	}
	defer rows.Close()

	var updates []wire.MessageUpdate
	for rows.Next() {
		var u wire.MessageUpdate
		if err := rows.Scan(&u.ID, &u.Read, &u.Seen); err != nil {
			return nil, fmt.Errorf("failed to scan flag update: %w", err)
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

// MarkRead flips the read/seen flags on one local message.
func (db *LocalDB) MarkRead(msgID string, read, seen bool) error {
	_, err := db.Exec(`
		UPDATE device_messages SET read = ?, seen = ?, updated_at = ? WHERE msg_id = ?
	`, read, seen, time.Now().UnixMilli(), msgID)
	if err != nil {
		return fmt.Errorf("failed to mark message read: %w", err)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]wire.Message, error) {
	var msgs []wire.Message
	for rows.Next() {
		var m wire.Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Sender, &m.Body, &m.Type,
			&m.Date, &m.DateSent, &m.Read, &m.Seen, &m.IsMe); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
