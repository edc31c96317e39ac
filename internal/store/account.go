package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// CreateAccount inserts an account and its sync_state row in one transaction.
// The sync state starts with a fresh token so the first full sync has a
// baseline to rotate from.
func (db *DB) CreateAccount(username, passwordHash, deviceID string) (*Account, error) {
	now := time.Now().UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		INSERT INTO accounts (username, password_hash, device_id, created_at)
		VALUES (?, ?, ?, ?)`,
		username, passwordHash, deviceID, now)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`
		INSERT INTO sync_state (account_id, sync_token, updated_at)
		VALUES (?, ?, ?)`,
		id, uuid.NewString(), now); err != nil {
		return nil, fmt.Errorf("insert sync state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &Account{ID: id, Username: username, PasswordHash: passwordHash, DeviceID: deviceID, CreatedAt: now}, nil
}

// GetAccountByUsername looks up an account for login.
func (db *DB) GetAccountByUsername(username string) (*Account, error) {
	var a Account
	err := db.QueryRow(`
		SELECT id, username, password_hash, device_id, created_at
		FROM accounts WHERE username = ?`, username).
		Scan(&a.ID, &a.Username, &a.PasswordHash, &a.DeviceID, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SetAccountDevice binds a device id to an account on its first device login.
func (db *DB) SetAccountDevice(accountID int64, deviceID string) error {
	_, err := db.Exec(`UPDATE accounts SET device_id = ? WHERE id = ?`, deviceID, accountID)
	return err
}
