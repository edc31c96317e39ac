package store

import (
	"database/sql"
	"time"
)

// CreateUpload records an out-of-band attachment upload awaiting its message.
func (db *DB) CreateUpload(accountID int64, uploadID, mimeType, filePath string, size int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO attachments (account_id, upload_id, mime_type, file_path, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		accountID, uploadID, mimeType, filePath, size, now)
	return err
}

// ReconcileUpload associates a prior upload with its message. Returns false
// when no upload row matches.
func (db *DB) ReconcileUpload(accountID int64, uploadID string, messageID int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE attachments SET message_id = ?
		WHERE account_id = ? AND upload_id = ?`,
		messageID, accountID, uploadID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// InsertAttachment stores an attachment already bound to a message.
func (db *DB) InsertAttachment(a *Attachment) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO attachments (account_id, message_id, mime_type, file_path, size, thumbnail_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.AccountID, a.MessageID, a.MimeType, a.FilePath, a.Size, nullableStr(a.ThumbnailPath), now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SetThumbnail records a derived thumbnail path for an attachment.
func (db *DB) SetThumbnail(attachmentID int64, thumbnailPath string) error {
	_, err := db.Exec(`UPDATE attachments SET thumbnail_path = ? WHERE id = ?`, thumbnailPath, attachmentID)
	return err
}

// ListAttachments returns the attachments bound to a message.
func (db *DB) ListAttachments(accountID, messageID int64) ([]Attachment, error) {
	rows, err := db.Query(`
		SELECT id, account_id, message_id, mime_type, file_path, size, thumbnail_path, upload_id
		FROM attachments WHERE account_id = ? AND message_id = ?
		ORDER BY id`, accountID, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var atts []Attachment
	for rows.Next() {
		var a Attachment
		var msgID sql.NullInt64
		var thumb, upload sql.NullString
		if err := rows.Scan(&a.ID, &a.AccountID, &msgID, &a.MimeType, &a.FilePath, &a.Size, &thumb, &upload); err != nil {
			return nil, err
		}
		a.MessageID = msgID.Int64
		a.ThumbnailPath = thumb.String
		a.UploadID = upload.String
		atts = append(atts, a)
	}
	return atts, rows.Err()
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
