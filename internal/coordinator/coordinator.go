// Package coordinator owns per-account sync state and applies device batches
// idempotently. It is invoked over stateless request/response; the sync token
// is the only serialization point between callers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rafaelmp/webtext/internal/bus"
	"github.com/rafaelmp/webtext/internal/store"
	"github.com/rafaelmp/webtext/internal/wire"
)

// ErrTokenMismatch is returned when a caller presents a stale sync token.
// Treated as an authentication failure: the device must restart from a fresh
// baseline.
var ErrTokenMismatch = errors.New("sync token mismatch")

// Thumbnailer derives an optional preview file for a stored attachment. The
// transform itself is an external collaborator; a nil Thumbnailer skips it.
type Thumbnailer interface {
	Thumbnail(srcPath, mimeType string) (string, error)
}

// Coordinator validates and applies sync batches against the store and
// publishes change events for fan-out.
type Coordinator struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	files  *FileStore
	thumbs Thumbnailer
}

// New creates a coordinator. thumbs may be nil.
func New(db *store.DB, b *bus.Bus, files *FileStore, thumbs Thumbnailer, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{db: db, bus: b, logger: logger, files: files, thumbs: thumbs}
}

// InitialSync applies one numbered batch of a full sync. Batch 1 bulk-upserts
// conversations and resets the message counter; the final batch stamps
// lastFullSync and rotates the token. The in-progress flag is cleared on any
// exit path, so a crashed pass cannot wedge the account.
func (c *Coordinator) InitialSync(ctx context.Context, accountID int64, req *wire.InitialSyncRequest) (_ *wire.InitialSyncResponse, err error) {
	if req.TotalBatches < 1 || req.BatchNumber < 1 || req.BatchNumber > req.TotalBatches {
		return nil, fmt.Errorf("%w: batch %d of %d", wire.ErrInvalid, req.BatchNumber, req.TotalBatches)
	}

	// Validation is expected upstream; a malformed row fails the whole call.
	msgs, invalid := wire.Partition(req.Messages)
	if len(invalid) > 0 {
		return nil, fmt.Errorf("%w: row %d (id %q): %v",
			wire.ErrInvalid, invalid[0].Index, invalid[0].ID, invalid[0].Err)
	}

	state, err := c.db.GetSyncState(accountID)
	if err != nil {
		return nil, fmt.Errorf("load sync state: %w", err)
	}

	if err := c.db.SetSyncInProgress(accountID, true); err != nil {
		return nil, fmt.Errorf("set in-progress: %w", err)
	}
	defer func() {
		if err != nil {
			if clearErr := c.db.SetSyncInProgress(accountID, false); clearErr != nil {
				c.logger.Error("failed to clear sync_in_progress", zap.Error(clearErr), zap.Int64("account", accountID))
			}
		}
	}()

	if req.BatchNumber == 1 {
		if err = c.applyConversations(accountID, req.Conversations); err != nil {
			return nil, err
		}
		if err = c.db.SetConversationCount(accountID, int64(len(req.Conversations))); err != nil {
			return nil, fmt.Errorf("set conversation count: %w", err)
		}
	}

	created, events, err := c.applyMessages(accountID, msgs)
	if err != nil {
		return nil, err
	}
	if err = c.db.RecountMessages(accountID); err != nil {
		return nil, fmt.Errorf("recount messages: %w", err)
	}

	token := state.SyncToken
	if req.BatchNumber == req.TotalBatches {
		token = uuid.NewString()
		if err = c.db.CompleteFullSync(accountID, token); err != nil {
			return nil, fmt.Errorf("complete full sync: %w", err)
		}
		c.logger.Info("full sync complete",
			zap.Int64("account", accountID),
			zap.Int("batches", req.TotalBatches))
	}

	c.publish(accountID, events)
	return &wire.InitialSyncResponse{SyncToken: token, ProcessedCount: created}, nil
}

// IncrementalSync applies changes newer than the device watermark. A stale
// token is fatal with no partial apply; the token rotates only on success.
func (c *Coordinator) IncrementalSync(ctx context.Context, accountID int64, req *wire.IncrementalSyncRequest) (*wire.IncrementalSyncResponse, error) {
	state, err := c.db.GetSyncState(accountID)
	if err != nil {
		return nil, fmt.Errorf("load sync state: %w", err)
	}
	if req.SyncToken != state.SyncToken {
		return nil, ErrTokenMismatch
	}

	msgs, invalid := wire.Partition(req.NewMessages)
	if len(invalid) > 0 {
		return nil, fmt.Errorf("%w: row %d (id %q): %v",
			wire.ErrInvalid, invalid[0].Index, invalid[0].ID, invalid[0].Err)
	}

	_, events, err := c.applyMessages(accountID, msgs)
	if err != nil {
		return nil, err
	}
	if err := c.db.RecountMessages(accountID); err != nil {
		return nil, fmt.Errorf("recount messages: %w", err)
	}

	var updates []wire.WebUpdate
	for _, e := range events {
		updates = append(updates, e.web)
	}

	for _, u := range req.UpdatedMessages {
		id, err := wire.ParseID(u.ID)
		if err != nil {
			return nil, err
		}
		found, err := c.db.UpdateMessageFlags(accountID, id, u.Read, u.Seen)
		if err != nil {
			return nil, fmt.Errorf("update flags: %w", err)
		}
		if !found {
			// Unknown ids are ignored, not fatal.
			continue
		}
		updates = append(updates, wire.WebUpdate{Type: "message_status_changed", MessageID: u.ID})
		events = append(events, event{
			kind:    bus.KindMessageStatus,
			payload: bus.StatusPayload{MessageID: id, Read: u.Read, Seen: u.Seen},
		})
	}

	// Deletions are recorded but deliberately not destructive: the device is
	// not trusted to delete server history.
	if len(req.DeletedMessageIDs) > 0 {
		c.logger.Info("deleted ids reported, not applied",
			zap.Int64("account", accountID),
			zap.Int("count", len(req.DeletedMessageIDs)))
	}

	token := uuid.NewString()
	if err := c.db.CompleteIncrementalSync(accountID, token); err != nil {
		return nil, fmt.Errorf("complete incremental sync: %w", err)
	}

	c.publish(accountID, events)
	return &wire.IncrementalSyncResponse{NewSyncToken: token, WebUpdates: updates}, nil
}

// Status is a pure read of the account's sync state.
func (c *Coordinator) Status(ctx context.Context, accountID int64) (*wire.SyncStatus, error) {
	state, err := c.db.GetSyncState(accountID)
	if err != nil {
		return nil, fmt.Errorf("load sync state: %w", err)
	}
	return &wire.SyncStatus{
		LastFullSync:        formatMillis(state.LastFullSync),
		LastIncrementalSync: formatMillis(state.LastIncrementalSync),
		MessageCount:        state.TotalMessages,
		ConversationCount:   state.TotalConversations,
		SyncInProgress:      state.SyncInProgress,
	}, nil
}

func (c *Coordinator) applyConversations(accountID int64, convs []wire.Conversation) error {
	for _, wc := range convs {
		id, err := wire.ParseID(wc.ID)
		if err != nil {
			return err
		}
		if err := c.db.UpsertConversation(&store.Conversation{
			AccountID:      accountID,
			ConversationID: id,
			DisplayName:    wc.Name,
			Archived:       wc.Archived,
			Blocked:        wc.Blocked,
			Pinned:         wc.Pinned,
		}); err != nil {
			return fmt.Errorf("upsert conversation %d: %w", id, err)
		}
		for _, r := range wc.Recipients {
			if err := c.db.UpsertRecipient(&store.Recipient{
				AccountID:      accountID,
				ConversationID: id,
				Address:        r.Address,
				ContactName:    r.Name,
			}); err != nil {
				return fmt.Errorf("upsert recipient: %w", err)
			}
		}
	}
	return nil
}

type event struct {
	kind    string
	payload any
	web     wire.WebUpdate
}

// applyMessages upserts parsed rows with the create-if-absent idempotency
// rule, counting only newly created rows. Conversation dates only move
// forward, which protects against out-of-order batches.
func (c *Coordinator) applyMessages(accountID int64, msgs []*wire.ParsedMessage) (int, []event, error) {
	created := 0
	var events []event
	for _, m := range msgs {
		isNew, err := c.db.CreateMessageIfAbsent(&store.Message{
			AccountID:      accountID,
			MessageID:      m.ID,
			ConversationID: m.ThreadID,
			Sender:         m.Sender,
			Body:           m.Body,
			Kind:           m.Type,
			Date:           m.Date,
			DateSent:       m.DateSent,
			Read:           m.Read,
			Seen:           m.Seen,
			IsMe:           m.IsMe,
		})
		if err != nil {
			return created, events, fmt.Errorf("upsert message %d: %w", m.ID, err)
		}
		if !isNew {
			continue
		}
		created++

		moved, err := c.db.BumpConversationDate(accountID, m.ThreadID, m.Date)
		if err != nil {
			return created, events, fmt.Errorf("bump conversation date: %w", err)
		}
		if moved {
			events = append(events, event{
				kind:    bus.KindConversation,
				payload: bus.ConversationPayload{ConversationID: m.ThreadID, LastMessageDate: m.Date},
				web:     wire.WebUpdate{Type: "conversation_updated", ConversationID: wire.FormatID(m.ThreadID)},
			})
		}

		if err := c.storeAttachments(accountID, m); err != nil {
			return created, events, err
		}

		if !m.IsMe {
			events = append(events, event{
				kind:    bus.KindMessageNew,
				payload: bus.MessagePayload{MessageID: m.ID, ConversationID: m.ThreadID, Sender: m.Sender},
				web:     wire.WebUpdate{Type: "new_message", MessageID: wire.FormatID(m.ID)},
			})
		}
	}
	return created, events, nil
}

func (c *Coordinator) storeAttachments(accountID int64, m *wire.ParsedMessage) error {
	for _, att := range m.Attachments {
		switch {
		case att.UploadID != "":
			ok, err := c.db.ReconcileUpload(accountID, att.UploadID, m.ID)
			if err != nil {
				return fmt.Errorf("reconcile upload %s: %w", att.UploadID, err)
			}
			if !ok {
				c.logger.Warn("upload id references no stored upload",
					zap.String("upload_id", att.UploadID), zap.Int64("message", m.ID))
			}
		case att.Data != "":
			path, size, err := c.files.WriteInline(att.Data)
			if err != nil {
				return fmt.Errorf("store inline attachment: %w", err)
			}
			attID, err := c.db.InsertAttachment(&store.Attachment{
				AccountID: accountID,
				MessageID: m.ID,
				MimeType:  att.MimeType,
				FilePath:  path,
				Size:      size,
			})
			if err != nil {
				return fmt.Errorf("insert attachment: %w", err)
			}
			if c.thumbs != nil {
				thumb, err := c.thumbs.Thumbnail(path, att.MimeType)
				if err != nil {
					c.logger.Warn("thumbnail generation failed", zap.Error(err))
				} else if thumb != "" {
					_ = c.db.SetThumbnail(attID, thumb)
				}
			}
		}
	}
	return nil
}

// publish fires change events after the store writes are committed. Broadcast
// failures never fail the sync call; delivery is a hint for web clients.
func (c *Coordinator) publish(accountID int64, events []event) {
	if c.bus == nil {
		return
	}
	for _, e := range events {
		c.bus.Publish(bus.Event{
			Kind:      e.kind,
			AccountID: accountID,
			Timestamp: time.Now(),
			Payload:   e.payload,
		})
	}
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
