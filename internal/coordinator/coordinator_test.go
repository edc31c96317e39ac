package coordinator

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaelmp/webtext/internal/bus"
	"github.com/rafaelmp/webtext/internal/store"
	"github.com/rafaelmp/webtext/internal/wire"
)

func testCoordinator(t *testing.T) (*Coordinator, *store.DB, *bus.Bus, int64) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	files, err := NewFileStore(filepath.Join(t.TempDir(), "attachments"))
	require.NoError(t, err)

	b := bus.New()
	acct, err := db.CreateAccount("alice", "hash", "device-1")
	require.NoError(t, err)

	return New(db, b, files, nil, nil), db, b, acct.ID
}

func wireMsg(id, thread int64, date int64) wire.Message {
	return wire.Message{
		ID:       wire.FormatID(id),
		ThreadID: wire.FormatID(thread),
		Sender:   "+15551234",
		Body:     fmt.Sprintf("msg %d", id),
		Type:     wire.TypeSMS,
		Date:     wire.FormatID(date),
	}
}

func TestInitialSyncEndToEnd(t *testing.T) {
	c, db, _, acct := testCoordinator(t)
	ctx := context.Background()

	// 250 messages in 2 conversations, batch size 100 -> 3 batches.
	convs := []wire.Conversation{
		{ID: "1", Name: "Bob", Recipients: []wire.Recipient{{Address: "+15551234", Name: "Bob"}}},
		{ID: "2", Name: "Carol"},
	}
	var msgs []wire.Message
	for i := int64(1); i <= 250; i++ {
		thread := int64(1)
		if i%2 == 0 {
			thread = 2
		}
		msgs = append(msgs, wireMsg(i, thread, 1000+i))
	}

	var lastResp *wire.InitialSyncResponse
	for batch := 0; batch < 3; batch++ {
		lo, hi := batch*100, (batch+1)*100
		if hi > len(msgs) {
			hi = len(msgs)
		}
		req := &wire.InitialSyncRequest{
			Messages:     msgs[lo:hi],
			BatchNumber:  batch + 1,
			TotalBatches: 3,
		}
		if batch == 0 {
			req.Conversations = convs
		}
		resp, err := c.InitialSync(ctx, acct, req)
		require.NoError(t, err)
		require.Equal(t, hi-lo, resp.ProcessedCount)
		require.NotEmpty(t, resp.SyncToken)

		state, err := db.GetSyncState(acct)
		require.NoError(t, err)
		if batch < 2 {
			assert.True(t, state.SyncInProgress, "intermediate batch must leave sync in progress")
			assert.Equal(t, resp.SyncToken, state.SyncToken, "intermediate batches return the unrotated token")
		}
		lastResp = resp
	}

	status, err := c.Status(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, int64(250), status.MessageCount)
	assert.Equal(t, int64(2), status.ConversationCount)
	assert.False(t, status.SyncInProgress)
	assert.NotEmpty(t, status.LastFullSync)

	// last_message_date equals the max submitted date.
	conv, err := db.GetConversation(acct, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000+249), conv.LastMessageDate)

	// Incremental with 1 newer message raises the count to 251.
	incResp, err := c.IncrementalSync(ctx, acct, &wire.IncrementalSyncRequest{
		SyncToken:   lastResp.SyncToken,
		NewMessages: []wire.Message{wireMsg(251, 1, 9000)},
	})
	require.NoError(t, err)
	assert.NotEqual(t, lastResp.SyncToken, incResp.NewSyncToken)

	status, err = c.Status(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, int64(251), status.MessageCount)

	conv, err = db.GetConversation(acct, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(9000), conv.LastMessageDate)
}

func TestInitialSyncIdempotentReapply(t *testing.T) {
	c, _, _, acct := testCoordinator(t)
	ctx := context.Background()

	req := &wire.InitialSyncRequest{
		Conversations: []wire.Conversation{{ID: "1"}},
		Messages:      []wire.Message{wireMsg(1, 1, 1000), wireMsg(2, 1, 2000)},
		BatchNumber:   1,
		TotalBatches:  1,
	}
	resp, err := c.InitialSync(ctx, acct, req)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.ProcessedCount)

	// Re-applying the identical batch contributes 0.
	resp, err = c.InitialSync(ctx, acct, req)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.ProcessedCount)

	status, err := c.Status(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, int64(2), status.MessageCount, "re-sync must not duplicate rows")
}

func TestIncrementalSyncTokenRotation(t *testing.T) {
	c, db, _, acct := testCoordinator(t)
	ctx := context.Background()

	state, err := db.GetSyncState(acct)
	require.NoError(t, err)

	resp, err := c.IncrementalSync(ctx, acct, &wire.IncrementalSyncRequest{
		SyncToken:   state.SyncToken,
		NewMessages: []wire.Message{wireMsg(1, 1, 1000)},
	})
	require.NoError(t, err)

	// The prior token is permanently unusable.
	_, err = c.IncrementalSync(ctx, acct, &wire.IncrementalSyncRequest{SyncToken: state.SyncToken})
	assert.ErrorIs(t, err, ErrTokenMismatch)

	// A garbage token is rejected too.
	_, err = c.IncrementalSync(ctx, acct, &wire.IncrementalSyncRequest{SyncToken: "bogus"})
	assert.ErrorIs(t, err, ErrTokenMismatch)

	// The rotated token works.
	_, err = c.IncrementalSync(ctx, acct, &wire.IncrementalSyncRequest{SyncToken: resp.NewSyncToken})
	require.NoError(t, err)
}

func TestTokenMismatchAppliesNothing(t *testing.T) {
	c, db, _, acct := testCoordinator(t)
	ctx := context.Background()

	_, err := c.IncrementalSync(ctx, acct, &wire.IncrementalSyncRequest{
		SyncToken:   "stale",
		NewMessages: []wire.Message{wireMsg(1, 1, 1000)},
	})
	require.ErrorIs(t, err, ErrTokenMismatch)

	n, err := db.CountMessages(acct)
	require.NoError(t, err)
	assert.Zero(t, n, "rejected call must not partially apply")
}

func TestInitialSyncRejectsMalformedRow(t *testing.T) {
	c, db, _, acct := testCoordinator(t)
	ctx := context.Background()

	bad := wireMsg(2, 1, 0)
	bad.Date = "abc"
	_, err := c.InitialSync(ctx, acct, &wire.InitialSyncRequest{
		Messages:     []wire.Message{wireMsg(1, 1, 1000), bad},
		BatchNumber:  1,
		TotalBatches: 1,
	})
	require.ErrorIs(t, err, wire.ErrInvalid)

	// The whole request is rejected, and the account is not wedged.
	n, err := db.CountMessages(acct)
	require.NoError(t, err)
	assert.Zero(t, n)

	state, err := db.GetSyncState(acct)
	require.NoError(t, err)
	assert.False(t, state.SyncInProgress, "sync_in_progress must clear on failure")
}

func TestIncrementalUpdatesIgnoreUnknownIDs(t *testing.T) {
	c, db, _, acct := testCoordinator(t)
	ctx := context.Background()

	state, err := db.GetSyncState(acct)
	require.NoError(t, err)

	resp, err := c.IncrementalSync(ctx, acct, &wire.IncrementalSyncRequest{
		SyncToken: state.SyncToken,
		NewMessages: []wire.Message{
			wireMsg(1, 1, 1000),
		},
		UpdatedMessages: []wire.MessageUpdate{
			{ID: "1", Read: true, Seen: true},
			{ID: "999", Read: true, Seen: true}, // unknown, ignored
		},
	})
	require.NoError(t, err)

	msg, err := db.GetMessage(acct, 1)
	require.NoError(t, err)
	assert.True(t, msg.Read)

	// One new_message + one conversation_updated + one status change; the
	// unknown id contributes nothing.
	var statusUpdates int
	for _, u := range resp.WebUpdates {
		if u.Type == "message_status_changed" {
			statusUpdates++
		}
	}
	assert.Equal(t, 1, statusUpdates)
}

func TestDeletedIDsAcceptedNotApplied(t *testing.T) {
	c, db, _, acct := testCoordinator(t)
	ctx := context.Background()

	state, err := db.GetSyncState(acct)
	require.NoError(t, err)
	_, err = c.IncrementalSync(ctx, acct, &wire.IncrementalSyncRequest{
		SyncToken:   state.SyncToken,
		NewMessages: []wire.Message{wireMsg(1, 1, 1000)},
	})
	require.NoError(t, err)

	state, err = db.GetSyncState(acct)
	require.NoError(t, err)
	_, err = c.IncrementalSync(ctx, acct, &wire.IncrementalSyncRequest{
		SyncToken:         state.SyncToken,
		DeletedMessageIDs: []string{"1"},
	})
	require.NoError(t, err)

	// The row survives.
	_, err = db.GetMessage(acct, 1)
	require.NoError(t, err)
}

func TestNewMessagePublishesForNonSelfOnly(t *testing.T) {
	c, db, b, acct := testCoordinator(t)
	ctx := context.Background()

	ch, unsub := b.Subscribe(bus.KindMessageNew, 16)
	defer unsub()

	state, err := db.GetSyncState(acct)
	require.NoError(t, err)

	self := wireMsg(1, 1, 1000)
	self.IsMe = true
	other := wireMsg(2, 1, 2000)

	_, err = c.IncrementalSync(ctx, acct, &wire.IncrementalSyncRequest{
		SyncToken:   state.SyncToken,
		NewMessages: []wire.Message{self, other},
	})
	require.NoError(t, err)

	select {
	case evt := <-ch:
		payload := evt.Payload.(bus.MessagePayload)
		assert.Equal(t, int64(2), payload.MessageID, "only the non-self message broadcasts")
		assert.Equal(t, acct, evt.AccountID)
	case <-time.After(time.Second):
		t.Fatal("no new_message event published")
	}
	select {
	case evt := <-ch:
		t.Fatalf("unexpected second event: %+v", evt)
	default:
	}
}

func TestInlineAttachmentStoredAndUploadReconciled(t *testing.T) {
	c, db, _, acct := testCoordinator(t)
	ctx := context.Background()

	require.NoError(t, db.CreateUpload(acct, "up-1", "image/png", "/tmp/p.png", 10))

	withInline := wireMsg(1, 1, 1000)
	withInline.Type = wire.TypeMMS
	withInline.Attachments = []wire.Attachment{{
		MimeType: "image/jpeg",
		Data:     base64.StdEncoding.EncodeToString([]byte("jpegbytes")),
	}}
	withUpload := wireMsg(2, 1, 2000)
	withUpload.Type = wire.TypeMMS
	withUpload.Attachments = []wire.Attachment{{MimeType: "image/png", UploadID: "up-1"}}

	_, err := c.InitialSync(ctx, acct, &wire.InitialSyncRequest{
		Messages:     []wire.Message{withInline, withUpload},
		BatchNumber:  1,
		TotalBatches: 1,
	})
	require.NoError(t, err)

	atts, err := db.ListAttachments(acct, 1)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, int64(len("jpegbytes")), atts[0].Size)

	atts, err = db.ListAttachments(acct, 2)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "up-1", atts[0].UploadID)
}
