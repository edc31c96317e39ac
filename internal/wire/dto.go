// Package wire defines the JSON DTOs exchanged between device, server, and
// web clients. All numeric identifiers (message id, thread id, dates) travel
// as decimal-digit strings, never native numbers, so 64-bit ids survive
// JavaScript clients.
package wire

import "strconv"

// Message kinds.
const (
	TypeSMS = "sms"
	TypeMMS = "mms"
)

// Conversation mirrors one device message thread. LastMessageDate is filled
// only by server listings; devices never send it.
type Conversation struct {
	ID              string      `json:"id"`
	Name            string      `json:"name,omitempty"`
	Archived        bool        `json:"archived"`
	Blocked         bool        `json:"blocked"`
	Pinned          bool        `json:"pinned"`
	LastMessageDate string      `json:"lastMessageDate,omitempty"`
	Recipients      []Recipient `json:"recipients,omitempty"`
}

// Recipient is one address participating in a conversation.
type Recipient struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Message mirrors one device message row.
type Message struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"threadId"`
	Sender      string       `json:"sender,omitempty"`
	Body        string       `json:"body,omitempty"`
	Type        string       `json:"type"`
	Date        string       `json:"date"`
	DateSent    string       `json:"dateSent,omitempty"`
	Read        bool         `json:"read"`
	Seen        bool         `json:"seen"`
	IsMe        bool         `json:"isMe"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment carries either inline base64 data or an uploadId referencing a
// prior out-of-band upload.
type Attachment struct {
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName,omitempty"`
	Data     string `json:"data,omitempty"`
	UploadID string `json:"uploadId,omitempty"`
}

// MessageUpdate carries a read/seen flag change for an existing message.
type MessageUpdate struct {
	ID   string `json:"id"`
	Read bool   `json:"read"`
	Seen bool   `json:"seen"`
}

// InitialSyncRequest is one numbered batch of a full sync.
type InitialSyncRequest struct {
	Conversations []Conversation `json:"conversations"`
	Messages      []Message      `json:"messages"`
	BatchNumber   int            `json:"batchNumber"`
	TotalBatches  int            `json:"totalBatches"`
}

// InitialSyncResponse acknowledges a batch.
type InitialSyncResponse struct {
	SyncToken      string `json:"syncToken"`
	ProcessedCount int    `json:"processedCount"`
}

// IncrementalSyncRequest submits changes newer than the device watermark.
type IncrementalSyncRequest struct {
	SyncToken         string          `json:"syncToken"`
	NewMessages       []Message       `json:"newMessages"`
	UpdatedMessages   []MessageUpdate `json:"updatedMessages"`
	DeletedMessageIDs []string        `json:"deletedMessageIds"`
}

// IncrementalSyncResponse carries the rotated token and a summary of what
// changed, for web clients refreshing after a push.
type IncrementalSyncResponse struct {
	NewSyncToken string      `json:"newSyncToken"`
	WebUpdates   []WebUpdate `json:"webUpdates"`
}

// WebUpdate is one entry of an incremental sync summary.
type WebUpdate struct {
	Type           string `json:"type"`
	MessageID      string `json:"messageId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// QueuedMessage is a pending web-originated send awaiting device execution.
type QueuedMessage struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversationId,omitempty"`
	Addresses      []string `json:"addresses"`
	Body           string   `json:"body"`
}

// QueueResponse lists entries handed to the device on pickup.
type QueueResponse struct {
	QueuedMessages []QueuedMessage `json:"queuedMessages"`
}

// ConfirmRequest reports a completed device send for a queue entry.
type ConfirmRequest struct {
	QueueID          string `json:"queueId"`
	AndroidMessageID string `json:"androidMessageId"`
}

// ConfirmResponse acknowledges a confirmation.
type ConfirmResponse struct {
	Success bool `json:"success"`
}

// ConversationListResponse is the web client's view of the mirrored threads.
type ConversationListResponse struct {
	Conversations []Conversation `json:"conversations"`
}

// MessageListResponse is one page of a conversation's history, newest first.
type MessageListResponse struct {
	Messages []Message `json:"messages"`
}

// SyncStatus is the pure-read view of an account's sync state.
type SyncStatus struct {
	LastFullSync        string `json:"lastFullSync,omitempty"`
	LastIncrementalSync string `json:"lastIncrementalSync,omitempty"`
	MessageCount        int64  `json:"messageCount"`
	ConversationCount   int64  `json:"conversationCount"`
	SyncInProgress      bool   `json:"syncInProgress"`
}

// LoginRequest authenticates a device or browser client.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	DeviceID string `json:"deviceId,omitempty"`
}

// LoginResponse carries the issued token pair plus account metadata for
// browser-origin callers.
type LoginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	AccountID    string `json:"accountId"`
	Username     string `json:"username"`
}

// RefreshRequest exchanges a refresh token for a new access token.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RefreshResponse carries the new access token.
type RefreshResponse struct {
	AccessToken string `json:"accessToken"`
}

// EnqueueRequest is a web client's send request.
type EnqueueRequest struct {
	ConversationID string   `json:"conversationId,omitempty"`
	Addresses      []string `json:"addresses"`
	Body           string   `json:"body"`
}

// EnqueueResponse returns the queue id of an accepted send request.
type EnqueueResponse struct {
	QueueID string `json:"queueId"`
}

// UploadResponse returns the id reconciling an out-of-band attachment upload
// with its eventual message.
type UploadResponse struct {
	UploadID string `json:"uploadId"`
	Size     string `json:"size"`
}

// FormatID renders a numeric identifier in wire form.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
