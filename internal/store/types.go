package store

// Account is a registered user owning one device phone line.
type Account struct {
	ID           int64
	Username     string
	PasswordHash string
	DeviceID     string
	CreatedAt    int64
}

// SyncState is the single versioned sync row per account. SyncToken doubles
// as an optimistic-concurrency version: callers holding a stale token are
// rejected.
type SyncState struct {
	AccountID           int64
	SyncToken           string
	TotalMessages       int64
	TotalConversations  int64
	LastFullSync        int64
	LastIncrementalSync int64
	SyncInProgress      bool
}

// Conversation mirrors one device message thread.
type Conversation struct {
	AccountID       int64
	ConversationID  int64
	DisplayName     string
	Archived        bool
	Blocked         bool
	Pinned          bool
	LastMessageDate int64
}

// Recipient is one address participating in a conversation.
type Recipient struct {
	AccountID      int64
	ConversationID int64
	Address        string
	ContactName    string
}

// Message mirrors one device message. Immutable after creation except
// read/seen flags and updated_at.
type Message struct {
	AccountID      int64
	MessageID      int64
	ConversationID int64
	Sender         string
	Body           string
	Kind           string
	Date           int64
	DateSent       int64
	Read           bool
	Seen           bool
	IsMe           bool
}

// Attachment is a stored media file; MessageID is zero until an out-of-band
// upload is reconciled with its message.
type Attachment struct {
	ID            int64
	AccountID     int64
	MessageID     int64
	MimeType      string
	FilePath      string
	Size          int64
	ThumbnailPath string
	UploadID      string
}

// QueuedMessage is a web-originated send request. Lifecycle:
// Created -> PickedUp -> Sent (terminal).
type QueuedMessage struct {
	ID              int64
	AccountID       int64
	ConversationID  int64
	Addresses       []string
	Body            string
	PickedUp        bool
	Sent            bool
	DeviceMessageID int64
	CreatedAt       int64
}
