package bus

import "time"

// Event kinds published by the coordinator and queue.
const (
	KindMessageNew    = "sync.message_new"
	KindMessageStatus = "sync.message_status"
	KindConversation  = "sync.conversation"
	KindQueueSent     = "queue.sent"
)

// Event represents a domain event published on the bus. AccountID scopes the
// event to one account's connection group.
type Event struct {
	Kind      string
	AccountID int64
	Timestamp time.Time
	Payload   any
}

// MessagePayload accompanies sync.message_new.
type MessagePayload struct {
	MessageID      int64
	ConversationID int64
	Sender         string
}

// StatusPayload accompanies sync.message_status.
type StatusPayload struct {
	MessageID int64
	Read      bool
	Seen      bool
}

// ConversationPayload accompanies sync.conversation.
type ConversationPayload struct {
	ConversationID  int64
	LastMessageDate int64
}

// SentPayload accompanies queue.sent, pairing a queue entry with the device
// message that confirmed it.
type SentPayload struct {
	QueueID   int64
	MessageID int64
}
