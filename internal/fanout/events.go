package fanout

import (
	"encoding/json"
	"time"

	"github.com/rafaelmp/webtext/internal/bus"
	"github.com/rafaelmp/webtext/internal/wire"
)

// Event kinds pushed to web clients.
const (
	EventNewMessage    = "new_message"
	EventMessageSent   = "message_sent"
	EventStatusChanged = "message_status_changed"
	EventConversation  = "conversation_updated"
)

// Event is one websocket frame pushed to a connection group.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type clientEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type newMessageData struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Sender         string `json:"sender,omitempty"`
}

type statusData struct {
	MessageID string `json:"messageId"`
	Read      bool   `json:"read"`
	Seen      bool   `json:"seen"`
}

type conversationData struct {
	ConversationID  string `json:"conversationId"`
	LastMessageDate string `json:"lastMessageDate"`
}

type sentData struct {
	QueueID   string `json:"queueId"`
	MessageID string `json:"messageId"`
}

// translate maps a bus event to its wire form. Unknown kinds are skipped.
func translate(evt bus.Event) (Event, bool) {
	var (
		kind string
		data any
	)
	switch p := evt.Payload.(type) {
	case bus.MessagePayload:
		kind = EventNewMessage
		data = newMessageData{
			MessageID:      wire.FormatID(p.MessageID),
			ConversationID: wire.FormatID(p.ConversationID),
			Sender:         p.Sender,
		}
	case bus.StatusPayload:
		kind = EventStatusChanged
		data = statusData{MessageID: wire.FormatID(p.MessageID), Read: p.Read, Seen: p.Seen}
	case bus.ConversationPayload:
		kind = EventConversation
		data = conversationData{
			ConversationID:  wire.FormatID(p.ConversationID),
			LastMessageDate: wire.FormatID(p.LastMessageDate),
		}
	case bus.SentPayload:
		kind = EventMessageSent
		data = sentData{QueueID: wire.FormatID(p.QueueID), MessageID: wire.FormatID(p.MessageID)}
	default:
		return Event{}, false
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, false
	}
	return Event{Type: kind, Timestamp: evt.Timestamp, Data: raw}, true
}
