// Package events defines the chat events published on the bus and their
// wire form on the push channel.
package events

import (
	"github.com/matheus3301/wprelay/internal/store"
)

// Namespace is the bus prefix shared by every chat event.
const Namespace = "chat."

// Bus kinds.
const (
	KindMessageNew         = "chat.message_new"
	KindConversationUpdate = "chat.conversation_update"
	KindStatusUpdate       = "chat.status_update"
)

// Wire event names sent to push clients.
const (
	MessageNew         = "message:new"
	ConversationUpdate = "conversation:update"
	MessageStatus      = "message:updateStatus"
)

var wireNames = map[string]string{
	KindMessageNew:         MessageNew,
	KindConversationUpdate: ConversationUpdate,
	KindStatusUpdate:       MessageStatus,
}

// WireName maps a bus kind to its push event name.
func WireName(kind string) (string, bool) {
	name, ok := wireNames[kind]
	return name, ok
}

// MessageNewPayload announces a stored message.
type MessageNewPayload struct {
	WaID    string        `json:"waId"`
	Message store.Message `json:"message"`
}

// LastMessage summarizes the newest message of a conversation.
type LastMessage struct {
	Text      string          `json:"text"`
	Timestamp int64           `json:"timestamp"` // unix millis
	Direction store.Direction `json:"direction"`
}

// ConversationUpdatePayload tells clients a conversation changed. Unread is
// set when the server knows the new count.
type ConversationUpdatePayload struct {
	WaID        string       `json:"waId"`
	Unread      *int64       `json:"unread,omitempty"`
	LastMessage *LastMessage `json:"lastMessage,omitempty"`
}

// StatusUpdatePayload carries a delivery status change.
type StatusUpdatePayload struct {
	WaID      string       `json:"waId"`
	MessageID string       `json:"messageId"`
	Status    store.Status `json:"status"`
}

// Envelope is the JSON frame written to push clients.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Summary builds the LastMessage of m.
func Summary(m store.Message) *LastMessage {
	return &LastMessage{
		Text:      store.Preview(m.Text),
		Timestamp: m.Timestamp.UnixMilli(),
		Direction: m.Direction,
	}
}
