package store

import (
	"encoding/json"
	"time"
)

// Direction tells whether a message came from the counterparty or from the
// business line.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Status is the provider delivery status of a message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Valid reports whether s is one of the statuses a message can be stored with.
func (s Status) Valid() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead:
		return true
	}
	return false
}

// Contact is a counterparty, one per WhatsApp id.
type Contact struct {
	WaID               string    `json:"waId"`
	Name               string    `json:"name"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	LastMessagePreview string    `json:"lastMessagePreview"`
}

// Conversation is a contact with its unread inbound message count.
// Name falls back to the WaID when the contact has none.
type Conversation struct {
	Contact
	Unread int64 `json:"unread"`
}

// Message is a single inbound or outbound message.
type Message struct {
	ID         string          `json:"id"`
	WaID       string          `json:"waId"`
	Direction  Direction       `json:"direction"`
	Type       string          `json:"type"`
	Text       string          `json:"text"`
	Timestamp  time.Time       `json:"timestamp"`
	Status     Status          `json:"status"`
	MsgID      string          `json:"msgId,omitempty"`
	MetaMsgID  string          `json:"metaMsgId,omitempty"`
	PayloadRaw json.RawMessage `json:"payloadRaw,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}
