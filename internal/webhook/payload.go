package webhook

import (
	"encoding/json"
	"fmt"
)

// Meta-standard WhatsApp Business webhook types.

// Payload is a webhook delivery.
type Payload struct {
	Object string  `json:"object,omitempty"`
	Entry  []Entry `json:"entry"`
}

// Entry represents one business account entry.
type Entry struct {
	ID      string   `json:"id,omitempty"`
	Changes []Change `json:"changes"`
}

// Change wraps a single change notification.
type Change struct {
	Field string `json:"field,omitempty"`
	Value Value  `json:"value"`
}

// Value holds the contacts, messages and statuses of a change.
type Value struct {
	MessagingProduct string    `json:"messaging_product,omitempty"`
	Metadata         Metadata  `json:"metadata"`
	Contacts         []Contact `json:"contacts,omitempty"`
	Messages         []Message `json:"messages,omitempty"`
	Statuses         []Status  `json:"statuses,omitempty"`
}

// Metadata about the business phone number.
type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// Contact is a WhatsApp contact.
type Contact struct {
	Profile ContactProfile `json:"profile"`
	WaID    string         `json:"wa_id"`
}

// ContactProfile has the display name.
type ContactProfile struct {
	Name string `json:"name"`
}

// Message is a message notification. Raw keeps the original JSON object.
type Message struct {
	From        string           `json:"from"`
	To          string           `json:"to,omitempty"`
	RecipientID string           `json:"recipient_id,omitempty"`
	ID          string           `json:"id"`
	MetaMsgID   string           `json:"meta_msg_id,omitempty"`
	Timestamp   Timestamp        `json:"timestamp"`
	Type        string           `json:"type"`
	Context     *MessageContext  `json:"context,omitempty"`
	Text        *TextContent     `json:"text,omitempty"`
	Image       *MediaContent    `json:"image,omitempty"`
	Document    *MediaContent    `json:"document,omitempty"`
	Audio       *MediaContent    `json:"audio,omitempty"`
	Video       *MediaContent    `json:"video,omitempty"`
	Sticker     *MediaContent    `json:"sticker,omitempty"`
	Location    *LocationContent `json:"location,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the message and retains its raw bytes.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = Message(p)
	m.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MessageContext references the message being replied to.
type MessageContext struct {
	From string `json:"from,omitempty"`
	ID   string `json:"id"`
}

// TextContent holds a text message body.
type TextContent struct {
	Body string `json:"body"`
}

// MediaContent holds image, document, audio, video or sticker data.
type MediaContent struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// LocationContent holds location message data.
type LocationContent struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// Status is a delivery status notification. The message is identified by
// MetaMsgID, ID or MessageID, in that order.
type Status struct {
	ID          string    `json:"id"`
	MessageID   string    `json:"message_id,omitempty"`
	MetaMsgID   string    `json:"meta_msg_id,omitempty"`
	Status      string    `json:"status"`
	Timestamp   Timestamp `json:"timestamp"`
	RecipientID string    `json:"recipient_id,omitempty"`
}

// MessageRef returns the identifier used to find the message.
func (s Status) MessageRef() string {
	switch {
	case s.MetaMsgID != "":
		return s.MetaMsgID
	case s.ID != "":
		return s.ID
	default:
		return s.MessageID
	}
}

// envelope accepts both the bare provider payload and one wrapped in a
// "metaData" object.
type envelope struct {
	MetaData *Payload `json:"metaData"`
	Payload
}

// Decode parses a webhook request body.
func Decode(body []byte) (*Payload, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	if env.MetaData != nil {
		return env.MetaData, nil
	}
	return &env.Payload, nil
}
