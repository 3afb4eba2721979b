package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// PreviewLen is the number of runes kept in a contact's last message preview.
	PreviewLen = 80

	DefaultConversationLimit = 500
	DefaultMessageLimit      = 50
	MaxMessageLimit          = 500
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrInvalidStatus  = errors.New("invalid status")
)

// Store persists contacts and messages. Implementations: *DB (SQLite) and
// mongostore.Store.
type Store interface {
	// UpsertContactName creates the contact if absent and sets its name when
	// name is non-empty.
	UpsertContactName(ctx context.Context, waID, name string) error
	// TouchContact records a message at time at for the contact, creating it
	// if absent. The preview and timestamp only move forward in time.
	TouchContact(ctx context.Context, waID string, at time.Time, text string) error
	GetContact(ctx context.Context, waID string) (*Contact, error)

	// InsertMessage stores m, assigning ID and CreatedAt when empty. It
	// reports false when a message with the same non-empty MsgID exists.
	InsertMessage(ctx context.Context, m *Message) (bool, error)
	// UpdateStatus sets the status of the message whose MetaMsgID or MsgID
	// equals providerID. Returns nil when nothing matches.
	UpdateStatus(ctx context.Context, providerID string, status Status) (*Message, error)
	SetProviderMessageID(ctx context.Context, id, msgID string) error

	ListConversations(ctx context.Context, limit int) ([]Conversation, error)
	UnreadCount(ctx context.Context, waID string) (int64, error)
	// ListMessages returns up to limit of the most recent messages strictly
	// before before (zero means no bound), in ascending timestamp order.
	ListMessages(ctx context.Context, waID string, before time.Time, limit int) ([]Message, error)
	// MarkRead marks the given inbound messages of waID read and returns how
	// many changed.
	MarkRead(ctx context.Context, waID string, ids []string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Preview truncates text to PreviewLen runes.
func Preview(text string) string {
	r := []rune(text)
	if len(r) <= PreviewLen {
		return text
	}
	return string(r[:PreviewLen])
}

// ClampLimit applies the default when limit is not positive and caps it at max.
func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// Prepare validates m and fills in defaults before insertion.
func Prepare(m *Message) error {
	if m.WaID == "" {
		return fmt.Errorf("%w: wa_id is required", ErrInvalidMessage)
	}
	if m.Direction != Inbound && m.Direction != Outbound {
		return fmt.Errorf("%w: direction %q", ErrInvalidMessage, m.Direction)
	}
	if m.Status == "" {
		m.Status = StatusSent
	}
	if !m.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, m.Status)
	}
	if m.Type == "" {
		m.Type = "text"
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now()
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	return nil
}

// Reverse reverses msgs in place. Backends read pages newest first.
func Reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
