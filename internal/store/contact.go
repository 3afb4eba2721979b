package store

import (
	"context"
	"database/sql"
	"time"
)

// UpsertContactName inserts the contact if absent; a non-empty name replaces
// the stored one.
func (db *DB) UpsertContactName(ctx context.Context, waID, name string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO contacts (wa_id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(wa_id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
			updated_at = excluded.updated_at`,
		waID, name, now, now)
	return err
}

// TouchContact moves the contact's last message forward. A message older
// than the stored one leaves preview and timestamp untouched.
func (db *DB) TouchContact(ctx context.Context, waID string, at time.Time, text string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO contacts (wa_id, last_message_at, last_message_preview, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(wa_id) DO UPDATE SET
			last_message_at = MAX(contacts.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= contacts.last_message_at THEN excluded.last_message_preview ELSE contacts.last_message_preview END,
			updated_at = excluded.updated_at`,
		waID, millis(at), Preview(text), now, now)
	return err
}

// GetContact returns a contact by id, or nil if it does not exist.
func (db *DB) GetContact(ctx context.Context, waID string) (*Contact, error) {
	var (
		c  Contact
		at int64
	)
	err := db.QueryRowContext(ctx, `
		SELECT wa_id, name, last_message_at, last_message_preview
		FROM contacts WHERE wa_id = ?`, waID).
		Scan(&c.WaID, &c.Name, &at, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.LastMessageAt = fromMillis(at)
	return &c, nil
}

// ListConversations returns contacts by most recent activity with their
// unread inbound counts.
func (db *DB) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	limit = ClampLimit(limit, DefaultConversationLimit, DefaultConversationLimit)
	rows, err := db.QueryContext(ctx, `
		SELECT c.wa_id,
			COALESCE(NULLIF(c.name, ''), c.wa_id) AS display_name,
			c.last_message_at, c.last_message_preview,
			(SELECT COUNT(*) FROM messages m
				WHERE m.wa_id = c.wa_id AND m.direction = 'inbound' AND m.status != 'read') AS unread
		FROM contacts c
		ORDER BY c.last_message_at DESC, c.wa_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	convs := []Conversation{}
	for rows.Next() {
		var (
			cv Conversation
			at int64
		)
		if err := rows.Scan(&cv.WaID, &cv.Name, &at, &cv.LastMessagePreview, &cv.Unread); err != nil {
			return nil, err
		}
		cv.LastMessageAt = fromMillis(at)
		convs = append(convs, cv)
	}
	return convs, rows.Err()
}

// UnreadCount returns the number of inbound messages of waID not yet read.
func (db *DB) UnreadCount(ctx context.Context, waID string) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE wa_id = ? AND direction = 'inbound' AND status != 'read'`, waID).Scan(&n)
	return n, err
}
