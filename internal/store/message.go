package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"
)

const messageColumns = `id, wa_id, direction, type, text, timestamp, status,
	COALESCE(msg_id, ''), COALESCE(meta_msg_id, ''), COALESCE(payload_raw, ''), created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m       Message
		ts, cts int64
		raw     string
	)
	if err := row.Scan(&m.ID, &m.WaID, &m.Direction, &m.Type, &m.Text, &ts, &m.Status,
		&m.MsgID, &m.MetaMsgID, &raw, &cts); err != nil {
		return nil, err
	}
	m.Timestamp = fromMillis(ts)
	m.CreatedAt = fromMillis(cts)
	if raw != "" {
		m.PayloadRaw = []byte(raw)
	}
	return &m, nil
}

// InsertMessage stores m. A message whose MsgID is already stored is not
// inserted again and false is returned.
func (db *DB) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	if err := Prepare(m); err != nil {
		return false, err
	}
	var raw sql.NullString
	if len(m.PayloadRaw) > 0 {
		raw = sql.NullString{String: string(m.PayloadRaw), Valid: true}
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO messages (id, wa_id, direction, type, text, timestamp, status, msg_id, meta_msg_id, payload_raw, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		m.ID, m.WaID, m.Direction, m.Type, m.Text, millis(m.Timestamp), m.Status,
		nullable(m.MsgID), nullable(m.MetaMsgID), raw, millis(m.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateStatus sets the status of the message whose provider id equals
// providerID, falling back to the newest message with that meta id. Returns
// nil, nil when nothing matches.
func (db *DB) UpdateStatus(ctx context.Context, providerID string, status Status) (*Message, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if providerID == "" {
		return nil, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	m, err := scanMessage(tx.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE msg_id = ? OR meta_msg_id = ?
		ORDER BY CASE WHEN msg_id = ? THEN 0 ELSE 1 END, timestamp DESC
		LIMIT 1`, providerID, providerID, providerID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, status, m.ID); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	m.Status = status
	return m, nil
}

// SetProviderMessageID records the provider-assigned id of a message.
func (db *DB) SetProviderMessageID(ctx context.Context, id, msgID string) error {
	_, err := db.ExecContext(ctx, `UPDATE messages SET msg_id = ? WHERE id = ?`, nullable(msgID), id)
	return err
}

// ListMessages returns a page of a contact's messages using keyset
// pagination on timestamp, oldest first.
func (db *DB) ListMessages(ctx context.Context, waID string, before time.Time, limit int) ([]Message, error) {
	limit = ClampLimit(limit, DefaultMessageLimit, MaxMessageLimit)
	beforeTs := millis(before)
	if beforeTs <= 0 {
		beforeTs = math.MaxInt64
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE wa_id = ? AND timestamp < ?
		ORDER BY timestamp DESC, created_at DESC
		LIMIT ?`, waID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	msgs := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	Reverse(msgs)
	return msgs, nil
}

// MarkRead marks the given inbound, unread messages of waID as read.
// Outbound ids and ids of other contacts are ignored.
func (db *DB) MarkRead(ctx context.Context, waID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, waID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET status = 'read'
		WHERE wa_id = ? AND direction = 'inbound' AND status != 'read'
			AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return res.RowsAffected()
}
