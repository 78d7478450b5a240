package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pcastello/chatsync/internal/status"
)

const messageColumns = `id, conversation_id, sender_id, text, status, timestamp, delivered_at, read_at`

// InsertMessage persists a new message and its receipt sets in one
// transaction. Fails if the id already exists; use the reconciler's
// merge path for updates.
func (db *DB) InsertMessage(m *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, text, status, timestamp, delivered_at, read_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.Text, m.Status, m.Timestamp, m.DeliveredAt, m.ReadAt, now); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if err := insertReceipts(tx, m.ID, ReceiptDelivered, m.DeliveredTo, m.Timestamp); err != nil {
		return err
	}
	if err := insertReceipts(tx, m.ID, ReceiptRead, m.ReadBy, m.Timestamp); err != nil {
		return err
	}
	return tx.Commit()
}

// GetMessage returns a message with its receipt sets, or nil if absent.
func (db *DB) GetMessage(id string) (*Message, error) {
	var m Message
	err := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.Status, &m.Timestamp, &m.DeliveredAt, &m.ReadAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := db.loadReceipts([]*Message{&m}); err != nil {
		return nil, err
	}
	return &m, nil
}

// FetchMessages returns all messages of a conversation ordered by
// timestamp ascending, receipt sets included.
func (db *DB) FetchMessages(conversationID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	refs := make([]*Message, len(msgs))
	for i := range msgs {
		refs[i] = &msgs[i]
	}
	if err := db.loadReceipts(refs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// UpdateMessageStatus sets a message's status unconditionally. Callers
// are responsible for honoring the transition graph.
func (db *DB) UpdateMessageStatus(id string, s status.Status) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, s, id)
	return err
}

// UpdateMessageTimestamp replaces the client-assigned timestamp with
// the server-authoritative one after confirmation.
func (db *DB) UpdateMessageTimestamp(id string, ts int64) error {
	_, err := db.Exec(`UPDATE messages SET timestamp = ? WHERE id = ?`, ts, id)
	return err
}

// AddReceipts unions user ids into one of a message's receipt sets.
// Duplicate inserts are ignored, so the operation is idempotent.
func (db *DB) AddReceipts(messageID string, kind ReceiptKind, userIDs []string, at int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := insertReceipts(tx, messageID, kind, userIDs, at); err != nil {
		return err
	}
	return tx.Commit()
}

// SetDeliveredAt records the first-delivery timestamp. A later call
// with a different value is a no-op.
func (db *DB) SetDeliveredAt(id string, at int64) error {
	_, err := db.Exec(`UPDATE messages SET delivered_at = ? WHERE id = ? AND delivered_at = 0`, at, id)
	return err
}

// SetReadAt records the first-read timestamp, set once.
func (db *DB) SetReadAt(id string, at int64) error {
	_, err := db.Exec(`UPDATE messages SET read_at = ? WHERE id = ? AND read_at = 0`, at, id)
	return err
}

// StaleMessages returns messages still pending or sent whose timestamp
// is older than cutoff. These are the crash-recovery candidates: under
// normal operation a message progresses past these states quickly.
func (db *DB) StaleMessages(cutoff int64) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE status IN (?, ?) AND timestamp < ?
		ORDER BY timestamp ASC`, status.Pending, status.Sent, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// UnreadBy returns the messages of a conversation not sent by userID
// and not yet carrying userID's read receipt.
func (db *DB) UnreadBy(conversationID, userID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.conversation_id = ?
		  AND m.sender_id != ?
		  AND NOT EXISTS (
			SELECT 1 FROM receipts r
			WHERE r.message_id = m.id AND r.user_id = ? AND r.kind = ?
		  )
		ORDER BY timestamp ASC`, conversationID, userID, userID, ReceiptRead)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// ApplyReadBatch records userID's read receipts for the listed
// messages and recomputes their status in one transaction. Because
// the caller only lists messages userID did not send, the first
// receipt is always a non-sender read and sent/delivered messages
// advance to read. The conversation's unread counter is zeroed in the
// same transaction.
func (db *DB) ApplyReadBatch(conversationID, userID string, messageIDs []string, at int64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range messageIDs {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO receipts (message_id, user_id, kind, at) VALUES (?, ?, ?, ?)`,
			id, userID, ReceiptRead, at); err != nil {
			return fmt.Errorf("insert read receipt: %w", err)
		}
		if _, err := tx.Exec(`
			UPDATE messages SET status = ?
			WHERE id = ? AND status IN (?, ?)`,
			status.Read, id, status.Sent, status.Delivered); err != nil {
			return fmt.Errorf("advance status: %w", err)
		}
		if _, err := tx.Exec(`
			UPDATE messages SET read_at = ? WHERE id = ? AND read_at = 0`, at, id); err != nil {
			return fmt.Errorf("set read_at: %w", err)
		}
	}
	if _, err := tx.Exec(`
		UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), conversationID); err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	return tx.Commit()
}

// DeleteMessage removes a message, its receipts and any queue entry.
// Only explicit user action reaches this; the sync engine itself
// never deletes business data.
func (db *DB) DeleteMessage(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM receipts WHERE message_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM queue WHERE message_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func insertReceipts(tx *sql.Tx, messageID string, kind ReceiptKind, userIDs []string, at int64) error {
	for _, uid := range userIDs {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO receipts (message_id, user_id, kind, at) VALUES (?, ?, ?, ?)`,
			messageID, uid, kind, at); err != nil {
			return fmt.Errorf("insert %s receipt: %w", kind, err)
		}
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.Status, &m.Timestamp, &m.DeliveredAt, &m.ReadAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// receiptChunkSize keeps each IN clause well under SQLite's default
// limit of 999 bound variables.
const receiptChunkSize = 500

// loadReceipts fills DeliveredTo/ReadBy for the given messages.
func (db *DB) loadReceipts(msgs []*Message) error {
	byID := make(map[string]*Message, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if _, seen := byID[m.ID]; !seen {
			ids = append(ids, m.ID)
		}
		byID[m.ID] = m
	}

	for start := 0; start < len(ids); start += receiptChunkSize {
		end := min(start+receiptChunkSize, len(ids))
		if err := db.loadReceiptChunk(byID, ids[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) loadReceiptChunk(byID map[string]*Message, ids []string) error {
	args := make([]any, len(ids))
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		args[i] = id
		placeholders[i] = "?"
	}

	rows, err := db.Query(`
		SELECT message_id, user_id, kind FROM receipts
		WHERE message_id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var msgID, userID string
		var kind ReceiptKind
		if err := rows.Scan(&msgID, &userID, &kind); err != nil {
			return err
		}
		m := byID[msgID]
		if m == nil {
			continue
		}
		switch kind {
		case ReceiptDelivered:
			m.DeliveredTo = append(m.DeliveredTo, userID)
		case ReceiptRead:
			m.ReadBy = append(m.ReadBy, userID)
		}
	}
	return rows.Err()
}
