package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertConversation inserts or replaces conversation metadata.
func (db *DB) UpsertConversation(c *Conversation) error {
	participants, err := json.Marshal(c.ParticipantIDs)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO conversations (id, participant_ids, is_group, last_message_text, last_message_time, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participant_ids = excluded.participant_ids,
			is_group = excluded.is_group,
			last_message_text = excluded.last_message_text,
			last_message_time = excluded.last_message_time,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, string(participants), c.IsGroup, c.LastMessageText, c.LastMessageTime, c.UnreadCount, now)
	return err
}

// GetConversation returns a conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	var participants string
	err := db.QueryRow(`
		SELECT id, participant_ids, is_group, last_message_text, last_message_time, unread_count
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &participants, &c.IsGroup, &c.LastMessageText, &c.LastMessageTime, &c.UnreadCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.ParticipantIDs); err != nil {
		return nil, fmt.Errorf("unmarshal participants: %w", err)
	}
	return &c, nil
}

// ListConversations returns conversations sorted by last message time
// descending, newest thread first.
func (db *DB) ListConversations(limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, participant_ids, is_group, last_message_text, last_message_time, unread_count
		FROM conversations
		ORDER BY last_message_time DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var participants string
		if err := rows.Scan(&c.ID, &participants, &c.IsGroup, &c.LastMessageText, &c.LastMessageTime, &c.UnreadCount); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(participants), &c.ParticipantIDs); err != nil {
			return nil, fmt.Errorf("unmarshal participants: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// ConversationIDs returns the ids of every known conversation.
func (db *DB) ConversationIDs() ([]string, error) {
	rows, err := db.Query(`SELECT id FROM conversations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetLastMessage advances a conversation's last-message fields,
// creating the row if needed. An older timestamp never overwrites a
// newer one, so out-of-order updates are safe.
func (db *DB) SetLastMessage(conversationID, text string, at int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, last_message_text, last_message_time, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_time = MAX(conversations.last_message_time, excluded.last_message_time),
			last_message_text = CASE WHEN excluded.last_message_time >= conversations.last_message_time THEN excluded.last_message_text ELSE conversations.last_message_text END,
			updated_at = excluded.updated_at`,
		conversationID, text, at, now)
	return err
}

// IncrementUnread bumps the unread counter by one.
func (db *DB) IncrementUnread(conversationID string) error {
	_, err := db.Exec(`
		UPDATE conversations SET unread_count = unread_count + 1, updated_at = ?
		WHERE id = ?`, time.Now().UnixMilli(), conversationID)
	return err
}

// ResetUnread zeroes the unread counter.
func (db *DB) ResetUnread(conversationID string) error {
	_, err := db.Exec(`
		UPDATE conversations SET unread_count = 0, updated_at = ?
		WHERE id = ?`, time.Now().UnixMilli(), conversationID)
	return err
}

// DeleteConversation removes conversation metadata. Messages are left
// in place; pruning them is not the engine's call.
func (db *DB) DeleteConversation(id string) error {
	_, err := db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	return err
}
