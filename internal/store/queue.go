package store

import (
	"database/sql"
	"time"
)

// Enqueue adds an outbound work item. The message-id primary key
// enforces at most one entry per message: re-enqueueing an already
// queued message is a silent no-op.
func (db *DB) Enqueue(e *QueuedEntry) error {
	created := e.CreatedAt
	if created == 0 {
		created = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT OR IGNORE INTO queue (message_id, conversation_id, payload, retry_count, last_attempt_at, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.MessageID, e.ConversationID, e.Payload, e.RetryCount, e.LastAttemptAt, e.NextAttemptAt, created)
	return err
}

// Dequeue removes the entry for a message id, if any.
func (db *DB) Dequeue(messageID string) error {
	_, err := db.Exec(`DELETE FROM queue WHERE message_id = ?`, messageID)
	return err
}

// IsQueued reports whether a queue entry exists for the message id.
func (db *DB) IsQueued(messageID string) (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM queue WHERE message_id = ?`, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DueEntries returns entries whose backoff has elapsed, in creation
// order. Entries still backing off stay invisible so one slow message
// never gates the rest of the queue.
func (db *DB) DueEntries(now int64) ([]QueuedEntry, error) {
	rows, err := db.Query(`
		SELECT message_id, conversation_id, payload, retry_count, last_attempt_at, next_attempt_at, created_at
		FROM queue
		WHERE next_attempt_at <= ?
		ORDER BY created_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []QueuedEntry
	for rows.Next() {
		var e QueuedEntry
		if err := rows.Scan(&e.MessageID, &e.ConversationID, &e.Payload, &e.RetryCount, &e.LastAttemptAt, &e.NextAttemptAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkAttempt records a failed attempt: new retry count, attempt time
// and the earliest time the entry becomes due again.
func (db *DB) MarkAttempt(messageID string, retryCount int, attemptAt, nextAttemptAt int64) error {
	_, err := db.Exec(`
		UPDATE queue SET retry_count = ?, last_attempt_at = ?, next_attempt_at = ?
		WHERE message_id = ?`, retryCount, attemptAt, nextAttemptAt, messageID)
	return err
}
