// Package engine is the surface the UI layer talks to: optimistic
// sends, retries, deletes and read marking, all backed by the local
// store with the background components doing the remote work.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pcastello/chatsync/internal/bus"
	"github.com/pcastello/chatsync/internal/connectivity"
	"github.com/pcastello/chatsync/internal/outbox"
	"github.com/pcastello/chatsync/internal/receipts"
	"github.com/pcastello/chatsync/internal/status"
	"github.com/pcastello/chatsync/internal/store"
)

// Engine exposes the user-initiated operations. All methods return
// after the local store is updated; delivery happens asynchronously
// and surfaces through status changes on the bus.
type Engine struct {
	db        *store.DB
	processor *outbox.Processor
	receipts  *receipts.Aggregator
	conn      *connectivity.Monitor
	bus       *bus.Bus
	logger    *zap.Logger
	userID    string
}

// New creates the engine facade for the given local user.
func New(db *store.DB, processor *outbox.Processor, agg *receipts.Aggregator, conn *connectivity.Monitor, b *bus.Bus, logger *zap.Logger, userID string) *Engine {
	return &Engine{
		db:        db,
		processor: processor,
		receipts:  agg,
		conn:      conn,
		bus:       b,
		logger:    logger,
		userID:    userID,
	}
}

// UserID returns the local user id the engine acts as.
func (e *Engine) UserID() string {
	return e.userID
}

// SendDirect sends a text message to a single recipient, creating the
// 1:1 conversation on first contact.
func (e *Engine) SendDirect(ctx context.Context, recipientID, text string) (*store.Message, error) {
	conversationID := store.DirectConversationID(e.userID, recipientID)
	conv, err := e.db.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		if err := e.db.UpsertConversation(&store.Conversation{
			ID:             conversationID,
			ParticipantIDs: []string{e.userID, recipientID},
		}); err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		e.bus.PublishRef(bus.KindConversationUpserted, conversationID, "")
	}
	return e.SendMessage(ctx, conversationID, text)
}

// SendMessage persists a message optimistically and queues it for
// sending. Returns once both writes committed; the returned message
// carries the status the UI should render immediately.
func (e *Engine) SendMessage(_ context.Context, conversationID, text string) (*store.Message, error) {
	conv, err := e.db.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		return nil, fmt.Errorf("unknown conversation %s", conversationID)
	}

	now := time.Now().UnixMilli()
	st := status.Pending
	if !e.conn.Online() {
		// Offline at send time: the message goes straight to queued.
		st = status.Queued
	}
	m := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       e.userID,
		Text:           text,
		Status:         st,
		Timestamp:      now,
		// The sender is implicitly in readBy for bookkeeping; it
		// never advances read status.
		ReadBy: []string{e.userID},
	}
	if err := e.db.InsertMessage(m); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	if st == status.Pending {
		// Advance to sent before the queue entry exists: enqueueing
		// kicks the drain loop, and a drain that wins the race must
		// find sent, never overwrite its own delivered with it.
		if err := e.db.UpdateMessageStatus(m.ID, status.Sent); err != nil {
			return nil, fmt.Errorf("mark sent: %w", err)
		}
		m.Status = status.Sent
	}
	if err := e.processor.Enqueue(m); err != nil {
		return nil, fmt.Errorf("enqueue message: %w", err)
	}
	if err := e.db.SetLastMessage(conversationID, text, now); err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}

	e.bus.PublishRef(bus.KindMessageUpserted, conversationID, m.ID)
	return m, nil
}

// RetryMessage requeues a failed message with a fresh retry budget.
func (e *Engine) RetryMessage(_ context.Context, messageID string) error {
	m, err := e.db.GetMessage(messageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if m == nil {
		return fmt.Errorf("unknown message %s", messageID)
	}
	if m.Status != status.Failed {
		return fmt.Errorf("message %s is %s, only failed messages can be retried", messageID, m.Status)
	}

	if err := e.db.UpdateMessageStatus(messageID, status.Pending); err != nil {
		return fmt.Errorf("reset status: %w", err)
	}
	// Same ordering as SendMessage: the status write lands before the
	// queue entry so a racing drain cannot be overwritten.
	next := status.Sent
	if !e.conn.Online() {
		next = status.Queued
	}
	if err := e.db.UpdateMessageStatus(messageID, next); err != nil {
		return fmt.Errorf("mark %s: %w", next, err)
	}
	if err := e.processor.Enqueue(m); err != nil {
		return fmt.Errorf("requeue message: %w", err)
	}

	e.logger.Info("message retried", zap.String("message_id", messageID))
	e.bus.PublishRef(bus.KindMessageUpserted, m.ConversationID, messageID)
	return nil
}

// DeleteMessage removes a message on user request, cancelling any
// pending send by dropping its queue entry.
func (e *Engine) DeleteMessage(_ context.Context, messageID string) error {
	m, err := e.db.GetMessage(messageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if m == nil {
		return nil
	}
	if err := e.db.DeleteMessage(messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	e.bus.PublishRef(bus.KindMessageDeleted, m.ConversationID, messageID)
	return nil
}

// MarkConversationRead records that the local user read everything in
// the conversation. Safe to call on every app foreground.
func (e *Engine) MarkConversationRead(ctx context.Context, conversationID string) error {
	return e.receipts.MarkRead(ctx, conversationID, e.userID)
}

// Messages returns a conversation's messages, oldest first.
func (e *Engine) Messages(conversationID string) ([]store.Message, error) {
	return e.db.FetchMessages(conversationID)
}

// Conversations returns known conversations, most recent first.
func (e *Engine) Conversations(limit int) ([]store.Conversation, error) {
	return e.db.ListConversations(limit)
}

// SearchMessages runs a full-text search, optionally scoped to one
// conversation.
func (e *Engine) SearchMessages(query, conversationID string, limit int) ([]store.SearchResult, error) {
	return e.db.SearchMessages(query, conversationID, limit)
}

// Subscribe exposes the change-notification channel to the UI layer.
func (e *Engine) Subscribe(namespace string, bufSize int) (<-chan bus.Event, func()) {
	return e.bus.Subscribe(namespace, bufSize)
}
