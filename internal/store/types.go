package store

import (
	"sort"
	"strings"

	"github.com/pcastello/chatsync/internal/status"
)

// Message is a single chat message. The id is client-generated,
// globally unique and immutable; DeliveredTo and ReadBy are the
// recipient-id sets materialized from the receipts table.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	Status         status.Status
	Timestamp      int64 // unix ms; server clock once confirmed
	DeliveredTo    []string
	ReadBy         []string
	DeliveredAt    int64 // unix ms, 0 = unset; set once, never cleared
	ReadAt         int64 // unix ms, 0 = unset; set once, never cleared
}

// Conversation is the metadata of a 1:1 or group thread.
type Conversation struct {
	ID              string
	ParticipantIDs  []string
	IsGroup         bool
	LastMessageText string
	LastMessageTime int64
	UnreadCount     int
}

// QueuedEntry is a pending outbound-send work item, distinct from the
// message it refers to. At most one entry exists per message id.
type QueuedEntry struct {
	MessageID      string
	ConversationID string
	Payload        string
	RetryCount     int
	LastAttemptAt  int64 // unix ms, 0 = never attempted
	NextAttemptAt  int64 // unix ms; drain skips entries still backing off
	CreatedAt      int64
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}

// ReceiptKind distinguishes the two receipt sets on a message.
type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptRead      ReceiptKind = "read"
)

// DirectConversationID derives the deterministic id of a 1:1
// conversation from its two participants, independent of order.
func DirectConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}
