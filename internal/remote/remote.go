package remote

import (
	"context"

	"github.com/pcastello/chatsync/internal/status"
)

// MessageSnapshot is an immutable point-in-time view of a remote
// message. Snapshots may arrive duplicated or out of order; the
// reconciler merges them idempotently.
type MessageSnapshot struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	Status         status.Status
	Timestamp      int64 // unix ms, server clock
	DeliveredTo    []string
	ReadBy         []string
	DeliveredAt    int64 // unix ms, 0 = unset
	ReadAt         int64 // unix ms, 0 = unset
}

// ConversationSnapshot is a point-in-time view of remote conversation
// metadata. Last-message fields are server-authoritative.
type ConversationSnapshot struct {
	ID              string
	ParticipantIDs  []string
	IsGroup         bool
	LastMessageText string
	LastMessageTime int64
}

// Outgoing is a message handed to the transport for sending. The id
// is client-generated and becomes the remote document id, so a resend
// of the same Outgoing is an upsert, not a duplicate.
type Outgoing struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	Timestamp      int64
}

// Ack confirms remote acceptance of an outgoing message.
type Ack struct {
	MessageID  string
	ServerTime int64 // unix ms, supersedes the client timestamp
}

// SnapshotHandler receives snapshots pushed by the remote store.
// Implementations must not block; delivery order is not guaranteed.
type SnapshotHandler interface {
	HandleMessage(snap *MessageSnapshot)
	HandleConversation(snap *ConversationSnapshot)
}

// Transport is the abstract surface of the remote store. The concrete
// wire protocol lives outside this module; the engine only assumes a
// document store with a server clock and a subscribe capability, with
// at-least-once delivery on every path.
type Transport interface {
	// Send pushes one message. Blocks until the remote store accepts
	// it or ctx expires; a timeout is a transient error.
	Send(ctx context.Context, msg *Outgoing) (*Ack, error)

	// Listen subscribes to snapshot pushes for one conversation.
	// Returns a stop function that cancels the subscription.
	Listen(ctx context.Context, conversationID string, h SnapshotHandler) (func(), error)

	// BatchUpdateReadBy adds userID to the readBy set of every listed
	// message in a single remote transaction.
	BatchUpdateReadBy(ctx context.Context, conversationID, userID string, messageIDs []string) error

	// Exists reports whether the remote store holds a message with
	// the given id. Used by crash recovery to detect sends that
	// landed before a crash.
	Exists(ctx context.Context, conversationID, messageID string) (bool, error)
}
