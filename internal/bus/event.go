package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the sync engine. Subscribers filter by
// namespace prefix, e.g. "message." receives every message kind.
const (
	KindMessageUpserted      = "message.upserted"
	KindMessageDelivered     = "message.delivered"
	KindMessageFailed        = "message.failed"
	KindMessageRead          = "message.read"
	KindMessageDeleted       = "message.deleted"
	KindConversationUpserted = "conversation.upserted"
	KindConversationRemoved  = "conversation.removed"
	KindRemoteMessage        = "remote.message"
	KindRemoteConversation   = "remote.conversation"
	KindNetOnline            = "net.online"
	KindNetOffline           = "net.offline"
	KindDaemonStatus         = "daemon.status_changed"
)

// MessageRef identifies a message within a conversation. It is the
// payload of every message.* event so UI subscribers can scope a
// refresh to a single conversation.
type MessageRef struct {
	ConversationID string
	MessageID      string
}
