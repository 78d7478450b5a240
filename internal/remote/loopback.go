package remote

import (
	"context"
	"sync"
	"time"

	"github.com/pcastello/chatsync/internal/status"
)

// Loopback is an in-memory Transport for local development and tests.
// It accepts every send, records it, and can push snapshots back to
// registered listeners.
type Loopback struct {
	mu        sync.Mutex
	messages  map[string]*MessageSnapshot // by message id
	listeners map[string][]*registration

	// SendErr, when set, is returned by Send.
	SendErr error
}

// registration identifies one Listen call so stop can remove exactly
// that handler, whatever its dynamic type.
type registration struct {
	h SnapshotHandler
}

// NewLoopback creates an empty loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{
		messages:  make(map[string]*MessageSnapshot),
		listeners: make(map[string][]*registration),
	}
}

func (l *Loopback) Send(_ context.Context, msg *Outgoing) (*Ack, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SendErr != nil {
		return nil, l.SendErr
	}
	now := time.Now().UnixMilli()
	l.messages[msg.ID] = &MessageSnapshot{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Text:           msg.Text,
		Status:         status.Delivered,
		Timestamp:      now,
	}
	return &Ack{MessageID: msg.ID, ServerTime: now}, nil
}

func (l *Loopback) Listen(_ context.Context, conversationID string, h SnapshotHandler) (func(), error) {
	reg := &registration{h: h}
	l.mu.Lock()
	l.listeners[conversationID] = append(l.listeners[conversationID], reg)
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		regs := l.listeners[conversationID]
		for i, r := range regs {
			if r == reg {
				l.listeners[conversationID] = append(regs[:i], regs[i+1:]...)
				break
			}
		}
	}, nil
}

func (l *Loopback) BatchUpdateReadBy(_ context.Context, _, userID string, messageIDs []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range messageIDs {
		if m, ok := l.messages[id]; ok {
			m.ReadBy = appendUnique(m.ReadBy, userID)
		}
	}
	return nil
}

func (l *Loopback) Exists(_ context.Context, _, messageID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.messages[messageID]
	return ok, nil
}

// PushMessage delivers a message snapshot to every listener of its
// conversation, simulating a remote push.
func (l *Loopback) PushMessage(snap *MessageSnapshot) {
	l.mu.Lock()
	l.messages[snap.ID] = snap
	regs := append([]*registration(nil), l.listeners[snap.ConversationID]...)
	l.mu.Unlock()
	for _, r := range regs {
		r.h.HandleMessage(snap)
	}
}

// PushConversation delivers a conversation snapshot to its listeners.
func (l *Loopback) PushConversation(snap *ConversationSnapshot) {
	l.mu.Lock()
	regs := append([]*registration(nil), l.listeners[snap.ID]...)
	l.mu.Unlock()
	for _, r := range regs {
		r.h.HandleConversation(snap)
	}
}

// Stored returns the recorded snapshot for a message id, or nil.
func (l *Loopback) Stored(messageID string) *MessageSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.messages[messageID]
}

func appendUnique(set []string, id string) []string {
	for _, s := range set {
		if s == id {
			return set
		}
	}
	return append(set, id)
}
