package remote

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcastello/chatsync/internal/status"
)

// funcHandler carries func fields, so its values are not comparable.
type funcHandler struct {
	onMessage func(*MessageSnapshot)
}

func (h funcHandler) HandleMessage(s *MessageSnapshot) {
	if h.onMessage != nil {
		h.onMessage(s)
	}
}

func (h funcHandler) HandleConversation(*ConversationSnapshot) {}

func TestLoopbackStopWithNonComparableHandler(t *testing.T) {
	l := NewLoopback()
	var got []*MessageSnapshot
	h := funcHandler{onMessage: func(s *MessageSnapshot) { got = append(got, s) }}

	stop, err := l.Listen(context.Background(), "alice_bob", h)
	require.NoError(t, err)

	l.PushMessage(&MessageSnapshot{ID: "m1", ConversationID: "alice_bob", SenderID: "alice", Status: status.Delivered})
	require.Len(t, got, 1)

	require.NotPanics(t, stop)

	l.PushMessage(&MessageSnapshot{ID: "m2", ConversationID: "alice_bob", SenderID: "alice", Status: status.Delivered})
	assert.Len(t, got, 1)
}

func TestLoopbackStopRemovesOnlyItsRegistration(t *testing.T) {
	l := NewLoopback()
	var a, b int

	stopA, err := l.Listen(context.Background(), "c1", funcHandler{onMessage: func(*MessageSnapshot) { a++ }})
	require.NoError(t, err)
	_, err = l.Listen(context.Background(), "c1", funcHandler{onMessage: func(*MessageSnapshot) { b++ }})
	require.NoError(t, err)

	stopA()
	l.PushMessage(&MessageSnapshot{ID: "m1", ConversationID: "c1", SenderID: "alice", Status: status.Delivered})
	assert.Zero(t, a)
	assert.Equal(t, 1, b)
}
