package reconcile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pcastello/chatsync/internal/bus"
	"github.com/pcastello/chatsync/internal/remote"
	"github.com/pcastello/chatsync/internal/status"
	"github.com/pcastello/chatsync/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newReconciler(t *testing.T, db *store.DB) *Reconciler {
	t.Helper()
	return NewReconciler(db, bus.New(), zap.NewNop(), "bob")
}

func TestApplyMessageInsertsUnknown(t *testing.T) {
	db := testDB(t)
	r := newReconciler(t, db)

	snap := &remote.MessageSnapshot{
		ID:             "m1",
		ConversationID: "alice_bob",
		SenderID:       "alice",
		Text:           "hi bob",
		Status:         status.Delivered,
		Timestamp:      1000,
	}
	require.NoError(t, r.ApplyMessage(snap))

	got, err := db.GetMessage("m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hi bob", got.Text)
	assert.Equal(t, status.Delivered, got.Status)

	// Inbound message from another participant bumps unread.
	conv, err := db.GetConversation("alice_bob")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, 1, conv.UnreadCount)
	assert.Equal(t, "hi bob", conv.LastMessageText)
}

func TestApplyMessageSeedsUnknownConversation(t *testing.T) {
	db := testDB(t)
	r := newReconciler(t, db)

	snap := &remote.MessageSnapshot{
		ID:             "m1",
		ConversationID: "alice_bob",
		SenderID:       "alice",
		Text:           "first contact",
		Status:         status.Delivered,
		Timestamp:      1000,
	}
	require.NoError(t, r.ApplyMessage(snap))

	// The seeded row must already carry the local user and the sender,
	// never an empty participant set.
	conv, err := db.GetConversation("alice_bob")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Contains(t, conv.ParticipantIDs, "bob")
	assert.Contains(t, conv.ParticipantIDs, "alice")

	// An existing conversation is left alone.
	require.NoError(t, db.UpsertConversation(&store.Conversation{
		ID:             "bob_carol",
		ParticipantIDs: []string{"bob", "carol", "dave"},
	}))
	require.NoError(t, r.ApplyMessage(&remote.MessageSnapshot{
		ID:             "m2",
		ConversationID: "bob_carol",
		SenderID:       "carol",
		Text:           "group hello",
		Status:         status.Delivered,
		Timestamp:      2000,
	}))
	conv, err = db.GetConversation("bob_carol")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol", "dave"}, conv.ParticipantIDs)
}

func TestApplyMessageIdempotent(t *testing.T) {
	db := testDB(t)
	r := newReconciler(t, db)

	snap := &remote.MessageSnapshot{
		ID:             "m1",
		ConversationID: "alice_bob",
		SenderID:       "bob",
		Text:           "mine",
		Status:         status.Delivered,
		Timestamp:      1000,
		DeliveredTo:    []string{"alice"},
		ReadBy:         []string{"bob"},
		DeliveredAt:    1500,
	}

	require.NoError(t, r.ApplyMessage(snap))
	first, err := db.GetMessage("m1")
	require.NoError(t, err)

	// Applying the identical snapshot again and again changes nothing.
	for i := 0; i < 3; i++ {
		require.NoError(t, r.ApplyMessage(snap))
	}
	again, err := db.GetMessage("m1")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	conv, _ := db.GetConversation("alice_bob")
	assert.Equal(t, 0, conv.UnreadCount, "own message must not count as unread, even replayed")
}

func TestApplyMessageNeverRegressesStatus(t *testing.T) {
	db := testDB(t)
	r := newReconciler(t, db)

	require.NoError(t, db.InsertMessage(&store.Message{
		ID:             "m1",
		ConversationID: "alice_bob",
		SenderID:       "bob",
		Status:         status.Read,
		Timestamp:      1000,
		ReadBy:         []string{"alice"},
	}))

	// A stale snapshot from before delivery.
	require.NoError(t, r.ApplyMessage(&remote.MessageSnapshot{
		ID:             "m1",
		ConversationID: "alice_bob",
		SenderID:       "bob",
		Status:         status.Sent,
		Timestamp:      500,
	}))

	got, _ := db.GetMessage("m1")
	assert.Equal(t, status.Read, got.Status)
}

func TestApplyMessageUnionsReadBy(t *testing.T) {
	db := testDB(t)
	r := newReconciler(t, db)

	base := remote.MessageSnapshot{
		ID:             "m1",
		ConversationID: "g1",
		SenderID:       "bob",
		Status:         status.Delivered,
		Timestamp:      1000,
	}

	s1 := base
	s1.ReadBy = []string{"a"}
	require.NoError(t, r.ApplyMessage(&s1))

	s2 := base
	s2.ReadBy = []string{"a", "b"}
	require.NoError(t, r.ApplyMessage(&s2))

	got, _ := db.GetMessage("m1")
	assert.ElementsMatch(t, []string{"a", "b"}, got.ReadBy, "union, not overwrite")
}

func TestApplyMessageAdvancesToReadOnNonSenderReceipt(t *testing.T) {
	db := testDB(t)
	r := newReconciler(t, db)

	require.NoError(t, db.InsertMessage(&store.Message{
		ID:             "m1",
		ConversationID: "alice_bob",
		SenderID:       "bob",
		Status:         status.Delivered,
		Timestamp:      1000,
	}))

	// A snapshot whose readBy holds only the sender must not mark read.
	require.NoError(t, r.ApplyMessage(&remote.MessageSnapshot{
		ID: "m1", ConversationID: "alice_bob", SenderID: "bob",
		Status: status.Delivered, Timestamp: 1000, ReadBy: []string{"bob"},
	}))
	got, _ := db.GetMessage("m1")
	assert.Equal(t, status.Delivered, got.Status, "self-read never advances status")

	// The recipient's receipt does.
	require.NoError(t, r.ApplyMessage(&remote.MessageSnapshot{
		ID: "m1", ConversationID: "alice_bob", SenderID: "bob",
		Status: status.Delivered, Timestamp: 2000, ReadBy: []string{"alice"},
	}))
	got, _ = db.GetMessage("m1")
	assert.Equal(t, status.Read, got.Status)
	assert.Equal(t, int64(2000), got.ReadAt)
}

func TestApplyMessageKeepsFirstDeliveredAt(t *testing.T) {
	db := testDB(t)
	r := newReconciler(t, db)

	require.NoError(t, r.ApplyMessage(&remote.MessageSnapshot{
		ID: "m1", ConversationID: "c1", SenderID: "bob",
		Status: status.Delivered, Timestamp: 1000, DeliveredAt: 1100,
	}))
	require.NoError(t, r.ApplyMessage(&remote.MessageSnapshot{
		ID: "m1", ConversationID: "c1", SenderID: "bob",
		Status: status.Delivered, Timestamp: 1000, DeliveredAt: 9999,
	}))

	got, _ := db.GetMessage("m1")
	assert.Equal(t, int64(1100), got.DeliveredAt, "set once, never cleared or replaced")
}

func TestApplyConversationMergesMetadata(t *testing.T) {
	db := testDB(t)
	r := newReconciler(t, db)

	require.NoError(t, db.UpsertConversation(&store.Conversation{
		ID:             "g1",
		ParticipantIDs: []string{"alice", "bob"},
		UnreadCount:    3,
	}))

	require.NoError(t, r.ApplyConversation(&remote.ConversationSnapshot{
		ID:              "g1",
		ParticipantIDs:  []string{"alice", "bob", "carol"},
		IsGroup:         true,
		LastMessageText: "welcome carol",
		LastMessageTime: 5000,
	}))

	got, err := db.GetConversation("g1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, got.ParticipantIDs)
	assert.True(t, got.IsGroup)
	assert.Equal(t, "welcome carol", got.LastMessageText)
	assert.Equal(t, 3, got.UnreadCount, "local unread bookkeeping survives the merge")
}

func TestApplyConversationRemovalDeletesLocally(t *testing.T) {
	db := testDB(t)
	r := newReconciler(t, db)

	require.NoError(t, db.UpsertConversation(&store.Conversation{
		ID:             "g1",
		ParticipantIDs: []string{"alice", "bob"},
		IsGroup:        true,
	}))
	require.NoError(t, db.InsertMessage(&store.Message{
		ID: "m1", ConversationID: "g1", SenderID: "alice",
		Status: status.Delivered, Timestamp: 1,
	}))

	// bob (the local user) is gone from the participant list.
	require.NoError(t, r.ApplyConversation(&remote.ConversationSnapshot{
		ID:             "g1",
		ParticipantIDs: []string{"alice", "carol"},
		IsGroup:        true,
	}))

	conv, _ := db.GetConversation("g1")
	assert.Nil(t, conv)

	// Messages stay; pruning them is not the reconciler's call.
	msgs, err := db.FetchMessages("g1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	// Replaying the removal is a no-op.
	require.NoError(t, r.ApplyConversation(&remote.ConversationSnapshot{
		ID:             "g1",
		ParticipantIDs: []string{"alice", "carol"},
	}))
}
