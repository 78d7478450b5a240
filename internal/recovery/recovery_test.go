package recovery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pcastello/chatsync/internal/remote"
	"github.com/pcastello/chatsync/internal/status"
	"github.com/pcastello/chatsync/internal/store"
)

// mockTransport answers Exists from a fixed set.
type mockTransport struct {
	mu        sync.Mutex
	existing  map[string]bool
	existsErr error
}

func (m *mockTransport) Send(context.Context, *remote.Outgoing) (*remote.Ack, error) {
	return nil, errors.New("not used")
}

func (m *mockTransport) Listen(context.Context, string, remote.SnapshotHandler) (func(), error) {
	return func() {}, nil
}

func (m *mockTransport) BatchUpdateReadBy(context.Context, string, string, []string) error {
	return nil
}

func (m *mockTransport) Exists(_ context.Context, _, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsErr != nil {
		return false, m.existsErr
	}
	return m.existing[messageID], nil
}

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

func staleMessage(t *testing.T, db *store.DB, id string, st status.Status) *store.Message {
	t.Helper()
	m := &store.Message{
		ID:             id,
		ConversationID: "alice_bob",
		SenderID:       "alice",
		Text:           "stale " + id,
		Status:         st,
		Timestamp:      time.Now().Add(-time.Hour).UnixMilli(),
	}
	require.NoError(t, db.InsertMessage(m))
	return m
}

func TestRunConfirmsDeliveredIdempotently(t *testing.T) {
	db := testDB(t)
	m := staleMessage(t, db, "m1", status.Pending)
	mock := &mockTransport{existing: map[string]bool{"m1": true}}
	r := NewRunner(db, mock, zap.NewNop(), time.Minute)

	// Running recovery twice in a row produces delivered both times
	// and never creates a queue entry.
	for i := 0; i < 2; i++ {
		require.NoError(t, r.Run(context.Background()))

		got, err := db.GetMessage(m.ID)
		require.NoError(t, err)
		assert.Equal(t, status.Delivered, got.Status)

		queued, err := db.IsQueued(m.ID)
		require.NoError(t, err)
		assert.False(t, queued, "confirmed message must not be requeued")
	}
}

func TestRunRequeuesAbsentMessage(t *testing.T) {
	db := testDB(t)
	m := staleMessage(t, db, "m1", status.Sent)
	mock := &mockTransport{existing: map[string]bool{}}
	r := NewRunner(db, mock, zap.NewNop(), time.Minute)

	require.NoError(t, r.Run(context.Background()))

	got, _ := db.GetMessage(m.ID)
	assert.Equal(t, status.Queued, got.Status)

	queued, _ := db.IsQueued(m.ID)
	assert.True(t, queued)

	// Second run: message is now queued (and no longer pending/sent),
	// so nothing changes and no duplicate entry appears.
	require.NoError(t, r.Run(context.Background()))
	entries, err := db.DueEntries(time.Now().UnixMilli())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunLeavesAlreadyQueuedAlone(t *testing.T) {
	db := testDB(t)
	m := staleMessage(t, db, "m1", status.Pending)
	require.NoError(t, db.Enqueue(&store.QueuedEntry{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Payload:        "original payload",
		RetryCount:     2,
	}))
	mock := &mockTransport{existing: map[string]bool{}}
	r := NewRunner(db, mock, zap.NewNop(), time.Minute)

	require.NoError(t, r.Run(context.Background()))

	entries, err := db.DueEntries(time.Now().UnixMilli())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "original payload", entries[0].Payload)
	assert.Equal(t, 2, entries[0].RetryCount, "existing entry must not be reset")
}

func TestRunSkipsFreshMessages(t *testing.T) {
	db := testDB(t)
	fresh := &store.Message{
		ID:             "fresh",
		ConversationID: "alice_bob",
		SenderID:       "alice",
		Status:         status.Pending,
		Timestamp:      time.Now().UnixMilli(),
	}
	require.NoError(t, db.InsertMessage(fresh))
	mock := &mockTransport{existing: map[string]bool{}}
	r := NewRunner(db, mock, zap.NewNop(), time.Minute)

	require.NoError(t, r.Run(context.Background()))

	got, _ := db.GetMessage("fresh")
	assert.Equal(t, status.Pending, got.Status, "messages inside the staleness window are untouched")
	queued, _ := db.IsQueued("fresh")
	assert.False(t, queued)
}

func TestRunLeavesMessageWhenRemoteUnknown(t *testing.T) {
	db := testDB(t)
	m := staleMessage(t, db, "m1", status.Sent)
	mock := &mockTransport{existsErr: remote.Transient(errors.New("offline"))}
	r := NewRunner(db, mock, zap.NewNop(), time.Minute)

	require.NoError(t, r.Run(context.Background()))

	// Can't tell whether the send landed: do nothing rather than risk
	// a duplicate.
	got, _ := db.GetMessage(m.ID)
	assert.Equal(t, status.Sent, got.Status)
	queued, _ := db.IsQueued(m.ID)
	assert.False(t, queued)
}

func TestRunDropsStaleQueueEntryWhenConfirmed(t *testing.T) {
	db := testDB(t)
	m := staleMessage(t, db, "m1", status.Sent)
	require.NoError(t, db.Enqueue(&store.QueuedEntry{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Payload:        m.Text,
	}))
	mock := &mockTransport{existing: map[string]bool{"m1": true}}
	r := NewRunner(db, mock, zap.NewNop(), time.Minute)

	require.NoError(t, r.Run(context.Background()))

	got, _ := db.GetMessage(m.ID)
	assert.Equal(t, status.Delivered, got.Status)
	queued, _ := db.IsQueued(m.ID)
	assert.False(t, queued, "confirmed send must not be resent by the processor")
}
