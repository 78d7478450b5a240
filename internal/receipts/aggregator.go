// Package receipts turns "the user looked at this conversation" into
// batched read-receipt writes, remote first, then local.
package receipts

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pcastello/chatsync/internal/bus"
	"github.com/pcastello/chatsync/internal/remote"
	"github.com/pcastello/chatsync/internal/store"
)

// Aggregator computes per-conversation read transitions. Safe to call
// redundantly: with nothing unread it does no remote work at all.
type Aggregator struct {
	db        *store.DB
	transport remote.Transport
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewAggregator creates a read receipt aggregator.
func NewAggregator(db *store.DB, transport remote.Transport, b *bus.Bus, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		db:        db,
		transport: transport,
		bus:       b,
		logger:    logger,
	}
}

// MarkRead records that userID has read everything in the
// conversation. All missing receipts go out in one remote
// transaction; only after that commits does the local store pick up
// the receipts, the status recomputes and the unread counter resets.
func (a *Aggregator) MarkRead(ctx context.Context, conversationID, userID string) error {
	unread, err := a.db.UnreadBy(conversationID, userID)
	if err != nil {
		return fmt.Errorf("list unread: %w", err)
	}
	if len(unread) == 0 {
		// Guard against a counter that drifted from the receipt sets.
		if err := a.db.ResetUnread(conversationID); err != nil {
			return fmt.Errorf("reset unread: %w", err)
		}
		return nil
	}

	ids := make([]string, len(unread))
	for i, m := range unread {
		ids[i] = m.ID
	}

	if err := a.transport.BatchUpdateReadBy(ctx, conversationID, userID, ids); err != nil {
		// Local state stays untouched; the next MarkRead call (every
		// app foreground) retries the whole batch.
		return fmt.Errorf("remote read batch: %w", err)
	}

	now := time.Now().UnixMilli()
	if err := a.db.ApplyReadBatch(conversationID, userID, ids, now); err != nil {
		return fmt.Errorf("apply read batch: %w", err)
	}

	a.logger.Info("conversation marked read",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
		zap.Int("messages", len(ids)))
	for _, id := range ids {
		a.bus.PublishRef(bus.KindMessageRead, conversationID, id)
	}
	a.bus.PublishRef(bus.KindConversationUpserted, conversationID, "")
	return nil
}
