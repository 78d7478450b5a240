// Package recovery repairs messages the last process left in limbo.
package recovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pcastello/chatsync/internal/remote"
	"github.com/pcastello/chatsync/internal/status"
	"github.com/pcastello/chatsync/internal/store"
)

// Runner performs the startup recovery pass. It runs exactly once,
// before the outbound processor starts, so a recovered entry is never
// raced by a concurrent drain.
type Runner struct {
	db        *store.DB
	transport remote.Transport
	logger    *zap.Logger
	threshold time.Duration
}

// NewRunner creates a recovery runner. threshold is how old a
// pending/sent message must be before it counts as crash-affected.
func NewRunner(db *store.DB, transport remote.Transport, logger *zap.Logger, threshold time.Duration) *Runner {
	return &Runner{
		db:        db,
		transport: transport,
		logger:    logger,
		threshold: threshold,
	}
}

// Run inspects every stale pending/sent message and settles it:
// confirmed remotely -> delivered, absent -> requeued, already queued
// -> left alone. Only a failure to queue degrades the message to
// failed; recovery itself never crashes the process.
func (r *Runner) Run(ctx context.Context) error {
	cutoff := time.Now().Add(-r.threshold).UnixMilli()
	stale, err := r.db.StaleMessages(cutoff)
	if err != nil {
		return fmt.Errorf("query stale messages: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}
	r.logger.Info("recovering stale messages", zap.Int("count", len(stale)))

	for _, m := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.recover(ctx, &m)
	}
	return nil
}

func (r *Runner) recover(ctx context.Context, m *store.Message) {
	exists, err := r.transport.Exists(ctx, m.ConversationID, m.ID)
	if err != nil {
		// Unknown remote state: leave the message for the next
		// startup rather than risk a duplicate send.
		r.logger.Warn("could not confirm remote state, leaving message as-is",
			zap.Error(err), zap.String("message_id", m.ID))
		return
	}

	if exists {
		// The send landed before the crash; no re-send.
		if err := r.db.UpdateMessageStatus(m.ID, status.Delivered); err != nil {
			r.logger.Error("failed to confirm delivered", zap.Error(err), zap.String("message_id", m.ID))
			return
		}
		_ = r.db.SetDeliveredAt(m.ID, m.Timestamp)
		if err := r.db.Dequeue(m.ID); err != nil {
			r.logger.Error("failed to drop stale queue entry", zap.Error(err), zap.String("message_id", m.ID))
		}
		r.logger.Info("confirmed delivered", zap.String("message_id", m.ID))
		return
	}

	queued, err := r.db.IsQueued(m.ID)
	if err != nil {
		r.logger.Error("failed to check queue", zap.Error(err), zap.String("message_id", m.ID))
		return
	}
	if queued {
		// The processor will pick it up; nothing to do.
		return
	}

	if err := r.db.Enqueue(&store.QueuedEntry{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Payload:        m.Text,
	}); err != nil {
		r.logger.Error("failed to requeue, marking failed", zap.Error(err), zap.String("message_id", m.ID))
		if markErr := r.db.UpdateMessageStatus(m.ID, status.Failed); markErr != nil {
			r.logger.Error("failed to mark failed", zap.Error(markErr), zap.String("message_id", m.ID))
		}
		return
	}
	if err := r.db.UpdateMessageStatus(m.ID, status.Queued); err != nil {
		r.logger.Error("failed to mark queued", zap.Error(err), zap.String("message_id", m.ID))
		return
	}
	r.logger.Info("requeued for send", zap.String("message_id", m.ID))
}
