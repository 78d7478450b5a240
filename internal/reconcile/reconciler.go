// Package reconcile folds asynchronous remote snapshots into the
// local store. Snapshots may be duplicated, reordered or stale; every
// apply is an idempotent, non-destructive merge.
package reconcile

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/pcastello/chatsync/internal/bus"
	"github.com/pcastello/chatsync/internal/remote"
	"github.com/pcastello/chatsync/internal/status"
	"github.com/pcastello/chatsync/internal/store"
)

// Reconciler upserts remote message and conversation snapshots into
// the store. It subscribes to "remote." events on the bus, published
// by the transport listener.
type Reconciler struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	userID string
	cancel context.CancelFunc
}

// NewReconciler creates a reconciler for the given local user.
func NewReconciler(db *store.DB, b *bus.Bus, logger *zap.Logger, userID string) *Reconciler {
	return &Reconciler{
		db:     db,
		bus:    b,
		logger: logger,
		userID: userID,
	}
}

// Start subscribes to inbound remote events on the bus.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe("remote.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				r.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Reconciler) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindRemoteMessage:
		snap, ok := evt.Payload.(*remote.MessageSnapshot)
		if !ok {
			return
		}
		if err := r.ApplyMessage(snap); err != nil {
			r.logger.Error("failed to apply message snapshot", zap.Error(err), zap.String("message_id", snap.ID))
		}
	case bus.KindRemoteConversation:
		snap, ok := evt.Payload.(*remote.ConversationSnapshot)
		if !ok {
			return
		}
		if err := r.ApplyConversation(snap); err != nil {
			r.logger.Error("failed to apply conversation snapshot", zap.Error(err), zap.String("conversation_id", snap.ID))
		}
	}
}

// ApplyMessage merges one message snapshot. Applying the same
// snapshot twice produces the same stored message as applying it once.
func (r *Reconciler) ApplyMessage(snap *remote.MessageSnapshot) error {
	local, err := r.db.GetMessage(snap.ID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if local == nil {
		return r.insertFromSnapshot(snap)
	}
	return r.mergeIntoLocal(local, snap)
}

// insertFromSnapshot handles a message unseen locally: either another
// participant's message or the first sight of one of ours from a
// different device.
func (r *Reconciler) insertFromSnapshot(snap *remote.MessageSnapshot) error {
	st := snap.Status
	if !status.Valid(st) {
		st = status.Delivered
	}
	if hasNonSenderReader(snap.SenderID, snap.ReadBy) && status.CanTransition(st, status.Read) {
		st = status.Read
	}

	conv, err := r.db.GetConversation(snap.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		// First sight of this conversation. Seed the row with the two
		// participants we can vouch for; the conversation snapshot
		// replaces the set when it arrives.
		seed := &store.Conversation{
			ID:             snap.ConversationID,
			ParticipantIDs: union([]string{r.userID}, []string{snap.SenderID}),
		}
		if err := r.db.UpsertConversation(seed); err != nil {
			return fmt.Errorf("seed conversation: %w", err)
		}
		r.bus.PublishRef(bus.KindConversationUpserted, snap.ConversationID, "")
	}

	m := &store.Message{
		ID:             snap.ID,
		ConversationID: snap.ConversationID,
		SenderID:       snap.SenderID,
		Text:           snap.Text,
		Status:         st,
		Timestamp:      snap.Timestamp,
		DeliveredTo:    snap.DeliveredTo,
		ReadBy:         snap.ReadBy,
		DeliveredAt:    snap.DeliveredAt,
		ReadAt:         snap.ReadAt,
	}
	if err := r.db.InsertMessage(m); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if err := r.db.SetLastMessage(snap.ConversationID, snap.Text, snap.Timestamp); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if snap.SenderID != r.userID {
		if err := r.db.IncrementUnread(snap.ConversationID); err != nil {
			return fmt.Errorf("bump unread: %w", err)
		}
	}

	r.bus.PublishRef(bus.KindMessageUpserted, snap.ConversationID, snap.ID)
	return nil
}

// mergeIntoLocal folds a snapshot into an existing message without
// ever regressing it: status moves forward only, receipt sets union,
// first-occurrence timestamps stay put.
func (r *Reconciler) mergeIntoLocal(local *store.Message, snap *remote.MessageSnapshot) error {
	if err := r.db.AddReceipts(local.ID, store.ReceiptDelivered, snap.DeliveredTo, receiptTime(snap.DeliveredAt, snap.Timestamp)); err != nil {
		return fmt.Errorf("union deliveredTo: %w", err)
	}
	if err := r.db.AddReceipts(local.ID, store.ReceiptRead, snap.ReadBy, receiptTime(snap.ReadAt, snap.Timestamp)); err != nil {
		return fmt.Errorf("union readBy: %w", err)
	}

	merged := status.Merge(local.Status, snap.Status)
	readBy := union(local.ReadBy, snap.ReadBy)
	if hasNonSenderReader(local.SenderID, readBy) && status.CanTransition(merged, status.Read) {
		merged = status.Read
	}
	if merged != local.Status {
		if err := r.db.UpdateMessageStatus(local.ID, merged); err != nil {
			return fmt.Errorf("advance status: %w", err)
		}
	}

	if snap.DeliveredAt > 0 {
		if err := r.db.SetDeliveredAt(local.ID, snap.DeliveredAt); err != nil {
			return fmt.Errorf("set delivered_at: %w", err)
		}
	}
	readAt := snap.ReadAt
	if readAt == 0 && merged == status.Read {
		readAt = snap.Timestamp
	}
	if readAt > 0 {
		if err := r.db.SetReadAt(local.ID, readAt); err != nil {
			return fmt.Errorf("set read_at: %w", err)
		}
	}

	if err := r.db.SetLastMessage(local.ConversationID, snap.Text, snap.Timestamp); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}

	if merged == status.Read && local.Status != status.Read {
		r.bus.PublishRef(bus.KindMessageRead, local.ConversationID, local.ID)
	}
	r.bus.PublishRef(bus.KindMessageUpserted, local.ConversationID, local.ID)
	return nil
}

// ApplyConversation merges conversation metadata. If the local user
// was removed from the participant set, the conversation disappears
// locally; its messages stay.
func (r *Reconciler) ApplyConversation(snap *remote.ConversationSnapshot) error {
	if !slices.Contains(snap.ParticipantIDs, r.userID) {
		local, err := r.db.GetConversation(snap.ID)
		if err != nil {
			return fmt.Errorf("load conversation: %w", err)
		}
		if local == nil {
			return nil
		}
		if err := r.db.DeleteConversation(snap.ID); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		r.logger.Info("left conversation, removed locally", zap.String("conversation_id", snap.ID))
		r.bus.PublishRef(bus.KindConversationRemoved, snap.ID, "")
		return nil
	}

	local, err := r.db.GetConversation(snap.ID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	c := &store.Conversation{
		ID:              snap.ID,
		ParticipantIDs:  snap.ParticipantIDs,
		IsGroup:         snap.IsGroup,
		LastMessageText: snap.LastMessageText,
		LastMessageTime: snap.LastMessageTime,
	}
	if local != nil {
		// Unread counting is local bookkeeping; the remote store does
		// not track it for us.
		c.UnreadCount = local.UnreadCount
		// Remote last-message metadata is server-authoritative, but a
		// snapshot can still arrive stale.
		if local.LastMessageTime > snap.LastMessageTime {
			c.LastMessageText = local.LastMessageText
			c.LastMessageTime = local.LastMessageTime
		}
	}
	if err := r.db.UpsertConversation(c); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	r.bus.PublishRef(bus.KindConversationUpserted, snap.ID, "")
	return nil
}

func hasNonSenderReader(senderID string, readBy []string) bool {
	for _, id := range readBy {
		if id != senderID {
			return true
		}
	}
	return false
}

func union(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, id := range b {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func receiptTime(specific, fallback int64) int64 {
	if specific > 0 {
		return specific
	}
	return fallback
}
