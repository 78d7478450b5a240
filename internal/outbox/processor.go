// Package outbox drains the outbound queue against the remote
// transport, applying the retry policy per entry.
package outbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pcastello/chatsync/internal/bus"
	"github.com/pcastello/chatsync/internal/connectivity"
	"github.com/pcastello/chatsync/internal/remote"
	"github.com/pcastello/chatsync/internal/retry"
	"github.com/pcastello/chatsync/internal/status"
	"github.com/pcastello/chatsync/internal/store"
)

// Options tunes the processor. Zero values fall back to defaults.
type Options struct {
	SendTimeout   time.Duration // per-attempt ceiling, default 30s
	DrainInterval time.Duration // background poll period, default 1s
}

// Processor drains queued entries and sends them via the remote
// transport. Entries of one conversation go out in creation order;
// distinct conversations drain concurrently. A drain call while a
// drain is running is a no-op.
type Processor struct {
	db        *store.DB
	transport remote.Transport
	conn      *connectivity.Monitor
	policy    retry.Policy
	bus       *bus.Bus
	logger    *zap.Logger
	opts      Options

	draining atomic.Bool
	kick     chan struct{}
	cancel   context.CancelFunc
}

// NewProcessor creates a new outbound queue processor.
func NewProcessor(db *store.DB, transport remote.Transport, conn *connectivity.Monitor, policy retry.Policy, b *bus.Bus, logger *zap.Logger, opts Options) *Processor {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = time.Second
	}
	return &Processor{
		db:        db,
		transport: transport,
		conn:      conn,
		policy:    policy,
		bus:       b,
		logger:    logger,
		opts:      opts,
		kick:      make(chan struct{}, 1),
	}
}

// Enqueue stores a queue entry for the message and returns
// immediately; the send happens on the drain loop. If the message is
// already queued this is a no-op, preserving the one-entry-per-message
// invariant. When the device is known online the drain loop is kicked.
func (p *Processor) Enqueue(m *store.Message) error {
	if err := p.db.Enqueue(&store.QueuedEntry{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Payload:        m.Text,
	}); err != nil {
		return err
	}
	if p.conn.Online() {
		p.Kick()
	}
	return nil
}

// Kick requests a drain without blocking. Coalesces with a pending kick.
func (p *Processor) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Start begins the drain loop: a periodic tick plus kicks from
// enqueues and connectivity-restored events.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	online, unsub := p.bus.Subscribe(bus.KindNetOnline, 8)
	go func() {
		defer unsub()
		ticker := time.NewTicker(p.opts.DrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Drain(ctx)
			case <-p.kick:
				p.Drain(ctx)
			case <-online:
				p.logger.Info("connectivity restored, draining outbound queue")
				p.Drain(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the drain loop. An in-flight send is cancelled through
// its context and its entry stays queued for the next start.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

// Drain processes every due entry once. Safe to call concurrently: a
// second caller returns immediately while the first drain runs.
func (p *Processor) Drain(ctx context.Context) {
	if !p.draining.CompareAndSwap(false, true) {
		return
	}
	defer p.draining.Store(false)

	if !p.conn.Online() {
		return
	}

	entries, err := p.db.DueEntries(time.Now().UnixMilli())
	if err != nil {
		p.logger.Error("failed to read outbound queue", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}

	// FIFO within a conversation, conversations in parallel.
	byConv := make(map[string][]store.QueuedEntry)
	var order []string
	for _, e := range entries {
		if _, seen := byConv[e.ConversationID]; !seen {
			order = append(order, e.ConversationID)
		}
		byConv[e.ConversationID] = append(byConv[e.ConversationID], e)
	}

	var wg sync.WaitGroup
	for _, conv := range order {
		wg.Add(1)
		go func(list []store.QueuedEntry) {
			defer wg.Done()
			for _, e := range list {
				if ctx.Err() != nil {
					return
				}
				p.processEntry(ctx, e)
			}
		}(byConv[conv])
	}
	wg.Wait()
}

func (p *Processor) processEntry(ctx context.Context, e store.QueuedEntry) {
	if e.RetryCount >= p.policy.MaxRetries {
		p.fail(e, "retry limit reached")
		return
	}

	m, err := p.db.GetMessage(e.MessageID)
	if err != nil {
		p.logger.Error("failed to load queued message", zap.Error(err), zap.String("message_id", e.MessageID))
		return
	}
	if m == nil {
		// Message deleted while queued; drop the orphan entry.
		_ = p.db.Dequeue(e.MessageID)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.opts.SendTimeout)
	ack, err := p.transport.Send(sendCtx, &remote.Outgoing{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           e.Payload,
		Timestamp:      m.Timestamp,
	})
	cancel()

	if err != nil {
		p.handleFailure(e, remote.Classify(err))
		return
	}

	now := time.Now().UnixMilli()
	serverTime := now
	if ack != nil && ack.ServerTime > 0 {
		serverTime = ack.ServerTime
	}

	if err := p.db.Dequeue(e.MessageID); err != nil {
		p.logger.Error("failed to dequeue", zap.Error(err), zap.String("message_id", e.MessageID))
	}
	if err := p.db.UpdateMessageStatus(e.MessageID, status.Delivered); err != nil {
		p.logger.Error("failed to mark delivered", zap.Error(err), zap.String("message_id", e.MessageID))
	}
	_ = p.db.UpdateMessageTimestamp(e.MessageID, serverTime)
	_ = p.db.SetDeliveredAt(e.MessageID, serverTime)
	if err := p.db.SetLastMessage(e.ConversationID, e.Payload, serverTime); err != nil {
		p.logger.Error("failed to update conversation", zap.Error(err), zap.String("conversation_id", e.ConversationID))
	}

	p.logger.Info("message delivered",
		zap.String("message_id", e.MessageID),
		zap.String("conversation_id", e.ConversationID),
		zap.Int("attempts", e.RetryCount+1))
	p.bus.PublishRef(bus.KindMessageDelivered, e.ConversationID, e.MessageID)
}

func (p *Processor) handleFailure(e store.QueuedEntry, err error) {
	attempt := e.RetryCount + 1
	if !p.policy.ShouldRetry(attempt, err) {
		p.logger.Warn("send failed terminally",
			zap.Error(err),
			zap.String("message_id", e.MessageID),
			zap.Int("attempts", attempt))
		p.fail(e, err.Error())
		return
	}

	now := time.Now().UnixMilli()
	delay := p.policy.Delay(e.RetryCount)
	if markErr := p.db.MarkAttempt(e.MessageID, attempt, now, now+delay.Milliseconds()); markErr != nil {
		p.logger.Error("failed to record attempt", zap.Error(markErr), zap.String("message_id", e.MessageID))
		return
	}
	p.logger.Warn("send failed, will retry",
		zap.Error(err),
		zap.String("message_id", e.MessageID),
		zap.Int("attempt", attempt),
		zap.Duration("backoff", delay))
}

func (p *Processor) fail(e store.QueuedEntry, reason string) {
	p.logger.Warn("message failed",
		zap.String("message_id", e.MessageID),
		zap.String("reason", reason))
	if err := p.db.UpdateMessageStatus(e.MessageID, status.Failed); err != nil {
		p.logger.Error("failed to mark failed", zap.Error(err), zap.String("message_id", e.MessageID))
	}
	if err := p.db.Dequeue(e.MessageID); err != nil {
		p.logger.Error("failed to dequeue", zap.Error(err), zap.String("message_id", e.MessageID))
	}
	p.bus.PublishRef(bus.KindMessageFailed, e.ConversationID, e.MessageID)
}
