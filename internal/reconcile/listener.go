package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pcastello/chatsync/internal/bus"
	"github.com/pcastello/chatsync/internal/remote"
	"github.com/pcastello/chatsync/internal/store"
)

// Listener bridges the remote transport's push subscriptions onto the
// bus. It watches every conversation the store knows about and picks
// up new conversations as they appear.
type Listener struct {
	transport remote.Transport
	db        *store.DB
	bus       *bus.Bus
	logger    *zap.Logger

	mu     sync.Mutex
	stops  map[string]func()
	cancel context.CancelFunc
}

// NewListener creates a listener publishing snapshots as remote.* events.
func NewListener(transport remote.Transport, db *store.DB, b *bus.Bus, logger *zap.Logger) *Listener {
	return &Listener{
		transport: transport,
		db:        db,
		bus:       b,
		logger:    logger,
		stops:     make(map[string]func()),
	}
}

// Start subscribes to every known conversation and tracks new ones.
func (l *Listener) Start(ctx context.Context) error {
	ctx, l.cancel = context.WithCancel(ctx)

	ids, err := l.db.ConversationIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		l.watch(ctx, id)
	}

	ch, unsub := l.bus.Subscribe(bus.KindConversationUpserted, 64)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if ref, ok := evt.Payload.(bus.MessageRef); ok && ref.ConversationID != "" {
					l.watch(ctx, ref.ConversationID)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop cancels every subscription.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, stop := range l.stops {
		stop()
		delete(l.stops, id)
	}
}

func (l *Listener) watch(ctx context.Context, conversationID string) {
	l.mu.Lock()
	if _, ok := l.stops[conversationID]; ok {
		l.mu.Unlock()
		return
	}
	// Reserve the slot before the blocking Listen call.
	l.stops[conversationID] = func() {}
	l.mu.Unlock()

	stop, err := l.transport.Listen(ctx, conversationID, busHandler{bus: l.bus})
	if err != nil {
		l.logger.Error("failed to listen on conversation", zap.Error(err), zap.String("conversation_id", conversationID))
		l.mu.Lock()
		delete(l.stops, conversationID)
		l.mu.Unlock()
		return
	}
	l.mu.Lock()
	l.stops[conversationID] = stop
	l.mu.Unlock()
	l.logger.Info("listening on conversation", zap.String("conversation_id", conversationID))
}

// busHandler publishes transport pushes as bus events; the reconciler
// consumes them on its own goroutine.
type busHandler struct {
	bus *bus.Bus
}

func (h busHandler) HandleMessage(snap *remote.MessageSnapshot) {
	h.bus.Publish(bus.Event{Kind: bus.KindRemoteMessage, Timestamp: time.Now(), Payload: snap})
}

func (h busHandler) HandleConversation(snap *remote.ConversationSnapshot) {
	h.bus.Publish(bus.Event{Kind: bus.KindRemoteConversation, Timestamp: time.Now(), Payload: snap})
}
