// Package daemon composes the sync components into a running process.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pcastello/chatsync/internal/bus"
	"github.com/pcastello/chatsync/internal/config"
	"github.com/pcastello/chatsync/internal/connectivity"
	"github.com/pcastello/chatsync/internal/engine"
	"github.com/pcastello/chatsync/internal/lock"
	"github.com/pcastello/chatsync/internal/logging"
	"github.com/pcastello/chatsync/internal/outbox"
	"github.com/pcastello/chatsync/internal/profile"
	"github.com/pcastello/chatsync/internal/receipts"
	"github.com/pcastello/chatsync/internal/reconcile"
	"github.com/pcastello/chatsync/internal/recovery"
	"github.com/pcastello/chatsync/internal/remote"
	"github.com/pcastello/chatsync/internal/retry"
	"github.com/pcastello/chatsync/internal/status"
	"github.com/pcastello/chatsync/internal/store"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile   string
	Config    *config.Config
	Transport remote.Transport
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideConnectivity,
			providePolicy,
			provideProcessor,
			provideReconciler,
			provideListener,
			provideAggregator,
			provideRecovery,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideConnectivity(b *bus.Bus) *connectivity.Monitor {
	return connectivity.NewMonitor(b)
}

func providePolicy(p Params) retry.Policy {
	s := p.Config.Sync
	return retry.Policy{
		MaxRetries: s.MaxRetries,
		Base:       s.BackoffBase.Duration,
		Cap:        s.BackoffCap.Duration,
		Jitter:     s.BackoffJitter.Duration,
	}
}

func provideProcessor(p Params, db *store.DB, conn *connectivity.Monitor, policy retry.Policy, b *bus.Bus, logger *zap.Logger) *outbox.Processor {
	return outbox.NewProcessor(db, p.Transport, conn, policy, b, logger, outbox.Options{
		SendTimeout:   p.Config.Sync.SendTimeout.Duration,
		DrainInterval: p.Config.Sync.DrainInterval.Duration,
	})
}

func provideReconciler(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *reconcile.Reconciler {
	return reconcile.NewReconciler(db, b, logger, p.Config.UserID)
}

func provideListener(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *reconcile.Listener {
	return reconcile.NewListener(p.Transport, db, b, logger)
}

func provideAggregator(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *receipts.Aggregator {
	return receipts.NewAggregator(db, p.Transport, b, logger)
}

func provideRecovery(p Params, db *store.DB, logger *zap.Logger) *recovery.Runner {
	return recovery.NewRunner(db, p.Transport, logger, p.Config.Sync.StalenessThreshold.Duration)
}

func provideEngine(p Params, db *store.DB, processor *outbox.Processor, agg *receipts.Aggregator, conn *connectivity.Monitor, b *bus.Bus, logger *zap.Logger) *engine.Engine {
	return engine.New(db, processor, agg, conn, b, logger, p.Config.UserID)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, runner *recovery.Runner, reconciler *reconcile.Reconciler, listener *reconcile.Listener, processor *outbox.Processor, conn *connectivity.Monitor, machine *status.Machine, logger *zap.Logger) {
	watchCtx, stopWatch := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Recovery reconciles startup state with the remote before
			// the processor is allowed to send anything.
			_ = machine.Transition(status.Recovering)
			if err := runner.Run(ctx); err != nil {
				logger.Error("crash recovery failed", zap.Error(err))
				_ = machine.Transition(status.Errored)
				return err
			}

			reconciler.Start(context.Background())
			if err := listener.Start(context.Background()); err != nil {
				_ = machine.Transition(status.Errored)
				return err
			}
			processor.Start(context.Background())

			if conn.Online() {
				_ = machine.Transition(status.Ready)
			} else {
				_ = machine.Transition(status.Offline)
			}
			machine.WatchConnectivity(watchCtx)
			return nil
		},
		OnStop: func(_ context.Context) error {
			stopWatch()
			_ = machine.Transition(status.Stopping)
			processor.Stop()
			listener.Stop()
			reconciler.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
