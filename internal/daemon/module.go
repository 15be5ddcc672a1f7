package daemon

import (
	"context"
	"path/filepath"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/courier/internal/admin"
	"github.com/matheus3301/courier/internal/api"
	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/config"
	"github.com/matheus3301/courier/internal/fanout"
	"github.com/matheus3301/courier/internal/instance"
	"github.com/matheus3301/courier/internal/keylock"
	"github.com/matheus3301/courier/internal/ledger"
	"github.com/matheus3301/courier/internal/lock"
	"github.com/matheus3301/courier/internal/logging"
	"github.com/matheus3301/courier/internal/notify"
	"github.com/matheus3301/courier/internal/registry"
	"github.com/matheus3301/courier/internal/rollup"
	"github.com/matheus3301/courier/internal/status"
	"github.com/matheus3301/courier/internal/store"
	"github.com/matheus3301/courier/internal/tracker"
	"github.com/matheus3301/courier/internal/transport"
)

// Params holds the resolved instance configuration passed to the fx module.
type Params struct {
	Instance string
	Config   *config.Config
	Version  string
	Dir      string // optional override of the instance directory for testing
}

func (p Params) dir() string {
	if p.Dir != "" {
		return p.Dir
	}
	return instance.Dir(p.Instance)
}

func (p Params) socketPath() string {
	switch {
	case p.Config.RPC.Socket != "":
		return p.Config.RPC.Socket
	case p.Dir != "":
		return filepath.Join(p.Dir, "daemon.sock")
	default:
		return instance.SocketPath(p.Instance)
	}
}

func (p Params) dbPath() string {
	if p.Dir != "" {
		return filepath.Join(p.Dir, "courier.db")
	}
	return instance.DBPath(p.Instance)
}

func (p Params) logPath() string {
	if p.Dir != "" {
		return filepath.Join(p.Dir, "logs", "courierd.log")
	}
	return instance.LogPath(p.Instance)
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Default()
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideKeyLocks,
			provideRegistry,
			provideLedger,
			provideTracker,
			provideProjector,
			provideHub,
			provideDispatcher,
			provideSweeper,
			provideEmitter,
			provideConversationService,
			provideMessageService,
			provideDeliveryService,
			provideAdmin,
			NewServer,
		),
		fx.Invoke(wireDeliveryEvents, registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.logPath(), p.Instance, p.Config.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if p.Dir == "" {
		if err := instance.EnsureDir(p.Instance); err != nil {
			return nil, err
		}
	}
	logger.Info("acquiring instance lock", zap.String("instance", p.Instance))
	l, err := lock.Acquire(p.dir(), p.Version)
	if err != nil {
		return nil, err
	}
	logger.Info("instance lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is only opened by the
// daemon that owns the instance.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.dbPath()
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	change, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if change.Applied() {
		logger.Info("schema migrated", zap.Uint("from", change.From), zap.Uint("to", change.To))
	} else {
		logger.Info("schema up to date", zap.Uint("version", change.To))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideKeyLocks() *keylock.Arena {
	return keylock.New(0)
}

func provideRegistry(db *store.DB, locks *keylock.Arena, logger *zap.Logger) *registry.Registry {
	return registry.New(db, locks, logger.Named("registry"))
}

func provideLedger(db *store.DB, reg *registry.Registry, logger *zap.Logger) *ledger.Ledger {
	return ledger.New(db, reg, logger.Named("ledger"))
}

func provideTracker(db *store.DB, locks *keylock.Arena, logger *zap.Logger) *tracker.Tracker {
	return tracker.New(db, locks, logger.Named("tracker"))
}

func provideProjector(db *store.DB) *rollup.Projector {
	return rollup.NewProjector(db, rollup.NewCache(0))
}

func provideHub(b *bus.Bus, logger *zap.Logger) *transport.Hub {
	return transport.NewHub(b, logger.Named("transport"))
}

func fanoutOptions(c config.FanoutConfig) fanout.Options {
	return fanout.Options{
		Workers:         c.Workers,
		RatePerSec:      c.RatePerSec,
		Burst:           c.Burst,
		DispatchTimeout: c.DispatchTimeout.Duration,
		StaleAfter:      c.StaleAfter.Duration,
		SweepInterval:   c.SweepInterval.Duration,
		MaxAttempts:     c.MaxAttempts,
		StalePolicy:     fanout.Policy(c.StalePolicy),
	}
}

func provideDispatcher(p Params, trk *tracker.Tracker, reg *registry.Registry, hub *transport.Hub, logger *zap.Logger) *fanout.Dispatcher {
	return fanout.NewDispatcher(trk, reg, hub, fanoutOptions(p.Config.Fanout), logger.Named("fanout"))
}

func provideSweeper(d *fanout.Dispatcher, db *store.DB, logger *zap.Logger) *fanout.Sweeper {
	return fanout.NewSweeper(d, db, logger.Named("sweeper"))
}

func provideEmitter(p Params, b *bus.Bus, proj *rollup.Projector, db *store.DB, logger *zap.Logger) *notify.Emitter {
	return notify.NewEmitter(b, proj, db, p.Config.Notify.WatermarkTTL.Duration, logger.Named("notify"))
}

func provideConversationService(reg *registry.Registry, logger *zap.Logger) *api.ConversationService {
	return api.NewConversationService(reg, logger)
}

func provideMessageService(l *ledger.Ledger, reg *registry.Registry, d *fanout.Dispatcher, logger *zap.Logger) *api.MessageService {
	return api.NewMessageService(l, reg, d, logger)
}

func provideDeliveryService(l *ledger.Ledger, reg *registry.Registry, trk *tracker.Tracker, d *fanout.Dispatcher, hub *transport.Hub, b *bus.Bus, logger *zap.Logger) *api.DeliveryService {
	return api.NewDeliveryService(l, reg, trk, d, hub, b, logger)
}

func provideAdmin(p Params, m *status.Machine, db *store.DB, proj *rollup.Projector, logger *zap.Logger) (*admin.Server, error) {
	h := admin.NewHandler(m, db, proj, logger.Named("admin"))
	return admin.NewServer(p.Config.Admin.Addr, h, logger.Named("admin"))
}

// wireDeliveryEvents keeps the rollup cache coherent and feeds the emitter.
// Invalidation happens synchronously after every committed record change;
// the bus event that drives notifications is best effort.
func wireDeliveryEvents(trk *tracker.Tracker, proj *rollup.Projector, b *bus.Bus) {
	trk.Observe(func(messageID string) {
		proj.Invalidate(messageID)
		b.Publish(bus.Event{
			Kind:      bus.KindRecordsChanged,
			Timestamp: time.Now(),
			Payload:   messageID,
		})
	})
}

type lifecycleDeps struct {
	fx.In

	Server     *Server
	Admin      *admin.Server
	Lock       *lock.Lock
	DB         *store.DB
	Dispatcher *fanout.Dispatcher
	Sweeper    *fanout.Sweeper
	Emitter    *notify.Emitter
	Machine    *status.Machine
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	logger := d.Logger
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := d.Machine.Transition(status.Recovering); err != nil {
				return err
			}
			// Emitter first so rollups changed by recovery reach senders.
			d.Emitter.Start(context.Background())

			res, err := d.Sweeper.Sweep(ctx)
			if err != nil {
				d.Emitter.Stop()
				_ = d.Machine.Transition(status.Error)
				logger.Error("recovery sweep failed", zap.Error(err))
				return err
			}
			logger.Info("recovery complete",
				zap.Int("fanned_out", res.FannedOut),
				zap.Int("redispatched", res.Redispatched),
				zap.Int("failed", res.Failed))

			d.Sweeper.Start(context.Background())

			// Start gRPC server in background.
			go func() {
				if err := d.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			if d.Admin != nil {
				d.Admin.Start()
			}

			return d.Machine.Transition(status.Ready)
		},
		OnStop: func(ctx context.Context) error {
			if err := d.Machine.Transition(status.Draining); err != nil {
				logger.Warn("drain transition", zap.Error(err))
			}
			d.Server.Stop(ctx)
			if d.Admin != nil {
				if err := d.Admin.Stop(ctx); err != nil {
					logger.Warn("error stopping admin server", zap.Error(err))
				}
			}
			d.Sweeper.Stop()
			d.Dispatcher.Close()
			d.Emitter.Stop()
			if err := d.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
