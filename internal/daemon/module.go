// Package daemon composes the communication components into one fx
// application: a single session owns the channel connection, the
// conversation state and the call session for the daemon's lifetime.
package daemon

import (
	"context"
	"time"

	"github.com/onboardly/comms/internal/api"
	"github.com/onboardly/comms/internal/bus"
	"github.com/onboardly/comms/internal/call"
	"github.com/onboardly/comms/internal/chat"
	"github.com/onboardly/comms/internal/config"
	"github.com/onboardly/comms/internal/conn"
	"github.com/onboardly/comms/internal/lock"
	"github.com/onboardly/comms/internal/logging"
	"github.com/onboardly/comms/internal/outbox"
	"github.com/onboardly/comms/internal/session"
	"github.com/onboardly/comms/internal/status"
	"github.com/onboardly/comms/internal/store"
	intsync "github.com/onboardly/comms/internal/sync"
	"github.com/onboardly/comms/internal/unread"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	UserID      string
	Config      *config.Config
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideAPIClient,
			provideConnection,
			provideChatStore,
			provideUnreadTracker,
			provideMedia,
			provideCallSession,
			provideSender,
			provideSyncEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
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
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideAPIClient(p Params) (*api.Client, error) {
	token, err := session.ReadToken(p.SessionName)
	if err != nil {
		return nil, err
	}
	return api.NewClient(p.Config.APIBaseURL, p.UserID, token), nil
}

func provideConnection(p Params, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *conn.Manager {
	policy := conn.Policy{
		Delay:       time.Duration(p.Config.Reconnect.DelayMillis) * time.Millisecond,
		MaxAttempts: p.Config.Reconnect.MaxAttempts,
		Jitter:      time.Duration(p.Config.Reconnect.JitterMillis) * time.Millisecond,
	}
	return conn.NewManager(p.UserID, p.Config.SignalingURL, policy, b, machine, logger)
}

func provideChatStore(p Params, b *bus.Bus, logger *zap.Logger) *chat.Store {
	return chat.NewStore(p.UserID, b, logger)
}

func provideUnreadTracker(client *api.Client, b *bus.Bus, logger *zap.Logger) *unread.Tracker {
	return unread.NewTracker(client, b, logger)
}

func provideMedia(p Params, logger *zap.Logger) *call.WebRTCMedia {
	return call.NewWebRTCMedia(p.Config.ICEServers, logger)
}

func provideCallSession(p Params, mgr *conn.Manager, media *call.WebRTCMedia, b *bus.Bus, logger *zap.Logger) *call.Session {
	return call.NewSession(p.UserID, mgr, media, b, logger)
}

func provideSender(p Params, db *store.DB, mgr *conn.Manager, client *api.Client, msgs *chat.Store, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(p.UserID, db, mgr, client, msgs, b, logger)
}

func provideSyncEngine(p Params, db *store.DB, msgs *chat.Store, tracker *unread.Tracker, calls *call.Session, client *api.Client, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	interval := time.Duration(p.Config.SyncIntervalSeconds) * time.Second
	return intsync.NewEngine(p.UserID, db, msgs, tracker, calls, client, b, logger, interval)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, mgr *conn.Manager, engine *intsync.Engine, sender *outbox.Sender, calls *call.Session, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The engine must be subscribed before the first conn.ready.
			engine.Start(context.Background())
			sender.Start(context.Background())

			go func() {
				if err := mgr.Connect(context.Background()); err != nil {
					logger.Error("initial connect failed", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(context.Context) error {
			sender.Stop()
			engine.Stop()
			calls.Close()
			if err := mgr.Close(); err != nil {
				logger.Warn("error closing connection", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
