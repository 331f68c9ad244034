package daemon

import (
	"context"

	"github.com/matheus3301/matchsync/internal/api"
	"github.com/matheus3301/matchsync/internal/auth"
	"github.com/matheus3301/matchsync/internal/bus"
	"github.com/matheus3301/matchsync/internal/cache"
	"github.com/matheus3301/matchsync/internal/cache/rediscache"
	"github.com/matheus3301/matchsync/internal/config"
	"github.com/matheus3301/matchsync/internal/conversation"
	"github.com/matheus3301/matchsync/internal/lock"
	"github.com/matheus3301/matchsync/internal/logging"
	"github.com/matheus3301/matchsync/internal/notify"
	"github.com/matheus3301/matchsync/internal/outbox"
	"github.com/matheus3301/matchsync/internal/realtime"
	"github.com/matheus3301/matchsync/internal/remote"
	"github.com/matheus3301/matchsync/internal/rooms"
	"github.com/matheus3301/matchsync/internal/session"
	"github.com/matheus3301/matchsync/internal/status"
	"github.com/matheus3301/matchsync/internal/store"
	intsync "github.com/matheus3301/matchsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // nil = load ~/.matchsync/config.toml
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks. extra is applied inside the module, so decorators passed
// there replace the module's own values (tests swap the transport this way).
func Module(p Params, extra ...fx.Option) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Options(extra...),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCache,
			provideBuffer,
			provideTokens,
			provideTransport,
			provideRemote,
			provideManager,
			provideTracker,
			provideNotifier,
			provideSyncEngine,
			provideSender,
			provideSyncService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		cfg := *p.Config
		if err := cfg.Normalize(); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	return config.LoadOrDefault(session.ConfigPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.LogLevel)
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
	l, err := lock.Acquire(session.LockPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// The lock parameter orders the store after the lock: two daemons must never
// share a cache database.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCache(lc fx.Lifecycle, cfg *config.Config, db *store.DB, logger *zap.Logger) (*cache.Cache, error) {
	if cfg.Cache.Backend != config.BackendRedis {
		return cache.New(db, logger.Named("cache")), nil
	}
	rs, err := rediscache.New(context.Background(), rediscache.Options{
		Addr: cfg.Cache.RedisAddr,
		DB:   cfg.Cache.RedisDB,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("using redis cache backend", zap.String("addr", cfg.Cache.RedisAddr))
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return rs.Close() }})
	return cache.New(rs, logger.Named("cache")), nil
}

func provideBuffer(cfg *config.Config) *conversation.Buffer {
	return conversation.NewBuffer(cfg.Dedup.Window.Duration)
}

func provideTokens(p Params) *auth.FileTokenStore {
	return auth.NewFileTokenStore(session.TokenPath(p.SessionName))
}

func provideTransport(cfg *config.Config) realtime.Transport {
	return realtime.NewWebsocketTransport(cfg.SocketURL)
}

func provideRemote(cfg *config.Config, tokens *auth.FileTokenStore, logger *zap.Logger) remote.Client {
	return remote.NewHTTPClient(cfg.APIURL, tokens, logger.Named("remote"))
}

func provideManager(cfg *config.Config, t realtime.Transport, m *status.Machine, b *bus.Bus, logger *zap.Logger) *realtime.Manager {
	return realtime.NewManager(realtime.Config{
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		BaseDelay:   cfg.Reconnect.BaseDelay.Duration,
		MaxDelay:    cfg.Reconnect.MaxDelay.Duration,
	}, t, m, b, logger.Named("realtime"))
}

func provideTracker(m *realtime.Manager, logger *zap.Logger) *rooms.Tracker {
	return rooms.NewTracker(m, logger.Named("rooms"))
}

func provideNotifier(c *cache.Cache, buf *conversation.Buffer, b *bus.Bus, logger *zap.Logger) *notify.Notifier {
	return notify.New(c, buf, b, logger.Named("notify"))
}

func provideSyncEngine(
	tokens *auth.FileTokenStore,
	m *realtime.Manager,
	tracker *rooms.Tracker,
	buf *conversation.Buffer,
	c *cache.Cache,
	n *notify.Notifier,
	client remote.Client,
	db *store.DB,
	b *bus.Bus,
	logger *zap.Logger,
) *intsync.Engine {
	return intsync.NewEngine(tokens, m, tracker, buf, c, n, client, db, b, logger.Named("sync"))
}

func provideSender(cfg *config.Config, db *store.DB, client remote.Client, engine *intsync.Engine, m *realtime.Manager, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, engine, m, b, cfg.Outbox.PollInterval.Duration, logger.Named("outbox"))
}

func provideSyncService(p Params, engine *intsync.Engine, sender *outbox.Sender, b *bus.Bus, logger *zap.Logger) *api.SyncService {
	return api.NewSyncService(p.SessionName, engine, sender, b, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, c *cache.Cache, engine *intsync.Engine, sender *outbox.Sender, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Resume the stored session, if any. Without a token the daemon
			// waits for Login over the control socket.
			if err := engine.Start(context.Background()); err != nil {
				return err
			}

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Start outbox sender.
			sender.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			sender.Stop()
			engine.Stop()
			srv.Stop(ctx)
			if err := c.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
