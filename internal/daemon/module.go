package daemon

import (
	"context"

	"github.com/flareapp/flare/internal/bus"
	"github.com/flareapp/flare/internal/cache"
	"github.com/flareapp/flare/internal/directory"
	"github.com/flareapp/flare/internal/feed"
	"github.com/flareapp/flare/internal/gateway"
	"github.com/flareapp/flare/internal/gateway/ws"
	"github.com/flareapp/flare/internal/lock"
	"github.com/flareapp/flare/internal/logging"
	"github.com/flareapp/flare/internal/msgstore"
	"github.com/flareapp/flare/internal/outbox"
	"github.com/flareapp/flare/internal/session"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName  string
	SocketPath   string // optional override for testing; empty = use default
	GatewayURL   string
	GatewayToken string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideCacheDB,
			provideCache,
			provideGatewayClient,
			provideGateway,
			provideFeeds,
			provideStore,
			provideDirectory,
			provideQueue,
			NewServer,
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

func provideCacheDB(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := cache.Open(dbPath)
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

func provideCache(db *cache.DB, logger *zap.Logger) *cache.Cache {
	return cache.New(db, logger)
}

func provideGatewayClient(p Params, logger *zap.Logger) (*ws.Client, error) {
	logger.Info("connecting to gateway", zap.String("url", p.GatewayURL))
	return ws.Dial(context.Background(), p.GatewayURL, p.GatewayToken, logger)
}

func provideGateway(c *ws.Client) gateway.Gateway {
	return c
}

func provideFeeds(gw gateway.Gateway, logger *zap.Logger) *feed.Manager {
	return feed.NewManager(gw, logger)
}

func provideStore(gw gateway.Gateway, c *cache.Cache, feeds *feed.Manager, b *bus.Bus, logger *zap.Logger) *msgstore.Store {
	return msgstore.NewStore(gw, c, feeds, b, logger)
}

func provideDirectory(gw gateway.Gateway, b *bus.Bus, logger *zap.Logger) *directory.Directory {
	return directory.New(gw, b, logger)
}

func provideQueue(db *cache.DB, store *msgstore.Store, b *bus.Bus, logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(db, store, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, client *ws.Client, feeds *feed.Manager, dir *directory.Directory, queue *outbox.Queue, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Directory consumes read receipts off the bus.
			dir.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("api server error", zap.Error(err))
				}
			}()

			// Replay sends parked while the gateway was unreachable. One
			// attempt at startup, failures stay queued for an explicit flush.
			go func() {
				if err := queue.Flush(context.Background()); err != nil {
					logger.Warn("outbox replay incomplete", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			dir.Stop()
			dir.Cleanup()
			feeds.UnsubscribeAll()
			srv.Stop(ctx)
			if err := client.Close(); err != nil {
				logger.Warn("error closing gateway connection", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
