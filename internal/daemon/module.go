// Package daemon composes the server: store, coordinator, queue, fan-out,
// and the HTTP API, wired with fx lifecycle hooks.
package daemon

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/rafaelmp/webtext/internal/auth"
	"github.com/rafaelmp/webtext/internal/bus"
	"github.com/rafaelmp/webtext/internal/config"
	"github.com/rafaelmp/webtext/internal/coordinator"
	"github.com/rafaelmp/webtext/internal/fanout"
	"github.com/rafaelmp/webtext/internal/httpapi"
	"github.com/rafaelmp/webtext/internal/lock"
	"github.com/rafaelmp/webtext/internal/logging"
	"github.com/rafaelmp/webtext/internal/queue"
	"github.com/rafaelmp/webtext/internal/store"
)

// Module returns the fx module for the server, composing all providers and
// lifecycle hooks.
func Module(cfg *config.Config) fx.Option {
	return fx.Module("webtextd",
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideAuth,
			provideFileStore,
			provideCoordinator,
			provideQueue,
			provideHub,
			provideAPI,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath(), "webtextd")
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.DBPath())
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
	logger.Info("store initialized", zap.String("path", cfg.DBPath()))
	return db, nil
}

func provideAuth(cfg *config.Config) *auth.Manager {
	return auth.NewManager([]byte(cfg.Auth.Secret), cfg.AccessTTL(), cfg.RefreshTTL())
}

func provideFileStore(cfg *config.Config) (*coordinator.FileStore, error) {
	return coordinator.NewFileStore(cfg.AttachmentDir())
}

func provideCoordinator(db *store.DB, b *bus.Bus, files *coordinator.FileStore, logger *zap.Logger) *coordinator.Coordinator {
	return coordinator.New(db, b, files, nil, logger)
}

func provideQueue(db *store.DB, b *bus.Bus, logger *zap.Logger) *queue.Service {
	return queue.New(db, b, logger)
}

func provideHub(am *auth.Manager, b *bus.Bus, logger *zap.Logger) *fanout.Hub {
	return fanout.NewHub(am, b, logger)
}

func provideAPI(db *store.DB, coord *coordinator.Coordinator, q *queue.Service, hub *fanout.Hub, am *auth.Manager, files *coordinator.FileStore, logger *zap.Logger) *httpapi.Server {
	return httpapi.New(db, coord, q, hub, am, files, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, hub *fanout.Hub, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start the fan-out bridge (subscribes to bus events).
			hub.Start(context.Background())

			// Start HTTP server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			hub.Stop()
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
