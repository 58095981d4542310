package daemon

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/wpparchive/internal/api"
	"github.com/matheus3301/wpparchive/internal/bus"
	"github.com/matheus3301/wpparchive/internal/cache"
	"github.com/matheus3301/wpparchive/internal/command"
	"github.com/matheus3301/wpparchive/internal/config"
	"github.com/matheus3301/wpparchive/internal/email"
	"github.com/matheus3301/wpparchive/internal/errlog"
	"github.com/matheus3301/wpparchive/internal/export"
	"github.com/matheus3301/wpparchive/internal/ingest"
	"github.com/matheus3301/wpparchive/internal/lock"
	"github.com/matheus3301/wpparchive/internal/logging"
	"github.com/matheus3301/wpparchive/internal/outbox"
	"github.com/matheus3301/wpparchive/internal/paths"
	"github.com/matheus3301/wpparchive/internal/scheduler"
	"github.com/matheus3301/wpparchive/internal/status"
	"github.com/matheus3301/wpparchive/internal/store"
	"github.com/matheus3301/wpparchive/internal/wa"
)

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(cfg *config.Config) fx.Option {
	return fx.Module("daemon",
		fx.Supply(cfg),
		fx.Provide(
			provideLayout,
			provideLocation,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCache,
			provideErrorLog,
			provideManager,
			provideNormalizer,
			provideEngine,
			provideExport,
			provideMailer,
			provideInterpreter,
			provideSender,
			provideScheduler,
			provideHandler,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLayout(cfg *config.Config) (paths.Layout, error) {
	l := cfg.Layout()
	if err := l.Ensure(); err != nil {
		return l, err
	}
	return l, nil
}

func provideLocation(cfg *config.Config) (*time.Location, error) {
	return cfg.Location()
}

func provideLogger(cfg *config.Config, l paths.Layout) (*zap.Logger, error) {
	return logging.New(cfg.Log, l.LogPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(l paths.Layout, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data directory lock", zap.String("dir", l.Root))
	lk, err := lock.Acquire(l.LockPath())
	if err != nil {
		return nil, err
	}
	logger.Info("data directory lock acquired")
	return lk, nil
}

// provideStore takes the lock as a parameter so that the archive is never
// opened by a second instance.
func provideStore(l paths.Layout, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(l.ArchiveDB)
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
	logger.Info("store initialized", zap.String("path", l.ArchiveDB))
	return db, nil
}

func provideCache(db *store.DB, l paths.Layout, logger *zap.Logger) *cache.Cache {
	return cache.New(db, l.PicturesDir(), logger)
}

func provideErrorLog(db *store.DB, c *cache.Cache, logger *zap.Logger) *errlog.Log {
	return errlog.New(db, logger, c)
}

func provideManager(l paths.Layout, b *bus.Bus, machine *status.Machine, c *cache.Cache, logger *zap.Logger) *wa.Manager {
	m := wa.NewManager(wa.Options{SessionDB: l.SessionDB}, b, machine, c, logger)
	c.SetFetcher(m)
	return m
}

func provideNormalizer(db *store.DB, m *wa.Manager, l paths.Layout, c *cache.Cache, errs *errlog.Log, logger *zap.Logger) *ingest.Normalizer {
	return ingest.NewNormalizer(ingest.Deps{
		DB:       db,
		Resolver: m,
		Media:    m,
		MediaDir: l.MediaDir,
		Cache:    c,
		Errors:   errs,
		Logger:   logger,
	})
}

func provideEngine(norm *ingest.Normalizer, b *bus.Bus, errs *errlog.Log, logger *zap.Logger) *ingest.Engine {
	return ingest.NewEngine(norm, b, errs, logger)
}

func provideExport(db *store.DB, loc *time.Location) *export.Service {
	return export.New(db, loc)
}

func provideMailer(cfg *config.Config, logger *zap.Logger) (email.Sender, error) {
	return email.New(cfg.Email, logger)
}

func provideInterpreter(cfg *config.Config, m *wa.Manager, exp *export.Service, mail email.Sender, db *store.DB, errs *errlog.Log, b *bus.Bus, logger *zap.Logger) *command.Interpreter {
	return command.New(command.Options{
		CommandNumbers: cfg.Commands.Numbers,
		ReportNumbers:  cfg.Report.Numbers,
		Recipient:      cfg.Email.To,
	}, m, exp, mail, db, errs, b, logger)
}

func provideSender(db *store.DB, m *wa.Manager, errs *errlog.Log, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, m, errs, logger)
}

// provideScheduler returns nil when the daily report is disabled.
func provideScheduler(cfg *config.Config, loc *time.Location, in *command.Interpreter, db *store.DB, errs *errlog.Log, logger *zap.Logger) (*scheduler.Scheduler, error) {
	if !cfg.Report.Enabled {
		logger.Info("daily report disabled")
		return nil, nil
	}
	return scheduler.New(cfg.Report.Hour, cfg.Report.Minute, loc, in, db, errs, logger)
}

func provideHandler(exp *export.Service, m *wa.Manager, in *command.Interpreter, logger *zap.Logger) *api.Handler {
	return api.NewHandler(exp, m, in, logger)
}

func provideServer(cfg *config.Config, l paths.Layout, h *api.Handler, logger *zap.Logger) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)
	engine := api.NewRouter(h, api.RouterOptions{
		CORSOrigins: cfg.HTTP.CORSOrigins,
		MediaDir:    l.MediaDir,
	}, logger)
	return NewServer(cfg.HTTP.Addr, engine, logger)
}

// components groups everything the lifecycle hook starts and stops.
type components struct {
	fx.In

	Server      *Server
	Lock        *lock.Lock
	DB          *store.DB
	Manager     *wa.Manager
	Engine      *ingest.Engine
	Interpreter *command.Interpreter
	Sender      *outbox.Sender
	Scheduler   *scheduler.Scheduler
	Cache       *cache.Cache
	Errors      *errlog.Log
	Logger      *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, c components) {
	logger := c.Logger
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Consumers first, so that no event published by the session is lost.
			c.Engine.Start(context.Background())
			c.Interpreter.Start(context.Background())
			c.Sender.Start(context.Background())
			if c.Scheduler != nil {
				c.Scheduler.Start(context.Background())
			}

			if err := c.Manager.Initialize(ctx); err != nil {
				if c.Scheduler != nil {
					c.Scheduler.Stop()
				}
				c.Sender.Stop()
				c.Interpreter.Stop()
				c.Engine.Stop()
				return err
			}

			go func() {
				if err := c.Server.Start(); err != nil {
					logger.Error("HTTP server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			c.Server.Stop(ctx)
			if c.Scheduler != nil {
				c.Scheduler.Stop()
			}
			c.Sender.Stop()
			c.Interpreter.Stop()
			c.Engine.Stop()
			c.Manager.Disconnect()
			if err := c.Errors.Flush(ctx); err != nil {
				logger.Warn("error log flush incomplete", zap.Error(err))
			}
			c.Cache.Wait()
			if err := c.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := c.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
