package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/wprelay/internal/api"
	"github.com/matheus3301/wprelay/internal/bus"
	"github.com/matheus3301/wprelay/internal/chat"
	"github.com/matheus3301/wprelay/internal/cloudapi"
	"github.com/matheus3301/wprelay/internal/config"
	"github.com/matheus3301/wprelay/internal/lock"
	"github.com/matheus3301/wprelay/internal/logging"
	"github.com/matheus3301/wprelay/internal/metrics"
	"github.com/matheus3301/wprelay/internal/outbox"
	"github.com/matheus3301/wprelay/internal/relay"
	"github.com/matheus3301/wprelay/internal/status"
	"github.com/matheus3301/wprelay/internal/store"
	"github.com/matheus3301/wprelay/internal/store/mongostore"
	"github.com/matheus3301/wprelay/internal/webhook"
)

// Params holds what the command line resolved before fx starts.
type Params struct {
	ConfigPath string
	Config     *config.Config // optional override for testing; nil = load ConfigPath
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideRegistry,
			provideMetrics,
			provideStore,
			provideNormalizer,
			provideSender,
			provideChatService,
			provideHub,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.Resolve(p.ConfigPath)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.File, "wprelayd")
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func provideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

// provideStore opens the configured backend. The SQLite backend holds the
// data dir lock for as long as the database is open.
func provideStore(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMongo:
		return openMongo(lc, cfg, logger)
	case config.DriverSQLite, "":
		return openSQLite(lc, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func openSQLite(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", cfg.Store.DataDir))
	lk, err := lock.Acquire(cfg.Store.DataDir, cfg.Server.Addr)
	if err != nil {
		return nil, err
	}

	dbPath := cfg.DBPath()
	db, err := store.Open(dbPath)
	if err != nil {
		_ = lk.Release()
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		_ = lk.Release()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("driver", config.DriverSQLite), zap.String("path", dbPath))

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			err := db.Close()
			if relErr := lk.Release(); relErr != nil {
				logger.Warn("error releasing lock", zap.Error(relErr))
			}
			return err
		},
	})
	return db, nil
}

func openMongo(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.Store.MongoURI == "" {
		return nil, fmt.Errorf("store driver %q requires mongo_uri", config.DriverMongo)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ms, err := mongostore.Open(ctx, cfg.Store.MongoURI, cfg.Store.MongoDatabase)
	if err != nil {
		return nil, err
	}
	logger.Info("store initialized", zap.String("driver", config.DriverMongo), zap.String("database", cfg.Store.MongoDatabase))

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return ms.Close()
		},
	})
	return ms, nil
}

func provideNormalizer(s store.Store, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, cfg *config.Config) *webhook.Normalizer {
	return webhook.NewNormalizer(s, b, m, logger.Named("webhook"), cfg.Business.PhoneNumber)
}

func provideSender(s store.Store, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, cfg *config.Config) *outbox.Sender {
	var ts outbox.TextSender
	if cfg.CloudAPIEnabled() {
		ts = cloudapi.NewClient(cfg.CloudAPI.BaseURL, cfg.CloudAPI.AccessToken, cfg.CloudAPI.PhoneNumberID)
		logger.Info("cloud api dispatch enabled", zap.String("phone_number_id", cfg.CloudAPI.PhoneNumberID))
	}
	return outbox.NewSender(s, ts, b, m, logger, cfg.CloudAPI.QueueSize)
}

func provideChatService(s store.Store, b *bus.Bus, sender *outbox.Sender, m *metrics.Metrics, logger *zap.Logger) *chat.Service {
	return chat.NewService(s, b, sender, m, logger.Named("chat"))
}

func provideHub(b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, cfg *config.Config) *relay.Hub {
	ping := time.Duration(cfg.Relay.PingInterval) * time.Second
	return relay.NewHub(b, m, logger, cfg.Relay.ClientBuffer, ping)
}

type serverDeps struct {
	fx.In

	Config     *config.Config
	Store      store.Store
	Chat       *chat.Service
	Normalizer *webhook.Normalizer
	Hub        *relay.Hub
	Machine    *status.Machine
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry
	Logger     *zap.Logger
}

func provideServer(d serverDeps) *api.Server {
	return api.NewServer(api.Deps{
		Config:     d.Config.Server,
		Store:      d.Store,
		Chat:       d.Chat,
		Normalizer: d.Normalizer,
		Hub:        d.Hub,
		Machine:    d.Machine,
		Metrics:    d.Metrics,
		Gatherer:   d.Registry,
		Logger:     d.Logger,
	})
}

func registerLifecycle(lc fx.Lifecycle, srv *api.Server, hub *relay.Hub, sender *outbox.Sender, machine *status.Machine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := srv.Listen()
			if err != nil {
				return err
			}

			hub.Start(context.Background())
			sender.Start(context.Background())

			go func() {
				if err := srv.Serve(ln); err != nil {
					logger.Error("http server error", zap.Error(err))
					machine.Observe(err)
				}
			}()

			if err := machine.Transition(status.Ready); err != nil {
				logger.Warn("status transition failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			_ = machine.Transition(status.Stopping)
			hub.Stop()
			if err := srv.Stop(ctx); err != nil {
				logger.Warn("http server shutdown", zap.Error(err))
			}
			sender.Stop()
			logger.Info("daemon stopped")
			return nil
		},
	})
}
