package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/identity"
	"github.com/keygate/keygate/internal/infra"
	"github.com/keygate/keygate/internal/keystore"
	"github.com/keygate/keygate/internal/logging"
	"github.com/keygate/keygate/internal/notification"
	"github.com/keygate/keygate/internal/obs"
	"github.com/keygate/keygate/internal/relay"
	"github.com/keygate/keygate/internal/routes"
	"github.com/keygate/keygate/internal/server"
	"github.com/keygate/keygate/internal/telegram"
	"github.com/keygate/keygate/internal/topup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.AppName)
	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited cleanly")
}

type stores struct {
	db    *pgxpool.Pool
	mongo *mongo.Client
	keys  keystore.Backend
	topup topup.Repository
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
	}
	if st.mongo != nil {
		defer func() {
			if err := st.mongo.Disconnect(context.Background()); err != nil {
				logger.Warn("close mongo", "error", err)
			}
		}()
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL, cfg.AppName)
		if err != nil {
			return err
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	} else {
		logger.Warn("REDIS_URL not set, idempotency disabled and rate limits are per process")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(registry)

	store := keystore.NewService(st.keys, keystore.Options{
		Validity:      cfg.KeyValidity,
		StartingBonus: cfg.StartingBonus,
		Logger:        logger,
		Metrics:       metrics,
	})
	directory := identity.NewDirectory(cfg.AdminIDs...)
	if directory.Admins() == 0 {
		logger.Warn("no admin ids configured, admin routes and commands are unreachable")
	}

	var (
		client   *telegram.Client
		notifier notification.Notifier = notification.NewLoggerNotifier(logger)
	)
	if cfg.BotToken != "" {
		client, err = telegram.Dial(cfg.BotToken)
		if err != nil {
			return err
		}
		logger.Info("telegram bot authorized", "username", client.Username())
		notifier = notification.Fanout{notifier, client.Notifier()}
	}

	topups := topup.NewService(st.topup, store, topup.Options{
		Notifier: notifier,
		Admins:   cfg.AdminIDs,
		Logger:   logger,
	})

	relayOpts := relay.Options{
		DefaultModel:   cfg.DefaultModel,
		SupportContact: cfg.SupportContact,
		Logger:         logger,
	}
	if cfg.UpstreamURL != "" {
		relayOpts.Completer = relay.NewOpenAICompleter(cfg.UpstreamURL, cfg.UpstreamAPIKey, cfg.UpstreamTimeout)
	}
	if client != nil {
		relayOpts.Messenger = client.Messenger()
	}

	srv, err := server.New(routes.Deps{
		Cfg:       cfg,
		DB:        st.db,
		Cache:     cache,
		Mongo:     st.mongo,
		Logger:    logger,
		Store:     store,
		Topups:    topups,
		Relay:     relay.NewService(relayOpts),
		Directory: directory,
		Notifier:  notifier,
		Metrics:   metrics,
		Gatherer:  registry,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", "addr", cfg.Address(), "store", cfg.StoreBackend)
		errCh <- srv.Listen()
	}()

	botCtx, stopBot := context.WithCancel(context.Background())
	botDone := make(chan struct{})
	if client != nil {
		bot := telegram.NewBot(client, telegram.Options{
			Store:           store,
			Topups:          topups,
			Directory:       directory,
			KeyCost:         cfg.KeyCost,
			FreeKeysEnabled: cfg.FreeKeysEnabled,
			SupportContact:  cfg.SupportContact,
			Logger:          logger,
		})
		go func() {
			defer close(botDone)
			if err := bot.Run(botCtx); err != nil {
				errCh <- fmt.Errorf("telegram bot: %w", err)
			}
		}()
	} else {
		close(botDone)
		logger.Info("BOT_TOKEN not set, telegram bot disabled")
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		if runErr != nil {
			logger.Error("server error", "error", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	stopBot()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	select {
	case <-botDone:
	case <-shutdownCtx.Done():
		logger.Warn("telegram bot did not stop before the shutdown deadline")
	}
	return runErr
}

// openStores connects the configured keystore backend and the topup
// repository that lives next to it.
func openStores(ctx context.Context, cfg config.Config) (stores, error) {
	var st stores
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.AppName)
		if err != nil {
			return stores{}, err
		}
		keys := keystore.NewPostgresBackend(db)
		if err := keys.EnsureSchema(ctx); err != nil {
			db.Close()
			return stores{}, err
		}
		repo := topup.NewPostgresRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			db.Close()
			return stores{}, err
		}
		st.db, st.keys, st.topup = db, keys, repo
		return st, nil

	case config.BackendMongo:
		client, err := infra.NewMongoClient(ctx, cfg.MongoURL, cfg.AppName)
		if err != nil {
			return stores{}, err
		}
		keys := keystore.NewMongoBackend(client.Database(cfg.MongoDatabase))
		if err := keys.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(ctx)
			return stores{}, err
		}
		st.mongo, st.keys = client, keys

	case config.BackendMemory:
		st.keys = keystore.NewInMemory()
		st.topup = topup.NewMemoryRepository()
		return st, nil

	default:
		keys, err := keystore.OpenFile(cfg.StorePath)
		if err != nil {
			return stores{}, err
		}
		st.keys = keys
	}

	repo, err := topup.OpenFileRepository(cfg.TopupStorePath)
	if err != nil {
		if st.mongo != nil {
			_ = st.mongo.Disconnect(ctx)
		}
		return stores{}, err
	}
	st.topup = repo
	return st, nil
}

