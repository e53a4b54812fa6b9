package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/cassiomorais/paygate/internal/cache"
	"github.com/cassiomorais/paygate/internal/domain/notification"
	"github.com/cassiomorais/paygate/internal/infrastructure/config"
	"github.com/cassiomorais/paygate/internal/infrastructure/observability"
	infraRedis "github.com/cassiomorais/paygate/internal/infrastructure/redis"
	"github.com/cassiomorais/paygate/internal/notify"
	"github.com/cassiomorais/paygate/internal/providers"
	"github.com/cassiomorais/paygate/internal/repository/postgres"
	"github.com/cassiomorais/paygate/internal/service"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout).
		With().Str("service", serviceName).Str("instance", cfg.InstanceID).Logger()
	logger.Info().Msg("Starting")

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			go func() {
				<-ctx.Done()
				observability.Shutdown(context.Background(), tp)
			}()
			logger.Info().Msg("Tracing enabled")
		}
	}

	var metrics *observability.Metrics
	if cfg.Observability.EnableMetrics {
		metrics = observability.NewMetrics(metricsNamespace, nil)
		logger.Info().Msg("Metrics initialized")
	}

	pool, err := postgres.NewPool(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("Connected to PostgreSQL")

	redisClient, err := infraRedis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Msg("Connected to Redis")

	return &App{
		Config:  cfg,
		Logger:  logger,
		Pool:    pool,
		Redis:   redisClient,
		Metrics: metrics,
	}, nil
}

func (a *App) Close() {
	a.Redis.Close()
	a.Pool.Close()
}

// Components is the wired domain graph shared by the API and the worker.
type Components struct {
	Orders     *postgres.OrderRepository
	Cache      *cache.MultiLevel
	OrderCache *cache.OrderLookup
	Providers  *providers.Registry
	Duplicates *service.DuplicateFilter
	Dispatcher *notify.Dispatcher
	Service    *service.OrderService
	Reconciler *service.Reconciler
	Events     *infraRedis.EventStream
}

// Wire builds every domain component on top of the app's connections.
func (a *App) Wire() (*Components, error) {
	cfg := a.Config
	prefix := cfg.Redis.KeyPrefix

	orderRepo := postgres.NewOrderRepository(a.Pool)
	merchantRepo := postgres.NewMerchantRepository(a.Pool)
	channelRepo := postgres.NewChannelRepository(a.Pool)
	attemptRepo := postgres.NewNotificationAttemptRepository(a.Pool)
	txManager := postgres.NewTxManager(a.Pool)

	ml := cache.New(a.Redis, cacheConfig(cfg), a.Metrics, a.Logger)
	orderCache := cache.NewOrderLookup(ml, orderRepo, cfg.Cache.OrderL2TTL)
	merchants := cache.NewMerchantLookup(ml, merchantRepo)
	channels := cache.NewChannelLookup(ml, channelRepo)

	events := infraRedis.NewEventStream(a.Redis, prefix, 0)
	bus := providers.NewBus(a.Logger)
	bus.Subscribe(StreamObserver(events, a.Logger))

	transport := providers.NewTransport(providers.TransportConfig{
		ConnectTimeout: cfg.Provider.ConnectTimeout,
		RequestTimeout: cfg.Provider.RequestTimeout,
		QueryRetries:   cfg.Provider.QueryRetries,
	})
	registry := providers.NewRegistry(transport, bus, a.Metrics, a.Logger, providers.BreakerConfig{
		MaxRequests: cfg.Provider.BreakerRequests,
		Interval:    cfg.Provider.BreakerInterval,
		Timeout:     cfg.Provider.BreakerTimeout,
	})
	registry.RegisterDefaults()

	numbers, err := service.NewOrderNumbers(cfg.Order.NodeID)
	if err != nil {
		return nil, err
	}
	duplicates := service.NewDuplicateFilter(cfg.Order.BloomCapacity, cfg.Order.BloomFPRate, a.Logger)

	policy := notification.DefaultPolicy()
	if cfg.Notify.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.Notify.MaxAttempts
	}
	if len(cfg.Notify.Backoff) > 0 {
		policy.Backoff = cfg.Notify.Backoff
	}
	if cfg.Notify.MaxAge > 0 {
		policy.MaxAge = cfg.Notify.MaxAge
	}
	sender := notify.NewSender(notify.SenderConfig{
		Timeout:     cfg.Notify.HTTPTimeout,
		RatePerHost: cfg.Notify.RatePerHost,
		SignHeader:  cfg.Notify.SignHeader,
	})
	dispatcher := notify.NewDispatcher(notify.Config{
		PendingInterval:  cfg.Notify.PendingInterval,
		RetryInterval:    cfg.Notify.RetryInterval,
		DelayedInterval:  cfg.Notify.DelayedInterval,
		SweepInterval:    cfg.Notify.SweepInterval,
		BatchSize:        cfg.Notify.BatchSize,
		PendingRetention: cfg.Notify.PendingRetention,
		RetryRetention:   cfg.Notify.RetryRetention,
		DelayedRetention: cfg.Notify.DelayedRetention,
		LeaseTimeout:     cfg.Notify.LeaseTimeout,
		RecoverAfter:     cfg.Notify.RecoverAfter,
		Policy:           policy,
	}, infraRedis.NewQueue(a.Redis, prefix), orderRepo, merchants, sender, attemptRepo, a.Metrics, a.Logger).
		WithCache(orderCache).
		WithLocker(infraRedis.NewPlaceholderLock(a.Redis, prefix, cfg.Notify.LeaseTimeout))

	svc := service.NewOrderService(service.OrderServiceConfig{PublicURL: cfg.Server.PublicURL}, service.OrderServiceDeps{
		Orders:     orderRepo,
		OrderCache: orderCache,
		Merchants:  merchants,
		Channels:   channels,
		Selector:   cache.NewFirstActiveSelector(channels),
		Providers:  registry,
		Notifier:   dispatcher,
		Locker:     infraRedis.NewPlaceholderLock(a.Redis, prefix, cfg.Order.LockTTL),
		Duplicates: duplicates,
		Numbers:    numbers,
		TxManager:  txManager,
		Metrics:    a.Metrics,
		Logger:     a.Logger,
	})

	reconciler := service.NewReconciler(service.ReconcilerConfig{
		Interval:       cfg.Reconcile.Interval,
		ValidityWindow: cfg.Order.ValidityWindow,
		ForceTimeout:   cfg.Reconcile.ForceTimeout,
		BatchSize:      cfg.Reconcile.BatchSize,
		Concurrency:    cfg.Reconcile.Concurrency,
	}, orderRepo, orderCache, channels, registry, dispatcher, a.Metrics, a.Logger)

	return &Components{
		Orders:     orderRepo,
		Cache:      ml,
		OrderCache: orderCache,
		Providers:  registry,
		Duplicates: duplicates,
		Dispatcher: dispatcher,
		Service:    svc,
		Reconciler: reconciler,
		Events:     events,
	}, nil
}

func cacheConfig(cfg *config.Config) cache.Config {
	return cache.Config{
		Prefix:    cfg.Redis.KeyPrefix,
		L1TTL:     cfg.Cache.L1TTL,
		L2TTL:     cfg.Cache.L2TTL,
		L1Cleanup: cfg.Cache.L1Cleanup,
	}
}
