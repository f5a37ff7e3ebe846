package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AfshinJalili/vgx/libs/auth"
	"github.com/AfshinJalili/vgx/libs/health"
	"github.com/AfshinJalili/vgx/libs/httpmiddleware"
	"github.com/AfshinJalili/vgx/libs/kafka"
	"github.com/AfshinJalili/vgx/libs/logging"
	"github.com/AfshinJalili/vgx/libs/metrics"
	"github.com/AfshinJalili/vgx/libs/trace"
	"github.com/AfshinJalili/vgx/services/trading/internal/audit"
	"github.com/AfshinJalili/vgx/services/trading/internal/config"
	"github.com/AfshinJalili/vgx/services/trading/internal/handlers"
	"github.com/AfshinJalili/vgx/services/trading/internal/rate"
	"github.com/AfshinJalili/vgx/services/trading/internal/service"
	"github.com/AfshinJalili/vgx/services/trading/internal/storage"
	"github.com/AfshinJalili/vgx/services/trading/internal/sweeper"
	"github.com/AfshinJalili/vgx/services/trading/internal/valuation"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()
	tradeMetrics := service.NewMetrics(registry)
	sweepMetrics := sweeper.NewMetrics(registry)
	ready := health.NewManager(false)

	store, closeStore, err := buildStore(cfg, ready, logger)
	if err != nil {
		logger.Error("storage init failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	limiter, closeLimiter, err := buildLimiter(cfg, ready, logger)
	if err != nil {
		logger.Error("rate limiter init failed", "error", err)
		os.Exit(1)
	}
	defer closeLimiter()

	producer, err := buildPublisher(cfg, kafka.NewProducerMetrics(registry), logger)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	valuer, err := valuation.New(cfg.Valuation.CacheSize, cfg.Valuation.CacheTTL)
	if err != nil {
		logger.Error("valuation cache init failed", "error", err)
		os.Exit(1)
	}

	tradeSvc := service.NewTradeService(
		store,
		service.Ledgers{Valuer: valuer},
		limiter,
		audit.NewSink(store, logger),
		producer,
		logger,
		tradeMetrics,
		service.Topics{
			TradesCreated:   cfg.Kafka.Topics.TradesCreated,
			TradesAccepted:  cfg.Kafka.Topics.TradesAccepted,
			TradesDeclined:  cfg.Kafka.Topics.TradesDeclined,
			TradesCancelled: cfg.Kafka.Topics.TradesCancelled,
			TradesExpired:   cfg.Kafka.Topics.TradesExpired,
		},
		service.Config{
			TradeTTL:       cfg.Trading.TradeTTL,
			SweepBatchSize: cfg.Trading.SweepBatchSize,
			CreateLimit:    rate.Policy{Limit: cfg.Trading.CreateLimit.Limit, Window: cfg.Trading.CreateLimit.Window},
			RespondLimit:   rate.Policy{Limit: cfg.Trading.RespondLimit.Limit, Window: cfg.Trading.RespondLimit.Window},
		},
	)
	expirySweeper := sweeper.New(tradeSvc, cfg.Trading.SweepInterval, cfg.Trading.SweepTimeout, sweepMetrics, logger)

	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))
	verifier := auth.NewVerifier([]byte(cfg.JWT.Secret), auth.WithIssuer(cfg.JWT.Issuer), auth.WithRole(cfg.JWT.Role))
	handlers.New(tradeSvc, logger).Register(router, verifier)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("trading http starting", "addr", httpServer.Addr, "storage", cfg.Storage)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		logger.Info("trade expiry sweeper starting", "interval", cfg.Trading.SweepInterval)
		return expirySweeper.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown started")
		ready.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
		return nil
	})

	ready.SetReady(true)
	if err := group.Wait(); err != nil {
		logger.Error("trading service stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func buildStore(cfg *config.Config, ready *health.Manager, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.Storage == config.StorageMemory {
		logger.Warn("using in-memory storage, state is lost on restart")
		return storage.NewMemory(), func() {}, nil
	}

	pool, err := connectDB(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db connection: %w", err)
	}
	store := storage.NewPostgres(pool)
	ready.AddCheck("postgres", store.Ping)
	return store, pool.Close, nil
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if cfg.DB.MaxConns > 0 {
		poolCfg.MaxConns = cfg.DB.MaxConns
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// buildLimiter prefers Redis so limits hold across replicas. Without it only dev runs get a process-local limiter.
func buildLimiter(cfg *config.Config, ready *health.Manager, logger *slog.Logger) (rate.Limiter, func(), error) {
	if cfg.Redis.Addr == "" {
		logger.Warn("redis not configured, using in-memory rate limiter")
		return rate.NewMemory(time.Minute), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	ready.AddCheck("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() })
	return rate.NewRedisLimiter(client, cfg.Redis.KeyPrefix), func() { _ = client.Close() }, nil
}

func buildPublisher(cfg *config.Config, producerMetrics *kafka.ProducerMetrics, logger *slog.Logger) (kafka.Publisher, error) {
	if !cfg.Kafka.Enabled {
		logger.Warn("kafka disabled, trade notifications are not published")
		return kafka.NopPublisher{}, nil
	}
	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, producerMetrics)
	if err != nil {
		return nil, err
	}
	return kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger), nil
}
