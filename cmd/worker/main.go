package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/wyfcoding/marketverify/internal/verification/application"
	"github.com/wyfcoding/marketverify/internal/verification/domain"
	"github.com/wyfcoding/marketverify/internal/verification/infrastructure/brokerhub"
	"github.com/wyfcoding/marketverify/internal/verification/infrastructure/messaging"
	"github.com/wyfcoding/marketverify/internal/verification/infrastructure/persistence/postgres"
	"github.com/wyfcoding/marketverify/internal/verification/infrastructure/queue"
	"github.com/wyfcoding/marketverify/pkg/cache"
	"github.com/wyfcoding/marketverify/pkg/config"
	"github.com/wyfcoding/marketverify/pkg/db"
	"github.com/wyfcoding/marketverify/pkg/logger"
	"github.com/wyfcoding/marketverify/pkg/metrics"
	"github.com/wyfcoding/marketverify/pkg/ratelimit"
)

var configPath = flag.String("config", "configs/config.toml", "config file path")

func main() {
	flag.Parse()

	// 1. Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 2. Logger
	if err := logger.Init(logger.Config(cfg.Logger)); err != nil {
		panic(fmt.Sprintf("failed to init logger: %v", err))
	}
	ctx := context.Background()

	// 3. Metrics
	m := metrics.New("worker")
	if err := m.Register(); err != nil {
		logger.Fatal(ctx, "failed to register metrics", "error", err)
	}
	if cfg.Metrics.Enabled {
		metrics.StartHTTPServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	// 4. Database
	database, err := db.Init(db.Config(cfg.Database))
	if err != nil {
		logger.Fatal(ctx, "failed to connect database", "error", err)
	}
	defer database.Close()

	if cfg.Environment == "dev" {
		if err := database.AutoMigrate(
			&postgres.CandlePO{}, &postgres.TickPO{},
			&postgres.ResultPO{}, &postgres.WatermarkPO{},
		); err != nil {
			logger.Error(ctx, "failed to migrate database", "error", err)
		}
	}

	// 5. Redis
	rdb, err := cache.New(cache.Config(cfg.Redis))
	if err != nil {
		logger.Fatal(ctx, "failed to connect redis", "error", err)
	}
	defer rdb.Close()

	loc := cfg.MarketLocation()

	// 6. Infrastructure
	taskQueue := queue.NewRedisQueue(rdb.Client(), queue.Config{
		SizeCap:          cfg.Queue.SizeCap,
		MaxRetries:       cfg.Queue.MaxRetries,
		RetryBackoffBase: time.Duration(cfg.Queue.RetryBackoffBaseSeconds) * time.Second,
		ClaimTimeout:     time.Duration(cfg.Queue.ClaimTimeoutSeconds) * time.Second,
		ClaimLease:       time.Duration(cfg.Queue.ClaimLeaseSeconds) * time.Second,
	}, m)

	limiter := ratelimit.NewRedisRateLimiter(rdb.Client())
	hub := brokerhub.NewClient(rdb.Client(), limiter, brokerhub.Config{
		Provider:       cfg.Hub.PrimaryProvider,
		RequestTimeout: time.Duration(cfg.Hub.RequestTimeoutSeconds) * time.Second,
		RateLimit: ratelimit.Limit{
			Rate:   cfg.Worker.HubRatePerSecond,
			Period: time.Second,
			Burst:  cfg.Worker.HubRateBurst,
		},
	}, loc, m)

	candles := postgres.NewCandleRepository(database, loc, "ticks_1m")
	ticks := postgres.NewTickRepository(database)
	results := postgres.NewResultRepository(database, loc)
	refresher := postgres.NewRefresher(database,
		cfg.Worker.RefreshMaxRetries,
		time.Duration(cfg.Worker.RefreshBackoffBaseMs)*time.Millisecond, m)

	publisher := messaging.NewKafkaResultPublisher(messaging.Config{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.ResultTopic,
		MaxRetries:   cfg.Kafka.MaxRetries,
		RetryBackoff: time.Duration(cfg.Kafka.RetryBackoff) * time.Millisecond,
	})
	defer publisher.Close()

	// 7. Application
	session, err := application.NewSession(loc, cfg.Verification.SessionOpen, cfg.Verification.SessionClose)
	if err != nil {
		logger.Fatal(ctx, "invalid session bounds", "error", err)
	}

	tol := domain.NewTolerances()
	tol.VolumeTol = decimal.NewFromFloat(cfg.Verification.VolumeTolerance)
	for symbol, tick := range cfg.Verification.PriceTickTolerance {
		tol.PriceTick[symbol] = decimal.NewFromFloat(tick)
	}

	recovery := application.NewRecoveryEngine(hub, candles, ticks, refresher, tol, loc, m)
	worker := application.NewWorker(taskQueue, candles, results, hub, recovery, publisher, rdb,
		session, tol, cfg.Verification.Symbols, application.WorkerConfig{
			Count:            cfg.Worker.Count,
			RealtimeDeadline: time.Duration(cfg.Worker.RealtimeDeadlineSecs) * time.Second,
			DailyDeadline:    time.Duration(cfg.Worker.DailyDeadlineSecs) * time.Second,
			ReconnectBackoff: time.Duration(cfg.Worker.ReconnectBackoffSecs) * time.Second,
		}, m)

	// 8. Start
	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return worker.Run(gctx)
	})

	logger.Info(ctx, "worker started", "workers", cfg.Worker.Count, "symbols", len(cfg.Verification.Symbols))
	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Fatal(ctx, "worker exited with error", "error", err)
	}
	logger.Info(ctx, "worker stopped")
}
