package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/wyfcoding/marketverify/internal/verification/application"
	"github.com/wyfcoding/marketverify/internal/verification/infrastructure/persistence/postgres"
	"github.com/wyfcoding/marketverify/internal/verification/infrastructure/queue"
	httpserver "github.com/wyfcoding/marketverify/internal/verification/interfaces/http"
	"github.com/wyfcoding/marketverify/pkg/cache"
	"github.com/wyfcoding/marketverify/pkg/config"
	"github.com/wyfcoding/marketverify/pkg/db"
	"github.com/wyfcoding/marketverify/pkg/logger"
	"github.com/wyfcoding/marketverify/pkg/metrics"
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
	m := metrics.New("scheduler")
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

	results := postgres.NewResultRepository(database, loc)
	watermarks := postgres.NewWatermarkRepository(database, loc)

	// 7. Application
	session, err := application.NewSession(loc, cfg.Verification.SessionOpen, cfg.Verification.SessionClose)
	if err != nil {
		logger.Fatal(ctx, "invalid session bounds", "error", err)
	}

	scheduler := application.NewScheduler(taskQueue, watermarks, session,
		cfg.Verification.Symbols, application.SchedulerConfig{
			Grace:         time.Duration(cfg.Scheduler.RealtimeGraceSeconds) * time.Second,
			DailyCron:     cfg.Scheduler.DailyCron,
			CatchupWindow: time.Duration(cfg.Scheduler.CatchupWindowHours) * time.Hour,
		}, m)

	// 8. Interfaces
	gin.SetMode(gin.ReleaseMode)
	if cfg.Environment == "dev" {
		gin.SetMode(gin.DebugMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	handler := httpserver.NewVerificationHandler(scheduler, results, taskQueue, loc)
	handler.RegisterRoutes(r)

	// 9. Start
	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	// Delayed-retry promotion runs next to the producer so a worker-only
	// outage cannot strand nacked tasks in the delayed set.
	g.Go(func() error {
		return taskQueue.RunPromoter(gctx, time.Second)
	})

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}
	g.Go(func() error {
		logger.Info(ctx, "http server starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info(ctx, "scheduler started", "symbols", len(cfg.Verification.Symbols), "daily_cron", cfg.Scheduler.DailyCron)
	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Fatal(ctx, "scheduler exited with error", "error", err)
	}
	logger.Info(ctx, "scheduler stopped")
}
