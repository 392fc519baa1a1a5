package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sqp-sync/backend/internal/api"
	"github.com/sqp-sync/backend/internal/bootstrap"
	"github.com/sqp-sync/backend/internal/cache/redis"
	"github.com/sqp-sync/backend/internal/metrics"
	"github.com/sqp-sync/backend/internal/pipeline"
	"github.com/sqp-sync/backend/internal/query"
	"github.com/sqp-sync/backend/internal/scheduler"
	"github.com/sqp-sync/backend/internal/tracing"
	"github.com/sqp-sync/backend/pkg/config"
	appLogger "github.com/sqp-sync/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := appLogger.Init(appLogger.Options{
		Level:            cfg.Logging.Level,
		Format:           cfg.Logging.Format,
		OutputPath:       cfg.Logging.OutputPath,
		Service:          cfg.Tracing.ServiceName,
		Pipeline:         cfg.Pipeline.ID,
		Binary:           "api",
		SampleInitial:    cfg.Logging.SampleInitial,
		SampleThereafter: cfg.Logging.SampleThereafter,
	}); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting search query performance sync server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		appLogger.Warn("Tracing disabled", zap.Error(err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			appLogger.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	store, err := bootstrap.OpenStore(ctx, cfg.Store)
	if err != nil {
		appLogger.Fatal("Failed to open store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	defer store.Close()

	source, err := bootstrap.OpenWarehouse(ctx, cfg.Warehouse)
	if err != nil {
		appLogger.Fatal("Failed to open warehouse", zap.String("driver", cfg.Warehouse.Driver), zap.Error(err))
	}
	defer source.Close()

	var reportCache query.Cache
	var invalidator pipeline.Invalidator
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			appLogger.Warn("Report cache disabled", zap.Error(err))
		} else {
			defer redisClient.Close()
			reportCache = redisClient
			invalidator = redisClient
		}
	}

	schedules, err := bootstrap.EnsureDefaultSchedule(ctx, store, cfg)
	if err != nil {
		appLogger.Fatal("Failed to load schedules", zap.Error(err))
	}

	p := bootstrap.NewPipeline(cfg, store, source, schedules, invalidator)

	server := api.NewServer(cfg.Server, api.Deps{
		Engine:       query.NewEngine(store, reportCache),
		Runner:       p.Runner,
		State:        p.State,
		Audit:        store,
		LookbackDays: cfg.Sync.LookbackDays,
	})

	g, gctx := errgroup.WithContext(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	g.Go(func() error {
		appLogger.Info("Server starting", zap.String("address", addr))
		return server.Listen(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Server shutting down gracefully...")
		return server.Shutdown()
	})

	if cfg.Pipeline.SchedulerEnabled {
		sched := scheduler.New(store, p.Runner, p.State, scheduler.Config{
			Interval:            cfg.Pipeline.SchedulerInterval(),
			DefaultLookbackDays: cfg.Sync.LookbackDays,
			HistoryRetention:    cfg.Pipeline.HistoryRetention(),
		})
		g.Go(func() error {
			return sched.Start(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		appLogger.Error("Server stopped with error", zap.Error(err))
		return
	}
	appLogger.Info("Server stopped")
}
