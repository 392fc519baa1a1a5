// Command sync runs one pipeline cycle and exits. It is meant for cron jobs
// and backfills; a locked pipeline exits with status 2.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sqp-sync/backend/internal/bootstrap"
	"github.com/sqp-sync/backend/internal/cache/redis"
	"github.com/sqp-sync/backend/internal/metrics"
	"github.com/sqp-sync/backend/internal/pipeline"
	"github.com/sqp-sync/backend/internal/scheduler"
	"github.com/sqp-sync/backend/internal/tracing"
	"github.com/sqp-sync/backend/pkg/apperr"
	"github.com/sqp-sync/backend/pkg/config"
	appLogger "github.com/sqp-sync/backend/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		table    = flag.String("table", "", "warehouse table to sync (default: warehouse.table)")
		start    = flag.String("start", "", "first date, YYYY-MM-DD (default: lookback before today)")
		end      = flag.String("end", "", "last date, YYYY-MM-DD (default: today)")
		asins    = flag.String("asins", "", "comma-separated ASIN filter")
		keywords = flag.String("keywords", "", "comma-separated keyword filter")
		lookback = flag.Int("lookback", 0, "days to look back when -start is empty (default: sync.lookbackDays)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if err := appLogger.Init(appLogger.Options{
		Level:            cfg.Logging.Level,
		Format:           cfg.Logging.Format,
		OutputPath:       cfg.Logging.OutputPath,
		Service:          cfg.Tracing.ServiceName,
		Pipeline:         cfg.Pipeline.ID,
		Binary:           "sync",
		SampleInitial:    cfg.Logging.SampleInitial,
		SampleThereafter: cfg.Logging.SampleThereafter,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer appLogger.Sync()

	days := cfg.Sync.LookbackDays
	if *lookback > 0 {
		days = *lookback
	}
	req := pipeline.Request{
		Table:    *table,
		ASINs:    splitFlag(*asins, strings.ToUpper),
		Keywords: splitFlag(*keywords, nil),
		Trigger:  "cli",
	}
	req.Start, req.End = scheduler.Window(time.Now(), days)
	if *start != "" {
		if req.Start, err = time.Parse(time.DateOnly, *start); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -start: %v\n", err)
			return 1
		}
	}
	if *end != "" {
		if req.End, err = time.Parse(time.DateOnly, *end); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -end: %v\n", err)
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		appLogger.Warn("Tracing disabled", zap.Error(err))
	}
	defer shutdownTracing(context.Background())

	store, err := bootstrap.OpenStore(ctx, cfg.Store)
	if err != nil {
		appLogger.Error("Failed to open store", zap.Error(err))
		return 1
	}
	defer store.Close()

	source, err := bootstrap.OpenWarehouse(ctx, cfg.Warehouse)
	if err != nil {
		appLogger.Error("Failed to open warehouse", zap.Error(err))
		return 1
	}
	defer source.Close()

	schedules, err := store.ListSchedules(ctx)
	if err != nil {
		appLogger.Error("Failed to load schedules", zap.Error(err))
		return 1
	}

	var invalidator pipeline.Invalidator
	if cfg.Redis.Enabled {
		if rc, err := redis.NewClient(ctx, cfg.Redis); err != nil {
			appLogger.Warn("Report cache invalidation disabled", zap.Error(err))
		} else {
			defer rc.Close()
			invalidator = rc
		}
	}

	p := bootstrap.NewPipeline(cfg, store, source, schedules, invalidator)
	result, err := p.Runner.Run(ctx, req)

	if result != nil {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
	}

	var contention *apperr.LockContentionError
	switch {
	case errors.As(err, &contention):
		appLogger.Warn("Pipeline is locked", zap.String("holder", contention.Holder))
		return 2
	case err != nil:
		appLogger.Error("Sync failed", zap.Error(err))
		return 1
	}
	return 0
}

func splitFlag(value string, normalize func(string) string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if normalize != nil {
			part = normalize(part)
		}
		out = append(out, part)
	}
	return out
}
