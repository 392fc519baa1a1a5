// Package bootstrap builds the store, warehouse source and pipeline runner
// shared by the API server and the one-shot sync command.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sqp-sync/backend/internal/extract"
	"github.com/sqp-sync/backend/internal/ingestion"
	"github.com/sqp-sync/backend/internal/metrics"
	"github.com/sqp-sync/backend/internal/pipeline"
	"github.com/sqp-sync/backend/internal/state"
	"github.com/sqp-sync/backend/internal/storage"
	"github.com/sqp-sync/backend/internal/storage/memory"
	"github.com/sqp-sync/backend/internal/storage/models"
	"github.com/sqp-sync/backend/internal/storage/postgres"
	"github.com/sqp-sync/backend/internal/storage/sqlite"
	"github.com/sqp-sync/backend/internal/storage/supabase"
	"github.com/sqp-sync/backend/internal/warehouse"
	"github.com/sqp-sync/backend/internal/warehouse/bigquery"
	"github.com/sqp-sync/backend/internal/warehouse/duckdb"
	"github.com/sqp-sync/backend/pkg/apperr"
	"github.com/sqp-sync/backend/pkg/circuitbreaker"
	"github.com/sqp-sync/backend/pkg/config"
	"github.com/sqp-sync/backend/pkg/logger"
)

// OpenStore connects the configured relational store and applies its schema.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch cfg.Driver {
	case "postgres":
		store, err = postgres.NewClient(ctx, postgres.Config{
			DSN:        cfg.PostgresDSN,
			MaxConns:   cfg.MaxConns,
			ViaBouncer: cfg.ViaBouncer,
			Schema:     cfg.Schema,
		})
	case "sqlite":
		store, err = sqlite.NewClient(cfg.SQLitePath)
	case "supabase":
		store, err = supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseKey)
	case "memory":
		store = memory.New()
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := store.InitSchema(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func OpenWarehouse(ctx context.Context, cfg config.WarehouseConfig) (warehouse.Source, error) {
	switch cfg.Driver {
	case "bigquery":
		src, err := bigquery.New(ctx, bigquery.Config{
			ProjectID:       cfg.ProjectID,
			Location:        cfg.Location,
			CredentialsFile: cfg.CredentialsFile,
			Timeout:         time.Duration(cfg.TimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	case "duckdb":
		src, err := duckdb.Open(cfg.DuckDBPath)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unsupported warehouse driver %q", cfg.Driver)
	}
}

// TableRef qualifies a source table name for the configured warehouse.
func TableRef(cfg config.WarehouseConfig, table string) string {
	if cfg.Driver != "bigquery" || cfg.Dataset == "" {
		return table
	}
	if cfg.ProjectID == "" {
		return cfg.Dataset + "." + table
	}
	return fmt.Sprintf("%s.%s.%s", cfg.ProjectID, cfg.Dataset, table)
}

// NewBreaker trips after repeated warehouse failures. Rate limiting does not
// count against it.
func NewBreaker(name string) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.NewCircuitBreaker(name, circuitbreaker.Config{
		Timeout:          time.Minute,
		FailureThreshold: 5,
		IgnoreErrors:     []error{apperr.ErrRateLimited},
		Logger:           logger.Named("circuitbreaker"),
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
}

// Pipeline bundles the runner and the state manager it locks through.
type Pipeline struct {
	Runner *pipeline.Runner
	State  *state.Manager
}

// NewPipeline wires extractors for the default table and every scheduled
// table, all reading from source through one breaker.
func NewPipeline(cfg *config.Config, store storage.Store, source warehouse.Source, schedules []models.SyncSchedule, cache pipeline.Invalidator) *Pipeline {
	breaker := NewBreaker("warehouse")
	newExtractor := func(table string) pipeline.Extractor {
		return extract.New(source, TableRef(cfg.Warehouse, table), logger.Named("extract"), extract.WithBreaker(breaker))
	}

	reconciler := ingestion.NewReconciler(store, store, ingestion.Config{
		BatchSize:       cfg.Sync.BatchSize,
		MaxRetries:      cfg.Sync.MaxRetries,
		RetryBaseDelay:  cfg.Sync.RetryBaseDelay(),
		ContinueOnError: cfg.Sync.ContinueOnError,
		PeriodDays:      cfg.Sync.PeriodDays,
	})

	var stateOpts []state.Option
	if ttl := cfg.Pipeline.LockTTL(); ttl > 0 {
		stateOpts = append(stateOpts, state.WithTTL(ttl))
	}
	manager := state.NewManager(store, cfg.Pipeline.ID, stateOpts...)

	opts := []pipeline.Option{pipeline.WithExtractRetry(cfg.Sync.MaxRetries, cfg.Sync.RetryBaseDelay())}
	for _, sched := range schedules {
		if sched.TableName != cfg.Warehouse.Table {
			opts = append(opts, pipeline.WithTable(sched.TableName, newExtractor(sched.TableName)))
		}
	}
	if cache != nil {
		opts = append(opts, pipeline.WithInvalidator(cache))
	}

	return &Pipeline{
		Runner: pipeline.NewRunner(cfg.Warehouse.Table, newExtractor(cfg.Warehouse.Table), reconciler, manager, opts...),
		State:  manager,
	}
}

// EnsureDefaultSchedule registers the configured table on first start so the
// scheduler has something to run.
func EnsureDefaultSchedule(ctx context.Context, store storage.ScheduleStore, cfg *config.Config) ([]models.SyncSchedule, error) {
	schedules, err := store.ListSchedules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	if len(schedules) > 0 {
		return schedules, nil
	}

	sched := models.SyncSchedule{
		TableName:             cfg.Warehouse.Table,
		Enabled:               true,
		RefreshFrequencyHours: 24,
		LookbackDays:          cfg.Sync.LookbackDays,
	}
	if err := store.UpsertSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("failed to create default schedule: %w", err)
	}
	logger.Info("Created default sync schedule", zap.String("table", sched.TableName), zap.Int("lookback_days", sched.LookbackDays))
	return []models.SyncSchedule{sched}, nil
}
