package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SyncRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqp_sync_runs_total",
			Help: "Total number of pipeline runs by final status",
		},
		[]string{"status"},
	)

	SyncPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqp_sync_phase_duration_seconds",
			Help:    "Duration of each sync phase in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"phase"},
	)

	RowsExtracted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqp_sync_rows_extracted_total",
			Help: "Total raw rows read from the warehouse",
		},
	)

	RowsUpserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqp_sync_rows_upserted_total",
			Help: "Rows newly inserted into the relational store",
		},
		[]string{"table"},
	)

	RowsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqp_sync_rows_dropped_total",
			Help: "Rows dropped during reconciliation",
		},
		[]string{"reason"},
	)

	BatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqp_sync_batch_failures_total",
			Help: "Failed upsert batches",
		},
		[]string{"table"},
	)

	RateLimitRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqp_sync_rate_limit_retries_total",
			Help: "Rate-limited calls that were retried",
		},
		[]string{"operation"},
	)

	DataQualityIssues = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqp_sync_data_quality_issues_total",
			Help: "Rows flagged by data quality checks",
		},
		[]string{"check"},
	)

	PipelineStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sqp_sync_pipeline_status",
			Help: "1 for the pipeline's current status, 0 otherwise",
		},
		[]string{"pipeline", "status"},
	)

	LockContention = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqp_sync_lock_contention_total",
			Help: "Lock acquisitions rejected because a fresh lock was held",
		},
		[]string{"pipeline"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sqp_sync_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	ReportDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqp_sync_report_duration_seconds",
			Help:    "Read-side report latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"report"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqp_sync_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqp_sync_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(SyncRunsTotal)
		prometheus.MustRegister(SyncPhaseDuration)
		prometheus.MustRegister(RowsExtracted)
		prometheus.MustRegister(RowsUpserted)
		prometheus.MustRegister(RowsDropped)
		prometheus.MustRegister(BatchFailures)
		prometheus.MustRegister(RateLimitRetries)
		prometheus.MustRegister(DataQualityIssues)
		prometheus.MustRegister(PipelineStatus)
		prometheus.MustRegister(LockContention)
		prometheus.MustRegister(BreakerState)
		prometheus.MustRegister(ReportDuration)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
	})
}

// SetPipelineStatus marks status as the only active status for pipeline.
func SetPipelineStatus(pipeline string, status string, all []string) {
	for _, s := range all {
		value := 0.0
		if s == status {
			value = 1
		}
		PipelineStatus.WithLabelValues(pipeline, s).Set(value)
	}
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
