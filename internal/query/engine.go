// Package query serves the dashboard reports: per-keyword funnels for a
// primary and optional comparison period, weekly trends, scores and market
// share.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sqp-sync/backend/internal/aggregation"
	"github.com/sqp-sync/backend/internal/analytics"
	"github.com/sqp-sync/backend/internal/metrics"
	"github.com/sqp-sync/backend/internal/storage"
	"github.com/sqp-sync/backend/internal/storage/models"
	"github.com/sqp-sync/backend/pkg/logger"
	"github.com/sqp-sync/backend/pkg/utils"
)

// Report names, used as cache namespaces and metric labels.
const (
	ReportKeywords    = "keywords"
	ReportTrends      = "trends"
	ReportScores      = "scores"
	ReportMarketShare = "market_share"
)

// DefaultTrendWindow is the moving-average window in weeks.
const DefaultTrendWindow = 4

var ErrInvalidRequest = errors.New("invalid report request")

type Cache interface {
	GetReport(ctx context.Context, key string, dest interface{}) (bool, error)
	SetReport(ctx context.Context, key string, report interface{}) error
}

type Engine struct {
	reader storage.MetricsReader
	cache  Cache
}

// NewEngine builds an engine; cache may be nil.
func NewEngine(reader storage.MetricsReader, cache Cache) *Engine {
	return &Engine{reader: reader, cache: cache}
}

type Request struct {
	ASINs    []string
	Keywords []string
	Start    time.Time
	End      time.Time
	// CompareStart and CompareEnd select the optional comparison period.
	CompareStart time.Time
	CompareEnd   time.Time
	GroupBy      aggregation.GroupBy
	// TrendWindow only applies to Trends.
	TrendWindow int
}

func (r Request) HasComparison() bool {
	return !r.CompareStart.IsZero()
}

func (r Request) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("%w: start and end dates are required", ErrInvalidRequest)
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("%w: end date %s is before start date %s", ErrInvalidRequest, r.End.Format(time.DateOnly), r.Start.Format(time.DateOnly))
	}
	if r.CompareStart.IsZero() != r.CompareEnd.IsZero() {
		return fmt.Errorf("%w: comparison period needs both start and end", ErrInvalidRequest)
	}
	if r.HasComparison() && r.CompareEnd.Before(r.CompareStart) {
		return fmt.Errorf("%w: comparison end is before comparison start", ErrInvalidRequest)
	}
	return nil
}

func (r Request) cacheKey(report string) string {
	return utils.HashParts(
		report,
		strings.Join(r.ASINs, ","),
		strings.ToLower(strings.Join(r.Keywords, ",")),
		r.Start.Format(time.DateOnly),
		r.End.Format(time.DateOnly),
		formatDate(r.CompareStart),
		formatDate(r.CompareEnd),
		fmt.Sprint(int(r.GroupBy)),
		fmt.Sprint(r.TrendWindow),
	)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.DateOnly)
}

type KeywordReport struct {
	Primary    []models.KeywordMetric `json:"primary"`
	Comparison []models.KeywordMetric `json:"comparison,omitempty"`
	// Aggregated is true when the primary range was rolled up.
	Aggregated bool `json:"aggregated"`
}

// KeywordReport returns keyword rows for the primary period and, when asked,
// the comparison period. Ranges longer than a week are rolled up per keyword.
func (e *Engine) KeywordReport(ctx context.Context, req Request) (*KeywordReport, error) {
	return cached(ctx, e, ReportKeywords, req, func(ctx context.Context) (*KeywordReport, error) {
		primary, err := e.load(ctx, req, req.Start, req.End)
		if err != nil {
			return nil, err
		}
		report := &KeywordReport{
			Primary:    nonNil(aggregation.Aggregate(primary, req.Start, req.End, req.GroupBy)),
			Aggregated: aggregation.ShouldAggregate(req.Start, req.End),
		}

		if req.HasComparison() {
			comparison, err := e.load(ctx, req, req.CompareStart, req.CompareEnd)
			if err != nil {
				return nil, err
			}
			report.Comparison = nonNil(aggregation.Aggregate(comparison, req.CompareStart, req.CompareEnd, req.GroupBy))
		}
		return report, nil
	})
}

// Trends returns week-over-week series per keyword across all ASINs in the
// filter.
func (e *Engine) Trends(ctx context.Context, req Request) ([]analytics.KeywordTrend, error) {
	if req.TrendWindow <= 0 {
		req.TrendWindow = DefaultTrendWindow
	}
	return cached(ctx, e, ReportTrends, req, func(ctx context.Context) ([]analytics.KeywordTrend, error) {
		rows, err := e.load(ctx, req, req.Start, req.End)
		if err != nil {
			return nil, err
		}
		return analytics.WeeklyTrends(rows, req.TrendWindow), nil
	})
}

// Scores ranks keywords over the whole range. Rows are always rolled up first
// so each keyword (or keyword and ASIN) is scored once.
func (e *Engine) Scores(ctx context.Context, req Request) ([]analytics.Score, error) {
	return cached(ctx, e, ReportScores, req, func(ctx context.Context) ([]analytics.Score, error) {
		rows, err := e.load(ctx, req, req.Start, req.End)
		if err != nil {
			return nil, err
		}
		return analytics.Scores(aggregation.Rollup(rows, req.GroupBy)), nil
	})
}

func (e *Engine) MarketShare(ctx context.Context, req Request) ([]analytics.KeywordMarket, error) {
	return cached(ctx, e, ReportMarketShare, req, func(ctx context.Context) ([]analytics.KeywordMarket, error) {
		rows, err := e.load(ctx, req, req.Start, req.End)
		if err != nil {
			return nil, err
		}
		return analytics.MarketShare(rows), nil
	})
}

func (e *Engine) load(ctx context.Context, req Request, start, end time.Time) ([]models.KeywordMetric, error) {
	rows, err := e.reader.ListKeywordMetrics(ctx, models.KeywordFilter{
		ASINs:    req.ASINs,
		Keywords: req.Keywords,
		Start:    start,
		End:      end,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load keyword metrics: %w", err)
	}
	return rows, nil
}

// cached validates req, serves the report from the cache when present and
// stores freshly built reports. Cache failures only cost a rebuild.
func cached[T any](ctx context.Context, e *Engine, report string, req Request, build func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := req.Validate(); err != nil {
		return zero, err
	}

	timer := prometheus.NewTimer(metrics.ReportDuration.WithLabelValues(report))
	defer timer.ObserveDuration()

	key := req.cacheKey(report)
	if e.cache != nil {
		var hit T
		found, err := e.cache.GetReport(ctx, key, &hit)
		if err != nil {
			logger.Warn("Report cache read failed", zap.String("report", report), zap.Error(err))
		} else if found {
			return hit, nil
		}
	}

	out, err := build(ctx)
	if err != nil {
		return zero, err
	}

	if e.cache != nil {
		if err := e.cache.SetReport(ctx, key, out); err != nil {
			logger.Warn("Report cache write failed", zap.String("report", report), zap.Error(err))
		}
	}
	return out, nil
}

func nonNil(rows []models.KeywordMetric) []models.KeywordMetric {
	if rows == nil {
		return []models.KeywordMetric{}
	}
	return rows
}
