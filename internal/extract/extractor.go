// Package extract pulls raw performance rows for a date window out of the
// warehouse.
package extract

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sqp-sync/backend/internal/warehouse"
	"github.com/sqp-sync/backend/pkg/apperr"
	"github.com/sqp-sync/backend/pkg/circuitbreaker"
)

type Request struct {
	Start    time.Time
	End      time.Time
	ASINs    []string
	Keywords []string
}

type Result struct {
	Rows        []warehouse.RawPerformanceRow
	RecordCount int
	// LastDataTimestamp is the latest row date, zero when there are no rows.
	LastDataTimestamp time.Time
}

type Extractor struct {
	source  warehouse.Source
	table   string
	columns warehouse.Columns
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

type Option func(*Extractor)

func WithColumns(c warehouse.Columns) Option {
	return func(e *Extractor) { e.columns = c }
}

// WithBreaker fails extraction fast while the warehouse is known to be down.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(e *Extractor) { e.breaker = cb }
}

func New(source warehouse.Source, table string, logger *zap.Logger, opts ...Option) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Extractor{
		source:  source,
		table:   table,
		columns: warehouse.DefaultColumns(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract runs one query. Failures are wrapped in ExtractionError and are
// never retried here. The pipeline runner retries rate-limited queries.
func (e *Extractor) Extract(ctx context.Context, req Request) (*Result, error) {
	source := e.source.Dialect().String() + ":" + e.table

	q, err := warehouse.NewQueryBuilder(e.source.Dialect(), e.table).
		WithColumns(e.columns).
		Window(req.Start, req.End).
		ASINs(req.ASINs...).
		Keywords(req.Keywords...).
		Build()
	if err != nil {
		return nil, &apperr.ExtractionError{Source: source, Err: err}
	}

	started := time.Now()
	records, err := e.query(ctx, q)
	if err != nil {
		e.logger.Error("Warehouse query failed", zap.String("source", source), zap.Error(err))
		return nil, &apperr.ExtractionError{Source: source, Err: err}
	}

	res := &Result{Rows: make([]warehouse.RawPerformanceRow, 0, len(records))}
	for i, rec := range records {
		row, err := warehouse.Decode(rec)
		if err != nil {
			return nil, &apperr.ExtractionError{Source: source, Err: fmt.Errorf("record %d: %w", i, err)}
		}
		if row.Date.After(res.LastDataTimestamp) {
			res.LastDataTimestamp = row.Date
		}
		res.Rows = append(res.Rows, row)
	}
	res.RecordCount = len(res.Rows)

	e.logger.Info("Extraction completed",
		zap.String("source", source),
		zap.Time("start", req.Start),
		zap.Time("end", req.End),
		zap.Int("records", res.RecordCount),
		zap.Duration("duration", time.Since(started)),
	)
	return res, nil
}

func (e *Extractor) query(ctx context.Context, q warehouse.Query) ([]warehouse.Record, error) {
	if e.breaker == nil {
		return e.source.Query(ctx, q)
	}
	var records []warehouse.Record
	err := e.breaker.Execute(ctx, func() error {
		var err error
		records, err = e.source.Query(ctx, q)
		return err
	})
	return records, err
}
