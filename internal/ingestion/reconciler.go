// Package ingestion reconciles flat warehouse rows into the parent and child
// tables of the relational store.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sqp-sync/backend/internal/metrics"
	"github.com/sqp-sync/backend/internal/storage"
	"github.com/sqp-sync/backend/internal/storage/models"
	"github.com/sqp-sync/backend/internal/tracing"
	"github.com/sqp-sync/backend/internal/warehouse"
	"github.com/sqp-sync/backend/pkg/apperr"
	"github.com/sqp-sync/backend/pkg/logger"
	"github.com/sqp-sync/backend/pkg/retry"
	"github.com/sqp-sync/backend/pkg/utils"
)

type Config struct {
	BatchSize       int
	MaxRetries      int
	RetryBaseDelay  time.Duration
	ContinueOnError bool
	// PeriodDays is the reporting period length used when a row has no end date.
	PeriodDays int
}

func DefaultConfig() Config {
	return Config{
		BatchSize:      500,
		MaxRetries:     5,
		RetryBaseDelay: time.Second,
		PeriodDays:     7,
	}
}

// ChildKey orders child rows. Children are written in ascending key order.
type ChildKey struct {
	ParentID    int64
	SearchQuery string
}

func (k ChildKey) less(o ChildKey) bool {
	if k.ParentID != o.ParentID {
		return k.ParentID < o.ParentID
	}
	return k.SearchQuery < o.SearchQuery
}

// Resume skips work a previous failed run already finished.
type Resume struct {
	SkipParents bool
	// After is the last child key the failed run wrote without a gap.
	// Nil writes every child.
	After *ChildKey
	// Covered is how many children up to and including After that run wrote.
	// When the re-extracted rows hold a different count the checkpoint is
	// stale and every child is written again.
	Covered int
}

// Checkpoint is reported after every child batch.
type Checkpoint struct {
	BatchesDone   int
	BatchesTotal  int
	RowsProcessed int
	// Covered counts the sorted children written without a gap, including
	// those skipped on resume. Last is the key of the final one.
	Covered int
	Last    ChildKey
}

type Options struct {
	RunID  string
	Resume Resume
	// OnParentsDone runs once the parent phase finished or was skipped.
	OnParentsDone func(ctx context.Context, inserted int) error
	// OnBatch runs after each child batch. An error stops the run.
	OnBatch func(ctx context.Context, cp Checkpoint) error
}

type Report struct {
	RunID             string        `json:"run_id"`
	RowsIn            int           `json:"rows_in"`
	ParentsDistinct   int           `json:"parents_distinct"`
	ParentsInserted   int           `json:"parents_inserted"`
	Duplicates        int           `json:"duplicates"`
	Orphans           int           `json:"orphans"`
	EmptyQueries      int           `json:"empty_queries"`
	ChildrenProcessed int           `json:"children_processed"`
	ChildrenInserted  int           `json:"children_inserted"`
	ChildrenResumed   int           `json:"children_resumed"`
	BatchesTotal      int           `json:"batches_total"`
	BatchesDone       int           `json:"batches_done"`
	Errors            []error       `json:"-"`
	Quality           QualityReport `json:"quality"`
	Duration          time.Duration `json:"duration"`
}

// Err joins the batch errors accumulated under ContinueOnError.
func (r *Report) Err() error {
	return errors.Join(r.Errors...)
}

type Reconciler struct {
	store    storage.PerformanceStore
	audit    storage.AuditStore
	cfg      Config
	retryCfg retry.Config
	tracer   trace.Tracer
	now      func() time.Time
}

func NewReconciler(store storage.PerformanceStore, audit storage.AuditStore, cfg Config) *Reconciler {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.PeriodDays <= 0 {
		cfg.PeriodDays = def.PeriodDays
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &Reconciler{
		store:    store,
		audit:    audit,
		cfg:      cfg,
		retryCfg: retry.RateLimitConfig(cfg.MaxRetries, cfg.RetryBaseDelay, logger.Named("retry")),
		tracer:   tracing.Tracer("ingestion"),
		now:      time.Now,
	}
}

// Sync writes parents, then the children whose parent resolved.
//
// A returned error means the run failed. Batch failures tolerated under
// ContinueOnError are in Report.Errors instead.
func (r *Reconciler) Sync(ctx context.Context, rows []warehouse.RawPerformanceRow, opts Options) (*Report, error) {
	started := r.now()
	report := &Report{RunID: opts.RunID, RowsIn: len(rows)}
	if report.RunID == "" {
		report.RunID = uuid.NewString()
	}

	ctx, span := r.tracer.Start(ctx, "ingestion.Sync", trace.WithAttributes(
		attribute.String("run_id", report.RunID),
		attribute.Int("rows", len(rows)),
	))
	defer span.End()

	logger.Info("Starting reconciliation",
		zap.String("run_id", report.RunID),
		zap.Int("rows", len(rows)),
		zap.Int("batch_size", r.cfg.BatchSize),
	)

	report.Quality = CheckQuality(rows)
	if n := report.Quality.Total(); n > 0 {
		logger.Warn("Data quality issues found",
			zap.String("run_id", report.RunID),
			zap.Int("issues", n),
			zap.Any("counts", report.Quality.Counts),
		)
	}

	parents := DistinctParents(rows, r.cfg.PeriodDays)
	report.ParentsDistinct = len(parents)

	if opts.Resume.SkipParents {
		logger.Info("Skipping parent phase on resume", zap.String("run_id", report.RunID))
	} else if err := r.syncParents(ctx, parents, report); err != nil {
		return report, spanError(span, err)
	}
	if opts.OnParentsDone != nil {
		if err := opts.OnParentsDone(ctx, report.ParentsInserted); err != nil {
			return report, spanError(span, fmt.Errorf("failed to checkpoint parents: %w", err))
		}
	}

	kept, dupes := Dedupe(rows)
	report.Duplicates = dupes
	if dupes > 0 {
		metrics.RowsDropped.WithLabelValues("duplicate").Add(float64(dupes))
		logger.Debug("Collapsed duplicate rows", zap.Int("duplicates", dupes))
	}

	children, err := r.buildChildren(ctx, kept, report)
	if err != nil {
		return report, spanError(span, err)
	}

	if err := r.syncChildren(ctx, children, opts, report); err != nil {
		return report, spanError(span, err)
	}

	report.Duration = r.now().Sub(started)
	span.SetAttributes(
		attribute.Int("parents_inserted", report.ParentsInserted),
		attribute.Int("children_inserted", report.ChildrenInserted),
		attribute.Int("batch_errors", len(report.Errors)),
	)

	logger.Info("Reconciliation completed",
		zap.String("run_id", report.RunID),
		zap.Int("parents_inserted", report.ParentsInserted),
		zap.Int("children_inserted", report.ChildrenInserted),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("orphans", report.Orphans),
		zap.Int("batch_errors", len(report.Errors)),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (r *Reconciler) syncParents(ctx context.Context, parents []models.ParentRecord, report *Report) error {
	ctx, span := r.tracer.Start(ctx, "ingestion.parents", trace.WithAttributes(attribute.Int("parents", len(parents))))
	defer span.End()
	timer := prometheus.NewTimer(metrics.SyncPhaseDuration.WithLabelValues("parents"))
	defer timer.ObserveDuration()

	entry := r.startLog(ctx, report.RunID, models.TableParents)
	processed := 0
	var batchErrs []error

	batches := chunk(parents, r.cfg.BatchSize)
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			r.finishLog(ctx, entry, processed, err)
			return err
		}

		var inserted int
		err := r.withRetry(ctx, "upsert_parents", func() error {
			var err error
			inserted, err = r.store.UpsertParents(ctx, batch)
			return err
		})
		if err != nil {
			metrics.BatchFailures.WithLabelValues(models.TableParents).Inc()
			if isFatal(err) {
				r.finishLog(ctx, entry, processed, err)
				return err
			}
			err = &apperr.ReconciliationError{
				Table: models.TableParents,
				Op:    fmt.Sprintf("upsert batch %d/%d", i+1, len(batches)),
				Err:   err,
			}
			if !r.cfg.ContinueOnError {
				r.finishLog(ctx, entry, processed, err)
				return err
			}
			logger.Warn("Parent batch failed, continuing", zap.Int("batch", i+1), zap.Error(err))
			batchErrs = append(batchErrs, err)
			report.Errors = append(report.Errors, err)
			continue
		}

		processed += len(batch)
		report.ParentsInserted += inserted
	}

	metrics.RowsUpserted.WithLabelValues(models.TableParents).Add(float64(report.ParentsInserted))
	r.finishLog(ctx, entry, processed, errors.Join(batchErrs...))
	logger.Info("Parent records upserted",
		zap.Int("distinct", len(parents)),
		zap.Int("inserted", report.ParentsInserted),
	)
	return nil
}

// buildChildren resolves parent ids for kept rows and drops rows whose
// parent did not resolve.
func (r *Reconciler) buildChildren(ctx context.Context, rows []warehouse.RawPerformanceRow, report *Report) ([]models.ChildRecord, error) {
	ctx, span := r.tracer.Start(ctx, "ingestion.resolve")
	defer span.End()

	keys := make([]models.ParentKey, 0, len(rows))
	seen := make(map[models.ParentKey]struct{}, len(rows))
	for _, row := range rows {
		k := parentKeyOf(row)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}

	ids := make(map[models.ParentKey]int64, len(keys))
	for _, batch := range chunk(keys, r.cfg.BatchSize) {
		err := r.withRetry(ctx, "resolve_parents", func() error {
			resolved, err := r.store.ResolveParentIDs(ctx, batch)
			if err != nil {
				return err
			}
			for k, id := range resolved {
				ids[k] = id
			}
			return nil
		})
		if err != nil {
			if isFatal(err) {
				return nil, err
			}
			return nil, &apperr.ReconciliationError{Table: models.TableParents, Op: "resolve parent ids", Err: err}
		}
	}

	now := r.now()
	orphans := make(map[models.ParentKey]int)
	children := make([]models.ChildRecord, 0, len(rows))
	for _, row := range rows {
		if row.SearchQuery == "" {
			report.EmptyQueries++
			continue
		}
		k := parentKeyOf(row)
		id, ok := ids[k]
		if !ok {
			orphans[k]++
			continue
		}
		children = append(children, toChild(row, id, now))
	}

	for k, n := range orphans {
		logger.Warn("Dropping rows without a parent record",
			zap.String("asin", k.ASIN),
			zap.Time("start_date", k.StartDate),
			zap.Int("rows", n),
		)
		report.Orphans += n
	}
	if report.Orphans > 0 {
		metrics.RowsDropped.WithLabelValues("orphan").Add(float64(report.Orphans))
	}
	if report.EmptyQueries > 0 {
		metrics.RowsDropped.WithLabelValues("empty_query").Add(float64(report.EmptyQueries))
	}

	span.SetAttributes(attribute.Int("resolved", len(ids)), attribute.Int("orphans", report.Orphans))
	return children, nil
}

func (r *Reconciler) syncChildren(ctx context.Context, children []models.ChildRecord, opts Options, report *Report) error {
	ctx, span := r.tracer.Start(ctx, "ingestion.children", trace.WithAttributes(attribute.Int("children", len(children))))
	defer span.End()
	timer := prometheus.NewTimer(metrics.SyncPhaseDuration.WithLabelValues("children"))
	defer timer.ObserveDuration()

	sortChildren(children)
	skip := resumeOffset(children, opts.Resume)
	report.ChildrenResumed = skip
	if skip > 0 {
		logger.Info("Resuming child upserts",
			zap.Int64("after_parent_id", opts.Resume.After.ParentID),
			zap.String("after_search_query", opts.Resume.After.SearchQuery),
			zap.Int("skipped", skip),
			zap.Int("children", len(children)),
		)
	}

	batches := chunk(children[skip:], r.cfg.BatchSize)
	report.BatchesTotal = len(batches)

	covered := skip
	var last ChildKey
	if skip > 0 {
		last = *opts.Resume.After
	}
	gap := false

	entry := r.startLog(ctx, report.RunID, models.TableChildren)
	processed := 0
	inserted := 0
	var batchErrs []error

	for i := 0; i < len(batches); i++ {
		if err := ctx.Err(); err != nil {
			logger.Warn("Sync cancelled before batch", zap.Int("batch", i+1), zap.Int("batches", len(batches)))
			r.finishLog(ctx, entry, processed, err)
			return err
		}

		batch := batches[i]
		var n int
		err := r.withRetry(ctx, "upsert_children", func() error {
			var err error
			n, err = r.store.UpsertChildren(ctx, batch)
			return err
		})
		if err != nil {
			metrics.BatchFailures.WithLabelValues(models.TableChildren).Inc()
			if isFatal(err) {
				r.finishLog(ctx, entry, processed, err)
				return err
			}
			err = &apperr.ReconciliationError{
				Table: models.TableChildren,
				Op:    fmt.Sprintf("upsert batch %d/%d", i+1, len(batches)),
				Err:   err,
			}
			if !r.cfg.ContinueOnError {
				r.finishLog(ctx, entry, processed, err)
				return err
			}
			logger.Warn("Child batch failed, continuing", zap.Int("batch", i+1), zap.Error(err))
			batchErrs = append(batchErrs, err)
			report.Errors = append(report.Errors, err)
			gap = true
		} else {
			processed += len(batch)
			inserted += n
			if !gap {
				covered += len(batch)
				last = keyOf(batch[len(batch)-1])
			}
		}

		report.BatchesDone = i + 1
		report.ChildrenProcessed = processed
		report.ChildrenInserted = inserted

		logger.Debug("Child batch done",
			zap.Int("batch", i+1),
			zap.Int("batches", len(batches)),
			zap.Int("inserted", n),
		)

		if opts.OnBatch != nil {
			cp := Checkpoint{BatchesDone: i + 1, BatchesTotal: len(batches), RowsProcessed: processed, Covered: covered, Last: last}
			if err := opts.OnBatch(ctx, cp); err != nil {
				err = fmt.Errorf("failed to checkpoint batch %d: %w", i+1, err)
				r.finishLog(ctx, entry, processed, err)
				return err
			}
		}
	}

	metrics.RowsUpserted.WithLabelValues(models.TableChildren).Add(float64(inserted))
	r.finishLog(ctx, entry, processed, errors.Join(batchErrs...))
	return nil
}

func (r *Reconciler) withRetry(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	return retry.DoRateLimited(ctx, r.retryCfg, op, func() error {
		attempt++
		if attempt > 1 {
			metrics.RateLimitRetries.WithLabelValues(op).Inc()
		}
		return fn()
	})
}

func (r *Reconciler) startLog(ctx context.Context, runID, table string) *models.SyncLog {
	entry := &models.SyncLog{
		RunID:     runID,
		TableName: table,
		Status:    models.SyncInProgress,
		StartedAt: r.now(),
	}
	if err := r.audit.StartSyncLog(context.WithoutCancel(ctx), entry); err != nil {
		logger.Warn("Failed to write sync log", zap.String("table", table), zap.Error(err))
	}
	return entry
}

// finishLog records success when runErr is nil. Audit failures are logged,
// never returned.
func (r *Reconciler) finishLog(ctx context.Context, entry *models.SyncLog, processed int, runErr error) {
	completed := r.now()
	entry.CompletedAt = &completed
	entry.RowsProcessed = processed
	entry.Status = models.SyncSuccess
	if runErr != nil {
		entry.Status = models.SyncFailed
		entry.ErrorMessage = runErr.Error()
	}
	if err := r.audit.FinishSyncLog(context.WithoutCancel(ctx), entry); err != nil {
		logger.Warn("Failed to finish sync log", zap.String("table", entry.TableName), zap.Error(err))
	}
}

// DistinctParents returns one parent record per (entity, start date), in
// first-seen order.
func DistinctParents(rows []warehouse.RawPerformanceRow, periodDays int) []models.ParentRecord {
	seen := make(map[models.ParentKey]struct{}, len(rows))
	var out []models.ParentRecord
	for _, row := range rows {
		asin := row.EntityID()
		if asin == "" {
			continue
		}
		start, end := row.Period(periodDays)
		k := models.ParentKey{ASIN: asin, StartDate: start}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, models.ParentRecord{ASIN: asin, StartDate: start, EndDate: end})
	}
	return out
}

type dedupeKey struct {
	date  time.Time
	asin  string
	query string
}

// Dedupe collapses rows sharing (date, entity, search query) into the one
// with the highest score. Ties keep the first row. Output keeps the position
// of each key's first occurrence.
func Dedupe(rows []warehouse.RawPerformanceRow) ([]warehouse.RawPerformanceRow, int) {
	index := make(map[dedupeKey]int, len(rows))
	out := make([]warehouse.RawPerformanceRow, 0, len(rows))
	for _, row := range rows {
		k := dedupeKey{date: models.DateOf(row.Date), asin: row.EntityID(), query: row.SearchQuery}
		if i, ok := index[k]; ok {
			if row.SearchQueryScore > out[i].SearchQueryScore {
				out[i] = row
			}
			continue
		}
		index[k] = len(out)
		out = append(out, row)
	}
	return out, len(rows) - len(out)
}

func parentKeyOf(row warehouse.RawPerformanceRow) models.ParentKey {
	return models.ParentKey{ASIN: row.EntityID(), StartDate: models.DateOf(row.Date)}
}

func toChild(row warehouse.RawPerformanceRow, parentID int64, now time.Time) models.ChildRecord {
	return models.ChildRecord{
		ParentID:          parentID,
		SearchQuery:       row.SearchQuery,
		SearchQueryScore:  row.SearchQueryScore,
		SearchQueryVolume: row.SearchQueryVolume,
		Impressions:       row.Impressions,
		Clicks:            row.Clicks,
		CartAdds:          row.CartAdds,
		Purchases:         row.Purchases,
		TotalImpressions:  row.TotalImpressions,
		TotalClicks:       row.TotalClicks,
		TotalCartAdds:     row.TotalCartAdds,
		TotalPurchases:    row.TotalPurchases,
		ImpressionShare:   row.ImpressionShare,
		ClickShare:        row.ClickShare,
		CartAddShare:      row.CartAddShare,
		PurchaseShare:     row.PurchaseShare,
		CTR:               utils.RatioInt(row.Clicks, row.Impressions),
		CVR:               utils.RatioInt(row.Purchases, row.Clicks),
		CartAddRate:       utils.RatioInt(row.CartAdds, row.Clicks),
		PurchaseRate:      utils.RatioInt(row.Purchases, row.CartAdds),
		CreatedAt:         now,
	}
}

func keyOf(c models.ChildRecord) ChildKey {
	return ChildKey{ParentID: c.ParentID, SearchQuery: c.SearchQuery}
}

// sortChildren fixes the write order so batch boundaries do not depend on the
// order the warehouse returned rows in.
func sortChildren(children []models.ChildRecord) {
	sort.SliceStable(children, func(i, j int) bool {
		return keyOf(children[i]).less(keyOf(children[j]))
	})
}

// resumeOffset returns how many sorted children a previous run already wrote,
// or 0 when its checkpoint no longer matches the rows.
func resumeOffset(children []models.ChildRecord, resume Resume) int {
	if resume.After == nil || resume.Covered <= 0 {
		return 0
	}
	after := *resume.After
	n := sort.Search(len(children), func(i int) bool {
		return after.less(keyOf(children[i]))
	})
	if n != resume.Covered {
		logger.Warn("Resume checkpoint does not match extracted rows, writing all children",
			zap.Int("checkpoint_covered", resume.Covered),
			zap.Int("rows_up_to_checkpoint", n),
		)
		return 0
	}
	return n
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

// isFatal errors end the run regardless of ContinueOnError.
func isFatal(err error) bool {
	var rle *apperr.RateLimitError
	return errors.As(err, &rle) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
