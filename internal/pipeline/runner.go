// Package pipeline runs one locked extract-and-reconcile cycle with
// checkpoints, resuming a failed run where it stopped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sqp-sync/backend/internal/extract"
	"github.com/sqp-sync/backend/internal/ingestion"
	"github.com/sqp-sync/backend/internal/metrics"
	"github.com/sqp-sync/backend/internal/state"
	"github.com/sqp-sync/backend/internal/storage/models"
	"github.com/sqp-sync/backend/internal/warehouse"
	"github.com/sqp-sync/backend/pkg/logger"
	"github.com/sqp-sync/backend/pkg/retry"
)

// Checkpointed steps, in run order.
const (
	StepExtract  = "extract"
	StepParents  = "parents"
	StepChildren = "children"
)

type Extractor interface {
	Extract(ctx context.Context, req extract.Request) (*extract.Result, error)
}

type Syncer interface {
	Sync(ctx context.Context, rows []warehouse.RawPerformanceRow, opts ingestion.Options) (*ingestion.Report, error)
}

// Invalidator drops cached reports after new data lands.
type Invalidator interface {
	InvalidateReports(ctx context.Context) error
}

type Request struct {
	Table    string
	Start    time.Time
	End      time.Time
	ASINs    []string
	Keywords []string
	// Trigger records who started the run: "schedule", "api" or "cli".
	Trigger string
}

// windowKey identifies the data a run covers, so a retry only resumes the
// same request.
func (r Request) windowKey() string {
	return fmt.Sprintf("%s|%s|%s|%v|%v", r.Table, r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"), r.ASINs, r.Keywords)
}

type Result struct {
	RunID     string                `json:"run_id"`
	Status    models.PipelineStatus `json:"status"`
	Resumed   bool                  `json:"resumed"`
	Extracted int                   `json:"extracted"`
	Report    *ingestion.Report     `json:"report,omitempty"`
	Duration  time.Duration         `json:"duration"`
}

type Runner struct {
	extractors   map[string]Extractor
	defaultTable string
	syncer       Syncer
	state        *state.Manager
	cache        Invalidator
	retryCfg     retry.Config
}

type Option func(*Runner)

// WithTable registers the extractor for another warehouse table.
func WithTable(table string, e Extractor) Option {
	return func(r *Runner) { r.extractors[table] = e }
}

func WithInvalidator(c Invalidator) Option {
	return func(r *Runner) { r.cache = c }
}

// WithExtractRetry sets the backoff for rate-limited warehouse queries.
func WithExtractRetry(maxRetries int, base time.Duration) Option {
	return func(r *Runner) {
		r.retryCfg = retry.RateLimitConfig(maxRetries, base, logger.Named("retry"))
	}
}

func NewRunner(table string, extractor Extractor, syncer Syncer, manager *state.Manager, opts ...Option) *Runner {
	r := &Runner{
		extractors:   map[string]Extractor{table: extractor},
		defaultTable: table,
		syncer:       syncer,
		state:        manager,
		retryCfg:     retry.RateLimitConfig(5, time.Second, logger.Named("retry")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) State() *state.Manager { return r.state }

// Run locks the pipeline and executes one run. Lock contention is returned
// as *apperr.LockContentionError without touching the state.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Table == "" {
		req.Table = r.defaultTable
	}
	extractor, ok := r.extractors[req.Table]
	if !ok {
		return nil, fmt.Errorf("no extractor for table %q", req.Table)
	}
	if req.Trigger == "" {
		req.Trigger = "api"
	}

	// The recovery point is only visible while the status is still failed.
	rp, err := r.state.RecoveryPoint(ctx)
	if err != nil {
		return nil, err
	}

	locked, err := r.state.Lock(ctx)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, r.state.LockContention(ctx)
	}

	started := time.Now()
	res := &Result{RunID: uuid.NewString()}
	resume := resumeFrom(rp, req)
	res.Resumed = resume.SkipParents || resume.After != nil

	if !res.Resumed {
		if err := r.state.ResetSteps(ctx); err != nil {
			return nil, r.abort(ctx, res, err)
		}
	}
	if err := r.state.Start(ctx, map[string]interface{}{
		"run_id":  res.RunID,
		"trigger": req.Trigger,
		"table":   req.Table,
		"resumed": res.Resumed,
	}); err != nil {
		return nil, r.abort(ctx, res, err)
	}

	logger.Info("Pipeline run started",
		zap.String("pipeline", r.state.PipelineID()),
		zap.String("run_id", res.RunID),
		zap.String("table", req.Table),
		zap.Time("start", req.Start),
		zap.Time("end", req.End),
		zap.Bool("resumed", res.Resumed),
		zap.Int("children_covered", resume.Covered),
	)

	runErr := r.execute(ctx, extractor, req, resume, res)
	res.Duration = time.Since(started)
	if runErr != nil {
		return res, r.finishFailed(ctx, res, runErr)
	}

	meta := map[string]interface{}{"run_id": res.RunID}
	if res.Report != nil {
		meta["children_inserted"] = res.Report.ChildrenInserted
		meta["batch_errors"] = len(res.Report.Errors)
	}
	if err := r.state.Complete(ctx, meta); err != nil {
		return res, err
	}
	if err := r.state.Unlock(ctx); err != nil {
		return res, err
	}
	res.Status = models.StatusCompleted
	metrics.SyncRunsTotal.WithLabelValues(string(models.StatusCompleted)).Inc()

	if r.cache != nil {
		if err := r.cache.InvalidateReports(ctx); err != nil {
			logger.Warn("Failed to invalidate report cache", zap.Error(err))
		}
	}

	logger.Info("Pipeline run completed",
		zap.String("run_id", res.RunID),
		zap.Int("extracted", res.Extracted),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (r *Runner) execute(ctx context.Context, extractor Extractor, req Request, resume ingestion.Resume, res *Result) error {
	if err := r.state.StartStep(ctx, StepExtract); err != nil {
		return err
	}
	timer := prometheus.NewTimer(metrics.SyncPhaseDuration.WithLabelValues(StepExtract))
	var extracted *extract.Result
	attempt := 0
	err := retry.DoRateLimited(ctx, r.retryCfg, StepExtract, func() error {
		attempt++
		if attempt > 1 {
			metrics.RateLimitRetries.WithLabelValues(StepExtract).Inc()
		}
		var err error
		extracted, err = extractor.Extract(ctx, extract.Request{
			Start:    req.Start,
			End:      req.End,
			ASINs:    req.ASINs,
			Keywords: req.Keywords,
		})
		return err
	})
	timer.ObserveDuration()
	if err != nil {
		return err
	}
	res.Extracted = extracted.RecordCount
	metrics.RowsExtracted.Add(float64(extracted.RecordCount))

	extractData := map[string]interface{}{
		"window": req.windowKey(),
		"rows":   extracted.RecordCount,
	}
	if !extracted.LastDataTimestamp.IsZero() {
		extractData["last_data"] = extracted.LastDataTimestamp.Format(time.RFC3339)
	}
	if err := r.state.CompleteStep(ctx, StepExtract, extractData); err != nil {
		return err
	}
	if err := r.state.StartStep(ctx, StepParents); err != nil {
		return err
	}

	report, err := r.syncer.Sync(ctx, extracted.Rows, ingestion.Options{
		RunID:  res.RunID,
		Resume: resume,
		OnParentsDone: func(ctx context.Context, inserted int) error {
			if err := r.state.CompleteStep(ctx, StepParents, map[string]interface{}{"inserted": inserted}); err != nil {
				return err
			}
			return r.state.StartStep(ctx, StepChildren)
		},
		OnBatch: func(ctx context.Context, cp ingestion.Checkpoint) error {
			if err := r.state.SaveStepData(ctx, StepChildren, map[string]interface{}{
				"batches_done":      cp.BatchesDone,
				"batches_total":     cp.BatchesTotal,
				"rows_processed":    cp.RowsProcessed,
				"rows_covered":      cp.Covered,
				"last_parent_id":    cp.Last.ParentID,
				"last_search_query": cp.Last.SearchQuery,
			}); err != nil {
				return err
			}
			return r.state.Heartbeat(ctx)
		},
	})
	res.Report = report
	if err != nil {
		return err
	}
	if err := report.Err(); err != nil {
		logger.Warn("Run finished with batch errors", zap.String("run_id", res.RunID), zap.Error(err))
	}

	return r.state.CompleteStep(ctx, StepChildren, map[string]interface{}{
		"batches_done":      report.BatchesDone,
		"batches_total":     report.BatchesTotal,
		"children_inserted": report.ChildrenInserted,
	})
}

// finishFailed records a failed or cancelled run and returns runErr.
func (r *Runner) finishFailed(ctx context.Context, res *Result, runErr error) error {
	// The run context may already be cancelled; state writes must still land.
	bg := context.WithoutCancel(ctx)

	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		res.Status = models.StatusCancelled
		metrics.SyncRunsTotal.WithLabelValues(string(models.StatusCancelled)).Inc()
		logger.Warn("Pipeline run cancelled", zap.String("run_id", res.RunID), zap.Error(runErr))
		if err := r.state.Cancel(bg, map[string]interface{}{"run_id": res.RunID}); err != nil {
			logger.Error("Failed to record cancellation", zap.Error(err))
		}
		if err := r.state.Unlock(bg); err != nil {
			logger.Error("Failed to unlock pipeline", zap.Error(err))
		}
		return runErr
	}

	res.Status = models.StatusFailed
	metrics.SyncRunsTotal.WithLabelValues(string(models.StatusFailed)).Inc()
	logger.Error("Pipeline run failed", zap.String("run_id", res.RunID), zap.Error(runErr))
	if err := r.state.Fail(bg, runErr, map[string]interface{}{"run_id": res.RunID}); err != nil {
		logger.Error("Failed to record failure", zap.Error(err))
	}
	if err := r.state.ReleaseLock(bg); err != nil {
		logger.Error("Failed to release pipeline lock", zap.Error(err))
	}
	return runErr
}

// abort undoes a lock taken before the run could start.
func (r *Runner) abort(ctx context.Context, res *Result, cause error) error {
	if err := r.state.Unlock(context.WithoutCancel(ctx)); err != nil {
		logger.Error("Failed to unlock pipeline", zap.String("run_id", res.RunID), zap.Error(err))
	}
	return cause
}

func resumeFrom(rp *state.RecoveryPoint, req Request) ingestion.Resume {
	var resume ingestion.Resume
	if rp == nil || rp.String(StepExtract, "window") != req.windowKey() {
		return resume
	}
	resume.SkipParents = rp.Completed(StepParents)
	if !resume.SkipParents || rp.FailedStep != StepChildren {
		return resume
	}
	if covered := rp.Int(StepChildren, "rows_covered"); covered > 0 {
		resume.After = &ingestion.ChildKey{
			ParentID:    int64(rp.Int(StepChildren, "last_parent_id")),
			SearchQuery: rp.String(StepChildren, "last_search_query"),
		}
		resume.Covered = covered
	}
	return resume
}
