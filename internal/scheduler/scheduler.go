// Package scheduler triggers pipeline runs for the warehouse tables listed in
// the sync_schedule table.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sqp-sync/backend/internal/pipeline"
	"github.com/sqp-sync/backend/internal/storage"
	"github.com/sqp-sync/backend/internal/storage/models"
	"github.com/sqp-sync/backend/pkg/apperr"
	"github.com/sqp-sync/backend/pkg/logger"
)

type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Cleaner prunes pipeline history; the state manager implements it.
type Cleaner interface {
	CleanupHistory(ctx context.Context, retention time.Duration) (int64, error)
}

type Config struct {
	Interval time.Duration
	// DefaultLookbackDays applies to schedules without their own lookback.
	DefaultLookbackDays int
	HistoryRetention    time.Duration
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

type Result struct {
	Table   string  `json:"table"`
	Outcome Outcome `json:"outcome"`
	RunID   string  `json:"run_id,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

type Scheduler struct {
	schedules storage.ScheduleStore
	runner    Runner
	cleaner   Cleaner
	cfg       Config
	clock     func() time.Time
}

func New(schedules storage.ScheduleStore, runner Runner, cleaner Cleaner, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.DefaultLookbackDays <= 0 {
		cfg.DefaultLookbackDays = 14
	}
	return &Scheduler{
		schedules: schedules,
		runner:    runner,
		cleaner:   cleaner,
		cfg:       cfg,
		clock:     time.Now,
	}
}

// Start ticks until ctx is done. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	logger.Info("Scheduler started", zap.Duration("interval", s.cfg.Interval))

	if _, err := s.Tick(ctx); err != nil {
		logger.Error("Scheduler tick failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				logger.Error("Scheduler tick failed", zap.Error(err))
			}
		}
	}
}

// Tick runs every due schedule once, dependencies first. A table whose
// dependency did not complete in this tick is skipped.
func (s *Scheduler) Tick(ctx context.Context) ([]Result, error) {
	all, err := s.schedules.ListSchedules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}

	now := s.clock()
	var due []models.SyncSchedule
	for _, sched := range all {
		if sched.Due(now) {
			due = append(due, sched)
		}
	}

	ordered, cyclic := Order(due)
	results := make([]Result, 0, len(due))
	blocked := make(map[string]bool)

	for _, sched := range cyclic {
		logger.Warn("Schedule dependency cycle", zap.String("table", sched.TableName), zap.Strings("dependencies", sched.Dependencies))
		blocked[sched.TableName] = true
		results = append(results, Result{Table: sched.TableName, Outcome: OutcomeSkipped, Reason: "dependency cycle"})
	}

	for _, sched := range ordered {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if dep := firstBlocked(sched, blocked); dep != "" {
			blocked[sched.TableName] = true
			logger.Warn("Skipping schedule, dependency did not complete",
				zap.String("table", sched.TableName),
				zap.String("dependency", dep),
			)
			results = append(results, Result{Table: sched.TableName, Outcome: OutcomeSkipped, Reason: "dependency " + dep + " did not complete"})
			continue
		}

		result := s.runOne(ctx, sched, now)
		if result.Outcome != OutcomeCompleted {
			blocked[sched.TableName] = true
		}
		results = append(results, result)
	}

	if s.cleaner != nil && s.cfg.HistoryRetention > 0 {
		if _, err := s.cleaner.CleanupHistory(ctx, s.cfg.HistoryRetention); err != nil {
			logger.Warn("Failed to prune pipeline history", zap.Error(err))
		}
	}
	return results, nil
}

func (s *Scheduler) runOne(ctx context.Context, sched models.SyncSchedule, now time.Time) Result {
	start, end := Window(now, s.lookback(sched))
	res, err := s.runner.Run(ctx, pipeline.Request{
		Table:   sched.TableName,
		Start:   start,
		End:     end,
		Trigger: "schedule",
	})

	var contention *apperr.LockContentionError
	switch {
	case errors.As(err, &contention):
		logger.Info("Skipping schedule, pipeline busy", zap.String("table", sched.TableName), zap.String("holder", contention.Holder))
		return Result{Table: sched.TableName, Outcome: OutcomeSkipped, Reason: "pipeline locked"}
	case err != nil:
		out := Result{Table: sched.TableName, Outcome: OutcomeFailed, Reason: err.Error()}
		if res != nil {
			out.RunID = res.RunID
		}
		return out
	}

	if err := s.schedules.MarkScheduleRun(ctx, sched.TableName, now); err != nil {
		logger.Warn("Failed to mark schedule run", zap.String("table", sched.TableName), zap.Error(err))
	}
	return Result{Table: sched.TableName, Outcome: OutcomeCompleted, RunID: res.RunID}
}

func (s *Scheduler) lookback(sched models.SyncSchedule) int {
	if sched.LookbackDays > 0 {
		return sched.LookbackDays
	}
	return s.cfg.DefaultLookbackDays
}

// Window is the trailing lookback ending on now's calendar date.
func Window(now time.Time, lookbackDays int) (time.Time, time.Time) {
	end := models.DateOf(now)
	return end.AddDate(0, 0, -lookbackDays), end
}

// Order sorts schedules so every dependency runs before its dependents,
// breaking ties by ascending priority then table name. Dependencies outside
// the given set are ignored. Schedules in a cycle are returned separately.
func Order(schedules []models.SyncSchedule) (ordered, cyclic []models.SyncSchedule) {
	byName := make(map[string]models.SyncSchedule, len(schedules))
	for _, sched := range schedules {
		byName[sched.TableName] = sched
	}

	indegree := make(map[string]int, len(schedules))
	dependents := make(map[string][]string)
	for _, sched := range schedules {
		if _, ok := indegree[sched.TableName]; !ok {
			indegree[sched.TableName] = 0
		}
		for _, dep := range sched.Dependencies {
			if _, ok := byName[dep]; !ok || dep == sched.TableName {
				continue
			}
			indegree[sched.TableName]++
			dependents[dep] = append(dependents[dep], sched.TableName)
		}
	}

	less := func(a, b models.SyncSchedule) bool {
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.TableName < b.TableName
	}

	var ready []models.SyncSchedule
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, byName[name])
		}
	}

	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, next)
		for _, d := range dependents[next.TableName] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, byName[d])
			}
		}
	}

	if len(ordered) < len(byName) {
		for name, n := range indegree {
			if n > 0 {
				cyclic = append(cyclic, byName[name])
			}
		}
		sort.Slice(cyclic, func(i, j int) bool { return less(cyclic[i], cyclic[j]) })
	}
	return ordered, cyclic
}

func firstBlocked(sched models.SyncSchedule, blocked map[string]bool) string {
	for _, dep := range sched.Dependencies {
		if blocked[dep] {
			return dep
		}
	}
	return ""
}
