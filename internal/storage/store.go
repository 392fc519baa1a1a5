// Package storage declares the relational store contract shared by the
// Postgres, SQLite, Supabase and in-memory implementations.
package storage

import (
	"context"
	"time"

	"github.com/sqp-sync/backend/internal/storage/models"
	"github.com/sqp-sync/backend/pkg/apperr"
)

// PerformanceStore is the write side used by the reconciler. Upserts ignore
// rows that collide on the table's unique key and return the number of rows
// actually inserted.
type PerformanceStore interface {
	UpsertParents(ctx context.Context, parents []models.ParentRecord) (int, error)
	ResolveParentIDs(ctx context.Context, keys []models.ParentKey) (map[models.ParentKey]int64, error)
	UpsertChildren(ctx context.Context, children []models.ChildRecord) (int, error)
}

// MetricsReader is the read side used by the query engine.
type MetricsReader interface {
	ListKeywordMetrics(ctx context.Context, filter models.KeywordFilter) ([]models.KeywordMetric, error)
}

type AuditStore interface {
	StartSyncLog(ctx context.Context, entry *models.SyncLog) error
	FinishSyncLog(ctx context.Context, entry *models.SyncLog) error
	ListSyncLogs(ctx context.Context, limit int) ([]models.SyncLog, error)
}

type ScheduleStore interface {
	ListSchedules(ctx context.Context) ([]models.SyncSchedule, error)
	UpsertSchedule(ctx context.Context, schedule models.SyncSchedule) error
	MarkScheduleRun(ctx context.Context, tableName string, at time.Time) error
}

// StateStore persists pipeline state and its transition history.
type StateStore interface {
	// LoadState returns the state row, creating an idle one on first access.
	LoadState(ctx context.Context, pipelineID string) (*models.PipelineState, error)
	SaveState(ctx context.Context, state *models.PipelineState) error
	// TryLock atomically sets status=locked with the given lock id unless the
	// pipeline holds a lock younger than ttl while locked or running. It
	// returns the state after the attempt and whether the lock was taken.
	TryLock(ctx context.Context, pipelineID, lockID, holder string, now time.Time, ttl time.Duration) (*models.PipelineState, bool, error)
	AppendTransition(ctx context.Context, transition *models.StateTransition) error
	ListTransitions(ctx context.Context, pipelineID string, limit int) ([]models.StateTransition, error)
	DeleteTransitionsBefore(ctx context.Context, pipelineID string, cutoff time.Time) (int64, error)
}

type Store interface {
	PerformanceStore
	MetricsReader
	AuditStore
	ScheduleStore
	StateStore

	InitSchema(ctx context.Context) error
	Close() error
}

// LockStatuses are the states in which a fresh lock blocks acquisition.
var LockStatuses = []models.PipelineStatus{models.StatusLocked, models.StatusRunning}

// LockHeld reports whether state carries a lock younger than ttl.
func LockHeld(state *models.PipelineState, now time.Time, ttl time.Duration) bool {
	if state == nil {
		return false
	}
	if state.Status != models.StatusLocked && state.Status != models.StatusRunning {
		return false
	}
	if state.Metadata.LockedAt == nil {
		return false
	}
	return now.Sub(*state.Metadata.LockedAt) < ttl
}

// NewState is the row created on first access.
func NewState(pipelineID string, now time.Time) *models.PipelineState {
	return &models.PipelineState{
		PipelineID: pipelineID,
		Status:     models.StatusIdle,
		StepData:   map[string]interface{}{},
		UpdatedAt:  now,
	}
}

// SplitKeys returns the distinct ASINs and start dates in keys, for building
// an IN filter whose results are then narrowed with KeySet.
func SplitKeys(keys []models.ParentKey) ([]string, []time.Time) {
	seenASIN := make(map[string]struct{})
	seenDate := make(map[time.Time]struct{})
	var asins []string
	var dates []time.Time
	for _, k := range keys {
		if _, ok := seenASIN[k.ASIN]; !ok {
			seenASIN[k.ASIN] = struct{}{}
			asins = append(asins, k.ASIN)
		}
		d := models.DateOf(k.StartDate)
		if _, ok := seenDate[d]; !ok {
			seenDate[d] = struct{}{}
			dates = append(dates, d)
		}
	}
	return asins, dates
}

// KeySet normalizes keys to calendar dates.
func KeySet(keys []models.ParentKey) map[models.ParentKey]struct{} {
	out := make(map[models.ParentKey]struct{}, len(keys))
	for _, k := range keys {
		out[models.ParentKey{ASIN: k.ASIN, StartDate: models.DateOf(k.StartDate)}] = struct{}{}
	}
	return out
}

// Throttled tags err as apperr.ErrRateLimited when throttled reports true or
// its text reads like a quota or connection-limit response, so the
// reconciler backs off instead of failing the batch.
func Throttled(err error, throttled func(error) bool) error {
	if err == nil || apperr.IsRateLimited(err) {
		return err
	}
	if (throttled != nil && throttled(err)) || apperr.LooksRateLimited(err) {
		return apperr.RateLimited(err)
	}
	return err
}
