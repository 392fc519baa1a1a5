// Package state guards pipeline runs with a TTL lock, a status state machine,
// step checkpoints and an append-only transition history.
package state

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sqp-sync/backend/internal/metrics"
	"github.com/sqp-sync/backend/internal/storage"
	"github.com/sqp-sync/backend/internal/storage/models"
	"github.com/sqp-sync/backend/pkg/apperr"
	"github.com/sqp-sync/backend/pkg/logger"
)

const (
	DefaultLockTTL = 5 * time.Minute
	maxRecentRuns  = 20
)

var transitions = map[models.PipelineStatus][]models.PipelineStatus{
	models.StatusIdle:      {models.StatusLocked, models.StatusRunning},
	models.StatusLocked:    {models.StatusRunning, models.StatusIdle},
	models.StatusRunning:   {models.StatusCompleted, models.StatusFailed, models.StatusCancelled},
	models.StatusCompleted: {models.StatusIdle, models.StatusRunning},
	models.StatusFailed:    {models.StatusIdle, models.StatusRunning},
	models.StatusCancelled: {models.StatusIdle},
}

// AllStatuses lists every pipeline status, for gauges and validation.
var AllStatuses = []string{
	string(models.StatusIdle),
	string(models.StatusLocked),
	string(models.StatusRunning),
	string(models.StatusCompleted),
	string(models.StatusFailed),
	string(models.StatusCancelled),
}

func CanTransition(from, to models.PipelineStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Event is published on every status change.
type Event struct {
	PipelineID string                `json:"pipelineId"`
	From       models.PipelineStatus `json:"from"`
	To         models.PipelineStatus `json:"to"`
	Step       string                `json:"step,omitempty"`
	At         time.Time             `json:"at"`
}

type Manager struct {
	store      storage.StateStore
	pipelineID string
	holder     string
	ttl        time.Duration
	clock      func() time.Time

	// mu serializes read-modify-write cycles from this process.
	mu     sync.Mutex
	lockID string

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

type Option func(*Manager)

func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithHolder names the lock owner; defaults to hostname:pid.
func WithHolder(holder string) Option {
	return func(m *Manager) { m.holder = holder }
}

func NewManager(store storage.StateStore, pipelineID string, opts ...Option) *Manager {
	host, _ := os.Hostname()
	m := &Manager{
		store:      store,
		pipelineID: pipelineID,
		holder:     fmt.Sprintf("%s:%d", host, os.Getpid()),
		ttl:        DefaultLockTTL,
		clock:      time.Now,
		subs:       make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) PipelineID() string { return m.pipelineID }

func (m *Manager) State(ctx context.Context) (*models.PipelineState, error) {
	state, err := m.store.LoadState(ctx, m.pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline state: %w", err)
	}
	return state, nil
}

// Lock takes the pipeline lock. It returns false without error when another
// holder owns a lock younger than the TTL. A stale lock is taken over.
func (m *Manager) Lock(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	before, err := m.State(ctx)
	if err != nil {
		return false, err
	}

	lockID := uuid.NewString()
	after, ok, err := m.store.TryLock(ctx, m.pipelineID, lockID, m.holder, now, m.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		metrics.LockContention.WithLabelValues(m.pipelineID).Inc()
		fields := []zap.Field{zap.String("pipeline", m.pipelineID), zap.String("status", string(after.Status))}
		if after.Metadata.LockedAt != nil {
			fields = append(fields, zap.String("holder", after.Metadata.LockHolder), zap.Time("locked_at", *after.Metadata.LockedAt))
		}
		logger.Warn("Pipeline lock held elsewhere", fields...)
		return false, nil
	}

	m.lockID = lockID
	stale := before.Metadata.LockedAt != nil &&
		(before.Status == models.StatusLocked || before.Status == models.StatusRunning) &&
		!storage.LockHeld(before, now, m.ttl)
	if stale {
		logger.Warn("Took over stale pipeline lock",
			zap.String("pipeline", m.pipelineID),
			zap.String("previous_holder", before.Metadata.LockHolder),
		)
	}
	if err := m.record(ctx, before.Status, models.StatusLocked, now, map[string]interface{}{
		"lock_id": lockID,
		"holder":  m.holder,
		"stale":   stale,
	}); err != nil {
		return true, err
	}
	m.publish(before.Status, after)

	logger.Info("Pipeline lock acquired", zap.String("pipeline", m.pipelineID), zap.String("lock_id", lockID))
	return true, nil
}

// Heartbeat refreshes the lock timestamp so a long run is not seen as stale.
// It fails when this manager no longer owns the lock.
func (m *Manager) Heartbeat(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.State(ctx)
	if err != nil {
		return err
	}
	if m.lockID == "" || state.Metadata.LockID != m.lockID {
		return &apperr.LockContentionError{PipelineID: m.pipelineID, Holder: state.Metadata.LockHolder}
	}
	now := m.clock()
	state.Metadata.LockedAt = &now
	state.UpdatedAt = now
	return m.save(ctx, state)
}

// LockContention describes the current holder, for callers that treat a
// failed Lock as an error.
func (m *Manager) LockContention(ctx context.Context) error {
	state, err := m.State(ctx)
	if err != nil {
		return err
	}
	e := &apperr.LockContentionError{PipelineID: m.pipelineID, Holder: state.Metadata.LockHolder}
	if state.Metadata.LockedAt != nil {
		e.LockedAt = *state.Metadata.LockedAt
	}
	return e
}

// Unlock clears the lock and returns the pipeline to idle.
func (m *Manager) Unlock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.State(ctx)
	if err != nil {
		return err
	}
	from := state.Status
	now := m.clock()

	clearLock(state)
	state.Status = models.StatusIdle
	state.UpdatedAt = now
	if err := m.save(ctx, state); err != nil {
		return err
	}
	m.lockID = ""

	if from != models.StatusIdle {
		if err := m.record(ctx, from, models.StatusIdle, now, map[string]interface{}{"reason": "unlock"}); err != nil {
			return err
		}
		m.publish(from, state)
	}
	return nil
}

// ReleaseLock clears lock metadata and keeps the status, so a failed run's
// recovery point survives for the next attempt.
func (m *Manager) ReleaseLock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.State(ctx)
	if err != nil {
		return err
	}
	clearLock(state)
	state.UpdatedAt = m.clock()
	if err := m.save(ctx, state); err != nil {
		return err
	}
	m.lockID = ""
	return nil
}

// Transition moves the pipeline to status to, rejecting changes the state
// machine does not allow.
func (m *Manager) Transition(ctx context.Context, to models.PipelineStatus, meta map[string]interface{}) error {
	return m.transition(ctx, to, meta, nil)
}

// Start marks the pipeline running.
func (m *Manager) Start(ctx context.Context, meta map[string]interface{}) error {
	return m.transition(ctx, models.StatusRunning, meta, func(s *models.PipelineState, now time.Time) {
		s.LastRunTime = &now
	})
}

// Complete marks the run successful and resets the consecutive error count.
func (m *Manager) Complete(ctx context.Context, meta map[string]interface{}) error {
	return m.transition(ctx, models.StatusCompleted, meta, func(s *models.PipelineState, now time.Time) {
		s.LastSuccessTime = &now
		s.Metadata.ErrorCount = 0
		s.Metadata.SuccessCount++
		s.Metadata.LastError = ""
		s.Metadata.RecentRuns = appendRun(s.Metadata.RecentRuns, models.RunOutcome{At: now, Success: true})
	})
}

// Fail marks the run failed. currentStep is kept for the recovery point.
func (m *Manager) Fail(ctx context.Context, cause error, meta map[string]interface{}) error {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	if cause != nil {
		meta["error"] = cause.Error()
	}
	return m.transition(ctx, models.StatusFailed, meta, func(s *models.PipelineState, now time.Time) {
		s.Metadata.ErrorCount++
		if cause != nil {
			s.Metadata.LastError = cause.Error()
		}
		s.Metadata.RecentRuns = appendRun(s.Metadata.RecentRuns, models.RunOutcome{At: now, Success: false})
	})
}

func (m *Manager) Cancel(ctx context.Context, meta map[string]interface{}) error {
	return m.transition(ctx, models.StatusCancelled, meta, nil)
}

func (m *Manager) transition(ctx context.Context, to models.PipelineStatus, meta map[string]interface{}, mutate func(*models.PipelineState, time.Time)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.State(ctx)
	if err != nil {
		return err
	}
	from := state.Status
	if !CanTransition(from, to) {
		return &apperr.InvalidTransitionError{PipelineID: m.pipelineID, From: string(from), To: string(to)}
	}

	now := m.clock()
	state.Status = to
	state.UpdatedAt = now
	if mutate != nil {
		mutate(state, now)
	}
	if err := m.save(ctx, state); err != nil {
		return err
	}
	if err := m.record(ctx, from, to, now, meta); err != nil {
		return err
	}
	m.publish(from, state)

	logger.Info("Pipeline status changed",
		zap.String("pipeline", m.pipelineID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

func (m *Manager) save(ctx context.Context, state *models.PipelineState) error {
	if err := m.store.SaveState(ctx, state); err != nil {
		return fmt.Errorf("failed to save pipeline state: %w", err)
	}
	metrics.SetPipelineStatus(m.pipelineID, string(state.Status), AllStatuses)
	return nil
}

func (m *Manager) record(ctx context.Context, from, to models.PipelineStatus, at time.Time, meta map[string]interface{}) error {
	t := &models.StateTransition{
		PipelineID: m.pipelineID,
		FromStatus: from,
		ToStatus:   to,
		Timestamp:  at,
		Metadata:   meta,
	}
	if err := m.store.AppendTransition(ctx, t); err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// History returns the newest transitions first.
func (m *Manager) History(ctx context.Context, limit int) ([]models.StateTransition, error) {
	return m.store.ListTransitions(ctx, m.pipelineID, limit)
}

// CleanupHistory prunes transitions older than retention.
func (m *Manager) CleanupHistory(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := m.clock().Add(-retention)
	n, err := m.store.DeleteTransitionsBefore(ctx, m.pipelineID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune transitions: %w", err)
	}
	if n > 0 {
		logger.Info("Pruned pipeline history", zap.String("pipeline", m.pipelineID), zap.Int64("deleted", n), zap.Time("before", cutoff))
	}
	return n, nil
}

func clearLock(state *models.PipelineState) {
	state.Metadata.LockID = ""
	state.Metadata.LockHolder = ""
	state.Metadata.LockedAt = nil
}

func appendRun(runs []models.RunOutcome, run models.RunOutcome) []models.RunOutcome {
	runs = append(runs, run)
	if len(runs) > maxRecentRuns {
		runs = runs[len(runs)-maxRecentRuns:]
	}
	return runs
}
