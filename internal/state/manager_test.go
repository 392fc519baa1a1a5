package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqp-sync/backend/internal/storage/memory"
	"github.com/sqp-sync/backend/internal/storage/models"
	"github.com/sqp-sync/backend/pkg/apperr"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newManager(store *memory.Store, clock *fakeClock, holder string) *Manager {
	return NewManager(store, "sqp", WithClock(clock.Now), WithHolder(holder), WithTTL(5*time.Minute))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.PipelineStatus
		want     bool
	}{
		{models.StatusIdle, models.StatusLocked, true},
		{models.StatusIdle, models.StatusRunning, true},
		{models.StatusIdle, models.StatusCompleted, false},
		{models.StatusLocked, models.StatusRunning, true},
		{models.StatusLocked, models.StatusIdle, true},
		{models.StatusLocked, models.StatusFailed, false},
		{models.StatusRunning, models.StatusCompleted, true},
		{models.StatusRunning, models.StatusFailed, true},
		{models.StatusRunning, models.StatusCancelled, true},
		{models.StatusRunning, models.StatusIdle, false},
		{models.StatusCompleted, models.StatusIdle, true},
		{models.StatusCompleted, models.StatusRunning, true},
		{models.StatusFailed, models.StatusRunning, true},
		{models.StatusFailed, models.StatusCancelled, false},
		{models.StatusCancelled, models.StatusIdle, true},
		{models.StatusCancelled, models.StatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestLock_TTL(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := &fakeClock{now: t0}
	first := newManager(store, clock, "worker-1")
	second := newManager(store, clock, "worker-2")

	ok, err := first.Lock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(time.Second)
	ok, err = second.Lock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "fresh lock must block a second caller")

	var contention *apperr.LockContentionError
	require.ErrorAs(t, second.LockContention(ctx), &contention)
	assert.Equal(t, "worker-1", contention.Holder)
	assert.Equal(t, t0, contention.LockedAt)

	clock.Advance(6*time.Minute - time.Second)
	ok, err = second.Lock(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "stale lock must be reacquirable")

	state, err := second.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusLocked, state.Status)
	assert.Equal(t, "worker-2", state.Metadata.LockHolder)
	assert.Equal(t, t0.Add(6*time.Minute), *state.Metadata.LockedAt)

	history, err := second.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, true, history[0].Metadata["stale"])
}

func TestLock_RunningBlocksUntilStale(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := &fakeClock{now: t0}
	m := newManager(store, clock, "a")

	ok, err := m.Lock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, m.Start(ctx, nil))

	clock.Advance(4 * time.Minute)
	ok, err = newManager(store, clock, "b").Lock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnlock(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := &fakeClock{now: t0}
	m := newManager(store, clock, "a")

	_, err := m.Lock(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Unlock(ctx))

	state, err := m.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusIdle, state.Status)
	assert.Empty(t, state.Metadata.LockID)
	assert.Nil(t, state.Metadata.LockedAt)

	ok, err := newManager(store, clock, "b").Lock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTransition_StateMachine(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := newManager(store, &fakeClock{now: t0}, "a")

	require.NoError(t, m.Start(ctx, nil))

	err := m.Transition(ctx, models.StatusIdle, nil)
	var invalid *apperr.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "running", invalid.From)
	assert.Equal(t, "idle", invalid.To)

	require.NoError(t, m.Complete(ctx, nil))
	require.NoError(t, m.Start(ctx, nil))

	history, err := m.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.StatusCompleted, history[0].FromStatus)
	assert.Equal(t, models.StatusRunning, history[0].ToStatus)
	assert.Equal(t, models.StatusIdle, history[2].FromStatus)
}

func TestCompleteAndFail_UpdateCounters(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := &fakeClock{now: t0}
	m := newManager(store, clock, "a")

	require.NoError(t, m.Start(ctx, nil))
	require.NoError(t, m.Fail(ctx, errors.New("warehouse down"), nil))
	require.NoError(t, m.Start(ctx, nil))
	require.NoError(t, m.Fail(ctx, errors.New("again"), nil))

	state, err := m.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, state.Metadata.ErrorCount)
	assert.Equal(t, "again", state.Metadata.LastError)
	assert.Nil(t, state.LastSuccessTime)

	clock.Advance(time.Hour)
	require.NoError(t, m.Start(ctx, nil))
	require.NoError(t, m.Complete(ctx, nil))

	state, err = m.State(ctx)
	require.NoError(t, err)
	assert.Zero(t, state.Metadata.ErrorCount)
	assert.Equal(t, 1, state.Metadata.SuccessCount)
	assert.Len(t, state.Metadata.RecentRuns, 3)
	require.NotNil(t, state.LastSuccessTime)
	assert.Equal(t, t0.Add(time.Hour), *state.LastSuccessTime)
	assert.Equal(t, t0.Add(time.Hour), *state.LastRunTime)
}

func TestRecentRunsAreCapped(t *testing.T) {
	runs := []models.RunOutcome{}
	for i := 0; i < 30; i++ {
		runs = appendRun(runs, models.RunOutcome{At: t0.Add(time.Duration(i) * time.Hour), Success: true})
	}
	require.Len(t, runs, maxRecentRuns)
	assert.Equal(t, t0.Add(29*time.Hour), runs[len(runs)-1].At)
}

func TestRecoveryPoint(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := newManager(store, &fakeClock{now: t0}, "a")

	rp, err := m.RecoveryPoint(ctx)
	require.NoError(t, err)
	assert.Nil(t, rp, "idle pipeline has no recovery point")

	require.NoError(t, m.Start(ctx, nil))
	require.NoError(t, m.StartStep(ctx, "extract"))
	require.NoError(t, m.CompleteStep(ctx, "extract", map[string]interface{}{"rows": 10}))
	require.NoError(t, m.StartStep(ctx, "parents"))
	require.NoError(t, m.CompleteStep(ctx, "parents", nil))
	require.NoError(t, m.StartStep(ctx, "children"))
	require.NoError(t, m.SaveStepData(ctx, "children", map[string]interface{}{"batches_done": 3}))
	require.NoError(t, m.SaveStepData(ctx, "children", map[string]interface{}{"batches_total": 7}))

	rp, err = m.RecoveryPoint(ctx)
	require.NoError(t, err)
	assert.Nil(t, rp, "running pipeline has no recovery point")

	require.NoError(t, m.Fail(ctx, errors.New("boom"), nil))

	rp, err = m.RecoveryPoint(ctx)
	require.NoError(t, err)
	require.NotNil(t, rp)
	assert.Equal(t, "children", rp.FailedStep)
	assert.Equal(t, "parents", rp.LastCompletedStep)
	assert.True(t, rp.Completed("extract"))
	assert.False(t, rp.Completed("children"))
	assert.Equal(t, 3, rp.Int("children", "batches_done"))
	assert.Equal(t, 7, rp.Int("children", "batches_total"))
	assert.Equal(t, 10, rp.Int("extract", "rows"))
}

func TestRecoveryPoint_NoCompletedStep(t *testing.T) {
	ctx := context.Background()
	m := newManager(memory.New(), &fakeClock{now: t0}, "a")

	require.NoError(t, m.Start(ctx, nil))
	require.NoError(t, m.StartStep(ctx, "extract"))
	require.NoError(t, m.Fail(ctx, nil, nil))

	rp, err := m.RecoveryPoint(ctx)
	require.NoError(t, err)
	require.NotNil(t, rp)
	assert.Equal(t, "extract", rp.FailedStep)
	assert.Empty(t, rp.LastCompletedStep)
}

func TestReleaseLockKeepsRecoveryPoint(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := newManager(store, &fakeClock{now: t0}, "a")

	ok, err := m.Lock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, m.Start(ctx, nil))
	require.NoError(t, m.StartStep(ctx, "parents"))
	require.NoError(t, m.Fail(ctx, errors.New("boom"), nil))
	require.NoError(t, m.ReleaseLock(ctx))

	state, err := m.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, state.Status)
	assert.Nil(t, state.Metadata.LockedAt)

	rp, err := m.RecoveryPoint(ctx)
	require.NoError(t, err)
	require.NotNil(t, rp)
	assert.Equal(t, "parents", rp.FailedStep)

	require.NoError(t, m.ResetSteps(ctx))
	data, err := m.StepData(ctx, "parents")
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestCleanupHistory(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := &fakeClock{now: t0}
	m := newManager(store, clock, "a")

	require.NoError(t, m.Start(ctx, nil))
	require.NoError(t, m.Complete(ctx, nil))
	clock.Advance(40 * 24 * time.Hour)
	require.NoError(t, m.Start(ctx, nil))

	deleted, err := m.CleanupHistory(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	history, err := m.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusRunning, history[0].ToStatus)
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	day := 24 * time.Hour

	tests := []struct {
		name  string
		setup func(m *Manager, clock *fakeClock)
		want  HealthStatus
	}{
		{"never ran", func(m *Manager, clock *fakeClock) {}, Healthy},
		{"recent success", func(m *Manager, clock *fakeClock) {
			require.NoError(t, m.Start(ctx, nil))
			require.NoError(t, m.Complete(ctx, nil))
			clock.Advance(day)
		}, Healthy},
		{"stale success", func(m *Manager, clock *fakeClock) {
			require.NoError(t, m.Start(ctx, nil))
			require.NoError(t, m.Complete(ctx, nil))
			clock.Advance(9 * day)
		}, Degraded},
		{"very stale success", func(m *Manager, clock *fakeClock) {
			require.NoError(t, m.Start(ctx, nil))
			require.NoError(t, m.Complete(ctx, nil))
			clock.Advance(15 * day)
		}, Unhealthy},
		{"two errors after successes", func(m *Manager, clock *fakeClock) {
			for i := 0; i < 8; i++ {
				require.NoError(t, m.Start(ctx, nil))
				require.NoError(t, m.Complete(ctx, nil))
			}
			for i := 0; i < 2; i++ {
				require.NoError(t, m.Start(ctx, nil))
				require.NoError(t, m.Fail(ctx, errors.New("x"), nil))
			}
		}, Degraded},
		{"five errors", func(m *Manager, clock *fakeClock) {
			for i := 0; i < 5; i++ {
				require.NoError(t, m.Start(ctx, nil))
				require.NoError(t, m.Fail(ctx, errors.New("x"), nil))
			}
		}, Unhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{now: t0}
			m := newManager(memory.New(), clock, "a")
			tt.setup(m, clock)

			h, err := m.Health(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, h.Status, h.Reasons)
		})
	}
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	m := newManager(memory.New(), &fakeClock{now: t0}, "a")

	events, cancel := m.Subscribe(4)
	require.NoError(t, m.Start(ctx, nil))
	require.NoError(t, m.Complete(ctx, nil))

	e := <-events
	assert.Equal(t, models.StatusIdle, e.From)
	assert.Equal(t, models.StatusRunning, e.To)
	e = <-events
	assert.Equal(t, models.StatusCompleted, e.To)

	cancel()
	_, open := <-events
	assert.False(t, open)
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := &fakeClock{now: t0}
	owner := newManager(store, clock, "a")

	var contention *apperr.LockContentionError
	require.ErrorAs(t, owner.Heartbeat(ctx), &contention, "no lock held yet")

	ok, err := owner.Lock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, owner.Start(ctx, nil))

	clock.Advance(4 * time.Minute)
	require.NoError(t, owner.Heartbeat(ctx))

	clock.Advance(4 * time.Minute)
	ok, err = newManager(store, clock, "b").Lock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "heartbeat keeps the lock fresh")

	clock.Advance(2 * time.Minute)
	ok, err = newManager(store, clock, "b").Lock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.ErrorAs(t, owner.Heartbeat(ctx), &contention, "lock was taken over")
}
