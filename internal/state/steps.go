package state

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sqp-sync/backend/internal/storage/models"
	"github.com/sqp-sync/backend/pkg/logger"
)

// Keys the manager maintains inside each step's data map.
const (
	keyStatus      = "status"
	keyStartedAt   = "started_at"
	keyCompletedAt = "completed_at"
	keySequence    = "sequence"

	stepRunning   = "running"
	stepCompleted = "completed"
)

// RecoveryPoint tells a retry which steps of the failed run can be skipped.
type RecoveryPoint struct {
	FailedStep string `json:"failed_step"`
	// LastCompletedStep is empty when no step finished.
	LastCompletedStep string                            `json:"last_completed_step,omitempty"`
	StepData          map[string]map[string]interface{} `json:"step_data"`
}

// Completed reports whether step finished in the failed run.
func (r *RecoveryPoint) Completed(step string) bool {
	if r == nil {
		return false
	}
	return r.StepData[step][keyStatus] == stepCompleted
}

// Int reads a numeric checkpoint value saved under step.
func (r *RecoveryPoint) Int(step, key string) int {
	if r == nil {
		return 0
	}
	return toInt(r.StepData[step][key])
}

// String reads a string checkpoint value saved under step.
func (r *RecoveryPoint) String(step, key string) string {
	if r == nil {
		return ""
	}
	s, _ := r.StepData[step][key].(string)
	return s
}

// SaveStepData merges data into the step's map and persists it.
func (m *Manager) SaveStepData(ctx context.Context, step string, data map[string]interface{}) error {
	return m.updateSteps(ctx, func(s *models.PipelineState, now time.Time) {
		merge(s, step, data)
	})
}

// StartStep makes step the current step.
func (m *Manager) StartStep(ctx context.Context, step string) error {
	err := m.updateSteps(ctx, func(s *models.PipelineState, now time.Time) {
		s.CurrentStep = step
		merge(s, step, map[string]interface{}{
			keyStatus:    stepRunning,
			keyStartedAt: now.Format(time.RFC3339Nano),
		})
	})
	if err == nil {
		logger.Debug("Pipeline step started", zap.String("pipeline", m.pipelineID), zap.String("step", step))
	}
	return err
}

// CompleteStep marks step done, merging any final data.
func (m *Manager) CompleteStep(ctx context.Context, step string, data map[string]interface{}) error {
	return m.updateSteps(ctx, func(s *models.PipelineState, now time.Time) {
		seq := 0
		for _, v := range s.StepData {
			if d, ok := v.(map[string]interface{}); ok && d[keyStatus] == stepCompleted {
				seq = max(seq, toInt(d[keySequence]))
			}
		}
		merge(s, step, data)
		merge(s, step, map[string]interface{}{
			keyStatus:      stepCompleted,
			keyCompletedAt: now.Format(time.RFC3339Nano),
			keySequence:    seq + 1,
		})
	})
}

// ResetSteps forgets all checkpoints, for a run that starts from scratch.
func (m *Manager) ResetSteps(ctx context.Context) error {
	return m.updateSteps(ctx, func(s *models.PipelineState, now time.Time) {
		s.CurrentStep = ""
		s.StepData = map[string]interface{}{}
	})
}

// StepData returns a copy of the data saved for step.
func (m *Manager) StepData(ctx context.Context, step string) (map[string]interface{}, error) {
	state, err := m.State(ctx)
	if err != nil {
		return nil, err
	}
	return stepMap(state, step), nil
}

// RecoveryPoint is non-nil only after a failed run that reached a step.
func (m *Manager) RecoveryPoint(ctx context.Context) (*RecoveryPoint, error) {
	state, err := m.State(ctx)
	if err != nil {
		return nil, err
	}
	if state.Status != models.StatusFailed || state.CurrentStep == "" {
		return nil, nil
	}

	rp := &RecoveryPoint{
		FailedStep: state.CurrentStep,
		StepData:   make(map[string]map[string]interface{}, len(state.StepData)),
	}
	best := 0
	for step := range state.StepData {
		d := stepMap(state, step)
		rp.StepData[step] = d
		if d[keyStatus] != stepCompleted {
			continue
		}
		if seq := toInt(d[keySequence]); seq > best {
			best = seq
			rp.LastCompletedStep = step
		}
	}
	return rp, nil
}

func (m *Manager) updateSteps(ctx context.Context, mutate func(*models.PipelineState, time.Time)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.State(ctx)
	if err != nil {
		return err
	}
	if state.StepData == nil {
		state.StepData = map[string]interface{}{}
	}
	now := m.clock()
	mutate(state, now)
	state.UpdatedAt = now
	return m.save(ctx, state)
}

func merge(s *models.PipelineState, step string, data map[string]interface{}) {
	d := stepMap(s, step)
	for k, v := range data {
		d[k] = v
	}
	s.StepData[step] = d
}

func stepMap(s *models.PipelineState, step string) map[string]interface{} {
	out := map[string]interface{}{}
	if d, ok := s.StepData[step].(map[string]interface{}); ok {
		for k, v := range d {
			out[k] = v
		}
	}
	return out
}

// toInt reads numbers that went through a JSON round trip.
func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
