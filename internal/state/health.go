package state

import (
	"context"
	"time"
)

type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// Health thresholds.
const (
	unhealthyErrors      = 5
	unhealthySuccessRate = 0.5
	unhealthyStaleness   = 14 * 24 * time.Hour
	degradedErrors       = 2
	degradedSuccessRate  = 0.8
	degradedStaleness    = 8 * 24 * time.Hour
)

type Health struct {
	PipelineID  string       `json:"pipeline_id"`
	Status      HealthStatus `json:"status"`
	ErrorCount  int          `json:"error_count"`
	SuccessRate float64      `json:"success_rate"`
	LastSuccess *time.Time   `json:"last_success,omitempty"`
	Reasons     []string     `json:"reasons,omitempty"`
}

// Health derives a status from consecutive errors, the success rate over
// recent runs and the time since the last success.
func (m *Manager) Health(ctx context.Context) (*Health, error) {
	state, err := m.State(ctx)
	if err != nil {
		return nil, err
	}

	h := &Health{
		PipelineID:  m.pipelineID,
		Status:      Healthy,
		ErrorCount:  state.Metadata.ErrorCount,
		SuccessRate: 1,
		LastSuccess: state.LastSuccessTime,
	}
	if runs := state.Metadata.RecentRuns; len(runs) > 0 {
		ok := 0
		for _, r := range runs {
			if r.Success {
				ok++
			}
		}
		h.SuccessRate = float64(ok) / float64(len(runs))
	}

	var since time.Duration
	switch {
	case state.LastSuccessTime != nil:
		since = m.clock().Sub(*state.LastSuccessTime)
	case state.LastRunTime != nil:
		// ran but never succeeded
		since = m.clock().Sub(*state.LastRunTime)
	}

	worse := func(s HealthStatus, reason string) {
		if s == Unhealthy || h.Status == Healthy {
			h.Status = s
		}
		h.Reasons = append(h.Reasons, reason)
	}

	switch {
	case h.ErrorCount >= unhealthyErrors:
		worse(Unhealthy, "too many consecutive errors")
	case h.ErrorCount >= degradedErrors:
		worse(Degraded, "consecutive errors")
	}
	switch {
	case h.SuccessRate < unhealthySuccessRate:
		worse(Unhealthy, "low success rate")
	case h.SuccessRate < degradedSuccessRate:
		worse(Degraded, "reduced success rate")
	}
	switch {
	case since > unhealthyStaleness:
		worse(Unhealthy, "no successful run in over 14 days")
	case since > degradedStaleness:
		worse(Degraded, "no successful run in over 8 days")
	}
	return h, nil
}
