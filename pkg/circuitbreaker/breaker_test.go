package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sqp-sync/backend/pkg/apperr"
)

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("warehouse", Config{FailureThreshold: 2, Timeout: time.Minute})
	boom := errors.New("connection refused")

	assert.ErrorIs(t, cb.Execute(context.Background(), func() error { return boom }), boom)
	assert.ErrorIs(t, cb.Execute(context.Background(), func() error { return boom }), boom)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_IgnoresRateLimits(t *testing.T) {
	cb := NewCircuitBreaker("store", Config{
		FailureThreshold: 1,
		IgnoreErrors:     []error{apperr.ErrRateLimited},
	})

	for i := 0; i < 3; i++ {
		err := cb.Execute(context.Background(), func() error {
			return apperr.RateLimited(errors.New("429"))
		})
		assert.True(t, apperr.IsRateLimited(err))
	}
	assert.Equal(t, StateClosed, cb.State())
}
