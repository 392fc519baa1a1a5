package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqp-sync/backend/pkg/apperr"
)

func fastConfig(maxRetries int) Config {
	cfg := RateLimitConfig(maxRetries, time.Millisecond, nil)
	cfg.MaxDelay = 5 * time.Millisecond
	return cfg
}

func TestBackoff(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, Backoff(cfg, 0))
	assert.Equal(t, 200*time.Millisecond, Backoff(cfg, 1))
	assert.Equal(t, 400*time.Millisecond, Backoff(cfg, 2))
	assert.Equal(t, 800*time.Millisecond, Backoff(cfg, 3))
	assert.Equal(t, time.Second, Backoff(cfg, 4))
}

func TestDoRateLimited(t *testing.T) {
	t.Run("succeeds after transient rate limits", func(t *testing.T) {
		calls := 0
		err := DoRateLimited(context.Background(), fastConfig(3), "upsert", func() error {
			calls++
			if calls < 3 {
				return apperr.RateLimited(errors.New("429"))
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhaustion raises RateLimitError", func(t *testing.T) {
		calls := 0
		err := DoRateLimited(context.Background(), fastConfig(2), "upsert", func() error {
			calls++
			return apperr.RateLimited(errors.New("429"))
		})
		var rle *apperr.RateLimitError
		require.ErrorAs(t, err, &rle)
		assert.Equal(t, 3, rle.Attempts)
		assert.Equal(t, "upsert", rle.Operation)
		assert.Equal(t, 3, calls)
		assert.True(t, apperr.IsRateLimited(err))
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		calls := 0
		boom := errors.New("constraint violation")
		err := DoRateLimited(context.Background(), fastConfig(5), "upsert", func() error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context stops the loop", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := DoRateLimited(ctx, fastConfig(5), "upsert", func() error {
			return apperr.RateLimited(errors.New("429"))
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastConfig(1), func() (int, error) {
		calls++
		if calls == 1 {
			return 0, apperr.RateLimited(errors.New("slow down"))
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}
