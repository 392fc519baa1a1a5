package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/sqp-sync/backend/pkg/apperr"
)

// Config bounds a retry loop. The delay before retry n (0-based) is
// InitialDelay × Multiplier^n, capped at MaxDelay.
type Config struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	JitterFraction  float64
	RetryableErrors []error
	Logger          *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:   5,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		Logger:       zap.NewNop(),
	}
}

// RateLimitConfig retries only rate-limited errors.
func RateLimitConfig(maxRetries int, base time.Duration, logger *zap.Logger) Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = maxRetries
	cfg.InitialDelay = base
	cfg.RetryableErrors = []error{apperr.ErrRateLimited}
	if logger != nil {
		cfg.Logger = logger
	}
	return cfg
}

// Do runs operation until it succeeds, returns a non-retryable error, or the
// retry budget is spent. The last error is returned unchanged.
func Do(ctx context.Context, cfg Config, operation func() error) error {
	_, err := do(ctx, cfg, operation)
	return err
}

func DoWithResult[T any](ctx context.Context, cfg Config, operation func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var err error
		result, err = operation()
		return err
	})
	return result, err
}

// DoRateLimited is Do with exhaustion of a rate-limited operation reported as
// *apperr.RateLimitError.
func DoRateLimited(ctx context.Context, cfg Config, name string, operation func() error) error {
	attempts, err := do(ctx, cfg, operation)
	if err != nil && apperr.IsRateLimited(err) && attempts > cfg.MaxRetries {
		return &apperr.RateLimitError{Operation: name, Attempts: attempts, Err: err}
	}
	return err
}

func do(ctx context.Context, cfg Config, operation func() error) (int, error) {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = time.Minute
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	var lastErr error
	attempts := 0

	for retry := 0; retry <= cfg.MaxRetries; retry++ {
		if err := ctx.Err(); err != nil {
			return attempts, err
		}

		attempts++
		err := operation()
		if err == nil {
			if retry > 0 {
				cfg.Logger.Info("Operation succeeded after retry", zap.Int("attempt", attempts))
			}
			return attempts, nil
		}

		lastErr = err

		if !isRetryable(err, cfg.RetryableErrors) {
			cfg.Logger.Debug("Error not retryable", zap.Error(err), zap.Int("attempt", attempts))
			return attempts, err
		}

		if retry == cfg.MaxRetries {
			break
		}

		delay := Backoff(cfg, retry)
		cfg.Logger.Warn("Operation failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempts),
			zap.Int("max_retries", cfg.MaxRetries),
			zap.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return attempts, ctx.Err()
		case <-time.After(addJitter(delay, cfg.JitterFraction)):
		}
	}

	return attempts, lastErr
}

// Backoff returns the delay before the given 0-based retry.
func Backoff(cfg Config, retry int) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier == 0 {
		multiplier = 2.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(retry))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(delay)
}

func isRetryable(err error, retryableErrors []error) bool {
	if len(retryableErrors) == 0 {
		return true
	}

	for _, retryableErr := range retryableErrors {
		if errors.Is(err, retryableErr) {
			return true
		}
	}
	return false
}

func addJitter(duration time.Duration, jitterFraction float64) time.Duration {
	if jitterFraction <= 0 {
		return duration
	}

	jitter := time.Duration(rand.Float64() * float64(duration) * jitterFraction)
	if rand.Intn(2) == 0 {
		return duration - jitter
	}
	return duration + jitter
}
