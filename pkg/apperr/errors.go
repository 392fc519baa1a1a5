// Package apperr holds the error taxonomy shared by the sync pipeline.
package apperr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrRateLimited marks a transient throttling response from the warehouse or
// the relational store. Only errors matching it are retried.
var ErrRateLimited = errors.New("rate limited")

// ErrNotFound is returned by stores when a keyed record does not exist.
var ErrNotFound = errors.New("not found")

// ExtractionError wraps a warehouse query, network or decode failure.
type ExtractionError struct {
	Source string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction from %s failed: %v", e.Source, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ReconciliationError wraps a parent lookup or upsert failure.
type ReconciliationError struct {
	Table string
	Op    string
	Err   error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile %s: %s: %v", e.Table, e.Op, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// RateLimitError is raised once the retry budget for rate-limited calls is
// exhausted. It is fatal for the current run.
type RateLimitError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limit retry budget exhausted after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// DuplicateFieldError reports two source columns mapping to the same field,
// which happens when the warehouse schema evolves under an existing alias.
type DuplicateFieldError struct {
	Field   string
	Columns []string
}

func (e *DuplicateFieldError) Error() string {
	return fmt.Sprintf("duplicate field %q from columns %s", e.Field, strings.Join(e.Columns, ", "))
}

// InvalidTransitionError is a pipeline state machine violation.
type InvalidTransitionError struct {
	PipelineID string
	From       string
	To         string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("pipeline %s: invalid transition %s -> %s", e.PipelineID, e.From, e.To)
}

// LockContentionError means another holder owns a fresh pipeline lock.
type LockContentionError struct {
	PipelineID string
	Holder     string
	LockedAt   time.Time
}

func (e *LockContentionError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("pipeline %s is locked", e.PipelineID)
	}
	return fmt.Sprintf("pipeline %s is locked by %s since %s", e.PipelineID, e.Holder, e.LockedAt.Format(time.RFC3339))
}

// RateLimited wraps err so that IsRateLimited reports true for it.
func RateLimited(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrRateLimited, err)
}

func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// LooksRateLimited classifies plain error text from SDKs that do not expose a
// typed status (PostgREST, database drivers).
func LooksRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "too many requests", "rate limit", "ratelimit", "quota exceeded", "too many connections"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
