// Package retry implements the exponential-backoff retry wrapper (C10).
// Generalizes the teacher's internal/core/resilience.WithRetry to the
// exact backoff formula and classification rules of spec §4.9: attempt
// k waits min(max_wait, min_wait * 2^(k-1)) * (1 + rand[0, 0.1]); only
// guarderrors.Transient errors are retried, everything else passes
// through on the first attempt.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/openguard/guard/internal/guarderrors"
	"github.com/openguard/guard/internal/opmetrics"
)

// Policy configures the retry wrapper. Do fills any zero-valued
// MaxAttempts, MinWait, MaxWait or Classify with the DefaultPolicy
// values.
type Policy struct {
	MaxAttempts int           // total attempts, including the first (default 3)
	MinWait     time.Duration // delay before the first retry (default 1s)
	MaxWait     time.Duration // backoff ceiling (default 10s)

	// Classify decides whether err should be retried. Defaults to
	// guarderrors.IsRetryable (Transient kind only).
	Classify func(error) bool

	Logger  *slog.Logger
	Metrics *opmetrics.Recorder
	// OperationName labels metrics/logs; defaults to "unknown".
	OperationName string
}

// DefaultPolicy returns the spec §4.9 defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		MinWait:     time.Second,
		MaxWait:     10 * time.Second,
		Classify:    guarderrors.IsRetryable,
	}
}

// Do executes operation, retrying on classified-transient errors up to
// policy.MaxAttempts total attempts. Context cancellation during a
// backoff sleep returns ctx.Err() immediately. The final failure
// preserves the original (possibly classified) error.
func Do(ctx context.Context, policy Policy, operation func() error) error {
	policy = fillDefaults(policy)
	logger := policy.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opName := policy.OperationName
	if opName == "" {
		opName = "unknown"
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		start := time.Now()
		err := operation()
		duration := time.Since(start)

		if err == nil {
			if policy.Metrics != nil {
				policy.Metrics.RecordAttempt(opName, "success", duration, nil)
			}
			return nil
		}
		lastErr = err

		if policy.Metrics != nil {
			policy.Metrics.RecordAttempt(opName, "failure", duration, err)
		}

		if !policy.Classify(err) {
			logger.Debug("retry: non-retryable error, stopping", "operation", opName, "attempt", attempt, "error", err)
			return lastErr
		}

		if attempt == policy.MaxAttempts {
			logger.Error("retry: exhausted attempts", "operation", opName, "attempts", attempt, "error", lastErr)
			break
		}

		delay := backoffDelay(attempt, policy.MinWait, policy.MaxWait)
		logger.Warn("retry: attempt failed, backing off", "operation", opName, "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("retry: operation %q failed after %d attempts: %w", opName, policy.MaxAttempts, lastErr)
}

// DoValue is Do for operations that return a result alongside an
// error.
func DoValue[T any](ctx context.Context, policy Policy, operation func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, policy, func() error {
		r, opErr := operation()
		result = r
		return opErr
	})
	return result, err
}

func fillDefaults(p Policy) Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.MinWait <= 0 {
		p.MinWait = time.Second
	}
	if p.MaxWait <= 0 {
		p.MaxWait = 10 * time.Second
	}
	if p.Classify == nil {
		p.Classify = guarderrors.IsRetryable
	}
	return p
}

// backoffDelay implements spec §4.9's formula exactly: attempt k waits
// min(max_wait, min_wait * 2^(k-1)) * (1 + rand[0, 0.1]).
func backoffDelay(attempt int, minWait, maxWait time.Duration) time.Duration {
	exp := math.Pow(2, float64(attempt-1))
	base := time.Duration(float64(minWait) * exp)
	if base > maxWait {
		base = maxWait
	}
	jitter := 1 + rand.Float64()*0.1
	return time.Duration(float64(base) * jitter)
}
