// Package ratelimit implements named token-bucket rate limiting (C9)
// gating calls into external providers. Buckets are registered once at
// startup from configuration; Acquire blocks cooperatively until
// tokens are available or a per-bucket max-wait ceiling is exceeded.
// Built on golang.org/x/time/rate, the same library the teacher uses
// for its per-client HTTP rate limiting
// (internal/api/middleware/rate_limit.go), generalized from per-client
// buckets to named provider buckets.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned by Acquire when the max-wait ceiling for
// a bucket is exceeded before enough tokens become available.
var ErrRateLimited = errors.New("ratelimit: max wait exceeded")

// ErrUnknownBucket is returned when Acquire names a bucket that was
// never registered.
var ErrUnknownBucket = errors.New("ratelimit: unknown bucket")

// BucketConfig describes one named token bucket.
type BucketConfig struct {
	Name     string
	Capacity int           // burst size
	Refill   float64       // tokens per second
	MaxWait  time.Duration // ceiling on how long Acquire will block
}

type bucket struct {
	limiter *rate.Limiter
	maxWait time.Duration
}

// Limiter holds every registered named bucket. Thread-safe: all state
// lives in golang.org/x/time/rate.Limiter, which is itself
// goroutine-safe, guarded here only for the registration map.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

// New constructs a Limiter with the given buckets pre-registered.
// Registering all buckets up front (rather than lazily) means an
// Acquire against an unconfigured name fails fast with
// ErrUnknownBucket instead of silently creating unlimited capacity.
func New(configs ...BucketConfig) *Limiter {
	l := &Limiter{buckets: make(map[string]*bucket, len(configs))}
	for _, c := range configs {
		l.Register(c)
	}
	return l
}

// Register adds or replaces a named bucket.
func (l *Limiter) Register(c BucketConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[c.Name] = &bucket{
		limiter: rate.NewLimiter(rate.Limit(c.Refill), c.Capacity),
		maxWait: c.MaxWait,
	}
}

// Acquire blocks until tokens are available from the named bucket, the
// bucket's max-wait ceiling is exceeded (ErrRateLimited), or ctx is
// done. Tokens are added lazily from elapsed wall-clock time by
// rate.Limiter itself, matching the lazy-refill behavior spec §4.2
// requires.
func (l *Limiter) Acquire(ctx context.Context, name string, tokens int) error {
	l.mu.RLock()
	b, ok := l.buckets[name]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBucket, name)
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	callerDeadline, callerBinds := ctx.Deadline()
	if b.maxWait > 0 {
		ceiling := time.Now().Add(b.maxWait)
		callerBinds = callerBinds && callerDeadline.Before(ceiling)
		waitCtx, cancel = context.WithDeadline(ctx, ceiling)
		defer cancel()
	}

	if err := b.limiter.WaitN(waitCtx, tokens); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if callerBinds {
			// WaitN gave up early because the caller's deadline, the
			// earlier of the two, would pass before tokens are available.
			return fmt.Errorf("ratelimit: bucket %s: %w", name, context.DeadlineExceeded)
		}
		// The bucket's own ceiling tripped, not the caller's context.
		return fmt.Errorf("%w: bucket %s", ErrRateLimited, name)
	}
	return nil
}

// Tokens reports the current token count for a bucket, for tests and
// diagnostics.
func (l *Limiter) Tokens(name string) (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.buckets[name]
	if !ok {
		return 0, false
	}
	return b.limiter.TokensAt(time.Now()), true
}
