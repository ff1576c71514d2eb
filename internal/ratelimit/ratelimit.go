package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a token could not be acquired before the
// per-upstream wait deadline. Callers treat it as a transient condition.
type ErrRateLimited struct {
	Upstream string
}

func (e ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limit exceeded for upstream %s", e.Upstream)
}

// UpstreamLimit configures one upstream's token bucket.
type UpstreamLimit struct {
	PerSecond float64
	Burst     int
	MaxWait   time.Duration
}

func (l UpstreamLimit) withDefaults() UpstreamLimit {
	if l.PerSecond <= 0 {
		l.PerSecond = 5
	}
	if l.Burst <= 0 {
		l.Burst = 10
	}
	if l.MaxWait <= 0 {
		l.MaxWait = 30 * time.Second
	}
	return l
}

// Limiter holds one token bucket per upstream, shared by every concurrent
// stage execution in the process so aggregate call volume stays under the
// provider's ceiling regardless of internal parallelism.
type Limiter struct {
	mu       sync.Mutex
	defaults UpstreamLimit
	limits   map[string]UpstreamLimit
	buckets  map[string]*rate.Limiter
	maxWait  map[string]time.Duration
}

func New(defaults UpstreamLimit, perUpstream map[string]UpstreamLimit) *Limiter {
	return &Limiter{
		defaults: defaults.withDefaults(),
		limits:   perUpstream,
		buckets:  map[string]*rate.Limiter{},
		maxWait:  map[string]time.Duration{},
	}
}

// Acquire blocks until a token is available or the upstream's wait deadline
// elapses, in which case it fails with ErrRateLimited. Context cancellation
// is surfaced as the context's error.
func (l *Limiter) Acquire(ctx context.Context, upstream string) error {
	bucket, maxWait := l.bucket(upstream)

	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	if err := bucket.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return ErrRateLimited{Upstream: upstream}
		}
		// rate.Wait also rejects when the deadline cannot possibly be met.
		return ErrRateLimited{Upstream: upstream}
	}
	return nil
}

// Allow reports whether a token is immediately available, consuming it if so.
func (l *Limiter) Allow(upstream string) bool {
	bucket, _ := l.bucket(upstream)
	return bucket.Allow()
}

func (l *Limiter) bucket(upstream string) (*rate.Limiter, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bucket, ok := l.buckets[upstream]; ok {
		return bucket, l.maxWait[upstream]
	}
	limit := l.defaults
	if configured, ok := l.limits[upstream]; ok {
		limit = configured.withDefaults()
	}
	bucket := rate.NewLimiter(rate.Limit(limit.PerSecond), limit.Burst)
	l.buckets[upstream] = bucket
	l.maxWait[upstream] = limit.MaxWait
	return bucket, limit.MaxWait
}
