package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lodestone-research/lodestone/internal/breaker"
	"github.com/lodestone-research/lodestone/internal/cache"
	"github.com/lodestone-research/lodestone/internal/llm"
	"github.com/lodestone-research/lodestone/internal/ratelimit"
	"github.com/lodestone-research/lodestone/internal/search"
)

// Upstream identifiers shared by the breaker and rate-limiter registries.
const (
	UpstreamLLM    = "llm-inference"
	UpstreamSearch = "search-provider"
)

// Caller is the guarded path every agent uses for external calls:
// circuit-breaker gate, rate-limiter acquire, the call itself, then the
// outcome recorded into both. Transient failures are retried with
// exponential backoff and jitter; retries count toward the breaker.
type Caller struct {
	LLM      llm.Provider
	Search   search.Provider
	Breakers *breaker.Registry
	Limiter  *ratelimit.Limiter
	Cache    *cache.Cache

	// MaxRetries caps retry attempts beyond the first call.
	MaxRetries uint64
	// InitialInterval seeds the backoff schedule; tests shrink it.
	InitialInterval time.Duration
}

func (c *Caller) retries() uint64 {
	if c.MaxRetries == 0 {
		return 3
	}
	return c.MaxRetries
}

func (c *Caller) backoffSchedule(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		b.InitialInterval = c.InitialInterval
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, c.retries()), ctx)
}

// Complete runs one LLM call through the guarded path.
func (c *Caller) Complete(ctx context.Context, req llm.Request) (llm.Completion, error) {
	var completion llm.Completion
	err := c.guarded(ctx, UpstreamLLM, func() error {
		var callErr error
		completion, callErr = c.LLM.Complete(ctx, req)
		return callErr
	})
	return completion, err
}

// SearchWeb runs one search call through the guarded path, consulting the
// cache first: search results are idempotent for a normalized query.
func (c *Caller) SearchWeb(ctx context.Context, query string) ([]search.Result, bool, error) {
	key := cache.Fingerprint("search", query)
	if c.Cache != nil {
		if raw, tier, ok := c.Cache.Get(ctx, key); ok {
			var results []search.Result
			if err := json.Unmarshal(raw, &results); err == nil {
				log.Printf("agent: search cache hit (%s tier) for query fingerprint %.12s", tier, key)
				return results, true, nil
			}
			log.Printf("agent: discarding undecodable cache entry %.12s", key)
		}
	}

	var results []search.Result
	err := c.guarded(ctx, UpstreamSearch, func() error {
		var callErr error
		results, callErr = c.Search.Search(ctx, query)
		return callErr
	})
	if err != nil {
		return nil, false, err
	}

	if c.Cache != nil && len(results) > 0 {
		if raw, err := json.Marshal(results); err == nil {
			c.Cache.Put(ctx, key, raw, 0)
		}
	}
	return results, false, nil
}

// guarded wraps one upstream call with the breaker gate, limiter acquire,
// retry schedule, and outcome recording.
func (c *Caller) guarded(ctx context.Context, upstream string, call func() error) error {
	br := c.Breakers.Get(upstream)

	operation := func() error {
		if err := br.Allow(); err != nil {
			// Fail fast with no network attempt; the cooldown outlasts
			// any reasonable retry schedule, so don't spin on it.
			return backoff.Permanent(err)
		}
		if err := c.Limiter.Acquire(ctx, upstream); err != nil {
			// The upstream was never reached; give back the admission so a
			// half-open trial slot is not left occupied forever.
			br.Release()
			var limited ratelimit.ErrRateLimited
			if errors.As(err, &limited) {
				// Our own gate, not an upstream failure: retry without
				// recording into the breaker.
				return err
			}
			return backoff.Permanent(err)
		}

		err := call()
		if err == nil {
			br.RecordSuccess()
			return nil
		}
		br.RecordFailure()
		if transient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	return backoff.Retry(operation, c.backoffSchedule(ctx))
}

// transient reports whether an upstream error is worth retrying: timeouts,
// 5xx, and rate-limit responses. Malformed requests and auth failures are
// not.
func transient(err error) bool {
	var llmStatus llm.ErrUpstreamStatus
	if errors.As(err, &llmStatus) {
		return llmStatus.Transient()
	}
	var searchStatus search.ErrUpstreamStatus
	if errors.As(err, &searchStatus) {
		return searchStatus.Transient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
