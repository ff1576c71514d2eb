package breaker

import (
	"fmt"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// ErrOpen is the fail-fast rejection returned while a circuit is open. It is
// a distinct kind from an upstream error so callers can decide to skip,
// degrade, or abort without having burned a network attempt.
type ErrOpen struct {
	Upstream string
	RetryAt  time.Time
}

func (e ErrOpen) Error() string {
	return fmt.Sprintf("circuit open for upstream %s until %s", e.Upstream, e.RetryAt.Format(time.RFC3339))
}

type Config struct {
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
	MaxCooldown      time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Second
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 5 * time.Minute
	}
	return c
}

// Breaker isolates one upstream. Shared across every session in the process,
// so all state changes happen under the mutex.
type Breaker struct {
	mu            sync.Mutex
	upstream      string
	cfg           Config
	state         State
	failures      int
	windowStart   time.Time
	lastFailure   time.Time
	openedAt      time.Time
	cooldown      time.Duration
	trialInFlight bool

	now func() time.Time
}

func New(upstream string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		upstream: upstream,
		cfg:      cfg,
		cooldown: cfg.Cooldown,
		now:      time.Now,
	}
}

// Allow gates a call. In the open state it fails fast until the cooldown
// elapses, then admits exactly one trial call; the trial's outcome decides
// the next state via RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		retryAt := b.openedAt.Add(b.cooldown)
		if b.now().Before(retryAt) {
			return ErrOpen{Upstream: b.upstream, RetryAt: retryAt}
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return ErrOpen{Upstream: b.upstream, RetryAt: b.openedAt.Add(b.cooldown)}
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.cooldown = b.cfg.Cooldown
	}
	b.failures = 0
	b.trialInFlight = false
}

// Release abandons a call admitted by Allow without recording an outcome,
// for callers that never reached the upstream (rate limiter rejection,
// context cancellation). Required in half-open: the trial slot would
// otherwise stay occupied and reject every future call.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailure = now

	if b.state == StateHalfOpen {
		// Failed trial: reopen with a longer cooldown, capped.
		b.state = StateOpen
		b.openedAt = now
		b.trialInFlight = false
		b.cooldown = minDuration(b.cooldown*2, b.cfg.MaxCooldown)
		return
	}
	if b.state == StateOpen {
		return
	}

	if b.failures == 0 || now.Sub(b.windowStart) > b.cfg.Window {
		b.windowStart = now
		b.failures = 0
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.state = StateOpen
		b.openedAt = now
		b.failures = 0
	}
}

// State reports the current state, promoting open to half-open once the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.cooldown)) {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) LastFailure() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailure
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// Registry holds one breaker per upstream identifier, created lazily on
// first use and shared process-wide.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		breakers: map[string]*Breaker{},
	}
}

func (r *Registry) Get(upstream string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[upstream]
	if !ok {
		b = New(upstream, r.cfg)
		r.breakers[upstream] = b
	}
	return b
}

// States snapshots the current state of every known breaker, for
// diagnostics.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make(map[string]State, len(r.breakers))
	for upstream, b := range r.breakers {
		states[upstream] = b.State()
	}
	return states
}
