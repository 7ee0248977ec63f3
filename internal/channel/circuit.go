package channel

import (
	"sync"
	"time"
)

// Breaker states.
const (
	breakerClosed   = "closed"
	breakerOpen     = "open"
	breakerHalfOpen = "half-open"
)

// Breaker is a circuit breaker over consecutive send failures. After the
// failure threshold it opens and fails fast for a cool-down window, then
// half-opens to let a single probe call through before closing again.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration

	failures int
	state    string
	openedAt time.Time
	probing  bool

	now func() time.Time // test override
}

// BreakerOpts holds parameters for creating a Breaker.
type BreakerOpts struct {
	Threshold int           // consecutive failures before opening; default 5
	Cooldown  time.Duration // open duration before a probe; default 30s
}

// NewBreaker creates a closed Breaker.
func NewBreaker(opts BreakerOpts) *Breaker {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = 5
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     breakerClosed,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. While open it returns
// ErrCircuitOpen until the cool-down elapses, then admits exactly one
// probe call (half-open) until that probe reports success or failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.state = breakerHalfOpen
		b.probing = true
		return nil
	case breakerHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Success records a successful call and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = breakerClosed
	b.probing = false
}

// Failure records a failed call. In half-open state it reopens
// immediately; in closed state it opens once the threshold is reached.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = b.now()
		b.probing = false
	}
}

// State returns the current breaker state for status reporting.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return breakerHalfOpen
	}
	return b.state
}

// SetNow overrides the clock source. Tests only.
func (b *Breaker) SetNow(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
