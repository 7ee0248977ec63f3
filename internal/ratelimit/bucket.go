// Package ratelimit provides a token-bucket gate for outbound channel calls.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a token bucket that refills continuously at a fixed rate.
// It bounds the rate of outbound API calls so the channel endpoint never
// sees more traffic than its documented window allows. TryAcquire is
// non-blocking; callers that fail acquisition must back off and retry.
type Bucket struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillPerSec float64
	lastRefill   time.Time

	now func() time.Time // test override
}

// BucketOpts holds parameters for creating a Bucket.
type BucketOpts struct {
	Capacity     int     // burst capacity; minimum 1
	RefillPerSec float64 // sustained tokens per second
}

// NewBucket creates a full Bucket.
func NewBucket(opts BucketOpts) *Bucket {
	capacity := float64(opts.Capacity)
	if capacity < 1 {
		capacity = 1
	}
	refill := opts.RefillPerSec
	if refill <= 0 {
		refill = 0.5
	}
	b := &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPerSec: refill,
		now:          time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// PerMinute creates a Bucket sized for a per-minute request limit with a
// small burst allowance, matching how chat APIs document their limits.
func PerMinute(requests int, burst int) *Bucket {
	if requests < 1 {
		requests = 1
	}
	if burst < 1 {
		burst = 1
	}
	return NewBucket(BucketOpts{
		Capacity:     burst,
		RefillPerSec: float64(requests) / 60.0,
	})
}

// TryAcquire takes cost tokens from the bucket if available. It never
// blocks; it returns false when the bucket cannot cover the cost.
func (b *Bucket) TryAcquire(cost int) bool {
	if cost < 1 {
		cost = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens < float64(cost) {
		return false
	}
	b.tokens -= float64(cost)
	return true
}

// RetryAfter returns how long a caller should wait before a single-token
// acquisition can succeed. Returns 0 when a token is already available.
func (b *Bucket) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		return 0
	}
	missing := 1 - b.tokens
	return time.Duration(missing / b.refillPerSec * float64(time.Second))
}

// Tokens reports the current token count (after refill). For observability.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// refill credits tokens for the time elapsed since the last refill.
// Caller must hold b.mu.
func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed.Seconds() * b.refillPerSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// SetNow overrides the clock source. Tests only.
func (b *Bucket) SetNow(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	b.lastRefill = now()
}
