// Package ratelimit provides the token-bucket rate limiter that bounds the
// sustained call rate to the inference service.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// waitQuantum is how long a blocked Acquire sleeps between balance checks.
const waitQuantum = 100 * time.Millisecond

// TokenBucket is a mutex-protected token bucket. Capacity equals the
// configured requests per minute; the bucket refills lazily at capacity/60
// tokens per second, capped at capacity. One instance is shared per process.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	logger *zap.Logger
	now    func() time.Time
}

// NewTokenBucket creates a bucket sized for requestsPerMinute. The bucket
// starts full.
func NewTokenBucket(requestsPerMinute int, logger *zap.Logger) *TokenBucket {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 30
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cap := float64(requestsPerMinute)
	return &TokenBucket{
		capacity:   cap,
		tokens:     cap,
		refillRate: cap / 60.0,
		lastRefill: time.Now(),
		logger:     logger.With(zap.String("component", "rate_limiter")),
		now:        time.Now,
	}
}

// refillLocked adds tokens for the elapsed wall time. Callers must hold mu.
func (b *TokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.refillRate)
	}
	b.lastRefill = now
}

// Acquire blocks until n tokens are available or timeout elapses. It returns
// true if the tokens were taken. Refill and the balance check run in the same
// critical section so concurrent callers never observe a lost update. On
// timeout the balance is left untouched.
func (b *TokenBucket) Acquire(ctx context.Context, n int, timeout time.Duration) bool {
	if n <= 0 {
		n = 1
	}
	deadline := b.now().Add(timeout)

	for {
		b.mu.Lock()
		b.refillLocked()
		if b.tokens >= float64(n) {
			b.tokens -= float64(n)
			b.mu.Unlock()
			return true
		}
		b.mu.Unlock()

		if b.now().After(deadline) {
			b.logger.Warn("rate limiter timeout",
				zap.Duration("timeout", timeout),
				zap.Int("tokens_requested", n),
			)
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(waitQuantum):
		}
	}
}

// Tokens returns the current balance after a refill. Intended for tests and
// operational visibility.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// Capacity returns the bucket capacity.
func (b *TokenBucket) Capacity() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// SetRate reconfigures the bucket for a new requests-per-minute rate. The
// balance is reset to the new capacity, matching a freshly built limiter.
func (b *TokenBucket) SetRate(requestsPerMinute int) {
	if requestsPerMinute <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cap := float64(requestsPerMinute)
	b.capacity = cap
	b.tokens = cap
	b.refillRate = cap / 60.0
	b.lastRefill = b.now()
	b.logger.Info("rate limit updated", zap.Int("requests_per_minute", requestsPerMinute))
}
