// Package retry implements the application-level exponential backoff layer
// for throttling errors. It sits above the transport's own adaptive retry:
// transport retry budgets are tuned for generic throttling, not this
// service's burst patterns, so throttling gets one more, independent layer.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/fairwaylabs/rezgate/types"
)

// Policy configures the throttling backoff.
type Policy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int `json:"max_retries"`
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `json:"base_delay"`
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration `json:"max_delay"`
	// Classify decides whether an error is a throttling error. Defaults to
	// types.IsThrottling.
	Classify func(error) bool `json:"-"`
	// OnRetry is invoked before each sleep.
	OnRetry func(attempt int, err error, delay time.Duration) `json:"-"`
}

// DefaultPolicy returns the throttling backoff defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries: 5,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// ThrottleRetryer retries a callable on classified throttling errors only.
// Any other error propagates immediately without retry.
type ThrottleRetryer struct {
	policy *Policy
	logger *zap.Logger
}

// NewThrottleRetryer creates a retryer with the given policy.
func NewThrottleRetryer(policy *Policy, logger *zap.Logger) *ThrottleRetryer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 1 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.Classify == nil {
		policy.Classify = types.IsThrottling
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ThrottleRetryer{policy: policy, logger: logger}
}

// Do invokes fn, retrying classified throttling errors with exponential
// backoff and jitter. After exhausting retries the last throttling error is
// returned unchanged so callers can still inspect its code.
func (r *ThrottleRetryer) Do(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			if attempt > 0 {
				r.logger.Info("call succeeded after throttling retries",
					zap.Int("attempt", attempt),
				)
			}
			return nil
		}

		if !r.policy.Classify(lastErr) {
			return lastErr
		}

		if attempt >= r.policy.MaxRetries {
			break
		}

		delay := r.delayFor(attempt)
		r.logger.Warn("throttling error, backing off",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", r.policy.MaxRetries+1),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)
		if r.policy.OnRetry != nil {
			r.policy.OnRetry(attempt, lastErr, delay)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("throttling backoff canceled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	r.logger.Error("throttling retries exhausted",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr),
	)
	return lastErr
}

// delayFor computes min(base*2^attempt, max) plus uniform jitter of up to
// half that delay, preventing a thundering herd of synchronized retries.
func (r *ThrottleRetryer) delayFor(attempt int) time.Duration {
	delay := float64(r.policy.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	jitter := rand.Float64() * 0.5 * delay
	return time.Duration(delay + jitter)
}
