package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fairwaylabs/rezgate/types"
)

func testPolicy(maxRetries int) *Policy {
	return &Policy{
		MaxRetries: maxRetries,
		BaseDelay:  5 * time.Millisecond,
		MaxDelay:   50 * time.Millisecond,
	}
}

func TestThrottleRetryer_SuccessFirstTry(t *testing.T) {
	r := NewThrottleRetryer(testPolicy(3), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestThrottleRetryer_ExhaustionReturnsLastError(t *testing.T) {
	r := NewThrottleRetryer(testPolicy(2), zap.NewNop())

	throttled := types.NewError(types.ErrThrottling, "slow down")
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return throttled
	})

	// max_retries=2 means exactly 3 invocations, original error re-raised.
	assert.Equal(t, 3, calls)
	require.Error(t, err)
	assert.Same(t, throttled, err)
}

func TestThrottleRetryer_NonThrottlingShortCircuits(t *testing.T) {
	r := NewThrottleRetryer(testPolicy(5), zap.NewNop())

	calls := 0
	upstream := types.NewError(types.ErrUpstreamError, "boom")
	err := r.Do(context.Background(), func() error {
		calls++
		return upstream
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, upstream, err)
}

func TestThrottleRetryer_PlainErrorNotRetried(t *testing.T) {
	r := NewThrottleRetryer(testPolicy(5), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return errors.New("not classified")
	})

	assert.Equal(t, 1, calls)
	assert.Error(t, err)
}

func TestThrottleRetryer_RecoversMidway(t *testing.T) {
	r := NewThrottleRetryer(testPolicy(5), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return types.NewError(types.ErrTooManyRequests, "throttled")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestThrottleRetryer_ContextCancel(t *testing.T) {
	policy := testPolicy(5)
	policy.BaseDelay = 500 * time.Millisecond
	r := NewThrottleRetryer(policy, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	err := r.Do(ctx, func() error {
		calls++
		return types.NewError(types.ErrThrottling, "throttled")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
}

func TestThrottleRetryer_DelayBounds(t *testing.T) {
	policy := &Policy{
		MaxRetries: 4,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   40 * time.Millisecond,
	}
	r := NewThrottleRetryer(policy, zap.NewNop())

	for attempt := 0; attempt < 10; attempt++ {
		d := r.delayFor(attempt)
		base := float64(policy.BaseDelay) * float64(int(1)<<attempt)
		capped := min(base, float64(policy.MaxDelay))
		assert.GreaterOrEqual(t, float64(d), capped)
		assert.LessOrEqual(t, float64(d), capped*1.5)
	}
}

func TestThrottleRetryer_OnRetryCallback(t *testing.T) {
	policy := testPolicy(2)
	var attempts []int
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}
	r := NewThrottleRetryer(policy, zap.NewNop())

	_ = r.Do(context.Background(), func() error {
		return types.NewError(types.ErrThrottling, "throttled")
	})

	assert.Equal(t, []int{0, 1}, attempts)
}
