package llm

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fairwaylabs/rezgate/internal/metrics"
	"github.com/fairwaylabs/rezgate/llm/ratelimit"
	"github.com/fairwaylabs/rezgate/llm/retry"
	"github.com/fairwaylabs/rezgate/types"
)

// fakeProvider scripts Completion outcomes for governor tests.
type fakeProvider struct {
	calls     int
	responses []fakeOutcome
}

type fakeOutcome struct {
	resp *ChatResponse
	err  error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	out := f.responses[idx]
	return out.resp, out.err
}

func (f *fakeProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	return &HealthStatus{Healthy: true}, nil
}

func okResponse(content string) *ChatResponse {
	return &ChatResponse{
		Model: "test-model",
		Choices: []ChatChoice{{
			FinishReason: "stop",
			Message:      types.NewAssistantMessage(content),
		}},
		Usage: types.TokenUsage{InputTokens: 10, OutputTokens: 5},
	}
}

func testGovernor(t *testing.T, p Provider, bucket *ratelimit.TokenBucket) *Governor {
	t.Helper()
	cfg := GovernorConfig{
		AcquireTimeout: 200 * time.Millisecond,
		RetryPolicy: &retry.Policy{
			MaxRetries: 2,
			BaseDelay:  5 * time.Millisecond,
			MaxDelay:   20 * time.Millisecond,
		},
	}
	collector := metrics.NewCollector("rezgate_test", prometheus.NewRegistry())
	return NewGovernor(p, bucket, cfg, collector, zap.NewNop())
}

func TestGovernor_Success(t *testing.T) {
	p := &fakeProvider{responses: []fakeOutcome{{resp: okResponse("hi")}}}
	g := testGovernor(t, p, ratelimit.NewTokenBucket(60, zap.NewNop()))

	resp, err := g.Invoke(context.Background(), &ChatRequest{Model: "test-model"})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.FirstMessage().Content)
	assert.Equal(t, 1, p.calls)
}

func TestGovernor_RateLimitTimeout(t *testing.T) {
	bucket := ratelimit.NewTokenBucket(60, zap.NewNop())
	require.True(t, bucket.Acquire(context.Background(), 60, time.Second))

	p := &fakeProvider{responses: []fakeOutcome{{resp: okResponse("hi")}}}
	g := testGovernor(t, p, bucket)

	resp, err := g.Invoke(context.Background(), &ChatRequest{Model: "test-model"})
	assert.Nil(t, resp)
	require.Error(t, err)
	assert.Equal(t, types.ErrRateLimitTimeout, types.GetErrorCode(err))
	assert.Equal(t, 0, p.calls, "starved requests never reach the provider")
}

func TestGovernor_CanceledContextIsNotStarvation(t *testing.T) {
	bucket := ratelimit.NewTokenBucket(60, zap.NewNop())
	require.True(t, bucket.Acquire(context.Background(), 60, time.Second))

	p := &fakeProvider{responses: []fakeOutcome{{resp: okResponse("hi")}}}
	g := testGovernor(t, p, bucket)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := g.Invoke(ctx, &ChatRequest{Model: "test-model"})
	assert.Nil(t, resp)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotEqual(t, types.ErrRateLimitTimeout, types.GetErrorCode(err))
	assert.Equal(t, 0, p.calls)
}

func TestNewGovernor_LeavesCallerPolicyUntouched(t *testing.T) {
	shared := &retry.Policy{
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
	}
	cfg := GovernorConfig{AcquireTimeout: 100 * time.Millisecond, RetryPolicy: shared}

	throttled := types.NewError(types.ErrThrottling, "slow down")
	build := func(name string) *Governor {
		p := &fakeProvider{responses: []fakeOutcome{{err: throttled}}}
		collector := metrics.NewCollector(name, prometheus.NewRegistry())
		return NewGovernor(p, ratelimit.NewTokenBucket(60, zap.NewNop()), cfg, collector, zap.NewNop())
	}
	build("rezgate_test_a")
	g2 := build("rezgate_test_b")

	// Construction must never rewire the caller's policy; a second
	// governor built from the same policy would otherwise stack the
	// metric hooks.
	assert.Nil(t, shared.OnRetry)

	resp, err := g2.Invoke(context.Background(), &ChatRequest{Model: "test-model"})
	require.NoError(t, err)
	assert.Equal(t, FinishReasonDegraded, resp.Choices[0].FinishReason)
}

func TestGovernor_ThrottlingExhaustionDegrades(t *testing.T) {
	throttled := types.NewError(types.ErrThrottling, "slow down")
	p := &fakeProvider{responses: []fakeOutcome{{err: throttled}}}
	g := testGovernor(t, p, ratelimit.NewTokenBucket(60, zap.NewNop()))

	resp, err := g.Invoke(context.Background(), &ChatRequest{Model: "test-model"})
	require.NoError(t, err, "exhaustion degrades, it does not fail")
	require.NotNil(t, resp)
	assert.Equal(t, FinishReasonDegraded, resp.Choices[0].FinishReason)
	assert.NotEmpty(t, resp.FirstMessage().Content)
	assert.Equal(t, 3, p.calls, "initial attempt plus two retries")
}

func TestGovernor_ThrottlingRecovery(t *testing.T) {
	throttled := types.NewError(types.ErrTooManyRequests, "throttled")
	p := &fakeProvider{responses: []fakeOutcome{
		{err: throttled},
		{resp: okResponse("recovered")},
	}}
	g := testGovernor(t, p, ratelimit.NewTokenBucket(60, zap.NewNop()))

	resp, err := g.Invoke(context.Background(), &ChatRequest{Model: "test-model"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.FirstMessage().Content)
	assert.Equal(t, 2, p.calls)
}

func TestGovernor_NonThrottlingPropagates(t *testing.T) {
	upstream := types.NewError(types.ErrUpstreamError, "boom")
	p := &fakeProvider{responses: []fakeOutcome{{err: upstream}}}
	g := testGovernor(t, p, ratelimit.NewTokenBucket(60, zap.NewNop()))

	resp, err := g.Invoke(context.Background(), &ChatRequest{Model: "test-model"})
	assert.Nil(t, resp)
	assert.Same(t, upstream, err)
	assert.Equal(t, 1, p.calls, "non-throttling errors are never retried here")
}
