package llm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fairwaylabs/rezgate/internal/metrics"
	"github.com/fairwaylabs/rezgate/llm/ratelimit"
	"github.com/fairwaylabs/rezgate/llm/retry"
	"github.com/fairwaylabs/rezgate/types"
)

// FinishReasonDegraded marks a synthetic response produced after throttling
// retries were exhausted. The conversation presents it instead of crashing
// the turn.
const FinishReasonDegraded = "degraded"

// degradedContent is the user-facing text of the synthetic reply.
const degradedContent = "I'm receiving an unusually high volume of requests " +
	"right now and couldn't reach the model. Please try again in a moment."

// GovernorConfig holds the governance knobs around every inference call.
type GovernorConfig struct {
	// AcquireTimeout bounds how long a call may wait on the rate limiter.
	AcquireTimeout time.Duration
	// RetryPolicy is the throttling-only backoff layered above the
	// transport's own adaptive retry.
	RetryPolicy *retry.Policy
}

// DefaultGovernorConfig returns the governance defaults.
func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		AcquireTimeout: 30 * time.Second,
		RetryPolicy:    retry.DefaultPolicy(),
	}
}

// Governor guards every call to the inference provider: it acquires a
// rate-limiter token, invokes the provider (which carries transport-level
// adaptive retry), and wraps the call in a throttling-specific backoff
// layer. On total throttling exhaustion it returns a degraded synthetic
// response rather than an error.
type Governor struct {
	provider Provider
	bucket   *ratelimit.TokenBucket
	retryer  *retry.ThrottleRetryer
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// NewGovernor builds a governor around provider. All collaborators are
// injected; there are no package-level singletons.
func NewGovernor(provider Provider, bucket *ratelimit.TokenBucket, cfg GovernorConfig, collector *metrics.Collector, logger *zap.Logger) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	policy := cfg.RetryPolicy
	if policy == nil {
		policy = retry.DefaultPolicy()
	}
	// Copy before wrapping so the caller's policy is never mutated and
	// hooks cannot stack across governors sharing one policy.
	pol := *policy
	onRetry := pol.OnRetry
	pol.OnRetry = func(attempt int, err error, delay time.Duration) {
		collector.RecordThrottleRetry()
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
	}

	return &Governor{
		provider: provider,
		bucket:   bucket,
		retryer:  retry.NewThrottleRetryer(&pol, logger),
		timeout:  timeout,
		logger:   logger.With(zap.String("component", "governor")),
		metrics:  collector,
	}
}

// Invoke performs one governed inference call.
//
// Error contract: a starved rate limiter yields RATE_LIMIT_TIMEOUT; a
// caller-cancelled context propagates as the context error;
// non-throttling transport errors propagate unchanged; exhausted throttling
// retries yield a degraded synthetic response with a nil error.
func (g *Governor) Invoke(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if !g.bucket.Acquire(ctx, 1, g.timeout) {
		// A cancelled caller is not starvation; report it as such.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g.metrics.RecordRateLimitTimeout()
		g.logger.Warn("rate limiter starved",
			zap.Duration("timeout", g.timeout),
			zap.String("model", req.Model),
		)
		return nil, types.NewError(types.ErrRateLimitTimeout,
			"rate limit timeout: too many concurrent requests").
			WithHTTPStatus(429).
			WithRetryable(true)
	}

	start := time.Now()
	var resp *ChatResponse
	err := g.retryer.Do(ctx, func() error {
		var callErr error
		resp, callErr = g.provider.Completion(ctx, req)
		return callErr
	})
	elapsed := time.Since(start)

	switch {
	case err == nil:
		g.metrics.RecordLLMRequest(g.provider.Name(), req.Model, "ok", elapsed.Seconds())
		g.metrics.RecordTokens(resp.Usage.InputTokens, resp.Usage.OutputTokens)
		g.logger.Info("inference call completed",
			zap.String("model", req.Model),
			zap.Duration("elapsed", elapsed),
			zap.Int("input_tokens", resp.Usage.InputTokens),
			zap.Int("output_tokens", resp.Usage.OutputTokens),
		)
		return resp, nil

	case types.IsThrottling(err):
		// Retries are exhausted. Degrade instead of failing the turn.
		g.metrics.RecordLLMRequest(g.provider.Name(), req.Model, "degraded", elapsed.Seconds())
		g.logger.Error("throttling retries exhausted, returning degraded response",
			zap.String("model", req.Model),
			zap.Error(err),
		)
		return g.degradedResponse(req), nil

	default:
		g.metrics.RecordLLMRequest(g.provider.Name(), req.Model, "error", elapsed.Seconds())
		g.logger.Error("inference call failed",
			zap.String("model", req.Model),
			zap.Error(err),
		)
		return nil, err
	}
}

// degradedResponse builds the synthetic reply used when the model stays
// unreachable through every retry layer.
func (g *Governor) degradedResponse(req *ChatRequest) *ChatResponse {
	return &ChatResponse{
		Provider: g.provider.Name(),
		Model:    req.Model,
		Choices: []ChatChoice{{
			FinishReason: FinishReasonDegraded,
			Message:      types.NewAssistantMessage(degradedContent),
		}},
		CreatedAt: time.Now().UTC(),
	}
}
