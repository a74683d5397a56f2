// Package anthropic implements the inference Provider for the Anthropic
// messages API.
//
// The API differs from OpenAI-style endpoints in a few ways that shape the
// conversion code below:
//  1. authentication uses the x-api-key header, not a bearer token
//  2. the system prompt is passed as a separate field
//  3. tool results are wrapped as user-role tool_result content blocks
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fairwaylabs/rezgate/llm"
	"github.com/fairwaylabs/rezgate/types"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultTimeout   = 120 * time.Second
	defaultMaxTokens = 4096
)

// Config holds the transport configuration, including its own adaptive
// retry budget for transient faults. This retry layer is tuned for generic
// throttling; the throttling-specific backoff lives in llm/retry.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration

	// MaxAttempts bounds the in-transport retry loop (attempts, not
	// retries; 1 disables transport retry).
	MaxAttempts int
	// BaseDelay and MaxDelay shape the transport backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// RequestsPerSecond paces outgoing calls client-side. Zero disables
	// pacing.
	RequestsPerSecond float64
}

// Provider is the HTTP transport to the Anthropic messages API.
type Provider struct {
	cfg    Config
	client *http.Client
	pacer  *rate.Limiter
	logger *zap.Logger
}

// New creates an Anthropic provider.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 1 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var pacer *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		pacer:  pacer,
		logger: logger.With(zap.String("provider", "anthropic")),
	}
}

func (p *Provider) Name() string { return "anthropic" }

// HealthCheck probes the models endpoint.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("anthropic health check failed: status=%d", resp.StatusCode)
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// Wire types for the messages API.
type apiMessage struct {
	Role    string       `json:"role"`
	Content []apiContent `json:"content"`
}

type apiContent struct {
	Type      string          `json:"type"` // text, tool_use, tool_result
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"` // for tool_result
}

type apiTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	System      string       `json:"system,omitempty"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature float32      `json:"temperature,omitempty"`
	StopSeq     []string     `json:"stop_sequences,omitempty"`
	Tools       []apiTool    `json:"tools,omitempty"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type apiResponse struct {
	ID         string       `json:"id"`
	Type       string       `json:"type"`
	Role       string       `json:"role"`
	Content    []apiContent `json:"content"`
	Model      string       `json:"model"`
	StopReason string       `json:"stop_reason"`
	Usage      *apiUsage    `json:"usage,omitempty"`
}

type apiErrorResp struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

// convertMessages maps the unified history to the wire format. The system
// prompt is extracted, tool results become user-role tool_result blocks.
func convertMessages(msgs []types.Message) (string, []apiMessage) {
	var system string
	var out []apiMessage

	for _, m := range msgs {
		if m.Role == types.RoleSystem {
			system = m.Content
			continue
		}

		if m.Role == types.RoleTool {
			out = append(out, apiMessage{
				Role: "user",
				Content: []apiContent{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
			continue
		}

		am := apiMessage{Role: string(m.Role)}
		if m.Content != "" {
			am.Content = append(am.Content, apiContent{Type: "text", Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			am.Content = append(am.Content, apiContent{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: tc.Arguments,
			})
		}
		if len(am.Content) > 0 {
			out = append(out, am)
		}
	}
	return system, out
}

func convertTools(tools []types.ToolSchema) []apiTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]apiTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, apiTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return out
}

// Completion performs one inference call with the transport's adaptive
// retry: client-side pacing, bounded attempts, full-jitter backoff, and
// Retry-After awareness.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	system, messages := convertMessages(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	apiReq := apiRequest{
		Model:       req.Model,
		Messages:    messages,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		StopSeq:     req.Stop,
		Tools:       convertTools(req.Tools),
	}
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to encode request").WithCause(err)
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if p.pacer != nil {
			if err := p.pacer.Wait(ctx); err != nil {
				return nil, types.NewError(types.ErrUpstreamTimeout, "request cancelled while pacing").WithCause(err)
			}
		}

		resp, err := p.doRequest(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		retryAfter, retryable := transientDelay(err)
		if !retryable || attempt == p.cfg.MaxAttempts-1 {
			return nil, err
		}

		delay := p.backoffDelay(attempt)
		if retryAfter > delay {
			delay = retryAfter
		}
		p.logger.Warn("transient upstream fault, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, types.NewError(types.ErrUpstreamTimeout, "request cancelled during backoff").WithCause(ctx.Err())
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// backoffDelay returns a full-jitter delay for the given attempt.
func (p *Provider) backoffDelay(attempt int) time.Duration {
	capped := float64(p.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if max := float64(p.cfg.MaxDelay); capped > max {
		capped = max
	}
	return time.Duration(rand.Float64() * capped)
}

// transientDelay reports whether err is worth a transport-level retry and
// any server-requested delay.
func transientDelay(err error) (time.Duration, bool) {
	var apiErr *types.Error
	if !errors.As(err, &apiErr) || !apiErr.Retryable {
		return 0, false
	}
	return apiErr.RetryAfter, true
}

// doRequest performs a single HTTP round trip and maps the outcome.
func (p *Provider) doRequest(ctx context.Context, body []byte) (*llm.ChatResponse, error) {
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to build request").WithCause(err)
	}
	p.setHeaders(httpReq)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrUpstreamTimeout, "request deadline exceeded").WithCause(err)
		}
		return nil, types.NewError(types.ErrUpstreamError, "request failed").
			WithCause(err).
			WithRetryable(true)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "failed to read response").
			WithCause(err).
			WithRetryable(true)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, p.mapAPIError(httpResp, respBody)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "failed to decode response").WithCause(err)
	}
	return p.convertResponse(&apiResp), nil
}

// mapAPIError translates an HTTP error status into the error taxonomy.
// 429 and 529 are the throttling family; they carry any Retry-After hint.
func (p *Provider) mapAPIError(resp *http.Response, body []byte) error {
	var parsed apiErrorResp
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}

	var e *types.Error
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e = types.NewError(types.ErrThrottling, message).WithRetryable(true)
	case resp.StatusCode == 529: // anthropic "overloaded_error"
		e = types.NewError(types.ErrThrottling, message).WithRetryable(true)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e = types.NewError(types.ErrAuthentication, message)
	case resp.StatusCode >= 500:
		e = types.NewError(types.ErrUpstreamError, message).WithRetryable(true)
	default:
		e = types.NewError(types.ErrInvalidRequest, message)
	}
	e = e.WithHTTPStatus(resp.StatusCode).WithProvider("anthropic")

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}

func (p *Provider) convertResponse(apiResp *apiResponse) *llm.ChatResponse {
	msg := types.Message{Role: types.RoleAssistant}
	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}

	finish := apiResp.StopReason
	if finish == "end_turn" {
		finish = "stop"
	}

	resp := &llm.ChatResponse{
		ID:        apiResp.ID,
		Provider:  "anthropic",
		Model:     apiResp.Model,
		Choices:   []llm.ChatChoice{{FinishReason: finish, Message: msg}},
		CreatedAt: time.Now().UTC(),
	}
	if apiResp.Usage != nil {
		resp.Usage = types.TokenUsage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
			TotalTokens:  apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		}
	}
	return resp
}
