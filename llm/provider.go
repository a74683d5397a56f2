// Package llm defines the inference provider contract and the governor that
// guards every call to the hosted inference service.
package llm

import (
	"context"
	"time"

	"github.com/fairwaylabs/rezgate/types"
)

// ChatRequest is a unified inference request.
type ChatRequest struct {
	Model       string             `json:"model"`
	Messages    []types.Message    `json:"messages"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature float32            `json:"temperature,omitempty"`
	Stop        []string           `json:"stop,omitempty"`
	Tools       []types.ToolSchema `json:"tools,omitempty"`
	Timeout     time.Duration      `json:"timeout,omitempty"`
}

// ChatChoice is a single generation candidate.
type ChatChoice struct {
	Index        int           `json:"index"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Message      types.Message `json:"message"`
}

// ChatResponse is a unified inference response.
type ChatResponse struct {
	ID        string           `json:"id,omitempty"`
	Provider  string           `json:"provider,omitempty"`
	Model     string           `json:"model"`
	Choices   []ChatChoice     `json:"choices"`
	Usage     types.TokenUsage `json:"usage,omitempty"`
	CreatedAt time.Time        `json:"created_at,omitempty"`
}

// FirstMessage returns the message of the first choice, or an empty message.
func (r *ChatResponse) FirstMessage() types.Message {
	if r == nil || len(r.Choices) == 0 {
		return types.Message{}
	}
	return r.Choices[0].Message
}

// ToolCalls returns the tool calls requested by the first choice.
func (r *ChatResponse) ToolCalls() []types.ToolCall {
	return r.FirstMessage().ToolCalls
}

// HealthStatus reports the result of a provider health probe.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}

// Provider is the transport to the hosted inference service. Implementations
// carry their own adaptive retry configuration for transient faults; callers
// that need throttling-specific backoff wrap calls with the Governor.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Completion performs a single (non-streaming) inference call.
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// HealthCheck probes the upstream endpoint.
	HealthCheck(ctx context.Context) (*HealthStatus, error)
}
