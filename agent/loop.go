// Package agent runs the conversation loop: governed inference, spend
// accounting, and asynchronous tool execution over the action bus.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fairwaylabs/rezgate/dispatch"
	"github.com/fairwaylabs/rezgate/ledger"
	"github.com/fairwaylabs/rezgate/llm"
	"github.com/fairwaylabs/rezgate/llm/tokenizer"
	"github.com/fairwaylabs/rezgate/types"
)

// defaultSystemPrompt keeps the agent on task; the full prompt is an
// operational concern and can be replaced via LoopConfig.
const defaultSystemPrompt = "You are a golf reservation assistant. You help " +
	"users find, book, and manage tee times, check the weather, and review " +
	"their reservations. Use the provided tools for anything that touches " +
	"the reservation systems; never invent availability."

// pendingNotice is the reply when actions were dispatched but no result
// arrived inside the poll window.
const pendingNotice = "I've started working on that, but it's taking longer " +
	"than expected. Ask me again in a moment and I'll have the result."

// Invoker is the governed inference entry point.
type Invoker interface {
	Invoke(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
}

// SpendGuard is the slice of the spend ledger the loop needs.
type SpendGuard interface {
	CheckAndReserve(ctx context.Context, estimatedInput, estimatedOutput int64) *ledger.Decision
	Reconcile(ctx context.Context, usage types.TokenUsage)
	Usage(ctx context.Context) (*ledger.UsageReport, error)
}

// ActionBus publishes tool work orders.
type ActionBus interface {
	Dispatch(ctx context.Context, correlationID string, msgType dispatch.MessageType, payload json.RawMessage) (*dispatch.Envelope, error)
}

// ResponseSource drains action results for one turn.
type ResponseSource interface {
	Drain(ctx context.Context, window time.Duration, correlationID string) ([]*dispatch.Envelope, error)
}

// LoopConfig holds the conversation knobs.
type LoopConfig struct {
	Model         string
	MaxTokens     int
	Temperature   float32
	MaxIterations int
	PollWindow    time.Duration
	SystemPrompt  string
}

// TurnResult is the outcome of one user turn.
type TurnResult struct {
	SessionID     string           `json:"session_id"`
	CorrelationID string           `json:"correlation_id"`
	Reply         string           `json:"reply"`
	Denied        bool             `json:"denied,omitempty"`
	Pending       bool             `json:"pending,omitempty"`
	Degraded      bool             `json:"degraded,omitempty"`
	Iterations    int              `json:"iterations"`
	Usage         types.TokenUsage `json:"usage"`
}

// Loop drives one conversation turn end to end. All collaborators are
// injected; the loop owns no goroutines and no globals.
type Loop struct {
	cfg       LoopConfig
	invoker   Invoker
	guard     SpendGuard
	bus       ActionBus
	responses ResponseSource
	sessions  SessionStore
	tools     *Toolset
	estimator tokenizer.Counter
	logger    *zap.Logger
}

// NewLoop wires the conversation loop.
func NewLoop(cfg LoopConfig, invoker Invoker, guard SpendGuard, bus ActionBus, responses ResponseSource, sessions SessionStore, tools *Toolset, estimator tokenizer.Counter, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 5
	}
	if cfg.PollWindow <= 0 {
		cfg.PollWindow = 30 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &Loop{
		cfg:       cfg,
		invoker:   invoker,
		guard:     guard,
		bus:       bus,
		responses: responses,
		sessions:  sessions,
		tools:     tools,
		estimator: estimator,
		logger:    logger.With(zap.String("component", "loop")),
	}
}

// HandleTurn processes one user message and returns the agent's reply.
//
// The sequence per iteration: reserve estimated spend, invoke the governed
// model, reconcile actual usage, then either answer or execute tool calls
// through the bus and feed their results back. A spend-cap denial ends the
// turn with a user-visible rejection and is never retried internally.
func (l *Loop) HandleTurn(ctx context.Context, sessionID, text string) (*TurnResult, error) {
	sess, err := l.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	correlationID := uuid.NewString()
	result := &TurnResult{SessionID: sess.ID, CorrelationID: correlationID}
	logger := l.logger.With(
		zap.String("session_id", sess.ID),
		zap.String("correlation_id", correlationID),
	)

	// Spend questions are answered straight from the ledger; no tokens
	// are worth burning to report how many tokens were burnt.
	if isUsageQuery(text) {
		reply, err := l.usageReply(ctx)
		if err != nil {
			return nil, err
		}
		sess.Append(types.NewUserMessage(text), types.NewAssistantMessage(reply))
		result.Reply = reply
		return result, l.sessions.Save(ctx, sess)
	}

	sess.Append(types.NewUserMessage(text))

	for i := 0; i < l.cfg.MaxIterations; i++ {
		result.Iterations = i + 1
		history := l.requestMessages(sess)

		estIn := int64(l.estimator.CountMessages(history))
		decision := l.guard.CheckAndReserve(ctx, estIn, int64(l.cfg.MaxTokens))
		if !decision.Allowed {
			logger.Warn("turn rejected by spend cap", zap.String("reason", decision.Message))
			result.Denied = true
			result.Reply = capDeniedReply(decision)
			sess.Append(types.NewAssistantMessage(result.Reply))
			return result, l.sessions.Save(ctx, sess)
		}

		resp, err := l.invoker.Invoke(ctx, &llm.ChatRequest{
			Model:       l.cfg.Model,
			Messages:    history,
			MaxTokens:   l.cfg.MaxTokens,
			Temperature: l.cfg.Temperature,
			Tools:       l.tools.Schemas(),
		})
		if err != nil {
			return nil, err
		}

		l.guard.Reconcile(ctx, resp.Usage)
		result.Usage.Add(resp.Usage)

		msg := resp.FirstMessage()
		sess.Append(msg)

		if resp.Choices[0].FinishReason == llm.FinishReasonDegraded {
			result.Degraded = true
			result.Reply = msg.Content
			break
		}

		calls := resp.ToolCalls()
		if len(calls) == 0 {
			result.Reply = msg.Content
			break
		}

		toolMsgs, anyResult, err := l.executeTools(ctx, correlationID, calls, logger)
		if err != nil {
			return nil, err
		}
		sess.Append(toolMsgs...)

		if !anyResult {
			result.Pending = true
			result.Reply = pendingNotice
			sess.Append(types.NewAssistantMessage(pendingNotice))
			break
		}
	}

	if result.Reply == "" {
		// Iteration budget ran out while the model kept calling tools.
		result.Reply = pendingNotice
		result.Pending = true
		sess.Append(types.NewAssistantMessage(pendingNotice))
	}

	return result, l.sessions.Save(ctx, sess)
}

// requestMessages builds the model input: system prompt plus history.
func (l *Loop) requestMessages(sess *Session) []types.Message {
	msgs := make([]types.Message, 0, len(sess.Messages)+1)
	msgs = append(msgs, types.NewSystemMessage(l.cfg.SystemPrompt))
	return append(msgs, sess.Messages...)
}

// executeTools publishes each call to the bus, drains responses for the
// async ones, and returns the tool-result messages to feed back. anyResult
// is false when every async action timed out.
func (l *Loop) executeTools(ctx context.Context, correlationID string, calls []types.ToolCall, logger *zap.Logger) ([]types.Message, bool, error) {
	results := make(map[string]string, len(calls))
	awaiting := 0

	for _, call := range calls {
		msgType, payload, err := l.tools.BuildAction(call)
		if err != nil {
			// Feed the failure back so the model can correct itself.
			logger.Warn("tool call rejected", zap.String("tool", call.Name), zap.Error(err))
			results[call.ID] = fmt.Sprintf("Tool Response (status: failed)\n%v", err)
			continue
		}

		env, err := l.bus.Dispatch(ctx, correlationID, msgType, payload)
		if err != nil {
			// The action was never submitted; the turn carries on with
			// an explicit failure rather than a silent drop.
			logger.Error("action dispatch failed", zap.String("tool", call.Name), zap.Error(err))
			results[call.ID] = "Tool Response (status: failed)\nthe action could not be submitted"
			continue
		}

		logger.Info("tool dispatched",
			zap.String("tool", call.Name),
			zap.String("message_id", env.ID),
			zap.String("message_type", string(msgType)),
		)

		if l.tools.IsAsync(call.Name) {
			awaiting++
		} else {
			results[call.ID] = "Tool Response (status: queued)\nnotification queued for delivery"
		}
	}

	if awaiting > 0 {
		envs, err := l.responses.Drain(ctx, l.cfg.PollWindow, correlationID)
		if err != nil {
			logger.Error("response drain failed", zap.Error(err))
		}
		matchResponses(results, envs)

		if len(envs) == 0 && err == nil {
			// Nothing came back inside the window. The caller turns
			// this into a pending notice instead of guessing.
			stillWaiting := 0
			for _, call := range calls {
				if _, ok := results[call.ID]; !ok {
					stillWaiting++
				}
			}
			if stillWaiting == len(calls) {
				fillPending(results, calls)
				return toolMessages(calls, results), false, nil
			}
		}
	}

	fillPending(results, calls)
	return toolMessages(calls, results), true, nil
}

// matchResponses assigns drained envelopes to tool calls via the
// tool_call_id echoed in the payload.
func matchResponses(results map[string]string, envs []*dispatch.Envelope) {
	for _, env := range envs {
		var echo struct {
			ToolCallID string `json:"tool_call_id"`
		}
		if len(env.Payload) > 0 {
			_ = json.Unmarshal(env.Payload, &echo)
		}
		if echo.ToolCallID == "" {
			continue
		}
		results[echo.ToolCallID] = dispatch.FormatForAgent([]*dispatch.Envelope{env})
	}
}

// fillPending marks calls that never got a response.
func fillPending(results map[string]string, calls []types.ToolCall) {
	for _, call := range calls {
		if _, ok := results[call.ID]; !ok {
			results[call.ID] = "Tool Response (status: processing)\nthe action has not completed yet"
		}
	}
}

func toolMessages(calls []types.ToolCall, results map[string]string) []types.Message {
	msgs := make([]types.Message, 0, len(calls))
	for _, call := range calls {
		msgs = append(msgs, types.NewToolMessage(call.ID, call.Name, results[call.ID]))
	}
	return msgs
}

// isUsageQuery matches the spend-report shortcut.
func isUsageQuery(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	return t == "cost" || t == "usage" ||
		strings.Contains(t, "how much have") ||
		strings.Contains(t, "spend report") ||
		strings.Contains(t, "usage report")
}

// usageReply renders the ledger state for the shortcut path.
func (l *Loop) usageReply(ctx context.Context) (string, error) {
	report, err := l.guard.Usage(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"Today's usage (%s): $%.4f of $%.2f daily budget (%.1f%%), %d requests, "+
			"%d input / %d output tokens. The budget resets at %s.",
		report.Date, report.TotalCost, report.DailyCap, report.PercentUsed,
		report.RequestCount, report.InputTokens, report.OutputTokens,
		report.ResetTime.Format(time.RFC3339),
	), nil
}

// capDeniedReply turns a ledger denial into a user-facing message.
func capDeniedReply(d *ledger.Decision) string {
	return fmt.Sprintf(
		"I can't take on more work right now: today's usage budget has been "+
			"reached ($%.4f of $%.2f). The budget resets at %s.",
		d.CurrentCost, d.DailyCap, d.ResetTime.Format(time.RFC3339),
	)
}
