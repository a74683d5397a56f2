package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fairwaylabs/rezgate/courses"
	"github.com/fairwaylabs/rezgate/dispatch"
	"github.com/fairwaylabs/rezgate/ledger"
	"github.com/fairwaylabs/rezgate/llm"
	"github.com/fairwaylabs/rezgate/llm/tokenizer"
	"github.com/fairwaylabs/rezgate/types"
)

type fakeInvoker struct {
	calls     int
	responses []*llm.ChatResponse
}

func (f *fakeInvoker) Invoke(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx], nil
}

type fakeGuard struct {
	allow       bool
	denial      *ledger.Decision
	reconciled  []types.TokenUsage
	usageReport *ledger.UsageReport
}

func (f *fakeGuard) CheckAndReserve(ctx context.Context, estIn, estOut int64) *ledger.Decision {
	if f.allow {
		return &ledger.Decision{Allowed: true}
	}
	return f.denial
}

func (f *fakeGuard) Reconcile(ctx context.Context, usage types.TokenUsage) {
	f.reconciled = append(f.reconciled, usage)
}

func (f *fakeGuard) Usage(ctx context.Context) (*ledger.UsageReport, error) {
	return f.usageReport, nil
}

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model: "test-model",
		Choices: []llm.ChatChoice{{
			FinishReason: "stop",
			Message:      types.NewAssistantMessage(content),
		}},
		Usage: types.TokenUsage{InputTokens: 100, OutputTokens: 20},
	}
}

func toolResponse(calls ...types.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model: "test-model",
		Choices: []llm.ChatChoice{{
			FinishReason: "tool_use",
			Message:      types.Message{Role: types.RoleAssistant, ToolCalls: calls},
		}},
		Usage: types.TokenUsage{InputTokens: 100, OutputTokens: 30},
	}
}

type loopFixture struct {
	loop   *Loop
	guard  *fakeGuard
	client *redis.Client
}

func newLoopFixture(t *testing.T, invoker Invoker, pollWindow time.Duration) *loopFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	catalog, err := courses.Load("")
	require.NoError(t, err)

	guard := &fakeGuard{allow: true}
	bus := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Stream: "actions",
		Source: "rezgate-test",
		Stage:  types.StageDev,
	}, client, nil, zap.NewNop())
	poller := dispatch.NewPoller(dispatch.PollerConfig{
		Stream:        "responses",
		Group:         "test-group",
		Consumer:      "test-consumer",
		BlockInterval: 20 * time.Millisecond,
	}, client, nil, zap.NewNop())
	sessions := NewRedisSessionStore(client, time.Hour, zap.NewNop())

	loop := NewLoop(LoopConfig{
		Model:         "test-model",
		MaxTokens:     1024,
		MaxIterations: 3,
		PollWindow:    pollWindow,
	}, invoker, guard, bus, poller, sessions, NewToolset(catalog), tokenizer.NewEstimator(""), zap.NewNop())

	return &loopFixture{loop: loop, guard: guard, client: client}
}

// runWorker simulates the external action worker: it reads work orders off
// the action stream and posts completed responses echoing tool_call_id.
func (f *loopFixture) runWorker(t *testing.T, result string) {
	t.Helper()
	responder := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Stream: "responses",
		Source: "action-worker",
		Stage:  types.StageDev,
	}, f.client, nil, zap.NewNop())

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		seen := map[string]bool{}
		for time.Now().Before(deadline) {
			msgs, err := f.client.XRange(context.Background(), "actions", "-", "+").Result()
			if err != nil {
				return
			}
			for _, msg := range msgs {
				if seen[msg.ID] {
					continue
				}
				seen[msg.ID] = true
				env, err := dispatch.DecodeEnvelope([]byte(msg.Values["body"].(string)))
				if err != nil || env.MessageType != dispatch.MessageTypeWebAction {
					continue
				}
				var order struct {
					ToolCallID string `json:"tool_call_id"`
				}
				_ = json.Unmarshal(env.Payload, &order)
				payload, _ := json.Marshal(map[string]string{
					"tool_call_id": order.ToolCallID,
					"result":       result,
				})
				resp := dispatch.NewEnvelope(types.StageDev, "action-worker", env.CorrelationID, dispatch.MessageTypeAgentResponse, payload)
				resp.Status = dispatch.StatusCompleted
				_ = responder.Publish(context.Background(), resp)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
}

func TestLoop_PlainAnswer(t *testing.T) {
	inv := &fakeInvoker{responses: []*llm.ChatResponse{textResponse("The course opens at 7am.")}}
	f := newLoopFixture(t, inv, 100*time.Millisecond)

	result, err := f.loop.HandleTurn(context.Background(), "s1", "When does the course open?")
	require.NoError(t, err)
	assert.Equal(t, "The course opens at 7am.", result.Reply)
	assert.Equal(t, 1, result.Iterations)
	assert.False(t, result.Pending)
	assert.Equal(t, 120, result.Usage.TotalTokens)

	require.Len(t, f.guard.reconciled, 1, "actual usage is settled after the call")
	assert.Equal(t, 100, f.guard.reconciled[0].InputTokens)
}

func TestLoop_SessionPersistsAcrossTurns(t *testing.T) {
	inv := &fakeInvoker{responses: []*llm.ChatResponse{textResponse("Hello!")}}
	f := newLoopFixture(t, inv, 100*time.Millisecond)

	_, err := f.loop.HandleTurn(context.Background(), "s1", "Hi")
	require.NoError(t, err)
	_, err = f.loop.HandleTurn(context.Background(), "s1", "Hi again")
	require.NoError(t, err)

	sessions := NewRedisSessionStore(f.client, time.Hour, zap.NewNop())
	sess, err := sessions.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 4, "two user and two assistant messages")
}

func TestLoop_ToolRoundTrip(t *testing.T) {
	call := types.ToolCall{ID: "t1", Name: ToolSearchTeeTimes, Arguments: []byte(`{"date":"2026-08-29"}`)}
	inv := &fakeInvoker{responses: []*llm.ChatResponse{
		toolResponse(call),
		textResponse("Saturday has a 9:40 opening."),
	}}
	f := newLoopFixture(t, inv, 2*time.Second)
	f.runWorker(t, "9:40 available")

	result, err := f.loop.HandleTurn(context.Background(), "s1", "Anything open Saturday?")
	require.NoError(t, err)
	assert.Equal(t, "Saturday has a 9:40 opening.", result.Reply)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, 2, inv.calls)
	assert.False(t, result.Pending)

	sessions := NewRedisSessionStore(f.client, time.Hour, zap.NewNop())
	sess, err := sessions.Get(context.Background(), "s1")
	require.NoError(t, err)
	var toolMsg *types.Message
	for i := range sess.Messages {
		if sess.Messages[i].Role == types.RoleTool {
			toolMsg = &sess.Messages[i]
		}
	}
	require.NotNil(t, toolMsg, "the tool result is part of the history")
	assert.Equal(t, "t1", toolMsg.ToolCallID)
	assert.Contains(t, toolMsg.Content, "9:40 available")
}

func TestLoop_NoWorkerYieldsPendingNotice(t *testing.T) {
	call := types.ToolCall{ID: "t1", Name: ToolBookTeeTime, Arguments: []byte(`{"date":"2026-08-29","time":"09:40","players":2,"player_name":"Sam"}`)}
	inv := &fakeInvoker{responses: []*llm.ChatResponse{toolResponse(call)}}
	f := newLoopFixture(t, inv, 150*time.Millisecond)

	result, err := f.loop.HandleTurn(context.Background(), "s1", "Book the 9:40 for two")
	require.NoError(t, err)
	assert.True(t, result.Pending)
	assert.Equal(t, pendingNotice, result.Reply)
	assert.Equal(t, 1, inv.calls, "no second model call without tool results")
}

func TestLoop_CapDenialIsTerminal(t *testing.T) {
	inv := &fakeInvoker{responses: []*llm.ChatResponse{textResponse("should never appear")}}
	f := newLoopFixture(t, inv, 100*time.Millisecond)
	f.guard.allow = false
	f.guard.denial = &ledger.Decision{
		Allowed:     false,
		Message:     "daily spend cap reached",
		CurrentCost: 25.0,
		DailyCap:    25.0,
		ResetTime:   time.Now().Add(time.Hour).UTC(),
	}

	result, err := f.loop.HandleTurn(context.Background(), "s1", "Book me a tee time")
	require.NoError(t, err)
	assert.True(t, result.Denied)
	assert.Contains(t, result.Reply, "budget has been reached")
	assert.Equal(t, 0, inv.calls, "denied turns never reach the model")
}

func TestLoop_DegradedResponsePassesThrough(t *testing.T) {
	degraded := &llm.ChatResponse{
		Model: "test-model",
		Choices: []llm.ChatChoice{{
			FinishReason: llm.FinishReasonDegraded,
			Message:      types.NewAssistantMessage("High load right now, try again shortly."),
		}},
	}
	inv := &fakeInvoker{responses: []*llm.ChatResponse{degraded}}
	f := newLoopFixture(t, inv, 100*time.Millisecond)

	result, err := f.loop.HandleTurn(context.Background(), "s1", "hello")
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Equal(t, "High load right now, try again shortly.", result.Reply)
}

func TestLoop_UsageShortcutSkipsModel(t *testing.T) {
	inv := &fakeInvoker{responses: []*llm.ChatResponse{textResponse("nope")}}
	f := newLoopFixture(t, inv, 100*time.Millisecond)
	f.guard.usageReport = &ledger.UsageReport{
		Stage:           types.StageDev,
		Date:            "2026-08-27",
		TotalCost:       1.25,
		DailyCap:        25.0,
		RemainingBudget: 23.75,
		PercentUsed:     5.0,
		RequestCount:    10,
		ResetTime:       time.Now().Add(time.Hour).UTC(),
	}

	result, err := f.loop.HandleTurn(context.Background(), "s1", "usage")
	require.NoError(t, err)
	assert.Contains(t, result.Reply, "$1.2500")
	assert.Contains(t, result.Reply, "$25.00")
	assert.Equal(t, 0, inv.calls)
}

func TestLoop_NotificationIsFireAndForget(t *testing.T) {
	notify := types.ToolCall{ID: "t1", Name: ToolSendNotification, Arguments: []byte(`{"message":"Booked!"}`)}
	inv := &fakeInvoker{responses: []*llm.ChatResponse{
		toolResponse(notify),
		textResponse("Done, I've sent you a confirmation."),
	}}
	f := newLoopFixture(t, inv, 100*time.Millisecond)

	start := time.Now()
	result, err := f.loop.HandleTurn(context.Background(), "s1", "Send me a confirmation")
	require.NoError(t, err)
	assert.Equal(t, "Done, I've sent you a confirmation.", result.Reply)
	assert.Less(t, time.Since(start), 2*time.Second, "notifications do not wait on the response queue")

	msgs, err := f.client.XRange(context.Background(), "actions", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "notify", msgs[0].Values["message_type"])
}

func TestLoop_IterationBudgetBounds(t *testing.T) {
	call := types.ToolCall{ID: "t1", Name: ToolGetWeather, Arguments: []byte(`{}`)}
	// The model keeps asking for tools forever.
	inv := &fakeInvoker{responses: []*llm.ChatResponse{toolResponse(call)}}
	f := newLoopFixture(t, inv, 500*time.Millisecond)
	f.runWorker(t, "sunny")

	result, err := f.loop.HandleTurn(context.Background(), "s1", "weather?")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Iterations, "the loop never exceeds max_iterations")
	assert.Equal(t, pendingNotice, result.Reply)
}
