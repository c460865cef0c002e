package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owui/gateway-core/pkg/models"
)

// scriptedProvider returns one event stream per call, consuming its script
// in order. Useful for driving the loop through a fixed sequence of turns.
type scriptedProvider struct {
	turns [][]Event
	calls int
}

func (p *scriptedProvider) Name() string         { return "scripted" }
func (p *scriptedProvider) SupportsTools() bool  { return true }
func (p *scriptedProvider) Chat(ctx context.Context, req CompletionRequest) (<-chan Event, error) {
	idx := p.calls
	p.calls++
	if idx >= len(p.turns) {
		idx = len(p.turns) - 1
	}
	ch := make(chan Event, len(p.turns[idx]))
	for _, e := range p.turns[idx] {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func drainEvents(t *testing.T, out chan Event) []Event {
	t.Helper()
	var collected []Event
	for {
		select {
		case e, ok := <-out:
			if !ok {
				return collected
			}
			collected = append(collected, e)
		case <-time.After(time.Second):
			return collected
		}
	}
}

func TestLoop_ToolFreeSingleTurnReturnsImmediately(t *testing.T) {
	provider := &scriptedProvider{turns: [][]Event{
		{
			{Kind: EventTextDelta, Text: "The time in Tokyo is "},
			{Kind: EventTextDelta, Text: "09:00 JST."},
			{Kind: EventTurnEnd, FinishReason: "stop"},
		},
	}}
	registry := NewRegistry()
	dispatcher := NewDispatcher(registry, nil, nil, time.Second)
	loop := NewLoop(provider, dispatcher, registry, 5)

	out := make(chan Event, 16)
	outcome, err := loop.Run(context.Background(), CompletionRequest{
		Messages: []models.CanonicalMessage{models.NewTextMessage(models.RoleUser, "What time is it in Tokyo?")},
	}, nil, "req-1", out)
	close(out)

	require.NoError(t, err)
	assert.False(t, outcome.Truncated)
	assert.Equal(t, 1, outcome.Iterations)
	last := outcome.Messages[len(outcome.Messages)-1]
	assert.Equal(t, models.RoleAssistant, last.Role)
	assert.Contains(t, last.Text(), "Tokyo")
}

func TestLoop_ToolCallThenCleanTurnRunsTwoIterations(t *testing.T) {
	toolCall := models.ToolCall{ID: "call-1", Name: "date_time_now", Arguments: json.RawMessage(`{"timezone":"Asia/Tokyo"}`)}
	provider := &scriptedProvider{turns: [][]Event{
		{
			{Kind: EventToolCallAssembled, ToolCall: &toolCall},
			{Kind: EventTurnEnd, FinishReason: "tool_calls"},
		},
		{
			{Kind: EventTextDelta, Text: "It is 09:00 in Tokyo."},
			{Kind: EventTurnEnd, FinishReason: "stop"},
		},
	}}
	registry := NewRegistry()
	registry.Register(fnTool{
		name:   "date_time_now",
		schema: `{"type":"object","properties":{"timezone":{"type":"string"}},"required":["timezone"]}`,
		fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "2026-07-30T09:00:00+09:00", nil
		},
	}, CategoryNone)
	dispatcher := NewDispatcher(registry, nil, nil, time.Second)
	loop := NewLoop(provider, dispatcher, registry, 5)

	out := make(chan Event, 16)
	outcome, err := loop.Run(context.Background(), CompletionRequest{
		Messages: []models.CanonicalMessage{models.NewTextMessage(models.RoleUser, "What time is it in Tokyo?")},
	}, []string{"date_time_now"}, "req-1", out)
	close(out)

	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Iterations)

	var sawToolMessage bool
	for _, m := range outcome.Messages {
		if m.Role == models.RoleTool && m.ToolCallID == "call-1" {
			sawToolMessage = true
			assert.Contains(t, m.Text(), "2026-07-30")
		}
	}
	assert.True(t, sawToolMessage)
}

func TestLoop_InvalidToolArgumentsRecoverAndContinue(t *testing.T) {
	badCall := models.ToolCall{ID: "call-1", Name: "needs_text", Arguments: json.RawMessage(`{}`)}
	provider := &scriptedProvider{turns: [][]Event{
		{
			{Kind: EventToolCallAssembled, ToolCall: &badCall},
			{Kind: EventTurnEnd, FinishReason: "tool_calls"},
		},
		{
			{Kind: EventTextDelta, Text: "Understood, let me try differently."},
			{Kind: EventTurnEnd, FinishReason: "stop"},
		},
	}}
	registry := NewRegistry()
	registry.Register(fnTool{
		name:   "needs_text",
		schema: `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`,
		fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			t.Fatal("execute must not run on invalid arguments")
			return "", nil
		},
	}, CategoryNone)
	dispatcher := NewDispatcher(registry, nil, nil, time.Second)
	loop := NewLoop(provider, dispatcher, registry, 5)

	out := make(chan Event, 16)
	outcome, err := loop.Run(context.Background(), CompletionRequest{
		Messages: []models.CanonicalMessage{models.NewTextMessage(models.RoleUser, "do a thing")},
	}, []string{"needs_text"}, "req-1", out)
	close(out)

	require.NoError(t, err)
	assert.False(t, outcome.Truncated)

	var toolMsg *models.CanonicalMessage
	for i := range outcome.Messages {
		if outcome.Messages[i].Role == models.RoleTool {
			toolMsg = &outcome.Messages[i]
		}
	}
	require.NotNil(t, toolMsg)
	assert.Contains(t, toolMsg.Text(), "invalid arguments")
}

func TestLoop_IterationCapTruncates(t *testing.T) {
	call := models.ToolCall{ID: "call-x", Name: "always_call", Arguments: json.RawMessage(`{}`)}
	turn := []Event{
		{Kind: EventToolCallAssembled, ToolCall: &call},
		{Kind: EventTurnEnd, FinishReason: "tool_calls"},
	}
	provider := &scriptedProvider{turns: [][]Event{turn, turn, turn}}
	registry := NewRegistry()
	execCount := 0
	registry.Register(fnTool{
		name:   "always_call",
		schema: `{"type":"object"}`,
		fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			execCount++
			return "ran", nil
		},
	}, CategoryNone)
	dispatcher := NewDispatcher(registry, nil, nil, time.Second)
	loop := NewLoop(provider, dispatcher, registry, 3)

	out := make(chan Event, 64)
	outcome, err := loop.Run(context.Background(), CompletionRequest{
		Messages: []models.CanonicalMessage{models.NewTextMessage(models.RoleUser, "go")},
	}, []string{"always_call"}, "req-1", out)
	close(out)

	require.Error(t, err)
	var kindErr *KindError
	require.ErrorAs(t, err, &kindErr)
	assert.Equal(t, KindBudgetExceeded, kindErr.Kind)
	assert.True(t, outcome.Truncated)
	assert.Equal(t, 3, execCount)
}
