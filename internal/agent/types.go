package agent

import (
	"context"
	"encoding/json"

	"github.com/owui/gateway-core/pkg/models"
)

// Tool is one executable capability exposed to a model. Implementations
// live under internal/sandbox, internal/filerecall and internal/memory;
// the registry only ever deals in this interface, never a provider's
// native tool representation.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, arguments json.RawMessage) (string, error)
}

// ToolDefinition is the canonical, provider-agnostic shape of a tool:
// (name, human description, JSON-Schema parameter object). Names are
// globally unique across the registry.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// EventKind discriminates an Event emitted by a Provider's Chat stream.
type EventKind string

const (
	// EventTextDelta carries one fragment of assistant text, in the order
	// the provider emitted it.
	EventTextDelta EventKind = "text_delta"

	// EventReasoningDelta carries one fragment of a model's reasoning/
	// thinking trace, on a channel distinct from EventTextDelta so the UI
	// can segregate it.
	EventReasoningDelta EventKind = "reasoning_delta"

	// EventToolCallAssembled is emitted exactly once per tool call, after
	// all of that call's argument fragments have been buffered. It is
	// never emitted mid-stream.
	EventToolCallAssembled EventKind = "tool_call_assembled"

	// EventTurnEnd is always the last event of a turn.
	EventTurnEnd EventKind = "turn_end"
)

// Usage is normalized token accounting for one assistant turn. Cached
// input tokens are not uniformly reported by every provider; a zero value
// means "not reported", not "zero cost".
type Usage struct {
	InputTokens       int
	OutputTokens      int
	CachedInputTokens int
	CacheWriteTokens  int
}

// Event is one element of the canonical stream a Provider.Chat call
// yields. Only the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// Text holds the delta payload for EventTextDelta/EventReasoningDelta.
	Text string

	// ToolCall holds the assembled call for EventToolCallAssembled.
	ToolCall *models.ToolCall

	// FinishReason and Usage are populated on EventTurnEnd.
	FinishReason string
	Usage        Usage

	// Err, when non-nil, terminates the stream; the channel is closed
	// immediately after an Err event.
	Err error
}

// CompletionRequest is the canonical request passed to every Provider.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []models.CanonicalMessage
	Tools     []ToolDefinition
	MaxTokens int

	// Strict requests additionalProperties:false on rendered schemas,
	// where the provider's tool-calling mode supports it.
	Strict bool
}

// Provider is the contract each of the three upstream adapters
// (OpenAI Chat Completions, Anthropic Messages, Ollama-compatible chat)
// implements. The OpenAI adapter does not use the Responses API.
//
// Ordering guarantee: within one assistant turn, EventTextDelta events
// are emitted in the order the provider emits them; EventToolCallAssembled
// events are emitted at turn end, after all text for that turn;
// EventTurnEnd is the last event of the turn.
type Provider interface {
	Name() string
	SupportsTools() bool
	Chat(ctx context.Context, req CompletionRequest) (<-chan Event, error)
}
