// Package models defines the canonical data types shared across the gateway.
package models

import "encoding/json"

// Role is the author of a CanonicalMessage.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType discriminates a ContentPart's payload.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// ContentPart is one element of a CanonicalMessage's ordered content list.
//
// Only the fields matching Type are populated; this is a tagged union, not
// a catch-all bag, so adapters can switch on Type without guessing which
// fields are meaningful.
type ContentPart struct {
	Type PartType `json:"type"`

	Text string `json:"text,omitempty"`

	// ImageURL is either a remote URL or a data: URI.
	ImageURL string `json:"image_url,omitempty"`

	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ToolCall is a structured invocation request emitted by a model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of dispatching a ToolCall, placed back into the
// conversation as the content of a tool-role CanonicalMessage.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// CanonicalMessage is one element of a conversation, independent of any
// upstream provider's wire format.
//
// Invariant: every tool-role message must reference a ToolCall id emitted
// by the assistant message immediately preceding it in the same iteration.
type CanonicalMessage struct {
	Role Role `json:"role"`

	// Content is the ordered list of parts. Text is the common case of a
	// single PartText element; Text() below is a convenience accessor.
	Content []ContentPart `json:"content"`

	// ToolCalls holds the pending calls for an assistant turn that invoked
	// tools. Populated only when Role == RoleAssistant.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID back-references the originating call for a tool-role
	// message. Populated only when Role == RoleTool.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Text concatenates every PartText part's Text field, in order.
func (m CanonicalMessage) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// NewTextMessage builds a single-part text message.
func NewTextMessage(role Role, text string) CanonicalMessage {
	return CanonicalMessage{
		Role:    role,
		Content: []ContentPart{{Type: PartText, Text: text}},
	}
}
