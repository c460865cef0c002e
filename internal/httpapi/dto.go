// Package httpapi exposes the gateway's inbound HTTP surface: the
// streaming chat endpoint, the File Recall admin/tenant endpoints, and
// the Prometheus /metrics mount.
package httpapi

import "github.com/owui/gateway-core/pkg/models"

// ToolsConfig carries per-request upstream credentials and feature flags
// (the caller's "valves"). Upstream credentials are never read from the
// environment; they arrive here on every request.
type ToolsConfig struct {
	Provider string `json:"provider"`

	OpenAIAPIKey string `json:"openai_api_key,omitempty"`

	AnthropicAPIKey  string `json:"anthropic_api_key,omitempty"`
	AnthropicBaseURL string `json:"anthropic_base_url,omitempty"`

	OllamaBaseURL string `json:"ollama_base_url,omitempty"`

	SandboxEnabled bool `json:"sandbox_enabled,omitempty"`

	FileRecallEnabled bool   `json:"file_recall_enabled,omitempty"`
	FileRecallTenant  string `json:"file_recall_tenant,omitempty"`

	SearchAPIKey        string `json:"search_api_key,omitempty"`
	ImageBackendBaseURL string `json:"image_backend_base_url,omitempty"`
}

// ChatRequest is the body of POST /api/v1/chat.
type ChatRequest struct {
	Model          string                    `json:"model"`
	Messages       []models.CanonicalMessage `json:"messages"`
	Stream         bool                      `json:"stream,omitempty"`
	ToolsConfig    ToolsConfig               `json:"tools_config"`
	ConversationID string                    `json:"conversation_id,omitempty"`
	UserID         string                    `json:"user_id,omitempty"`

	// Files names documents already ingested via the File Recall tenant
	// this request's ToolsConfig.FileRecallEnabled/tenant resolves to.
	// The field is decoded but handleChat does not read it; the names are
	// not passed to the model.
	Files []string `json:"files,omitempty"`
}

// ChatResponse is the non-streaming (stream:false) response shape.
type ChatResponse struct {
	Message models.CanonicalMessage `json:"message"`
	Usage   ChatUsage                `json:"usage"`
}

// ChatUsage mirrors agent.Usage for the wire response.
type ChatUsage struct {
	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	CachedInputTokens int `json:"cached_input_tokens,omitempty"`
}

// sseTextDelta / sseToolMarker are the JSON payloads carried by the SSE
// "delta" and "tool" events, per the external interface contract.
type sseTextDelta struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type sseToolMarker struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Phase   string `json:"phase"`
	Summary string `json:"summary"`
}

type sseDone struct {
	Usage     ChatUsage `json:"usage"`
	Truncated bool      `json:"truncated,omitempty"`
}
