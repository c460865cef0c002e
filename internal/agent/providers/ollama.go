// Package providers contains LLM provider implementations.
package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/owui/gateway-core/internal/agent"
	"github.com/owui/gateway-core/pkg/models"
)

// OllamaConfig configures the Ollama provider.
type OllamaConfig struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// OllamaProvider adapts an Ollama-compatible /api/chat endpoint to the
// canonical agent.Provider contract. Ollama's OpenAI-compatible tool path
// only understands the legacy nested {"type":"function","function":{...}}
// envelope, never the flat Responses-API shape.
type OllamaProvider struct {
	client       *http.Client
	baseURL      string
	defaultModel string
}

var _ agent.Provider = (*OllamaProvider)(nil)

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OllamaProvider{
		client:       &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		defaultModel: strings.TrimSpace(cfg.DefaultModel),
	}
}

func (p *OllamaProvider) Name() string        { return "ollama" }
func (p *OllamaProvider) SupportsTools() bool { return true }

// Chat sends a streaming chat request to Ollama's /api/chat and decodes
// its NDJSON envelope into canonical Events. Ollama never streams a tool
// call in fragments — each line's tool_calls are already complete — so
// each is emitted once, deduplicated by call identity.
func (p *OllamaProvider) Chat(ctx context.Context, req agent.CompletionRequest) (<-chan agent.Event, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, errors.New("ollama: model is required")
	}

	tools, err := convertToOpenAITools(req.Tools, false)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}

	payload := ollamaChatRequest{
		Model:    model,
		Stream:   true,
		Messages: buildOllamaMessages(req.System, req.Messages),
	}
	if len(tools) > 0 {
		payload.Tools = tools
	}
	if req.MaxTokens > 0 {
		payload.Options = map[string]any{"num_predict": req.MaxTokens}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	url := p.baseURL + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if readErr != nil {
			return nil, fmt.Errorf("ollama: status %d (read body failed: %w)", resp.StatusCode, readErr)
		}
		return nil, fmt.Errorf("ollama: status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	out := make(chan agent.Event)
	go streamOllamaEvents(ctx, resp.Body, out)
	return out, nil
}

func streamOllamaEvents(ctx context.Context, body io.ReadCloser, out chan<- agent.Event) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 1024*64)
	scanner.Buffer(buf, 1024*1024)

	emitted := map[string]struct{}{}
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- agent.Event{Kind: agent.EventTurnEnd, Err: ctx.Err()}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			out <- agent.Event{Kind: agent.EventTurnEnd, Err: fmt.Errorf("ollama: decode response: %w", err)}
			return
		}
		if resp.Error != "" {
			out <- agent.Event{Kind: agent.EventTurnEnd, Err: errors.New(resp.Error)}
			return
		}

		if resp.Message != nil {
			if resp.Message.Content != "" {
				out <- agent.Event{Kind: agent.EventTextDelta, Text: resp.Message.Content}
			}
			for _, tc := range resp.Message.ToolCalls {
				callID := strings.TrimSpace(tc.ID)
				if callID == "" {
					callID = toolCallKey(tc)
					if callID == "" {
						callID = uuid.NewString()
					}
				}
				if _, ok := emitted[callID]; ok {
					continue
				}
				emitted[callID] = struct{}{}

				args := tc.Function.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				call := models.ToolCall{ID: callID, Name: strings.TrimSpace(tc.Function.Name), Arguments: args}
				out <- agent.Event{Kind: agent.EventToolCallAssembled, ToolCall: &call}
			}
		}

		if resp.Done {
			out <- agent.Event{
				Kind:         agent.EventTurnEnd,
				FinishReason: "stop",
				Usage: agent.Usage{
					InputTokens:  resp.PromptEvalCount,
					OutputTokens: resp.EvalCount,
				},
			}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		out <- agent.Event{Kind: agent.EventTurnEnd, Err: fmt.Errorf("ollama: %w", err)}
	}
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []openai.Tool       `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	Error           string             `json:"error"`
	EvalCount       int                `json:"eval_count"`
	PromptEvalCount int                `json:"prompt_eval_count"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// buildOllamaMessages mirrors convertToOpenAIMessages but targets Ollama's
// message shape, which carries the originating tool name on each tool-role
// message rather than relying solely on a tool_call_id back-reference.
func buildOllamaMessages(system string, messages []models.CanonicalMessage) []ollamaChatMessage {
	out := make([]ollamaChatMessage, 0, len(messages)+1)

	toolNames := map[string]string{}
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			if tc.ID != "" && tc.Name != "" {
				toolNames[tc.ID] = tc.Name
			}
		}
	}

	if system = strings.TrimSpace(system); system != "" {
		out = append(out, ollamaChatMessage{Role: "system", Content: system})
	}

	for _, m := range messages {
		switch m.Role {
		case models.RoleAssistant:
			msg := ollamaChatMessage{Role: "assistant", Content: m.Text()}
			if len(m.ToolCalls) > 0 {
				msg.ToolCalls = make([]ollamaToolCall, len(m.ToolCalls))
				for i, tc := range m.ToolCalls {
					args := tc.Arguments
					if len(args) == 0 {
						args = json.RawMessage(`{}`)
					}
					msg.ToolCalls[i] = ollamaToolCall{
						ID:       tc.ID,
						Type:     "function",
						Function: ollamaToolFunction{Name: tc.Name, Arguments: args},
					}
				}
			}
			out = append(out, msg)
		case models.RoleTool:
			out = append(out, ollamaChatMessage{
				Role:     "tool",
				Content:  m.Text(),
				ToolName: toolNames[m.ToolCallID],
			})
		case models.RoleSystem:
			out = append(out, ollamaChatMessage{Role: "system", Content: m.Text()})
		default:
			out = append(out, ollamaChatMessage{Role: "user", Content: m.Text()})
		}
	}
	return out
}

func toolCallKey(tc ollamaToolCall) string {
	if id := strings.TrimSpace(tc.ID); id != "" {
		return id
	}
	name := strings.TrimSpace(tc.Function.Name)
	args := strings.TrimSpace(string(tc.Function.Arguments))
	if name == "" && args == "" {
		return ""
	}
	return name + ":" + args
}
