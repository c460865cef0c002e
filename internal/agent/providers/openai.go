package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/owui/gateway-core/internal/agent"
	"github.com/owui/gateway-core/pkg/models"
)

// OpenAIProvider adapts OpenAI's chat completions streaming API to the
// canonical agent.Provider contract.
type OpenAIProvider struct {
	client *openai.Client
	base   BaseProvider
}

// NewOpenAIProvider builds an OpenAIProvider. An empty apiKey yields a
// provider whose Chat calls fail immediately — callers gate on
// SupportsTools/registry availability before reaching this point, not on
// a constructed-but-uncredentialed provider.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	p := &OpenAIProvider{base: NewBaseProvider("openai", 3, 0)}
	if apiKey != "" {
		p.client = openai.NewClient(apiKey)
	}
	return p
}

func (p *OpenAIProvider) Name() string        { return "openai" }
func (p *OpenAIProvider) SupportsTools() bool { return true }

// Chat implements agent.Provider. It streams one Event per text delta and
// buffers tool-call fragments, emitting each as a single
// EventToolCallAssembled only once the stream reports completion —
// mid-stream fragments are never surfaced to the caller.
func (p *OpenAIProvider) Chat(ctx context.Context, req agent.CompletionRequest) (<-chan agent.Event, error) {
	if p.client == nil {
		return nil, errors.New("openai: API key not configured")
	}

	messages := convertToOpenAIMessages(req.System, req.Messages)
	tools, err := convertToOpenAITools(req.Tools, req.Strict)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(tools) > 0 {
		chatReq.Tools = tools
	}
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	var stream *openai.ChatCompletionStream
	err = p.base.Retry(ctx, isRetryableOpenAIError, func() error {
		s, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("openai: create stream: %w", err)
	}

	out := make(chan agent.Event)
	go streamOpenAIEvents(ctx, stream, out)
	return out, nil
}

// toolCallBuffer accumulates one tool call's fragments across chunks.
type toolCallBuffer struct {
	id   string
	name string
	args strings.Builder
}

func streamOpenAIEvents(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- agent.Event) {
	defer close(out)
	defer stream.Close()

	pending := make(map[int]*toolCallBuffer)
	var order []int
	finishReason := ""
	var usage agent.Usage

	for {
		select {
		case <-ctx.Done():
			out <- agent.Event{Kind: agent.EventTurnEnd, Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			out <- agent.Event{Kind: agent.EventTurnEnd, Err: fmt.Errorf("openai: stream recv: %w", err)}
			return
		}

		if resp.Usage != nil {
			usage.InputTokens = resp.Usage.PromptTokens
			usage.OutputTokens = resp.Usage.CompletionTokens
			if resp.Usage.PromptTokensDetails != nil {
				usage.CachedInputTokens = resp.Usage.PromptTokensDetails.CachedTokens
			}
		}

		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}

		if choice.Delta.Content != "" {
			out <- agent.Event{Kind: agent.EventTextDelta, Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			buf, ok := pending[idx]
			if !ok {
				buf = &toolCallBuffer{}
				pending[idx] = buf
				order = append(order, idx)
			}
			if tc.ID != "" {
				buf.id = tc.ID
			}
			if tc.Function.Name != "" {
				buf.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				buf.args.WriteString(tc.Function.Arguments)
			}
		}
	}

	for _, idx := range order {
		buf := pending[idx]
		if buf.name == "" {
			continue
		}
		call := models.ToolCall{ID: buf.id, Name: buf.name, Arguments: json.RawMessage(buf.args.String())}
		out <- agent.Event{Kind: agent.EventToolCallAssembled, ToolCall: &call}
	}

	out <- agent.Event{Kind: agent.EventTurnEnd, FinishReason: finishReason, Usage: usage}
}

// convertToOpenAIMessages translates a canonical history into the chat
// completions message list, expanding each tool-role message into its own
// OpenAI tool message as the API requires.
func convertToOpenAIMessages(system string, messages []models.CanonicalMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Text()})
		case models.RoleUser:
			out = append(out, convertOpenAIUserMessage(m))
		case models.RoleAssistant:
			out = append(out, convertOpenAIAssistantMessage(m))
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Text(),
				ToolCallID: m.ToolCallID,
			})
		}
	}
	return out
}

func convertOpenAIUserMessage(m models.CanonicalMessage) openai.ChatCompletionMessage {
	hasImage := false
	for _, p := range m.Content {
		if p.Type == models.PartImage {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Text()}
	}

	parts := make([]openai.ChatMessagePart, 0, len(m.Content))
	for _, p := range m.Content {
		switch p.Type {
		case models.PartText:
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text})
		case models.PartImage:
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: p.ImageURL, Detail: openai.ImageURLDetailAuto},
			})
		}
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

func convertOpenAIAssistantMessage(m models.CanonicalMessage) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Text()}
	if len(m.ToolCalls) == 0 {
		return msg
	}
	calls := make([]openai.ToolCall, 0, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		calls = append(calls, openai.ToolCall{
			ID:       tc.ID,
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: tc.Name, Arguments: string(tc.Arguments)},
		})
	}
	msg.ToolCalls = calls
	return msg
}

// convertToOpenAITools renders canonical tool definitions in the legacy
// nested {"type":"function","function":{...}} shape the chat completions
// API expects. strict adds additionalProperties:false to object schemas.
func convertToOpenAITools(tools []agent.ToolDefinition, strict bool) ([]openai.Tool, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var params map[string]any
		if err := json.Unmarshal(t.Schema, &params); err != nil {
			return nil, fmt.Errorf("tool %q has invalid schema: %w", t.Name, err)
		}
		if strict {
			if ty, _ := params["type"].(string); ty == "object" || ty == "" {
				params["additionalProperties"] = false
			}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
				Strict:      strict,
			},
		})
	}
	return out, nil
}

// isRetryableOpenAIError classifies transient upstream failures worth a
// linear-backoff retry.
func isRetryableOpenAIError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		return true
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"), strings.Contains(msg, "503"), strings.Contains(msg, "504"):
		return true
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return true
	default:
		return false
	}
}
