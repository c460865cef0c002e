package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/owui/gateway-core/internal/agent"
	"github.com/owui/gateway-core/internal/agent/toolconv"
	"github.com/owui/gateway-core/pkg/models"
)

// AnthropicProvider adapts Anthropic's Messages streaming API to the
// canonical agent.Provider contract.
type AnthropicProvider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string

	// maxOutputTokens is the per-provider output cap taken from
	// AnthropicConfig.MaxOutputTokens; a request's own MaxTokens is
	// clamped to this ceiling when set.
	maxOutputTokens int
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey          string
	BaseURL         string
	MaxRetries      int
	RetryDelay      time.Duration
	DefaultModel    string
	MaxOutputTokens int
}

// NewAnthropicProvider builds an AnthropicProvider from config.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}
	if config.MaxOutputTokens <= 0 {
		config.MaxOutputTokens = 4096
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:          anthropic.NewClient(options...),
		maxRetries:      config.MaxRetries,
		retryDelay:      config.RetryDelay,
		defaultModel:    config.DefaultModel,
		maxOutputTokens: config.MaxOutputTokens,
	}, nil
}

func (p *AnthropicProvider) Name() string        { return "anthropic" }
func (p *AnthropicProvider) SupportsTools() bool { return true }

// Chat streams one turn from Anthropic's Messages API, buffering tool_use
// input JSON across content_block_delta events and emitting each assembled
// call only at content_block_stop — Anthropic's content blocks are
// sequential, never interleaved, so a single in-flight tool call is always
// enough state.
func (p *AnthropicProvider) Chat(ctx context.Context, req agent.CompletionRequest) (<-chan agent.Event, error) {
	model := p.getModel(req.Model)
	maxTokens := p.getMaxTokens(req.MaxTokens)

	messages, err := convertToAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		stream = p.client.Messages.NewStreaming(ctx, params)
		if stream.Err() == nil {
			break
		}
		wrapped := p.wrapError(stream.Err(), model)
		if !p.isRetryableError(wrapped) || attempt == p.maxRetries {
			return nil, wrapped
		}
		backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	out := make(chan agent.Event)
	go streamAnthropicEvents(stream, out, model, p)
	return out, nil
}

func streamAnthropicEvents(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- agent.Event, model string, p *AnthropicProvider) {
	defer close(out)

	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	var usage agent.Usage

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(ms.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- agent.Event{Kind: agent.EventTextDelta, Text: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					out <- agent.Event{Kind: agent.EventReasoningDelta, Text: delta.Thinking}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				currentToolCall.Arguments = json.RawMessage(currentToolInput.String())
				out <- agent.Event{Kind: agent.EventToolCallAssembled, ToolCall: currentToolCall}
				currentToolCall = nil
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(md.Usage.OutputTokens)
			}

		case "message_stop":
			out <- agent.Event{Kind: agent.EventTurnEnd, FinishReason: "stop", Usage: usage}
			return

		case "error":
			out <- agent.Event{Kind: agent.EventTurnEnd, Err: p.wrapError(errors.New("anthropic stream error"), model)}
			return
		}
	}

	if err := stream.Err(); err != nil {
		out <- agent.Event{Kind: agent.EventTurnEnd, Err: p.wrapError(err, model)}
	}
}

// convertToAnthropicMessages translates canonical history into Anthropic's
// message params. Tool-role messages become user messages carrying a
// tool_result block, matching Anthropic's wire contract.
func convertToAnthropicMessages(messages []models.CanonicalMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		switch msg.Role {
		case models.RoleTool:
			isError := false
			for _, part := range msg.Content {
				if part.Type == models.PartToolResult && part.ToolResult != nil {
					isError = part.ToolResult.IsError
				}
			}
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Text(), isError))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		case models.RoleAssistant:
			if text := msg.Text(); text != "" {
				content = append(content, anthropic.NewTextBlock(text))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]any
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						return nil, fmt.Errorf("invalid tool call input: %w", err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			result = append(result, anthropic.NewAssistantMessage(content...))
		default:
			for _, part := range msg.Content {
				if part.Type == models.PartText {
					content = append(content, anthropic.NewTextBlock(part.Text))
				}
			}
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// getMaxTokens clamps the request's MaxTokens to the provider's configured
// ceiling (AnthropicConfig.MaxOutputTokens), defaulting to that ceiling when the
// request doesn't specify a value.
func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 || maxTokens > p.maxOutputTokens {
		return p.maxOutputTokens
	}
	return maxTokens
}

func (p *AnthropicProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"), strings.Contains(msg, "too many requests"):
		return true
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"), strings.Contains(msg, "503"), strings.Contains(msg, "504"):
		return true
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return true
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"):
		return true
	default:
		return false
	}
}

// wrapError classifies a raw SDK/network error into a ProviderError for
// retry and failover decisions upstream.
func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		reason := FailoverUnknown
		switch apiErr.StatusCode {
		case 401, 403:
			reason = FailoverAuth
		case 402:
			reason = FailoverBilling
		case 429:
			reason = FailoverRateLimit
		case 400:
			reason = FailoverInvalidRequest
		case 500, 502, 503, 504:
			reason = FailoverServerError
		}
		return &ProviderError{
			Reason:   reason,
			Provider: "anthropic",
			Model:    model,
			Status:   apiErr.StatusCode,
			Message:  apiErr.Error(),
			Cause:    err,
		}
	}

	msg := strings.ToLower(err.Error())
	reason := FailoverUnknown
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"), strings.Contains(msg, "deadline exceeded"):
		reason = FailoverTimeout
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		reason = FailoverRateLimit
	}
	return &ProviderError{Reason: reason, Provider: "anthropic", Model: model, Message: err.Error(), Cause: err}
}
