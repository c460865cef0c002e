package shaper

import (
	"context"
	"fmt"
	"strings"

	"github.com/owui/gateway-core/internal/agent"
	"github.com/owui/gateway-core/internal/compaction"
	"github.com/owui/gateway-core/pkg/models"
)

// ProviderSummarizer adapts a chat Provider into a compaction.Summarizer
// by issuing a tool-free completion request and collecting its streamed
// text into a single string.
type ProviderSummarizer struct {
	provider agent.Provider
}

// NewProviderSummarizer wraps provider for use as the auto-compaction
// model.
func NewProviderSummarizer(provider agent.Provider) *ProviderSummarizer {
	return &ProviderSummarizer{provider: provider}
}

// GenerateSummary implements compaction.Summarizer.
func (p *ProviderSummarizer) GenerateSummary(ctx context.Context, messages []*compaction.Message, config *compaction.SummarizationConfig) (string, error) {
	if p.provider == nil {
		return "", fmt.Errorf("shaper: no summarization provider configured")
	}

	instructions := "Summarize the conversation into durable facts, decisions, and open threads. Output concise prose, no preamble."
	if config != nil && config.CustomInstructions != "" {
		instructions = config.CustomInstructions
	}
	if config != nil && config.PreviousSummary != "" && config.PreviousSummary != compaction.DefaultSummaryFallback {
		instructions += "\n\nPrevious summary to build on:\n" + config.PreviousSummary
	}

	req := agent.CompletionRequest{
		System:   instructions,
		Messages: []models.CanonicalMessage{models.NewTextMessage(models.RoleUser, compaction.FormatMessagesForSummary(messages))},
	}
	if config != nil {
		req.Model = config.Model
		req.MaxTokens = config.ReserveTokens
	}

	events, err := p.provider.Chat(ctx, req)
	if err != nil {
		return "", fmt.Errorf("shaper: summarization request: %w", err)
	}

	var sb strings.Builder
	for event := range events {
		if event.Err != nil {
			return "", fmt.Errorf("shaper: summarization stream: %w", event.Err)
		}
		if event.Kind == agent.EventTextDelta {
			sb.WriteString(event.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
