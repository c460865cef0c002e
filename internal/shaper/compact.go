package shaper

import (
	"context"
	"fmt"

	"github.com/owui/gateway-core/internal/compaction"
	"github.com/owui/gateway-core/pkg/models"
)

// autoCompact estimates the total token cost of messages and, if it
// exceeds cfg.CompactionTokenThreshold, replaces the oldest turns with a
// single generated summary while keeping the most recent cfg.KeepTailTurns
// turns verbatim. Leading system messages are always kept verbatim and
// excluded from the token estimate driving the keep-tail split.
//
// Idempotent: a history already at or below the threshold is returned
// unmodified.
func autoCompact(ctx context.Context, messages []models.CanonicalMessage, summarizer compaction.Summarizer, cfg Config) ([]models.CanonicalMessage, error) {
	systemCount := 0
	for systemCount < len(messages) && messages[systemCount].Role == models.RoleSystem {
		systemCount++
	}
	systemMsgs := messages[:systemCount]
	history := messages[systemCount:]

	total := 0
	for _, msg := range history {
		total += compaction.EstimateTokens(&compaction.Message{Role: string(msg.Role), Content: combinedText(msg)})
	}
	if total <= cfg.CompactionTokenThreshold {
		return messages, nil
	}

	tailStart := keepTailStart(history, cfg.KeepTailTurns)
	head, tail := history[:tailStart], history[tailStart:]
	if len(head) == 0 {
		return messages, nil
	}

	headCompact := make([]*compaction.Message, len(head))
	for i, msg := range head {
		headCompact[i] = &compaction.Message{Role: string(msg.Role), Content: combinedText(msg)}
	}

	summaryCfg := &compaction.SummarizationConfig{
		Model:         cfg.SummaryModel,
		ReserveTokens: cfg.CompactionMaxSummaryTokens,
		ContextWindow: cfg.CompactionTokenThreshold,
	}
	summary, err := compaction.SummarizeInStages(ctx, headCompact, summarizer, summaryCfg)
	if err != nil {
		return nil, fmt.Errorf("shaper: auto-compaction: %w", err)
	}

	summaryMsg := models.NewTextMessage(models.RoleSystem, "Conversation summary:\n"+summary)

	out := make([]models.CanonicalMessage, 0, systemCount+1+len(tail))
	out = append(out, systemMsgs...)
	out = append(out, summaryMsg)
	out = append(out, tail...)
	return out, nil
}

// keepTailStart returns the index into history where the last
// keepTailTurns turns begin. A turn starts at a user message and runs
// through the messages that follow until the next user message. If
// history contains fewer full turns than requested, or none at all, the
// last user message and everything after it is always preserved.
func keepTailStart(history []models.CanonicalMessage, keepTailTurns int) int {
	if len(history) == 0 {
		return 0
	}

	var turnStarts []int
	for i, msg := range history {
		if msg.Role == models.RoleUser {
			turnStarts = append(turnStarts, i)
		}
	}
	if len(turnStarts) == 0 {
		// No user messages to anchor a turn; keep the final message only.
		if len(history) <= 1 {
			return 0
		}
		return len(history) - 1
	}

	idx := len(turnStarts) - keepTailTurns
	if idx < 0 {
		idx = 0
	}
	return turnStarts[idx]
}

// combinedText renders a CanonicalMessage's full content (text,
// tool-call envelopes, tool results, and image placeholders) as a
// single string for token estimation and summarization input.
func combinedText(msg models.CanonicalMessage) string {
	out := ""
	for _, p := range msg.Content {
		switch p.Type {
		case models.PartText:
			out += p.Text
		case models.PartImage:
			out += "[image attachment]"
		case models.PartToolCall:
			if p.ToolCall != nil {
				out += fmt.Sprintf("[tool call: %s(%s)]", p.ToolCall.Name, string(p.ToolCall.Arguments))
			}
		case models.PartToolResult:
			if p.ToolResult != nil {
				out += p.ToolResult.Content
			}
		}
	}
	return out
}
