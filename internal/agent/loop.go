package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/owui/gateway-core/pkg/models"
)

// LoopOutcome reports how a Dispatch Loop run ended.
type LoopOutcome struct {
	Messages   []models.CanonicalMessage
	Truncated  bool
	Iterations int

	// Usage sums every turn's token counts across the whole run, so a
	// multi-iteration tool-calling request still reports one aggregate
	// figure to the caller.
	Usage Usage
}

// Loop runs the bounded tool-calling dispatch loop: stream a turn from the
// provider, dispatch any queued tool calls, append the results to history,
// and repeat until a tool-free turn or the iteration cap is hit.
type Loop struct {
	provider      Provider
	dispatcher    *Dispatcher
	registry      *Registry
	maxIterations int
}

// NewLoop builds a Loop. maxIterations <= 0 falls back to the default of 5.
func NewLoop(provider Provider, dispatcher *Dispatcher, registry *Registry, maxIterations int) *Loop {
	if maxIterations <= 0 {
		maxIterations = 5
	}
	return &Loop{provider: provider, dispatcher: dispatcher, registry: registry, maxIterations: maxIterations}
}

// Run drives the loop for one chat request, forwarding TextDelta,
// ReasoningDelta, and tool begin/end markers to out. out is never closed by
// Run; the caller owns the channel's lifecycle. Run returns when the model
// produces a tool-free turn, the iteration cap is reached, or ctx is
// cancelled.
func (l *Loop) Run(ctx context.Context, req CompletionRequest, toolNames []string, requestID string, out chan<- Event) (LoopOutcome, error) {
	history := make([]models.CanonicalMessage, len(req.Messages))
	copy(history, req.Messages)

	var totalUsage Usage

	for iteration := 0; iteration < l.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return LoopOutcome{Messages: history, Iterations: iteration, Usage: totalUsage}, NewKindError(KindCancelled, err)
		}

		turnReq := req
		turnReq.Messages = history
		turnReq.Tools = l.registry.Definitions(toolNames)

		events, err := l.provider.Chat(ctx, turnReq)
		if err != nil {
			return LoopOutcome{Messages: history, Iterations: iteration, Usage: totalUsage}, NewKindError(KindUpstreamUnavailable, err)
		}

		var pendingCalls []models.ToolCall
		var assistantText string
		var turnErr error

		for event := range events {
			switch event.Kind {
			case EventTextDelta:
				assistantText += event.Text
				select {
				case out <- event:
				case <-ctx.Done():
					return LoopOutcome{Messages: history, Iterations: iteration, Usage: totalUsage}, NewKindError(KindCancelled, ctx.Err())
				}
			case EventReasoningDelta:
				select {
				case out <- event:
				case <-ctx.Done():
					return LoopOutcome{Messages: history, Iterations: iteration, Usage: totalUsage}, NewKindError(KindCancelled, ctx.Err())
				}
			case EventToolCallAssembled:
				if event.ToolCall != nil {
					pendingCalls = append(pendingCalls, *event.ToolCall)
				}
			case EventTurnEnd:
				totalUsage.InputTokens += event.Usage.InputTokens
				totalUsage.OutputTokens += event.Usage.OutputTokens
				totalUsage.CachedInputTokens += event.Usage.CachedInputTokens
				totalUsage.CacheWriteTokens += event.Usage.CacheWriteTokens
				if event.Err != nil {
					turnErr = event.Err
				}
			}
		}

		if turnErr != nil {
			return LoopOutcome{Messages: history, Iterations: iteration, Usage: totalUsage}, NewKindError(KindUpstreamUnavailable, turnErr)
		}

		if len(pendingCalls) == 0 {
			if assistantText != "" {
				history = append(history, models.NewTextMessage(models.RoleAssistant, assistantText))
			}
			return LoopOutcome{Messages: history, Iterations: iteration + 1, Usage: totalUsage}, nil
		}

		assistantMsg := models.CanonicalMessage{Role: models.RoleAssistant, ToolCalls: pendingCalls}
		if assistantText != "" {
			assistantMsg.Content = []models.ContentPart{{Type: models.PartText, Text: assistantText}}
		}
		history = append(history, assistantMsg)

		for _, call := range pendingCalls {
			if call.ID == "" {
				call.ID = uuid.NewString()
			}

			select {
			case out <- Event{Kind: EventToolCallAssembled, ToolCall: &call, Text: "begin"}:
			case <-ctx.Done():
				return LoopOutcome{Messages: history, Iterations: iteration, Usage: totalUsage}, NewKindError(KindCancelled, ctx.Err())
			}

			result := l.dispatcher.Dispatch(ctx, call, requestID)

			resultText := result.ResultText
			isError := !result.OK
			if isError {
				resultText = result.ErrorText
			}
			history = append(history, models.CanonicalMessage{
				Role:       models.RoleTool,
				ToolCallID: call.ID,
				Content:    []models.ContentPart{{Type: models.PartText, Text: resultText}},
			})

			select {
			case out <- Event{Kind: EventToolCallAssembled, ToolCall: &call, Text: "end"}:
			case <-ctx.Done():
				return LoopOutcome{Messages: history, Iterations: iteration, Usage: totalUsage}, NewKindError(KindCancelled, ctx.Err())
			}
		}
	}

	return LoopOutcome{Messages: history, Truncated: true, Iterations: l.maxIterations, Usage: totalUsage},
		NewKindError(KindBudgetExceeded, fmt.Errorf("reached maximum of %d tool iterations", l.maxIterations))
}
