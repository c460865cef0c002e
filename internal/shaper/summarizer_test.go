package shaper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owui/gateway-core/internal/agent"
	"github.com/owui/gateway-core/internal/compaction"
)

type scriptedSummaryProvider struct {
	events      []agent.Event
	lastRequest agent.CompletionRequest
}

func (p *scriptedSummaryProvider) Name() string        { return "scripted-summary" }
func (p *scriptedSummaryProvider) SupportsTools() bool { return false }
func (p *scriptedSummaryProvider) Chat(ctx context.Context, req agent.CompletionRequest) (<-chan agent.Event, error) {
	p.lastRequest = req
	ch := make(chan agent.Event, len(p.events))
	for _, e := range p.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func TestProviderSummarizer_CollectsTextDeltasInOrder(t *testing.T) {
	provider := &scriptedSummaryProvider{events: []agent.Event{
		{Kind: agent.EventTextDelta, Text: "the user "},
		{Kind: agent.EventTextDelta, Text: "asked about billing."},
		{Kind: agent.EventTurnEnd, FinishReason: "stop"},
	}}
	s := NewProviderSummarizer(provider)

	summary, err := s.GenerateSummary(context.Background(), []*compaction.Message{{Role: "user", Content: "hi"}},
		&compaction.SummarizationConfig{Model: "gpt-4o-mini", ReserveTokens: 200})
	require.NoError(t, err)
	assert.Equal(t, "the user asked about billing.", summary)
	assert.Equal(t, "gpt-4o-mini", provider.lastRequest.Model)
	assert.Equal(t, 200, provider.lastRequest.MaxTokens)
}

func TestProviderSummarizer_PropagatesStreamError(t *testing.T) {
	provider := &scriptedSummaryProvider{events: []agent.Event{
		{Kind: agent.EventTextDelta, Text: "partial"},
		{Err: assert.AnError},
	}}
	s := NewProviderSummarizer(provider)

	_, err := s.GenerateSummary(context.Background(), []*compaction.Message{{Role: "user", Content: "hi"}}, nil)
	assert.Error(t, err)
}

func TestProviderSummarizer_NilProviderErrors(t *testing.T) {
	s := NewProviderSummarizer(nil)
	_, err := s.GenerateSummary(context.Background(), []*compaction.Message{{Role: "user", Content: "hi"}}, nil)
	assert.Error(t, err)
}
