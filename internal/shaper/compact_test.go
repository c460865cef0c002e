package shaper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owui/gateway-core/internal/compaction"
	"github.com/owui/gateway-core/pkg/models"
)

type stubSummarizer struct {
	summary string
	calls   int
}

func (s *stubSummarizer) GenerateSummary(ctx context.Context, messages []*compaction.Message, config *compaction.SummarizationConfig) (string, error) {
	s.calls++
	if s.summary != "" {
		return s.summary, nil
	}
	return "the user discussed several topics", nil
}

func longConversation(turns int) []models.CanonicalMessage {
	var out []models.CanonicalMessage
	for i := 0; i < turns; i++ {
		out = append(out, models.NewTextMessage(models.RoleUser, "a long message about topic "+string(rune('A'+i%26))+" that repeats to build up tokens quickly across many turns of conversation history"))
		out = append(out, models.NewTextMessage(models.RoleAssistant, "a long reply about topic "+string(rune('A'+i%26))+" that also repeats to build up tokens quickly across many turns of conversation history"))
	}
	return out
}

func TestAutoCompact_NoopBelowThreshold(t *testing.T) {
	messages := []models.CanonicalMessage{
		models.NewTextMessage(models.RoleUser, "hi"),
		models.NewTextMessage(models.RoleAssistant, "hello"),
	}
	s := &stubSummarizer{}
	out, err := autoCompact(context.Background(), messages, s, Config{CompactionTokenThreshold: 65536}.withDefaults())
	require.NoError(t, err)
	assert.Equal(t, messages, out)
	assert.Equal(t, 0, s.calls, "summarizer must not be invoked below threshold")
}

func TestAutoCompact_ReplacesHeadWithSummaryAboveThreshold(t *testing.T) {
	messages := longConversation(60)
	s := &stubSummarizer{}
	cfg := Config{CompactionTokenThreshold: 500, CompactionMaxSummaryTokens: 200, KeepTailTurns: 2}.withDefaults()

	out, err := autoCompact(context.Background(), messages, s, cfg)
	require.NoError(t, err)
	require.Greater(t, s.calls, 0)
	assert.Less(t, len(out), len(messages))
	assert.Equal(t, models.RoleSystem, out[0].Role)
	assert.Contains(t, out[0].Text(), "the user discussed several topics")

	lastUser := messages[len(messages)-2]
	lastAssistant := messages[len(messages)-1]
	assert.Equal(t, lastUser.Text(), out[len(out)-2].Text(), "last user message must survive in the keep-tail")
	assert.Equal(t, lastAssistant.Text(), out[len(out)-1].Text(), "last assistant reply must survive in the keep-tail")
}

func TestAutoCompact_IdempotentOnSecondRun(t *testing.T) {
	messages := longConversation(60)
	s := &stubSummarizer{}
	cfg := Config{CompactionTokenThreshold: 500, CompactionMaxSummaryTokens: 200, KeepTailTurns: 2}.withDefaults()

	first, err := autoCompact(context.Background(), messages, s, cfg)
	require.NoError(t, err)

	second, err := autoCompact(context.Background(), first, s, cfg)
	require.NoError(t, err)

	assert.Equal(t, first, second, "re-running compaction on an already-compact history is a no-op")
}

func TestAutoCompact_PreservesLeadingSystemMessage(t *testing.T) {
	messages := append([]models.CanonicalMessage{models.NewTextMessage(models.RoleSystem, "be helpful")}, longConversation(60)...)
	s := &stubSummarizer{}
	cfg := Config{CompactionTokenThreshold: 500, CompactionMaxSummaryTokens: 200, KeepTailTurns: 2}.withDefaults()

	out, err := autoCompact(context.Background(), messages, s, cfg)
	require.NoError(t, err)
	assert.Equal(t, "be helpful", out[0].Text())
	assert.Contains(t, out[1].Text(), "discussed")
}

func TestKeepTailStart_AlwaysIncludesLastTurn(t *testing.T) {
	history := longConversation(5)
	start := keepTailStart(history, 100) // requesting far more turns than exist
	assert.Equal(t, 0, start)

	start = keepTailStart(history, 1)
	assert.Equal(t, len(history)-2, start, "last turn is the final user+assistant pair")
}
