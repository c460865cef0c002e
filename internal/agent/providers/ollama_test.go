package providers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owui/gateway-core/pkg/models"
)

func TestBuildOllamaMessages_ToolCallsAndResults(t *testing.T) {
	messages := []models.CanonicalMessage{
		models.NewTextMessage(models.RoleUser, "hi"),
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call-1", Name: "lookup", Arguments: json.RawMessage(`{"q":"test"}`)},
			},
		},
		{
			Role:       models.RoleTool,
			ToolCallID: "call-1",
			Content:    []models.ContentPart{{Type: models.PartText, Text: "ok"}},
		},
	}

	msgs := buildOllamaMessages("sys", messages)
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "sys", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[2].Role)
	require.Len(t, msgs[2].ToolCalls, 1)
	assert.Equal(t, "lookup", msgs[2].ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"q":"test"}`, string(msgs[2].ToolCalls[0].Function.Arguments))
	assert.Equal(t, "tool", msgs[3].Role)
	assert.Equal(t, "lookup", msgs[3].ToolName)
	assert.Equal(t, "ok", msgs[3].Content)
}

func TestToolCallKey_FallsBackWhenIDMissing(t *testing.T) {
	key := toolCallKey(ollamaToolCall{Function: ollamaToolFunction{Name: "lookup", Arguments: json.RawMessage(`{"q":1}`)}})
	assert.Equal(t, `lookup:{"q":1}`, key)
}

func TestNewOllamaProvider_DefaultsBaseURL(t *testing.T) {
	p := NewOllamaProvider(OllamaConfig{})
	assert.Equal(t, "http://localhost:11434", p.baseURL)
	assert.Equal(t, "ollama", p.Name())
	assert.True(t, p.SupportsTools())
}
