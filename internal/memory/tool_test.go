package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTools_ReturnsFourToolsWithUniqueNames(t *testing.T) {
	m := newTestManager(t, 2000)
	tools := Tools(m)
	require.Len(t, tools, 4)

	names := map[string]bool{}
	for _, tool := range tools {
		names[tool.Name()] = true
		assert.NotEmpty(t, tool.Description())
		assert.NotEmpty(t, tool.Schema())
	}
	assert.True(t, names["memory_create"])
	assert.True(t, names["memory_update"])
	assert.True(t, names["memory_delete"])
	assert.True(t, names["memory_retrieve"])
}

func TestCreateTool_RequiresUserIDInContext(t *testing.T) {
	m := newTestManager(t, 2000)
	tool := createTool{m}

	_, err := tool.Execute(context.Background(), json.RawMessage(`{"text":"hi"}`))
	assert.Error(t, err)
}

func TestCreateTool_Succeeds(t *testing.T) {
	m := newTestManager(t, 2000)
	tool := createTool{m}
	ctx := WithUserID(context.Background(), "alice")

	out, err := tool.Execute(ctx, json.RawMessage(`{"text":"likes dark roast coffee"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "remembered")

	memories, err := m.Retrieve(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.Equal(t, "likes dark roast coffee", memories[0].Text)
}

func TestCreateTool_BudgetExceededSurfacesAsToolError(t *testing.T) {
	m := newTestManager(t, 5)
	tool := createTool{m}
	ctx := WithUserID(context.Background(), "alice")

	_, err := tool.Execute(ctx, json.RawMessage(`{"text":"too long for the budget"}`))
	assert.Error(t, err)
}

func TestUpdateTool_Succeeds(t *testing.T) {
	m := newTestManager(t, 2000)
	ctx := WithUserID(context.Background(), "alice")
	mem, err := m.Create(ctx, "alice", "old text")
	require.NoError(t, err)

	tool := updateTool{m}
	out, err := tool.Execute(ctx, json.RawMessage(`{"id":"`+mem.ID+`","text":"new text"}`))
	require.NoError(t, err)
	assert.Equal(t, "updated", out)
}

func TestDeleteTool_Succeeds(t *testing.T) {
	m := newTestManager(t, 2000)
	ctx := WithUserID(context.Background(), "alice")
	mem, err := m.Create(ctx, "alice", "text")
	require.NoError(t, err)

	tool := deleteTool{m}
	out, err := tool.Execute(ctx, json.RawMessage(`{"id":"`+mem.ID+`"}`))
	require.NoError(t, err)
	assert.Equal(t, "deleted", out)

	memories, err := m.Retrieve(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, memories)
}

func TestRetrieveTool_ReturnsJSONArray(t *testing.T) {
	m := newTestManager(t, 2000)
	ctx := WithUserID(context.Background(), "alice")
	_, err := m.Create(ctx, "alice", "fact one")
	require.NoError(t, err)

	tool := retrieveTool{m}
	out, err := tool.Execute(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)

	var memories []struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &memories))
	require.Len(t, memories, 1)
	assert.Equal(t, "fact one", memories[0].Text)
}

func TestUserIDFromContext_EmptyWhenUnset(t *testing.T) {
	assert.Equal(t, "", UserIDFromContext(context.Background()))
}
