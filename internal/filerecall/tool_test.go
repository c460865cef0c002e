package filerecall

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owui/gateway-core/pkg/models"
)

func TestTenantIDFromContext_EmptyWhenUnset(t *testing.T) {
	assert.Equal(t, "", TenantIDFromContext(context.Background()))
}

func TestSearchTool_RequiresTenantIDInContext(t *testing.T) {
	m := newTestManager(t, newFakeProvider())
	tools := Tools(m)
	require.Len(t, tools, 1)
	assert.Equal(t, "file_recall_search", tools[0].Name())

	_, err := tools[0].Execute(context.Background(), json.RawMessage(`{"query":"x"}`))
	assert.Error(t, err)
}

func TestSearchTool_ReturnsFormattedSnippets(t *testing.T) {
	provider := newFakeProvider()
	provider.searchHits = []models.FileRecallSearchHit{
		{Filename: "policy.pdf", Score: 0.87, Snippets: []string{"refunds within 30 days"}},
	}
	m := newTestManager(t, provider)
	ctx := context.Background()
	_, err := m.CreateTenant(ctx, "t1", "Tenant One", "sk-x")
	require.NoError(t, err)
	_, err = m.Upload(ctx, "t1", []UploadFile{{Name: "policy.pdf", Content: []byte("x")}})
	require.NoError(t, err)

	tools := Tools(m)
	out, err := tools[0].Execute(WithTenantID(ctx, "t1"), json.RawMessage(`{"query":"refund window"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "policy.pdf")
	assert.Contains(t, out, "refunds within 30 days")
}

func TestSearchTool_NoHitsReportsNoMatches(t *testing.T) {
	m := newTestManager(t, newFakeProvider())
	ctx := context.Background()
	_, err := m.CreateTenant(ctx, "t1", "Tenant One", "sk-x")
	require.NoError(t, err)

	tools := Tools(m)
	out, err := tools[0].Execute(WithTenantID(ctx, "t1"), json.RawMessage(`{"query":"anything"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "no matching documents")
}
