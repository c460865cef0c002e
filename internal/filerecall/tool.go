package filerecall

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/owui/gateway-core/internal/agent"
)

type tenantIDKey struct{}

// WithTenantID attaches the acting request's File Recall tenant id to ctx
// for the search tool to read in Execute. The HTTP layer sets this once
// per request, resolved from the request's tenant access token.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey{}, tenantID)
}

// TenantIDFromContext returns the tenant id attached by WithTenantID, or
// "" if none was set.
func TenantIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(tenantIDKey{}).(string)
	return v
}

func requireTenantID(ctx context.Context) (string, error) {
	tenantID := TenantIDFromContext(ctx)
	if tenantID == "" {
		return "", fmt.Errorf("filerecall: no tenant id in request context")
	}
	return tenantID, nil
}

// Tools returns the single file_recall_search tool bound to manager.
// Tenant creation, upload, and deletion are HTTP admin operations, not
// model-facing tools (spec.md §6).
func Tools(manager *Manager) []agent.Tool {
	return []agent.Tool{searchTool{manager}}
}

type searchTool struct{ manager *Manager }

func (searchTool) Name() string { return "file_recall_search" }
func (searchTool) Description() string {
	return "Search the current tenant's uploaded documents and return matching snippets."
}
func (searchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "The search query."},
			"max_results": {"type": "integer", "description": "Maximum number of documents to return.", "default": 10}
		},
		"required": ["query"]
	}`)
}

func (t searchTool) Execute(ctx context.Context, arguments json.RawMessage) (string, error) {
	tenantID, err := requireTenantID(ctx)
	if err != nil {
		return "", err
	}
	var args struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return "", fmt.Errorf("file_recall_search: %w", err)
	}

	hits, err := t.manager.Search(ctx, tenantID, args.Query, args.MaxResults)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "no matching documents found", nil
	}

	var sb strings.Builder
	for i, h := range hits {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%s] score=%.3f", h.Filename, h.Score)
		for _, snippet := range h.Snippets {
			sb.WriteString("\n")
			sb.WriteString(snippet)
		}
	}
	return sb.String(), nil
}
