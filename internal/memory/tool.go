package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/owui/gateway-core/internal/agent"
)

type userIDKey struct{}

// WithUserID attaches the acting user's id to ctx for the memory tools to
// read in Execute. The HTTP layer sets this once per request before
// invoking the dispatch loop.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFromContext returns the user id attached by WithUserID, or "" if
// none was set.
func UserIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey{}).(string)
	return v
}

// Tools returns the four memory tools (create/update/delete/retrieve)
// bound to manager, ready for registry.Register under CategoryNone.
func Tools(manager *Manager) []agent.Tool {
	return []agent.Tool{
		createTool{manager},
		updateTool{manager},
		deleteTool{manager},
		retrieveTool{manager},
	}
}

func requireUserID(ctx context.Context) (string, error) {
	userID := UserIDFromContext(ctx)
	if userID == "" {
		return "", fmt.Errorf("memory: no user id in request context")
	}
	return userID, nil
}

type createTool struct{ manager *Manager }

func (createTool) Name() string        { return "memory_create" }
func (createTool) Description() string { return "Record a short, durable fact about the current user for future conversations." }
func (createTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"text": {"type": "string", "description": "The fact to remember, as a short standalone sentence."}
		},
		"required": ["text"]
	}`)
}

func (t createTool) Execute(ctx context.Context, arguments json.RawMessage) (string, error) {
	userID, err := requireUserID(ctx)
	if err != nil {
		return "", err
	}
	var args struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return "", fmt.Errorf("memory_create: %w", err)
	}
	mem, err := t.manager.Create(ctx, userID, args.Text)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("remembered (id=%s)", mem.ID), nil
}

type updateTool struct{ manager *Manager }

func (updateTool) Name() string        { return "memory_update" }
func (updateTool) Description() string { return "Replace the text of a previously recorded memory." }
func (updateTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string", "description": "The memory id to update."},
			"text": {"type": "string", "description": "The replacement text."}
		},
		"required": ["id", "text"]
	}`)
}

func (t updateTool) Execute(ctx context.Context, arguments json.RawMessage) (string, error) {
	userID, err := requireUserID(ctx)
	if err != nil {
		return "", err
	}
	var args struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return "", fmt.Errorf("memory_update: %w", err)
	}
	if _, err := t.manager.Update(ctx, userID, args.ID, args.Text); err != nil {
		return "", err
	}
	return "updated", nil
}

type deleteTool struct{ manager *Manager }

func (deleteTool) Name() string        { return "memory_delete" }
func (deleteTool) Description() string { return "Delete a previously recorded memory." }
func (deleteTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string", "description": "The memory id to delete."}
		},
		"required": ["id"]
	}`)
}

func (t deleteTool) Execute(ctx context.Context, arguments json.RawMessage) (string, error) {
	userID, err := requireUserID(ctx)
	if err != nil {
		return "", err
	}
	var args struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return "", fmt.Errorf("memory_delete: %w", err)
	}
	if err := t.manager.Delete(ctx, userID, args.ID); err != nil {
		return "", err
	}
	return "deleted", nil
}

type retrieveTool struct{ manager *Manager }

func (retrieveTool) Name() string        { return "memory_retrieve" }
func (retrieveTool) Description() string { return "List every memory currently recorded for the current user." }
func (retrieveTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t retrieveTool) Execute(ctx context.Context, arguments json.RawMessage) (string, error) {
	userID, err := requireUserID(ctx)
	if err != nil {
		return "", err
	}
	memories, err := t.manager.Retrieve(ctx, userID)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(memories)
	if err != nil {
		return "", fmt.Errorf("memory_retrieve: %w", err)
	}
	return string(out), nil
}
