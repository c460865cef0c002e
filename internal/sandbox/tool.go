package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/owui/gateway-core/internal/agent"
)

type convKeyCtx struct{}

// ConvKey identifies the (tenant, conversation) pair the sandbox tools
// operate against for the current request.
type ConvKey struct {
	Tenant         string
	ConversationID string
}

// WithConvKey attaches the acting tenant/conversation to ctx. The HTTP
// layer sets this once per request before invoking the dispatch loop,
// the same way internal/memory's WithUserID works.
func WithConvKey(ctx context.Context, tenant, conversationID string) context.Context {
	return context.WithValue(ctx, convKeyCtx{}, ConvKey{Tenant: tenant, ConversationID: conversationID})
}

// ConvKeyFromContext returns the ConvKey attached by WithConvKey.
func ConvKeyFromContext(ctx context.Context) (ConvKey, bool) {
	k, ok := ctx.Value(convKeyCtx{}).(ConvKey)
	return k, ok
}

func requireConvKey(ctx context.Context) (ConvKey, error) {
	k, ok := ConvKeyFromContext(ctx)
	if !ok || k.Tenant == "" || k.ConversationID == "" {
		return ConvKey{}, fmt.Errorf("sandbox: no tenant/conversation in request context")
	}
	return k, nil
}

// Tools returns the six sandbox tools bound to manager, ready for
// registry.Register under agent.CategorySandbox.
func Tools(manager *Manager) []agent.Tool {
	return []agent.Tool{
		execTool{manager},
		writeFileTool{manager},
		readFileTool{manager},
		listFilesTool{manager},
		diffEditTool{manager},
		statsTool{manager},
	}
}

type execTool struct{ manager *Manager }

func (execTool) Name() string        { return "sandbox_execute" }
func (execTool) Description() string { return "Run a shell command in the conversation's isolated sandbox container." }
func (execTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Shell command to run."},
			"workdir": {"type": "string", "description": "Working directory inside the sandbox, defaults to /workspace."}
		},
		"required": ["command"]
	}`)
}

func (t execTool) Execute(ctx context.Context, arguments json.RawMessage) (string, error) {
	key, err := requireConvKey(ctx)
	if err != nil {
		return "", err
	}
	var args struct {
		Command string `json:"command"`
		Workdir string `json:"workdir"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return "", fmt.Errorf("sandbox_execute: %w", err)
	}
	result, err := t.manager.Exec(ctx, key.Tenant, key.ConversationID, args.Command, args.Workdir)
	if err != nil {
		return "", err
	}
	return formatExecResult(result), nil
}

func formatExecResult(r ExecResult) string {
	var sb strings.Builder
	if r.KilledReason != "" {
		fmt.Fprintf(&sb, "killed: %s\n", r.KilledReason)
	}
	if r.Stdout != "" {
		sb.WriteString("stdout:\n")
		sb.WriteString(r.Stdout)
		if !strings.HasSuffix(r.Stdout, "\n") {
			sb.WriteString("\n")
		}
	}
	if r.Stderr != "" {
		sb.WriteString("stderr:\n")
		sb.WriteString(r.Stderr)
		if !strings.HasSuffix(r.Stderr, "\n") {
			sb.WriteString("\n")
		}
	}
	fmt.Fprintf(&sb, "exit code: %d", r.ExitCode)
	return sb.String()
}

type writeFileTool struct{ manager *Manager }

func (writeFileTool) Name() string        { return "sandbox_write_file" }
func (writeFileTool) Description() string { return "Write a file to the conversation's sandbox workspace, creating parent directories as needed." }
func (writeFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"content": {"type": "string"}
		},
		"required": ["path", "content"]
	}`)
}

func (t writeFileTool) Execute(ctx context.Context, arguments json.RawMessage) (string, error) {
	key, err := requireConvKey(ctx)
	if err != nil {
		return "", err
	}
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return "", fmt.Errorf("sandbox_write_file: %w", err)
	}
	if err := t.manager.WriteFile(ctx, key.Tenant, key.ConversationID, args.Path, args.Content); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %s", args.Path), nil
}

type readFileTool struct{ manager *Manager }

func (readFileTool) Name() string        { return "sandbox_read_file" }
func (readFileTool) Description() string { return "Read a file from the conversation's sandbox workspace, optionally capped to a number of lines." }
func (readFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"max_lines": {"type": "integer", "description": "0 or omitted means unlimited."}
		},
		"required": ["path"]
	}`)
}

func (t readFileTool) Execute(ctx context.Context, arguments json.RawMessage) (string, error) {
	key, err := requireConvKey(ctx)
	if err != nil {
		return "", err
	}
	var args struct {
		Path     string `json:"path"`
		MaxLines int    `json:"max_lines"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return "", fmt.Errorf("sandbox_read_file: %w", err)
	}
	return t.manager.ReadFile(ctx, key.Tenant, key.ConversationID, args.Path, args.MaxLines)
}

type listFilesTool struct{ manager *Manager }

func (listFilesTool) Name() string        { return "sandbox_list_files" }
func (listFilesTool) Description() string { return "List files in a directory of the conversation's sandbox workspace." }
func (listFilesTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Defaults to the workspace root."},
			"recursive": {"type": "boolean"}
		}
	}`)
}

func (t listFilesTool) Execute(ctx context.Context, arguments json.RawMessage) (string, error) {
	key, err := requireConvKey(ctx)
	if err != nil {
		return "", err
	}
	var args struct {
		Path      string `json:"path"`
		Recursive bool   `json:"recursive"`
	}
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return "", fmt.Errorf("sandbox_list_files: %w", err)
		}
	}
	entries, err := t.manager.ListFiles(ctx, key.Tenant, key.ConversationID, args.Path, args.Recursive)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("sandbox_list_files: %w", err)
	}
	return string(out), nil
}

type diffEditTool struct{ manager *Manager }

func (diffEditTool) Name() string        { return "sandbox_diff_edit" }
func (diffEditTool) Description() string { return "Replace text in a file within the conversation's sandbox workspace." }
func (diffEditTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"search": {"type": "string"},
			"replace": {"type": "string"},
			"all_occurrences": {"type": "boolean"}
		},
		"required": ["path", "search", "replace"]
	}`)
}

func (t diffEditTool) Execute(ctx context.Context, arguments json.RawMessage) (string, error) {
	key, err := requireConvKey(ctx)
	if err != nil {
		return "", err
	}
	var args struct {
		Path           string `json:"path"`
		Search         string `json:"search"`
		Replace        string `json:"replace"`
		AllOccurrences bool   `json:"all_occurrences"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return "", fmt.Errorf("sandbox_diff_edit: %w", err)
	}
	n, err := t.manager.DiffEdit(ctx, key.Tenant, key.ConversationID, args.Path, args.Search, args.Replace, args.AllOccurrences)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("replaced %d occurrence(s) in %s", n, args.Path), nil
}

type statsTool struct{ manager *Manager }

func (statsTool) Name() string        { return "sandbox_stats" }
func (statsTool) Description() string { return "Report resource usage of the conversation's sandbox instance." }
func (statsTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t statsTool) Execute(ctx context.Context, arguments json.RawMessage) (string, error) {
	key, err := requireConvKey(ctx)
	if err != nil {
		return "", err
	}
	stats, err := t.manager.Stats(ctx, key.Tenant, key.ConversationID)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(stats)
	if err != nil {
		return "", fmt.Errorf("sandbox_stats: %w", err)
	}
	return string(out), nil
}
