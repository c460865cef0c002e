package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Category classifies a tool for the gating rules in ListEnabled. It is
// an internal registration detail, never exposed in a rendered schema.
type Category string

const (
	CategoryNone       Category = "none"       // memory/date tools: no external dependency
	CategorySandbox    Category = "sandbox"    // requires the sandbox feature flag
	CategoryFileRecall Category = "filerecall" // requires the feature flag and a tenant id
	CategorySearch     Category = "search"     // requires a configured search-API key
	CategoryImage      Category = "image"      // requires a configured image-backend base URL
)

// RequestConfig carries the per-request configuration ListEnabled gates on.
type RequestConfig struct {
	SandboxEnabled      bool
	FileRecallEnabled   bool
	TenantID            string
	SearchAPIKey        string
	ImageBackendBaseURL string
}

type registration struct {
	tool     Tool
	category Category
}

// Registry is the canonical, provider-agnostic tool catalog. It is built
// once at process startup and never mutated afterward — the catalog is
// immutable within a process lifetime.
type Registry struct {
	mu    sync.RWMutex
	byName map[string]registration
	order []string
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]registration)}
}

// Register adds a tool under the given gating category. Panics on a
// duplicate name: names must be globally unique across the registry, and
// a collision at startup is a programming error, not a runtime condition.
func (r *Registry) Register(t Tool, category Category) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[t.Name()]; exists {
		panic(fmt.Sprintf("agent: duplicate tool registration %q", t.Name()))
	}
	r.byName[t.Name()] = registration{tool: t, category: category}
	r.order = append(r.order, t.Name())
}

// Get resolves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return reg.tool, true
}

// ListEnabled returns the names of tools available for a request, in
// registration order, applying the gating rules from the tool catalog
// contract.
func (r *Registry) ListEnabled(cfg RequestConfig) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	enabled := make([]string, 0, len(r.order))
	for _, name := range r.order {
		reg := r.byName[name]
		switch reg.category {
		case CategorySandbox:
			if !cfg.SandboxEnabled {
				continue
			}
		case CategoryFileRecall:
			if !cfg.FileRecallEnabled || cfg.TenantID == "" {
				continue
			}
		case CategorySearch:
			if cfg.SearchAPIKey == "" {
				continue
			}
		case CategoryImage:
			if cfg.ImageBackendBaseURL == "" {
				continue
			}
		case CategoryNone:
			// no external dependency
		}
		enabled = append(enabled, name)
	}
	return enabled
}

// Definitions resolves names into their canonical ToolDefinitions, in the
// order given.
func (r *Registry) Definitions(names []string) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(names))
	for _, name := range names {
		reg, ok := r.byName[name]
		if !ok {
			continue
		}
		defs = append(defs, ToolDefinition{
			Name:        reg.tool.Name(),
			Description: reg.tool.Description(),
			Schema:      reg.tool.Schema(),
		})
	}
	return defs
}

// ProviderShape selects which upstream envelope RenderFor produces.
type ProviderShape string

const (
	// ShapeOpenAILegacy nests the function definition under
	// {"type":"function","function":{...}} — also used by the
	// Ollama-compatible path, which accepts no other shape.
	ShapeOpenAILegacy ProviderShape = "openai_legacy"

	// ShapeOpenAIResponses is the flat Responses-API shape, with "type"
	// sibling to "name" rather than nested under "function".
	ShapeOpenAIResponses ProviderShape = "openai_responses"

	// ShapeAnthropic renders {"name","description","input_schema"}.
	ShapeAnthropic ProviderShape = "anthropic"

	// ShapeOllama is an alias of ShapeOpenAILegacy: the Ollama-compatible
	// path must use the legacy nested shape, never the flat one.
	ShapeOllama ProviderShape = ShapeOpenAILegacy
)

// RenderFor emits names' canonical definitions in the shape shape expects.
// When strict is true, object-typed parameter schemas gain
// additionalProperties:false at the top level.
func (r *Registry) RenderFor(shape ProviderShape, names []string, strict bool) ([]map[string]any, error) {
	defs := r.Definitions(names)
	out := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		var params map[string]any
		if err := json.Unmarshal(def.Schema, &params); err != nil {
			return nil, fmt.Errorf("agent: tool %q has invalid schema: %w", def.Name, err)
		}
		if strict {
			if t, _ := params["type"].(string); t == "object" || t == "" {
				params["additionalProperties"] = false
			}
		}

		switch shape {
		case ShapeOpenAIResponses:
			out = append(out, map[string]any{
				"type":        "function",
				"name":        def.Name,
				"description": def.Description,
				"parameters":  params,
			})
		case ShapeAnthropic:
			out = append(out, map[string]any{
				"name":         def.Name,
				"description":  def.Description,
				"input_schema": params,
			})
		default: // ShapeOpenAILegacy / ShapeOllama
			out = append(out, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        def.Name,
					"description": def.Description,
					"parameters":  params,
				},
			})
		}
	}
	return out, nil
}

// Names returns every registered tool name, sorted alphabetically, for
// diagnostics and tests.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	sort.Strings(out)
	return out
}
