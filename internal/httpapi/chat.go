package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/owui/gateway-core/internal/agent"
	"github.com/owui/gateway-core/internal/agent/providers"
	"github.com/owui/gateway-core/internal/filerecall"
	"github.com/owui/gateway-core/internal/memory"
	"github.com/owui/gateway-core/internal/sandbox"
	"github.com/owui/gateway-core/internal/shaper"
	"github.com/owui/gateway-core/pkg/models"
)

// resolveProvider builds an agent.Provider fresh from the request's
// ToolsConfig. Upstream credentials never live in server-side config; a
// new client is constructed per request from whatever the caller sent.
func resolveProvider(cfg ToolsConfig) (agent.Provider, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, agent.NewKindError(agent.KindRequestInvalid, errors.New("tools_config.openai_api_key is required for provider=openai"))
		}
		return providers.NewOpenAIProvider(cfg.OpenAIAPIKey), nil
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, agent.NewKindError(agent.KindRequestInvalid, errors.New("tools_config.anthropic_api_key is required for provider=anthropic"))
		}
		provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:          cfg.AnthropicAPIKey,
			BaseURL:         cfg.AnthropicBaseURL,
			MaxRetries:      3,
			RetryDelay:      time.Second,
			MaxOutputTokens: 8192,
		})
		if err != nil {
			return nil, agent.NewKindError(agent.KindRequestInvalid, err)
		}
		return provider, nil
	case "ollama":
		if cfg.OllamaBaseURL == "" {
			return nil, agent.NewKindError(agent.KindRequestInvalid, errors.New("tools_config.ollama_base_url is required for provider=ollama"))
		}
		return providers.NewOllamaProvider(providers.OllamaConfig{
			BaseURL: cfg.OllamaBaseURL,
			Timeout: 5 * time.Minute,
		}), nil
	default:
		return nil, agent.NewKindError(agent.KindRequestInvalid, fmt.Errorf("unknown tools_config.provider %q", cfg.Provider))
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "model and messages are required")
		return
	}

	requestID := uuid.NewString()
	startedAt := time.Now()

	provider, err := resolveProvider(req.ToolsConfig)
	if err != nil {
		s.recordRequestError(req, requestID, startedAt, err)
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.deps.RequestTimeout)
	defer cancel()

	if req.UserID != "" {
		ctx = memory.WithUserID(ctx, req.UserID)
	}
	tenantID := req.ToolsConfig.FileRecallTenant
	if tenantID != "" {
		ctx = filerecall.WithTenantID(ctx, tenantID)
	}
	if req.ConversationID != "" {
		ctx = sandbox.WithConvKey(ctx, tenantID, req.ConversationID)
	}

	// The shaper's auto-compaction summarizer wraps this request's own
	// resolved provider: upstream credentials never outlive the request,
	// so the shaper can't be built once at server startup.
	convShaper := shaper.New(s.deps.Memory, shaper.NewProviderSummarizer(provider), s.deps.ShaperConfig)
	messages, err := convShaper.Prepare(ctx, req.UserID, req.Messages)
	if err != nil {
		s.recordRequestError(req, requestID, startedAt, err)
		writeJSONError(w, http.StatusInternalServerError, "failed to prepare conversation")
		return
	}

	toolCfg := agent.RequestConfig{
		SandboxEnabled:      req.ToolsConfig.SandboxEnabled && s.deps.Sandbox != nil,
		FileRecallEnabled:   req.ToolsConfig.FileRecallEnabled,
		TenantID:            tenantID,
		SearchAPIKey:        req.ToolsConfig.SearchAPIKey,
		ImageBackendBaseURL: req.ToolsConfig.ImageBackendBaseURL,
	}
	toolNames := s.deps.Registry.ListEnabled(toolCfg)

	loop := agent.NewLoop(provider, s.dispatcher, s.deps.Registry, s.deps.MaxToolIterations)

	completionReq := agent.CompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Strict:   true,
	}

	events := make(chan agent.Event, 16)
	outcome := make(chan agent.LoopOutcome, 1)
	loopErr := make(chan error, 1)

	go func() {
		defer close(events)
		o, err := loop.Run(ctx, completionReq, toolNames, requestID, events)
		outcome <- o
		loopErr <- err
	}()

	if req.Stream {
		s.streamChat(w, r, events, outcome, loopErr, req, requestID, startedAt)
		return
	}
	s.bufferChat(w, events, outcome, loopErr, req, requestID, startedAt)
}

// streamChat drains events onto an SSE response as they arrive.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, events <-chan agent.Event, outcome <-chan agent.LoopOutcome, loopErr <-chan error, req ChatRequest, requestID string, startedAt time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for event := range events {
		switch event.Kind {
		case agent.EventTextDelta:
			writeSSE(w, "delta", sseTextDelta{Type: "text", Content: event.Text})
		case agent.EventReasoningDelta:
			writeSSE(w, "delta", sseTextDelta{Type: "reasoning", Content: event.Text})
		case agent.EventToolCallAssembled:
			if event.ToolCall != nil {
				writeSSE(w, "tool", sseToolMarker{
					ID:      event.ToolCall.ID,
					Name:    event.ToolCall.Name,
					Phase:   event.Text,
					Summary: truncateSummary(string(event.ToolCall.Arguments)),
				})
			}
		}
		flusher.Flush()
	}

	o := <-outcome
	err := <-loopErr
	usage := ChatUsage{InputTokens: o.Usage.InputTokens, OutputTokens: o.Usage.OutputTokens, CachedInputTokens: o.Usage.CachedInputTokens}
	status := models.RequestOK
	if err != nil {
		status = classifyStatus(err)
	} else if o.Truncated {
		status = models.RequestTruncated
	}

	writeSSE(w, "done", sseDone{Usage: usage, Truncated: o.Truncated})
	flusher.Flush()

	s.recordOutcome(req, requestID, startedAt, status, usage, err)
}

// bufferChat accumulates the full loop outcome and returns one JSON body.
func (s *Server) bufferChat(w http.ResponseWriter, events <-chan agent.Event, outcome <-chan agent.LoopOutcome, loopErr <-chan error, req ChatRequest, requestID string, startedAt time.Time) {
	var text string
	for event := range events {
		if event.Kind == agent.EventTextDelta {
			text += event.Text
		}
	}

	o := <-outcome
	err := <-loopErr
	usage := ChatUsage{InputTokens: o.Usage.InputTokens, OutputTokens: o.Usage.OutputTokens, CachedInputTokens: o.Usage.CachedInputTokens}

	status := models.RequestOK
	if err != nil {
		status = classifyStatus(err)
		s.recordOutcome(req, requestID, startedAt, status, usage, err)
		writeJSONError(w, httpStatusFor(err), err.Error())
		return
	}
	if o.Truncated {
		status = models.RequestTruncated
	}
	s.recordOutcome(req, requestID, startedAt, status, usage, nil)

	resp := ChatResponse{
		Message: models.CanonicalMessage{Role: models.RoleAssistant, Content: []models.ContentPart{{Type: models.PartText, Text: text}}},
		Usage:   usage,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body)
}

// truncateSummary keeps the SSE tool marker payload small; the full
// arguments are still recorded by the metrics store's arguments digest.
func truncateSummary(args string) string {
	const max = 200
	if len(args) <= max {
		return args
	}
	return args[:max] + "..."
}

func classifyStatus(err error) models.RequestStatus {
	var kindErr *agent.KindError
	if errors.As(err, &kindErr) {
		switch kindErr.Kind {
		case agent.KindCancelled:
			return models.RequestCancelled
		case agent.KindBudgetExceeded:
			return models.RequestTruncated
		default:
			return models.RequestUpstreamError
		}
	}
	return models.RequestUpstreamError
}

func httpStatusFor(err error) int {
	var kindErr *agent.KindError
	if errors.As(err, &kindErr) {
		switch kindErr.Kind {
		case agent.KindRequestInvalid, agent.KindToolArgumentInvalid:
			return http.StatusBadRequest
		case agent.KindAuthDenied:
			return http.StatusUnauthorized
		case agent.KindCancelled:
			return http.StatusGatewayTimeout
		case agent.KindBudgetExceeded:
			return http.StatusOK
		case agent.KindUpstreamUnavailable, agent.KindToolRuntimeError:
			return http.StatusBadGateway
		}
	}
	return http.StatusInternalServerError
}

func (s *Server) recordOutcome(req ChatRequest, requestID string, startedAt time.Time, status models.RequestStatus, usage ChatUsage, err error) {
	if s.deps.Metrics == nil {
		return
	}
	rec := models.RequestRecord{
		ID:                requestID,
		ConversationID:    req.ConversationID,
		UserID:            req.UserID,
		Model:             req.Model,
		Provider:          req.ToolsConfig.Provider,
		Status:            status,
		InputTokens:       usage.InputTokens,
		OutputTokens:      usage.OutputTokens,
		CachedInputTokens: usage.CachedInputTokens,
		StartedAt:         startedAt,
		Duration:          time.Since(startedAt),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	s.deps.Metrics.RecordRequest(rec)
}

func (s *Server) recordRequestError(req ChatRequest, requestID string, startedAt time.Time, err error) {
	s.recordOutcome(req, requestID, startedAt, models.RequestUpstreamError, ChatUsage{}, err)
}
