package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owui/gateway-core/pkg/models"
)

type fnTool struct {
	name   string
	schema string
	fn     func(ctx context.Context, args json.RawMessage) (string, error)
}

func (f fnTool) Name() string            { return f.name }
func (f fnTool) Description() string     { return "test tool" }
func (f fnTool) Schema() json.RawMessage { return json.RawMessage(f.schema) }
func (f fnTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return f.fn(ctx, args)
}

type recordingMetrics struct {
	mu      sync.Mutex
	records []models.ToolCallRecord
}

func (m *recordingMetrics) RecordToolCall(r models.ToolCallRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.ToolEvent
}

func (s *recordingSink) Emit(e models.ToolEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func TestDispatch_UnknownToolReturnsErrorResult(t *testing.T) {
	r := NewRegistry()
	d := NewDispatcher(r, nil, nil, time.Second)

	result := d.Dispatch(context.Background(), models.ToolCall{ID: "1", Name: "nope", Arguments: json.RawMessage(`{}`)}, "req-1")
	assert.False(t, result.OK)
	assert.Contains(t, result.ErrorText, "unknown tool")
}

func TestDispatch_InvalidArgumentsReturnErrorResultNotGoError(t *testing.T) {
	r := NewRegistry()
	r.Register(fnTool{
		name:   "needs_text",
		schema: `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`,
		fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			t.Fatal("execute must not run when arguments fail validation")
			return "", nil
		},
	}, CategoryNone)
	metrics := &recordingMetrics{}
	d := NewDispatcher(r, metrics, nil, time.Second)

	result := d.Dispatch(context.Background(), models.ToolCall{ID: "1", Name: "needs_text", Arguments: json.RawMessage(`{}`)}, "req-1")
	assert.False(t, result.OK)
	assert.Contains(t, result.ErrorText, "invalid arguments")
	require.Len(t, metrics.records, 1)
	assert.Equal(t, "invalid-arguments", metrics.records[0].Status)
}

func TestDispatch_SuccessRecordsMetricsAndEvents(t *testing.T) {
	r := NewRegistry()
	r.Register(fnTool{
		name:   "echo",
		schema: `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`,
		fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "echoed", nil
		},
	}, CategoryNone)
	metrics := &recordingMetrics{}
	sink := &recordingSink{}
	d := NewDispatcher(r, metrics, sink, time.Second)

	result := d.Dispatch(context.Background(), models.ToolCall{ID: "1", Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)}, "req-1")
	assert.True(t, result.OK)
	assert.Equal(t, "echoed", result.ResultText)

	require.Len(t, metrics.records, 1)
	assert.Equal(t, "ok", metrics.records[0].Status)
	assert.Equal(t, "echo", metrics.records[0].Name)

	stages := make([]models.ToolEventStage, 0, len(sink.events))
	for _, e := range sink.events {
		stages = append(stages, e.Stage)
	}
	assert.Equal(t, []models.ToolEventStage{
		models.ToolEventRequested,
		models.ToolEventStarted,
		models.ToolEventSucceeded,
	}, stages)
}

func TestDispatch_ToolRuntimeErrorNeverReturnsGoError(t *testing.T) {
	r := NewRegistry()
	r.Register(fnTool{
		name:   "fails",
		schema: `{"type":"object"}`,
		fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "", errors.New("sandbox daemon unreachable")
		},
	}, CategoryNone)
	d := NewDispatcher(r, nil, nil, time.Second)

	result := d.Dispatch(context.Background(), models.ToolCall{ID: "1", Name: "fails", Arguments: json.RawMessage(`{}`)}, "req-1")
	assert.False(t, result.OK)
	assert.Contains(t, result.ErrorText, "sandbox daemon unreachable")
}
