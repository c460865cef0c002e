package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/owui/gateway-core/pkg/models"
)

// MetricsRecorder receives append-only tool-call outcomes. Implementations
// must not block the dispatcher on slow storage; the single-writer metrics
// store owns its own queue.
type MetricsRecorder interface {
	RecordToolCall(record models.ToolCallRecord)
}

// EventSink receives tool call start/end markers for the SSE detail
// channel. Implementations must not block the dispatcher.
type EventSink interface {
	Emit(event models.ToolEvent)
}

// noopMetricsRecorder and noopEventSink let callers omit either dependency
// in tests without guarding every call with a nil check.
type noopMetricsRecorder struct{}

func (noopMetricsRecorder) RecordToolCall(models.ToolCallRecord) {}

type noopEventSink struct{}

func (noopEventSink) Emit(models.ToolEvent) {}

// DispatchResult is the outcome the Dispatch Loop appends to history as a
// tool-role message. Dispatch never returns a Go error for a tool failure:
// every recoverable failure is represented as OK=false with ErrorText.
type DispatchResult struct {
	OK         bool
	ResultText string
	ErrorText  string
}

// Dispatcher resolves, validates, and executes tool calls against the
// registry, recording metrics and emitting detail-marker events. It never
// raises a tool failure as a request failure.
type Dispatcher struct {
	registry     *Registry
	metrics      MetricsRecorder
	sink         EventSink
	callTimeout  time.Duration

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// NewDispatcher builds a Dispatcher. A nil metrics or sink is replaced with
// a no-op implementation.
func NewDispatcher(registry *Registry, metrics MetricsRecorder, sink EventSink, callTimeout time.Duration) *Dispatcher {
	if metrics == nil {
		metrics = noopMetricsRecorder{}
	}
	if sink == nil {
		sink = noopEventSink{}
	}
	if callTimeout <= 0 {
		callTimeout = 2 * time.Minute
	}
	return &Dispatcher{
		registry:    registry,
		metrics:     metrics,
		sink:        sink,
		callTimeout: callTimeout,
		schemas:     make(map[string]*jsonschema.Schema),
	}
}

// Dispatch resolves call.Name, validates its arguments, executes it with a
// bounded sub-context, and records the outcome. requestID scopes the
// emitted events and metrics record to the owning chat request.
func (d *Dispatcher) Dispatch(ctx context.Context, call models.ToolCall, requestID string) DispatchResult {
	started := time.Now()
	digest := argumentsDigest(call.Arguments)

	d.sink.Emit(models.ToolEvent{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Stage:      models.ToolEventRequested,
		Input:      call.Arguments,
		StartedAt:  started,
	})

	tool, ok := d.registry.Get(call.Name)
	if !ok {
		result := DispatchResult{OK: false, ErrorText: fmt.Sprintf("unknown tool %q", call.Name)}
		d.finish(call, requestID, digest, started, "error", result)
		return result
	}

	if err := d.validateArguments(tool, call.Arguments); err != nil {
		result := DispatchResult{OK: false, ErrorText: fmt.Sprintf("invalid arguments: %v", err)}
		d.finish(call, requestID, digest, started, "invalid-arguments", result)
		return result
	}

	d.sink.Emit(models.ToolEvent{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Stage:      models.ToolEventStarted,
		Input:      call.Arguments,
		StartedAt:  started,
	})

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	output, err := tool.Execute(callCtx, call.Arguments)
	if err != nil {
		result := DispatchResult{OK: false, ErrorText: err.Error()}
		d.finish(call, requestID, digest, started, "error", result)
		return result
	}

	result := DispatchResult{OK: true, ResultText: output}
	d.finish(call, requestID, digest, started, "ok", result)
	return result
}

func (d *Dispatcher) finish(call models.ToolCall, requestID, digest string, started time.Time, status string, result DispatchResult) {
	finished := time.Now()
	stage := models.ToolEventSucceeded
	out := result.ResultText
	errText := ""
	if !result.OK {
		stage = models.ToolEventFailed
		errText = result.ErrorText
	}
	d.sink.Emit(models.ToolEvent{
		ToolCallID:  call.ID,
		ToolName:    call.Name,
		Stage:       stage,
		Output:      out,
		Error:       errText,
		StartedAt:   started,
		FinishedAt:  finished,
	})
	d.metrics.RecordToolCall(models.ToolCallRecord{
		RequestID:       requestID,
		Name:            call.Name,
		ArgumentsDigest: digest,
		Duration:        finished.Sub(started),
		Status:          status,
	})
}

// validateArguments compiles (and caches) the tool's JSON Schema and
// validates call arguments against it. Argument-shape problems are
// reported back to the model as tool-result errors, never surfaced as a
// dispatcher-level Go error.
func (d *Dispatcher) validateArguments(tool Tool, arguments json.RawMessage) error {
	schema, err := d.compiledSchema(tool)
	if err != nil {
		// A tool registered with an invalid schema is a startup defect,
		// not a per-call condition, but we still fail the individual
		// call rather than panic mid-request.
		return err
	}

	var decoded any
	raw := arguments
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return schema.Validate(decoded)
}

func (d *Dispatcher) compiledSchema(tool Tool) (*jsonschema.Schema, error) {
	d.schemaMu.Lock()
	defer d.schemaMu.Unlock()

	if schema, ok := d.schemas[tool.Name()]; ok {
		return schema, nil
	}

	url := "mem://tool-schema/" + tool.Name()
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(string(tool.Schema()))); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", tool.Name(), err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", tool.Name(), err)
	}
	d.schemas[tool.Name()] = schema
	return schema, nil
}

// argumentsDigest hashes the canonicalized arguments: valid JSON is decoded
// and re-encoded (encoding/json sorts object keys), so reordered keys yield
// the same digest. Arguments that are not valid JSON are hashed as given.
func argumentsDigest(arguments json.RawMessage) string {
	canonical := []byte(arguments)
	var decoded any
	if err := json.Unmarshal(arguments, &decoded); err == nil {
		if encoded, err := json.Marshal(decoded); err == nil {
			canonical = encoded
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
