// Package telemetry translates engine events into OpenTelemetry spans and
// metrics.
package telemetry

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/m4xw311/agentlib/agent"
)

// TracingHandler creates one span per Run with a child span per tool
// invocation. Backend calls are recorded as span events on the run span.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span      // runID -> span
	runCtxs   map[string]context.Context // runID -> context (for child spans)
	toolSpans map[string]trace.Span      // runID:callID -> span
}

func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		toolSpans: make(map[string]trace.Span),
	}
}

// Handle processes an engine event. Pass it to agent.WithEventHandler.
func (h *TracingHandler) Handle(e agent.Event) {
	switch e.Kind {
	case agent.EventRunStarted:
		h.handleRunStarted(e)
	case agent.EventBackendCall:
		h.handleBackendCall(e)
	case agent.EventToolCall:
		h.handleToolCall(e)
	case agent.EventToolResult:
		h.handleToolResult(e)
	case agent.EventRunFinished, agent.EventRunFailed:
		h.handleRunEnded(e)
	}
}

func (h *TracingHandler) handleRunStarted(e agent.Event) {
	ctx, span := h.tracer.Start(context.Background(), "agent.run",
		trace.WithAttributes(attribute.String("agent.run_id", e.RunID)),
		trace.WithTimestamp(e.Time),
	)
	if n, ok := e.Payload["history"].(int); ok {
		span.SetAttributes(attribute.Int("agent.history_length", n))
	}

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) handleBackendCall(e agent.Event) {
	h.mu.RLock()
	span, ok := h.runSpans[e.RunID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	var attrs []attribute.KeyValue
	if n, ok := e.Payload["call"].(int); ok {
		attrs = append(attrs, attribute.Int("agent.backend_call", n))
	}
	if n, ok := e.Payload["tools"].(int); ok {
		attrs = append(attrs, attribute.Int("agent.tool_count", n))
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

func (h *TracingHandler) handleToolCall(e agent.Event) {
	h.mu.RLock()
	parentCtx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()
	if !ok {
		parentCtx = context.Background()
	}

	tool := payloadString(e, "tool")
	callID := payloadString(e, "call_id")
	_, span := h.tracer.Start(parentCtx, "tool:"+tool,
		trace.WithAttributes(
			attribute.String("agent.run_id", e.RunID),
			attribute.String("agent.tool_name", tool),
			attribute.String("agent.tool_call_id", callID),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.toolSpans[e.RunID+":"+callID] = span
	h.mu.Unlock()
}

func (h *TracingHandler) handleToolResult(e agent.Event) {
	key := e.RunID + ":" + payloadString(e, "call_id")

	h.mu.Lock()
	span, ok := h.toolSpans[key]
	if ok {
		delete(h.toolSpans, key)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if msg := payloadString(e, "error"); msg != "" {
		span.SetStatus(codes.Error, msg)
		span.RecordError(spanError(msg), trace.WithTimestamp(e.Time))
	} else {
		isError, _ := e.Payload["is_error"].(bool)
		span.SetAttributes(attribute.Bool("agent.tool_is_error", isError))
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) handleRunEnded(e agent.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	if ok {
		delete(h.runSpans, e.RunID)
		delete(h.runCtxs, e.RunID)
	}
	// Tool spans still open belong to a run that failed mid-round.
	var orphans []trace.Span
	prefix := e.RunID + ":"
	for key, s := range h.toolSpans {
		if strings.HasPrefix(key, prefix) {
			orphans = append(orphans, s)
			delete(h.toolSpans, key)
		}
	}
	h.mu.Unlock()

	for _, s := range orphans {
		s.SetStatus(codes.Error, "run ended")
		s.End(trace.WithTimestamp(e.Time))
	}
	if !ok {
		return
	}

	status := payloadString(e, "status")
	span.SetAttributes(
		attribute.String("agent.duration", e.Elapsed.String()),
		attribute.String("agent.status", status),
	)
	if e.Kind == agent.EventRunFailed {
		msg := payloadString(e, "error")
		if msg == "" {
			msg = "run failed"
		}
		span.SetStatus(codes.Error, msg)
		span.RecordError(spanError(msg), trace.WithTimestamp(e.Time))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveRunSpanContext returns the SpanContext of the run span for runID,
// or an empty SpanContext when the run is not active.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func payloadString(e agent.Event, key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

type spanError string

func (e spanError) Error() string { return string(e) }
