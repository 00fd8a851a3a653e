package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/m4xw311/agentlib/agent"
)

// MetricsHandler records counters and histograms for runs, backend calls
// and tool invocations.
type MetricsHandler struct {
	runs         metric.Int64Counter
	runDuration  metric.Float64Histogram
	backendCalls metric.Int64Counter
	toolCalls    metric.Int64Counter
	toolFailures metric.Int64Counter
}

func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	runs, err := meter.Int64Counter("agent.runs",
		metric.WithDescription("Number of completed or failed runs"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("agent.run.duration",
		metric.WithDescription("Duration of a run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	backend, err := meter.Int64Counter("agent.backend.calls",
		metric.WithDescription("Number of backend calls"),
	)
	if err != nil {
		return nil, err
	}

	toolCalls, err := meter.Int64Counter("agent.tool.calls",
		metric.WithDescription("Number of tool invocations"),
	)
	if err != nil {
		return nil, err
	}

	toolFail, err := meter.Int64Counter("agent.tool.failures",
		metric.WithDescription("Number of tool invocations that failed or were declined"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		runs:         runs,
		runDuration:  runDur,
		backendCalls: backend,
		toolCalls:    toolCalls,
		toolFailures: toolFail,
	}, nil
}

// Handle processes an engine event. Pass it to agent.WithEventHandler.
func (h *MetricsHandler) Handle(e agent.Event) {
	ctx := context.Background()
	switch e.Kind {
	case agent.EventBackendCall:
		h.backendCalls.Add(ctx, 1)
	case agent.EventToolCall:
		h.toolCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", payloadString(e, "tool"))))
	case agent.EventToolResult:
		if isError, _ := e.Payload["is_error"].(bool); isError {
			h.toolFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", payloadString(e, "tool"))))
		}
	case agent.EventRunFinished, agent.EventRunFailed:
		attrs := metric.WithAttributes(attribute.String("status", payloadString(e, "status")))
		h.runs.Add(ctx, 1, attrs)
		h.runDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
	}
}
