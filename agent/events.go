package agent

import "time"

// EventKind identifies the type of event emitted by the engine.
type EventKind string

const (
	// EventRunStarted is emitted when Run begins.
	EventRunStarted EventKind = "run_started"

	// EventBackendCall is emitted before each adapter call.
	EventBackendCall EventKind = "backend_call"

	// EventToolCall is emitted when a tool invocation begins.
	EventToolCall EventKind = "tool_call"

	// EventToolResult is emitted when a tool invocation completes, including
	// failed and declined invocations.
	EventToolResult EventKind = "tool_result"

	// EventRunFinished is emitted when Run returns a result.
	EventRunFinished EventKind = "run_finished"

	// EventRunFailed is emitted when Run returns an error.
	EventRunFailed EventKind = "run_failed"
)

func (k EventKind) String() string {
	return string(k)
}

// Event is a small structured record of what happened during a Run.
type Event struct {
	Kind  EventKind
	RunID string
	Time  time.Time

	// Elapsed is the time since the run started.
	Elapsed time.Duration

	// Payload holds event-specific data such as "tool", "call_id", "error".
	Payload map[string]any
}

// NewEvent creates an event stamped with the current time.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventHandler receives engine events. Handlers run synchronously on the
// engine's goroutine and should return quickly.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}
