package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/agentlib/contract"
	"github.com/m4xw311/agentlib/errors"
	"github.com/m4xw311/agentlib/llm"
	"github.com/m4xw311/agentlib/session"
	"github.com/m4xw311/agentlib/tools"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModePrompt Mode = "prompt"
)

type ToolVerbosity string

const (
	ToolVerbosityNone ToolVerbosity = "none"
	ToolVerbosityInfo ToolVerbosity = "info"
	ToolVerbosityAll  ToolVerbosity = "all"
)

// State is the position of the engine in its tool-execution cycle.
type State string

const (
	StateIdle                   State = "idle"
	StateAwaitingBackend        State = "awaiting_backend"
	StateToolInvocationsPending State = "tool_invocations_pending"
	StateExecutingTools         State = "executing_tools"
	StateDone                   State = "done"
)

// DefaultMaxRuns bounds RunUntilDone when no limit is given.
const DefaultMaxRuns = 10

// DeclinedPayload is the tool result recorded when ShouldExecuteTool refuses
// an invocation.
const DeclinedPayload = "tool execution declined by user"

// ErrMaxRunsExceeded is returned by RunUntilDone when the backend keeps
// requesting tools.
var ErrMaxRunsExceeded = errors.ErrMaxRunsExceeded

// Callbacks let an interaction mode observe and steer a Run. Any field may be nil.
type Callbacks struct {
	OnAssistantMessage func(message string)
	OnToolCall         func(toolCall session.ToolCall)
	OnToolResult       func(toolCall session.ToolCall, result session.ToolResult)
	// ShouldExecuteTool is asked before each invocation; nil means always.
	ShouldExecuteTool func(toolCall session.ToolCall) bool
	OnWarning         func(warning string)
}

// Result is what a successful Run produced.
type Result struct {
	// Text is the final assistant text.
	Text string
	// Parsed is the validated value when an output contract is set.
	Parsed any
	// Executed lists the invocations run during this Run, in order, and
	// Results the matching tool results.
	Executed []session.ToolCall
	Results  []session.ToolResult
	// Raw is the last backend response body.
	Raw json.RawMessage
	// Done is false when the follow-up response requested more tools. Those
	// invocations are listed in Pending and run at the start of the next Run.
	Done    bool
	Pending []session.ToolCall
}

type Option func(*Agent)

// WithOutputContract requires the final response of every Run to satisfy s.
func WithOutputContract(s *contract.Schema) Option {
	return func(a *Agent) { a.output = s }
}

// WithInputContract validates every caller-authored message.
func WithInputContract(c session.InputContract) Option {
	return func(a *Agent) { a.input = c }
}

// WithRedundantToolInfo prefixes each backend call with a system message
// summarising the available tools.
func WithRedundantToolInfo(enabled bool) Option {
	return func(a *Agent) { a.redundantToolInfo = enabled }
}

func WithLLMOptions(opts llm.Options) Option {
	return func(a *Agent) { a.llmOptions = opts }
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// WithEventHandler adds h to the handlers receiving engine events.
func WithEventHandler(h EventHandler) Option {
	return func(a *Agent) { a.handlers = append(a.handlers, h) }
}

func WithCallbacks(cb Callbacks) Option {
	return func(a *Agent) { a.Callbacks = cb }
}

func WithMode(m Mode) Option {
	return func(a *Agent) { a.Mode = m }
}

func WithToolVerbosity(v ToolVerbosity) Option {
	return func(a *Agent) { a.Verbosity = v }
}

// Agent is the orchestration engine. It owns one conversation and drives
// the backend through at most one tool round per Run. An Agent is not safe
// for concurrent use; independent Agents may share a Registry.
type Agent struct {
	LLMClient llm.LLMClient
	Registry  *tools.Registry
	Mode      Mode
	Verbosity ToolVerbosity
	Callbacks Callbacks

	conv              *session.Conversation
	input             session.InputContract
	output            *contract.Schema
	redundantToolInfo bool
	llmOptions        llm.Options
	logger            *slog.Logger
	handlers          []EventHandler

	state   State
	pending []session.ToolCall
}

// New creates an engine with an empty conversation. A nil registry is
// replaced by an empty one.
func New(client llm.LLMClient, registry *tools.Registry, opts ...Option) (*Agent, error) {
	if client == nil {
		return nil, errors.New("an LLM client is required")
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	a := &Agent{
		LLMClient: client,
		Registry:  registry,
		Mode:      ModeAuto,
		Verbosity: ToolVerbosityNone,
		logger:    slog.Default(),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.conv = session.NewConversation(a.input)
	return a, nil
}

// State reports where the engine is in its cycle.
func (a *Agent) State() State { return a.state }

// History returns a copy of the conversation.
func (a *Agent) History() []session.Message { return a.conv.Messages() }

// Pending returns the invocations left by the previous Run.
func (a *Agent) Pending() []session.ToolCall {
	return append([]session.ToolCall(nil), a.pending...)
}

// AddInput appends a caller turn. It is rejected while invocations from a
// previous Run are still pending, since their results must come first.
func (a *Agent) AddInput(msg session.Message) error {
	if a.state != StateIdle {
		return errors.New("cannot add input while a run is in progress (state %s)", a.state)
	}
	if len(a.pending) > 0 {
		return &errors.ValidationError{Reason: "tool invocations are pending; call Run to execute them first"}
	}
	return a.conv.Append(msg)
}

// Restore loads a stored session into the still empty conversation.
func (a *Agent) Restore(s *session.Session) error {
	return s.Restore(a.conv)
}

// Record copies the conversation into s and saves it.
func (a *Agent) Record(s *session.Session) error {
	s.Record(a.conv)
	return s.Save()
}

// Run performs one turn: it executes invocations left pending by the
// previous Run, calls the backend, and when the backend asks for tools runs
// them and makes exactly one follow-up call. A failed Run returns no Result
// and leaves the engine idle.
func (a *Agent) Run(ctx context.Context) (*Result, error) {
	if a.state != StateIdle {
		return nil, errors.New("run already in progress (state %s)", a.state)
	}
	runID := uuid.NewString()
	start := time.Now()
	a.emit(NewEvent(EventRunStarted, runID).WithPayload("history", a.conv.Len()))

	res, err := a.run(ctx, runID)
	a.state = StateIdle
	if err != nil {
		a.pending = nil
		a.logger.Debug("run failed", "run_id", runID, "error", err)
		a.emit(NewEvent(EventRunFailed, runID).
			WithElapsed(time.Since(start)).
			WithPayload("status", "failed").
			WithPayload("error", err.Error()))
		return nil, err
	}

	status := "done"
	if !res.Done {
		status = "pending"
	}
	a.emit(NewEvent(EventRunFinished, runID).
		WithElapsed(time.Since(start)).
		WithPayload("status", status).
		WithPayload("tool_calls", len(res.Executed)))
	return res, nil
}

func (a *Agent) run(ctx context.Context, runID string) (*Result, error) {
	res := &Result{}
	if len(a.pending) > 0 {
		pending := a.pending
		a.pending = nil
		if err := a.executeTools(ctx, runID, pending, res); err != nil {
			return nil, err
		}
	}
	if a.conv.Len() == 0 {
		return nil, &errors.ValidationError{Reason: "conversation is empty; add input before running"}
	}

	resp, err := a.callBackend(ctx, runID, 1)
	if err != nil {
		return nil, err
	}
	if err := a.appendAssistant(resp); err != nil {
		return nil, err
	}
	if len(resp.ToolCalls) == 0 {
		return a.complete(resp, res), nil
	}

	a.state = StateToolInvocationsPending
	if err := a.executeTools(ctx, runID, resp.ToolCalls, res); err != nil {
		return nil, err
	}

	resp, err = a.callBackend(ctx, runID, 2)
	if err != nil {
		return nil, err
	}
	if err := a.appendAssistant(resp); err != nil {
		return nil, err
	}
	if len(resp.ToolCalls) == 0 {
		return a.complete(resp, res), nil
	}

	a.pending = append([]session.ToolCall(nil), resp.ToolCalls...)
	res.Text = resp.Text
	res.Raw = resp.Raw
	res.Pending = a.Pending()
	a.logger.Debug("follow-up requested more tools", "run_id", runID, "pending", len(res.Pending))
	return res, nil
}

// callBackend sends the history, with the optional tool summary in front,
// and the current tool snapshot to the adapter. An output contract
// violation still records the offending assistant text.
func (a *Agent) callBackend(ctx context.Context, runID string, call int) (*llm.Response, error) {
	a.state = StateAwaitingBackend
	descriptors := a.Registry.AllDescriptors(ctx)
	history := a.conv.Messages()
	if a.redundantToolInfo && len(descriptors) > 0 {
		history = append([]session.Message{session.NewSystemMessage(tools.Summary(descriptors))}, history...)
	}

	a.emit(NewEvent(EventBackendCall, runID).
		WithPayload("call", call).
		WithPayload("tools", len(descriptors)))

	resp, err := a.LLMClient.Chat(ctx, history, descriptors, a.output, a.llmOptions)
	if err != nil {
		var cv *errors.ContractViolationError
		if errors.As(err, &cv) {
			if appendErr := a.conv.Append(session.Message{Role: session.RoleAssistant, Content: cv.Text}); appendErr != nil {
				return nil, errors.Join(err, appendErr)
			}
		}
		return nil, err
	}
	return resp, nil
}

func (a *Agent) appendAssistant(resp *llm.Response) error {
	if err := a.conv.Append(resp.Message()); err != nil {
		return err
	}
	if resp.Text != "" && a.Callbacks.OnAssistantMessage != nil {
		a.Callbacks.OnAssistantMessage(resp.Text)
	}
	return nil
}

func (a *Agent) complete(resp *llm.Response, res *Result) *Result {
	a.state = StateDone
	res.Text = resp.Text
	res.Parsed = resp.Parsed
	res.Raw = resp.Raw
	res.Done = true
	return res
}

// executeTools runs calls in order, appending each result as it completes.
// An unresolvable name or a failing executable stops the round.
func (a *Agent) executeTools(ctx context.Context, runID string, calls []session.ToolCall, res *Result) error {
	a.state = StateExecutingTools
	for _, tc := range calls {
		tool, ok := a.Registry.Resolve(ctx, tc.Name)
		if !ok {
			return &errors.ToolNotFoundError{Name: tc.Name, CallID: tc.ToolCallID}
		}

		if a.Callbacks.OnToolCall != nil {
			a.Callbacks.OnToolCall(tc)
		}
		a.emit(NewEvent(EventToolCall, runID).
			WithPayload("tool", tc.Name).
			WithPayload("call_id", tc.ToolCallID))

		result := session.ToolResult{ToolCallID: tc.ToolCallID, Name: tc.Name}
		if a.shouldExecute(tc) {
			started := time.Now()
			payload, err := tool.Execute(ctx, session.CloneArgs(tc.Args))
			if err != nil {
				a.emit(NewEvent(EventToolResult, runID).
					WithElapsed(time.Since(started)).
					WithPayload("tool", tc.Name).
					WithPayload("call_id", tc.ToolCallID).
					WithPayload("is_error", true).
					WithPayload("error", err.Error()))
				return err
			}
			result.Payload = payload
			a.logger.Debug("tool executed", "tool", tc.Name, "call_id", tc.ToolCallID, "elapsed", time.Since(started))
		} else {
			result.Payload = DeclinedPayload
			result.IsError = true
			if a.Callbacks.OnWarning != nil {
				a.Callbacks.OnWarning("tool `" + tc.Name + "` was not executed")
			}
		}

		if err := a.conv.Append(session.NewToolResultMessage(result)); err != nil {
			return err
		}
		res.Executed = append(res.Executed, tc)
		res.Results = append(res.Results, result)

		if a.Callbacks.OnToolResult != nil {
			a.Callbacks.OnToolResult(tc, result)
		}
		a.emit(NewEvent(EventToolResult, runID).
			WithPayload("tool", tc.Name).
			WithPayload("call_id", tc.ToolCallID).
			WithPayload("is_error", result.IsError))
	}
	return nil
}

func (a *Agent) shouldExecute(tc session.ToolCall) bool {
	if a.Callbacks.ShouldExecuteTool == nil {
		return true
	}
	return a.Callbacks.ShouldExecuteTool(tc)
}

// RunUntilDone calls Run until the backend gives a final answer, at most
// maxRuns times. Executed invocations of all runs are accumulated in the
// returned Result.
func (a *Agent) RunUntilDone(ctx context.Context, maxRuns int) (*Result, error) {
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	var executed []session.ToolCall
	var results []session.ToolResult
	for i := 0; i < maxRuns; i++ {
		res, err := a.Run(ctx)
		if err != nil {
			return nil, err
		}
		executed = append(executed, res.Executed...)
		results = append(results, res.Results...)
		if res.Done {
			res.Executed = executed
			res.Results = results
			return res, nil
		}
	}
	return nil, errors.Wrapf(ErrMaxRunsExceeded, "backend still requesting tools after %d runs", maxRuns)
}

// Prompt appends text as a user message and runs until done.
func (a *Agent) Prompt(ctx context.Context, text string, maxRuns int, parts ...session.Part) (*Result, error) {
	if err := a.AddInput(session.NewUserMessage(text, parts...)); err != nil {
		return nil, err
	}
	return a.RunUntilDone(ctx, maxRuns)
}

func (a *Agent) emit(e Event) {
	for _, h := range a.handlers {
		if h != nil {
			h(e)
		}
	}
}
