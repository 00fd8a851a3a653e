package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/m4xw311/agentlib/contract"
	"github.com/m4xw311/agentlib/errors"
	"github.com/m4xw311/agentlib/llm"
	"github.com/m4xw311/agentlib/session"
	"github.com/m4xw311/agentlib/tools"
)

func addTool(calls *int) tools.Tool {
	return tools.New("add", "Adds a and b", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
			"b": map[string]any{"type": "number"},
		},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		if calls != nil {
			*calls++
		}
		a, _ := args["a"].(float64)
		b, _ := args["b"].(float64)
		return a + b, nil
	})
}

func call(id, name string, args map[string]any) session.ToolCall {
	return session.ToolCall{ToolCallID: id, Name: name, Args: args}
}

func textStep(text string) llm.Step {
	return llm.Step{Response: llm.Response{Text: text}}
}

func toolStep(calls ...session.ToolCall) llm.Step {
	return llm.Step{Response: llm.Response{ToolCalls: calls}}
}

func newAgent(t *testing.T, client llm.LLMClient, ts []tools.Tool, opts ...Option) *Agent {
	t.Helper()
	r := tools.NewRegistry()
	for _, tool := range ts {
		if err := r.Register(context.Background(), tool); err != nil {
			t.Fatal(err)
		}
	}
	a, err := New(client, r, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestRunWithoutTools(t *testing.T) {
	client := llm.NewScriptedClient(textStep("hello"))
	a := newAgent(t, client, nil)
	if err := a.AddInput(session.NewUserMessage("hi")); err != nil {
		t.Fatal(err)
	}

	res, err := a.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "hello" || !res.Done || len(res.Executed) != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	history := a.History()
	if len(history) != 2 {
		t.Fatalf("expected exactly one entry appended, got history %+v", history)
	}
	if history[1].Role != session.RoleAssistant || history[1].Content != "hello" {
		t.Errorf("assistant entry = %+v", history[1])
	}
	if a.State() != StateIdle {
		t.Errorf("state after run = %s", a.State())
	}
}

func TestRunToolRoundTrip(t *testing.T) {
	client := llm.NewScriptedClient(
		toolStep(call("c1", "add", map[string]any{"a": 2.0, "b": 3.0})),
		textStep("5"),
	)
	a := newAgent(t, client, []tools.Tool{addTool(nil)})
	for _, m := range []session.Message{session.NewSystemMessage("You are a calculator."), session.NewUserMessage("Add 2 and 3")} {
		if err := a.AddInput(m); err != nil {
			t.Fatal(err)
		}
	}

	res, err := a.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "5" || !res.Done {
		t.Errorf("result = %+v", res)
	}
	if len(res.Results) != 1 || res.Results[0].Payload != 5.0 {
		t.Errorf("results = %+v", res.Results)
	}

	history := a.History()
	roles := []session.Role{session.RoleSystem, session.RoleUser, session.RoleAssistant, session.RoleTool, session.RoleAssistant}
	if len(history) != len(roles) {
		t.Fatalf("history has %d entries, want %d", len(history), len(roles))
	}
	for i, r := range roles {
		if history[i].Role != r {
			t.Errorf("entry %d role = %s, want %s", i, history[i].Role, r)
		}
	}
	if history[3].ToolResult.ToolCallID != "c1" {
		t.Errorf("tool result not matched to its call: %+v", history[3].ToolResult)
	}

	// The follow-up call must already carry the tool result.
	reqs := client.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 backend calls, got %d", len(reqs))
	}
	if last := reqs[1].History[len(reqs[1].History)-1]; last.Role != session.RoleTool {
		t.Errorf("follow-up history should end with the tool result, got %s", last.Role)
	}
}

func TestRunBatchResultsInOrder(t *testing.T) {
	calls := 0
	client := llm.NewScriptedClient(
		toolStep(
			call("c1", "add", map[string]any{"a": 1.0, "b": 1.0}),
			call("c2", "add", map[string]any{"a": 2.0, "b": 2.0}),
			call("c3", "add", map[string]any{"a": 3.0, "b": 3.0}),
		),
		textStep("done"),
	)
	a := newAgent(t, client, []tools.Tool{addTool(&calls)})
	if err := a.AddInput(session.NewUserMessage("go")); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Errorf("executed %d tools", calls)
	}

	followUp := client.Requests()[1].History
	results := followUp[len(followUp)-3:]
	for i, want := range []string{"c1", "c2", "c3"} {
		if results[i].Role != session.RoleTool || results[i].ToolResult.ToolCallID != want {
			t.Errorf("result %d = %+v, want call %s", i, results[i], want)
		}
	}
}

func TestRunContractViolation(t *testing.T) {
	count, err := contract.FromJSON("count", []byte(`{"type":"object","properties":{"count":{"type":"number"}},"required":["count"]}`))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		text string
	}{
		{"not json", "five"},
		{"wrong shape", `{"count": "five"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := llm.NewScriptedClient(textStep(tt.text))
			a := newAgent(t, client, nil, WithOutputContract(count))
			if err := a.AddInput(session.NewUserMessage("how many?")); err != nil {
				t.Fatal(err)
			}

			res, err := a.Run(context.Background())
			if res != nil {
				t.Errorf("failed run returned a result: %+v", res)
			}
			if !errors.Is(err, errors.ErrContractViolation) {
				t.Fatalf("expected ContractViolation, got %v", err)
			}
			last := a.History()[len(a.History())-1]
			if last.Role != session.RoleAssistant || last.Content != tt.text {
				t.Errorf("offending assistant entry not retained: %+v", last)
			}
			if a.State() != StateIdle {
				t.Errorf("state after failure = %s", a.State())
			}
		})
	}
}

func TestRunContractSatisfied(t *testing.T) {
	count, err := contract.FromJSON("count", []byte(`{"type":"object","properties":{"count":{"type":"number"}},"required":["count"]}`))
	if err != nil {
		t.Fatal(err)
	}
	client := llm.NewScriptedClient(textStep(`{"count": 5}`))
	a := newAgent(t, client, nil, WithOutputContract(count))
	if err := a.AddInput(session.NewUserMessage("how many?")); err != nil {
		t.Fatal(err)
	}
	res, err := a.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Parsed.(map[string]any)["count"] != 5.0 {
		t.Errorf("parsed = %v", res.Parsed)
	}
	if client.Requests()[0].Output != count {
		t.Error("contract not forwarded to the adapter")
	}
}

func TestRunToolNotFound(t *testing.T) {
	client := llm.NewScriptedClient(toolStep(call("c1", "missing", nil)))
	a := newAgent(t, client, nil)
	if err := a.AddInput(session.NewUserMessage("go")); err != nil {
		t.Fatal(err)
	}

	_, err := a.Run(context.Background())
	var nf *errors.ToolNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected ToolNotFoundError, got %v", err)
	}
	if nf.Name != "missing" || nf.CallID != "c1" {
		t.Errorf("error = %+v", nf)
	}
	last := a.History()[len(a.History())-1]
	if len(last.ToolCalls) != 1 || last.ToolCalls[0].Name != "missing" {
		t.Errorf("invocation should remain in history, last entry %+v", last)
	}
}

func TestRunToolErrorPropagates(t *testing.T) {
	boom := errors.New("disk on fire")
	failing := tools.New("fail", "always fails", nil, func(ctx context.Context, args map[string]any) (any, error) {
		return nil, boom
	})
	client := llm.NewScriptedClient(toolStep(call("c1", "fail", nil)), textStep("unreachable"))
	a := newAgent(t, client, []tools.Tool{failing})
	if err := a.AddInput(session.NewUserMessage("go")); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Run(context.Background()); err != boom {
		t.Fatalf("expected the executable's error unchanged, got %v", err)
	}
	if client.Remaining() != 1 {
		t.Error("no follow-up call should be made after a tool failure")
	}
}

func TestRunMalformedResponse(t *testing.T) {
	malformed := &errors.MalformedResponseError{Backend: "openai", Raw: []byte(`{"bad":`)}
	client := llm.NewScriptedClient(llm.Step{Err: malformed})
	a := newAgent(t, client, nil)
	if err := a.AddInput(session.NewUserMessage("go")); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Run(context.Background()); !errors.Is(err, errors.ErrMalformedResponse) {
		t.Fatalf("expected MalformedResponse, got %v", err)
	}
	if len(a.History()) != 1 {
		t.Errorf("nothing should be appended on a malformed response")
	}
}

func TestRunRedundantToolInfo(t *testing.T) {
	client := llm.NewScriptedClient(textStep("a"), textStep("b"))
	a := newAgent(t, client, []tools.Tool{addTool(nil)}, WithRedundantToolInfo(true))
	if err := a.AddInput(session.NewUserMessage("go")); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	sent := client.Requests()[0].History
	if sent[0].Role != session.RoleSystem || !strings.Contains(sent[0].Content, "add: Adds a and b") {
		t.Errorf("summary not prepended: %+v", sent[0])
	}
	for _, m := range a.History() {
		if m.Role == session.RoleSystem {
			t.Errorf("summary must not be stored: %+v", m)
		}
	}

	// Tools registered later appear in the next summary.
	if err := a.Registry.Register(context.Background(), tools.New("mul", "Multiplies", nil, func(ctx context.Context, args map[string]any) (any, error) { return 0, nil })); err != nil {
		t.Fatal(err)
	}
	if err := a.AddInput(session.NewUserMessage("again")); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sent := client.Requests()[1].History; !strings.Contains(sent[0].Content, "mul: Multiplies") {
		t.Errorf("summary is stale: %q", sent[0].Content)
	}
}

func TestRunLeavesPendingInvocations(t *testing.T) {
	calls := 0
	client := llm.NewScriptedClient(
		toolStep(call("c1", "add", map[string]any{"a": 1.0, "b": 2.0})),
		toolStep(call("c2", "add", map[string]any{"a": 3.0, "b": 4.0})),
		textStep("10"),
	)
	a := newAgent(t, client, []tools.Tool{addTool(&calls)})
	if err := a.AddInput(session.NewUserMessage("go")); err != nil {
		t.Fatal(err)
	}

	res, err := a.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Done || len(res.Pending) != 1 || res.Pending[0].ToolCallID != "c2" {
		t.Fatalf("expected c2 pending, got %+v", res)
	}
	if calls != 1 {
		t.Errorf("only the first round should be executed, got %d", calls)
	}
	if err := a.AddInput(session.NewUserMessage("interrupt")); !errors.Is(err, errors.ErrValidation) {
		t.Errorf("input while invocations are pending should fail, got %v", err)
	}

	res, err = a.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Done || res.Text != "10" || calls != 2 {
		t.Errorf("second run = %+v, calls %d", res, calls)
	}
	if len(res.Executed) != 1 || res.Executed[0].ToolCallID != "c2" {
		t.Errorf("pending call not executed first: %+v", res.Executed)
	}
}

func TestRunUntilDone(t *testing.T) {
	client := llm.NewScriptedClient(
		toolStep(call("c1", "add", map[string]any{"a": 1.0, "b": 2.0})),
		toolStep(call("c2", "add", map[string]any{"a": 3.0, "b": 4.0})),
		textStep("10"),
	)
	a := newAgent(t, client, []tools.Tool{addTool(nil)})
	res, err := a.Prompt(context.Background(), "go", 3)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Done || len(res.Executed) != 2 || len(res.Results) != 2 {
		t.Errorf("result = %+v", res)
	}

	looping := llm.NewScriptedClient(
		toolStep(call("c1", "add", nil)), toolStep(call("c2", "add", nil)),
		toolStep(call("c3", "add", nil)), toolStep(call("c4", "add", nil)),
	)
	b := newAgent(t, looping, []tools.Tool{addTool(nil)})
	if _, err := b.Prompt(context.Background(), "go", 1); !errors.Is(err, ErrMaxRunsExceeded) {
		t.Errorf("expected ErrMaxRunsExceeded, got %v", err)
	}
}

func TestRunDeclinedTool(t *testing.T) {
	calls := 0
	var warnings []string
	client := llm.NewScriptedClient(toolStep(call("c1", "add", map[string]any{"a": 1.0})), textStep("ok"))
	a := newAgent(t, client, []tools.Tool{addTool(&calls)}, WithCallbacks(Callbacks{
		ShouldExecuteTool: func(session.ToolCall) bool { return false },
		OnWarning:         func(w string) { warnings = append(warnings, w) },
	}))
	res, err := a.Prompt(context.Background(), "go", 1)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Error("declined tool was executed")
	}
	if len(res.Results) != 1 || !res.Results[0].IsError || res.Results[0].Payload != DeclinedPayload {
		t.Errorf("declined result = %+v", res.Results)
	}
	if len(warnings) != 1 {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestRunEmptyConversation(t *testing.T) {
	a := newAgent(t, llm.NewScriptedClient(textStep("x")), []tools.Tool{addTool(nil)}, WithRedundantToolInfo(true))
	if _, err := a.Run(context.Background()); !errors.Is(err, errors.ErrValidation) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestEvents(t *testing.T) {
	var kinds []EventKind
	client := llm.NewScriptedClient(toolStep(call("c1", "add", nil)), textStep("0"))
	a := newAgent(t, client, []tools.Tool{addTool(nil)}, WithEventHandler(func(e Event) {
		kinds = append(kinds, e.Kind)
	}))
	if _, err := a.Prompt(context.Background(), "go", 1); err != nil {
		t.Fatal(err)
	}
	want := []EventKind{EventRunStarted, EventBackendCall, EventToolCall, EventToolResult, EventBackendCall, EventRunFinished}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestInputContract(t *testing.T) {
	// Only plain text user messages are accepted.
	input, err := contract.FromJSON("plain", []byte(`{"type":"object","properties":{"parts":false}}`))
	if err != nil {
		t.Fatal(err)
	}
	a := newAgent(t, llm.NewScriptedClient(), nil, WithInputContract(input))
	if err := a.AddInput(session.NewUserMessage("hi")); err != nil {
		t.Errorf("plain message rejected: %v", err)
	}
	err = a.AddInput(session.NewUserMessage("look", session.ImagePart("image/png", []byte{1})))
	if !errors.Is(err, errors.ErrValidation) {
		t.Errorf("expected ValidationError, got %v", err)
	}
	if len(a.History()) != 1 {
		t.Errorf("rejected input was appended")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	t.Chdir(t.TempDir())
	a := newAgent(t, llm.NewScriptedClient(textStep("hello")), nil)
	if _, err := a.Prompt(context.Background(), "hi", 1); err != nil {
		t.Fatal(err)
	}
	s, err := session.New("demo")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Record(s); err != nil {
		t.Fatal(err)
	}

	loaded, err := session.Load("demo")
	if err != nil {
		t.Fatal(err)
	}
	b := newAgent(t, llm.NewScriptedClient(), nil)
	if err := b.Restore(loaded); err != nil {
		t.Fatal(err)
	}
	if got := b.History(); len(got) != 2 || got[1].Content != "hello" {
		t.Errorf("restored history = %+v", got)
	}
}
