package llm

import (
	"context"
	"strings"
	"testing"

	"github.com/m4xw311/agentlib/contract"
	"github.com/m4xw311/agentlib/errors"
	"github.com/m4xw311/agentlib/session"
	"github.com/m4xw311/agentlib/tools"
)

func contractFor(t *testing.T) (*contract.Schema, error) {
	t.Helper()
	return contract.FromJSON("count", []byte(`{
		"type": "object",
		"properties": {"count": {"type": "number"}},
		"required": ["count"]
	}`))
}

func TestParseBackend(t *testing.T) {
	tests := []struct {
		in      string
		want    Backend
		wantErr bool
	}{
		{"openai", BackendOpenAI, false},
		{" Anthropic ", BackendAnthropic, false},
		{"GEMINI", BackendGemini, false},
		{"bedrock", BackendBedrock, false},
		{"mock", BackendMock, false},
		{"cohere", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBackend(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBackend(%q) err = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseBackend(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewMissingCredentials(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")

	for _, b := range []Backend{BackendOpenAI, BackendAnthropic, BackendGemini} {
		if _, err := New(context.Background(), b, "model"); err == nil {
			t.Errorf("%s: expected an error without credentials", b)
		}
	}
	if _, err := New(context.Background(), BackendMock, ""); err != nil {
		t.Errorf("mock: %v", err)
	}
}

func TestMockLLMClient(t *testing.T) {
	m := &MockLLMClient{}
	if _, err := m.Chat(context.Background(), nil, nil, nil, Options{}); !errors.Is(err, errors.ErrValidation) {
		t.Errorf("empty history: expected ValidationError, got %v", err)
	}

	resp, err := m.Chat(context.Background(), []session.Message{session.NewUserMessage("hi")}, nil, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp.Text, "You said: 'hi'") {
		t.Errorf("unexpected text %q", resp.Text)
	}
}

func TestDecodeArgs(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantLen int
		wantErr bool
	}{
		{"empty", "", 0, false},
		{"blank", "  ", 0, false},
		{"null", "null", 0, false},
		{"object", `{"a": 1, "b": [1, 2]}`, 2, false},
		{"truncated", `{"a": `, 0, true},
		{"array", `[1]`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := decodeArgs([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if err == nil && (args == nil || len(args) != tt.wantLen) {
				t.Errorf("args = %v", args)
			}
		})
	}
}

func TestFinish(t *testing.T) {
	out, err := contractFor(t)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := finish(&Response{Text: `{"count": 2}`}, out)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Parsed.(map[string]any)["count"] != 2.0 {
		t.Errorf("parsed = %v", resp.Parsed)
	}

	// Replies with tool calls are not final and skip the contract.
	resp, err = finish(&Response{Text: "thinking", ToolCalls: []session.ToolCall{{ToolCallID: "1", Name: "x"}}}, out)
	if err != nil || resp.Parsed != nil {
		t.Errorf("tool call reply: resp=%+v err=%v", resp, err)
	}

	_, err = finish(&Response{Text: "not json", Raw: []byte(`{"x":1}`)}, out)
	var cv *errors.ContractViolationError
	if !errors.As(err, &cv) {
		t.Fatalf("expected ContractViolationError, got %v", err)
	}
	if string(cv.Raw) != `{"x":1}` || cv.Text != "not json" {
		t.Errorf("violation = %+v", cv)
	}
}

func TestScriptedClient(t *testing.T) {
	c := NewScriptedClient(
		Step{Response: Response{ToolCalls: []session.ToolCall{{ToolCallID: "c1", Name: "add", Args: map[string]any{"a": 1.0}}}}},
		Step{Err: errors.New("backend down")},
	)
	history := []session.Message{session.NewUserMessage("go")}

	resp, err := c.Chat(context.Background(), history, []tools.Tool{addTool()}, nil, Options{MaxTokens: 10})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ToolCalls[0].Args["a"] != 1.0 {
		t.Errorf("args = %v", resp.ToolCalls[0].Args)
	}

	if _, err := c.Chat(context.Background(), history, nil, nil, Options{}); err == nil {
		t.Error("expected scripted error")
	}
	if _, err := c.Chat(context.Background(), history, nil, nil, Options{}); err == nil || !strings.Contains(err.Error(), "script exhausted") {
		t.Errorf("expected exhaustion error, got %v", err)
	}

	reqs := c.Requests()
	if len(reqs) != 3 {
		t.Fatalf("recorded %d requests", len(reqs))
	}
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0] != "add" || reqs[0].Options.MaxTokens != 10 {
		t.Errorf("first request = %+v", reqs[0])
	}
	if c.Remaining() != 0 {
		t.Errorf("remaining = %d", c.Remaining())
	}
}
