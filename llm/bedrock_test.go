package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/m4xw311/agentlib/errors"
	"github.com/m4xw311/agentlib/session"
	"github.com/m4xw311/agentlib/tools"
)

// fakeInvoker records the request body and replies with a canned body.
type fakeInvoker struct {
	body    []byte
	err     error
	request map[string]any
}

func (f *fakeInvoker) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	if err := json.Unmarshal(params.Body, &f.request); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: f.body}, nil
}

func addTool() tools.Tool {
	return tools.New("add", "Adds two numbers", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
			"b": map[string]any{"type": "number"},
		},
		"required": []any{"a", "b"},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		return args["a"].(float64) + args["b"].(float64), nil
	})
}

func toolRoundTrip() []session.Message {
	return []session.Message{
		session.NewSystemMessage("be brief"),
		session.NewUserMessage("add 2 and 3"),
		{Role: session.RoleAssistant, ToolCalls: []session.ToolCall{
			{ToolCallID: "call_1", Name: "add", Args: map[string]any{"a": 2.0, "b": 3.0}},
			{ToolCallID: "call_2", Name: "add", Args: map[string]any{"a": 1.0, "b": 1.0}},
		}},
		session.NewToolResultMessage(session.ToolResult{ToolCallID: "call_1", Name: "add", Payload: 5.0}),
		session.NewToolResultMessage(session.ToolResult{ToolCallID: "call_2", Name: "add", Payload: "boom", IsError: true}),
	}
}

func TestConvertMessagesToAnthropicFormat(t *testing.T) {
	result, system, err := convertMessagesToAnthropicFormat(toolRoundTrip())
	if err != nil {
		t.Fatal(err)
	}
	if system != "be brief" {
		t.Errorf("system = %q", system)
	}
	if len(result) != 3 {
		t.Fatalf("expected user, assistant and merged tool results, got %d messages", len(result))
	}

	roles := []string{"user", "assistant", "user"}
	for i, role := range roles {
		if result[i]["role"] != role {
			t.Errorf("message %d role = %v, want %s", i, result[i]["role"], role)
		}
	}

	uses := result[1]["content"].([]map[string]any)
	if len(uses) != 2 || uses[0]["type"] != "tool_use" || uses[0]["id"] != "call_1" {
		t.Errorf("unexpected tool_use blocks %v", uses)
	}
	if input := uses[0]["input"].(map[string]any); input["a"] != 2.0 {
		t.Errorf("input should be passed as an object, got %v", uses[0]["input"])
	}

	results := result[2]["content"].([]map[string]any)
	if len(results) != 2 {
		t.Fatalf("tool results not merged: %v", results)
	}
	if results[0]["tool_use_id"] != "call_1" || results[0]["content"] != "5" {
		t.Errorf("first result = %v", results[0])
	}
	if results[1]["is_error"] != true || results[1]["content"] != "boom" {
		t.Errorf("error result = %v", results[1])
	}
}

func TestConvertMessagesToAnthropicFormatImage(t *testing.T) {
	msgs := []session.Message{session.NewUserMessage("what is this?", session.ImagePart("image/png", []byte{1, 2, 3}))}
	result, _, err := convertMessagesToAnthropicFormat(msgs)
	if err != nil {
		t.Fatal(err)
	}
	blocks := result[0]["content"].([]map[string]any)
	if len(blocks) != 2 || blocks[0]["type"] != "text" || blocks[1]["type"] != "image" {
		t.Fatalf("unexpected blocks %v", blocks)
	}
	source := blocks[1]["source"].(map[string]any)
	if source["media_type"] != "image/png" || source["data"] != "AQID" {
		t.Errorf("image source = %v", source)
	}
}

func TestBedrockChat(t *testing.T) {
	inv := &fakeInvoker{body: []byte(`{
		"content": [
			{"type": "text", "text": "Let me add."},
			{"type": "tool_use", "id": "toolu_1", "name": "add", "input": {"a": 2, "b": 3}}
		]
	}`)}
	client := NewBedrockLLMClientWithInvoker(inv, "anthropic.claude")

	temp := 0.5
	resp, err := client.Chat(context.Background(), toolRoundTrip()[:2], []tools.Tool{addTool()}, nil, Options{MaxTokens: 100, Temperature: &temp})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "Let me add." || len(resp.ToolCalls) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if tc := resp.ToolCalls[0]; tc.ToolCallID != "toolu_1" || tc.Args["b"] != 3.0 {
		t.Errorf("tool call = %+v", tc)
	}
	if len(resp.Raw) == 0 {
		t.Error("raw body not retained")
	}

	if inv.request["anthropic_version"] != bedrockAnthropicVersion {
		t.Errorf("anthropic_version = %v", inv.request["anthropic_version"])
	}
	if inv.request["max_tokens"] != 100.0 || inv.request["temperature"] != 0.5 {
		t.Errorf("options not forwarded: %v", inv.request)
	}
	toolDefs := inv.request["tools"].([]any)
	schema := toolDefs[0].(map[string]any)["input_schema"].(map[string]any)
	if _, ok := schema["properties"].(map[string]any)["a"]; !ok {
		t.Errorf("tool parameters not advertised: %v", schema)
	}
}

func TestBedrockChatContract(t *testing.T) {
	out, err := contractFor(t)
	if err != nil {
		t.Fatal(err)
	}

	inv := &fakeInvoker{body: []byte(`{"content": [{"type": "tool_use", "id": "t", "name": "structured_output", "input": {"count": 3}}]}`)}
	client := NewBedrockLLMClientWithInvoker(inv, "m")
	resp, err := client.Chat(context.Background(), []session.Message{session.NewUserMessage("count")}, nil, out, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 0 {
		t.Errorf("structured output should not surface as a tool call: %+v", resp.ToolCalls)
	}
	if m := resp.Parsed.(map[string]any); m["count"] != 3.0 {
		t.Errorf("parsed = %v", resp.Parsed)
	}
	choice := inv.request["tool_choice"].(map[string]any)
	if choice["type"] != "tool" || choice["name"] != structuredOutputTool {
		t.Errorf("tool_choice = %v", choice)
	}

	inv.body = []byte(`{"content": [{"type": "tool_use", "id": "t", "name": "structured_output", "input": {"count": "three"}}]}`)
	_, err = client.Chat(context.Background(), []session.Message{session.NewUserMessage("count")}, nil, out, Options{})
	var cv *errors.ContractViolationError
	if !errors.As(err, &cv) {
		t.Fatalf("expected ContractViolationError, got %v", err)
	}
	if len(cv.Raw) == 0 {
		t.Error("violation should carry the raw response")
	}
}

func TestProcessBedrockResponse(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		malformed bool
		wantErr   bool
	}{
		{"not json", `not json`, true, true},
		{"api error", `{"error": "throttled"}`, true, true},
		{"tool use without id", `{"content": [{"type": "tool_use", "name": "add", "input": {}}]}`, true, true},
		{"tool use with bad input", `{"content": [{"type": "tool_use", "id": "x", "name": "add", "input": "oops"}]}`, true, true},
		{"empty content", `{"content": []}`, true, true},
		{"text", `{"content": [{"type": "text", "text": "hi"}]}`, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := processBedrockResponse([]byte(tt.body), false)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := errors.Is(err, errors.ErrMalformedResponse); got != tt.malformed {
				t.Errorf("malformed = %v, want %v (%v)", got, tt.malformed, err)
			}
			var mr *errors.MalformedResponseError
			if errors.As(err, &mr) && string(mr.Raw) != tt.body {
				t.Errorf("raw = %q, want the response body", mr.Raw)
			}
		})
	}
}
