package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/agentlib/errors"
	"github.com/m4xw311/agentlib/session"
	"github.com/m4xw311/agentlib/tools"
)

func TestAnthropicChatToolCall(t *testing.T) {
	srv, last := cannedServer(t, `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
		"content": [
			{"type": "text", "text": "Adding."},
			{"type": "tool_use", "id": "toolu_1", "name": "add", "input": {"a": 2, "b": 3}}
		],
		"stop_reason": "tool_use", "usage": {"input_tokens": 1, "output_tokens": 1}
	}`)
	client := newAnthropicClient("claude-test", option.WithAPIKey("test"), option.WithBaseURL(srv.URL), option.WithMaxRetries(0))

	resp, err := client.Chat(context.Background(), toolRoundTrip(), []tools.Tool{addTool()}, nil, Options{MaxTokens: 256})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "Adding." || len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Args["b"] != 3.0 {
		t.Fatalf("unexpected response %+v", resp)
	}

	req := *last
	if req["max_tokens"] != 256.0 {
		t.Errorf("max_tokens = %v", req["max_tokens"])
	}
	system := req["system"].([]any)[0].(map[string]any)
	if system["text"] != "be brief" {
		t.Errorf("system = %v", system)
	}
	msgs := req["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("expected tool results merged into one turn, got %d messages", len(msgs))
	}
	use := msgs[1].(map[string]any)["content"].([]any)[0].(map[string]any)
	if input, ok := use["input"].(map[string]any); !ok || input["a"] != 2.0 {
		t.Errorf("tool_use input should be an object, got %v", use["input"])
	}
	results := msgs[2].(map[string]any)["content"].([]any)
	if len(results) != 2 || results[1].(map[string]any)["is_error"] != true {
		t.Errorf("tool results = %v", results)
	}
}

func TestAnthropicChatContract(t *testing.T) {
	out, err := contractFor(t)
	if err != nil {
		t.Fatal(err)
	}
	srv, last := cannedServer(t, `{
		"id": "msg_2", "type": "message", "role": "assistant", "model": "m",
		"content": [{"type": "tool_use", "id": "toolu_2", "name": "structured_output", "input": {"count": 7}}],
		"stop_reason": "tool_use", "usage": {"input_tokens": 1, "output_tokens": 1}
	}`)
	client := newAnthropicClient("m", option.WithAPIKey("test"), option.WithBaseURL(srv.URL), option.WithMaxRetries(0))

	resp, err := client.Chat(context.Background(), []session.Message{session.NewUserMessage("count")}, nil, out, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 0 || resp.Parsed.(map[string]any)["count"] != 7.0 {
		t.Errorf("unexpected response %+v", resp)
	}
	choice := (*last)["tool_choice"].(map[string]any)
	if choice["type"] != "tool" || choice["name"] != structuredOutputTool {
		t.Errorf("tool_choice = %v", choice)
	}
}

func TestAnthropicToolParam(t *testing.T) {
	p := anthropicToolParam("add", "Adds", map[string]any{
		"type":                 "object",
		"properties":           map[string]any{"a": map[string]any{"type": "number"}},
		"required":             []any{"a"},
		"additionalProperties": false,
	})
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	schema := decoded["input_schema"].(map[string]any)
	if schema["type"] != "object" || schema["additionalProperties"] != false {
		t.Errorf("schema = %v", schema)
	}
	if req := schema["required"].([]any); len(req) != 1 || req[0] != "a" {
		t.Errorf("required = %v", schema["required"])
	}
}

func TestProcessAnthropicResponseMalformed(t *testing.T) {
	srv, _ := cannedServer(t, `{
		"id": "msg_3", "type": "message", "role": "assistant", "model": "m",
		"content": [{"type": "tool_use", "id": "toolu_3", "name": "add", "input": [1, 2]}],
		"stop_reason": "tool_use", "usage": {"input_tokens": 1, "output_tokens": 1}
	}`)
	client := newAnthropicClient("m", option.WithAPIKey("test"), option.WithBaseURL(srv.URL), option.WithMaxRetries(0))

	_, err := client.Chat(context.Background(), []session.Message{session.NewUserMessage("add")}, []tools.Tool{addTool()}, nil, Options{})
	if !errors.Is(err, errors.ErrMalformedResponse) {
		t.Fatalf("expected MalformedResponse, got %v", err)
	}
}

func TestAnthropicEmptyContent(t *testing.T) {
	srv, _ := cannedServer(t, `{
		"id": "msg_4", "type": "message", "role": "assistant", "model": "m",
		"content": [], "stop_reason": "end_turn", "usage": {"input_tokens": 1, "output_tokens": 0}
	}`)
	client := newAnthropicClient("m", option.WithAPIKey("test"), option.WithBaseURL(srv.URL), option.WithMaxRetries(0))

	resp, err := client.Chat(context.Background(), []session.Message{session.NewUserMessage("hi")}, nil, nil, Options{})
	if resp != nil {
		t.Errorf("no response may be returned for an empty reply, got %+v", resp)
	}
	var mr *errors.MalformedResponseError
	if !errors.As(err, &mr) {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}
	if mr.Backend != string(BackendAnthropic) || len(mr.Raw) == 0 {
		t.Errorf("malformed error = %+v", mr)
	}
}
