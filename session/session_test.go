package session

import (
	"testing"

	"github.com/m4xw311/agentlib/errors"
)

type rejectingContract struct{ name string }

func (c rejectingContract) Name() string { return c.name }

func (c rejectingContract) Validate(instance any) error {
	m, ok := instance.(map[string]any)
	if !ok {
		return errors.New("expected object")
	}
	if m["content"] == "" || m["content"] == nil {
		return errors.New("content is required")
	}
	return nil
}

func TestConversationAppendValidatesStructure(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		ok   bool
	}{
		{"user text", NewUserMessage("hi"), true},
		{"unknown role", Message{Role: "narrator", Content: "x"}, false},
		{"tool calls on user", Message{Role: RoleUser, ToolCalls: []ToolCall{{ToolCallID: "1", Name: "add"}}}, false},
		{"tool call without name", Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ToolCallID: "1"}}}, false},
		{"tool message without result", Message{Role: RoleTool, Content: "5"}, false},
		{"tool result", NewToolResultMessage(ToolResult{ToolCallID: "1", Name: "add", Payload: 5}), true},
		{"image without data", Message{Role: RoleUser, Parts: []Part{{Type: PartImage, MIMEType: "image/png"}}}, false},
		{"image", NewUserMessage("look", ImagePart("image/png", []byte{0x89, 0x50})), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConversation(nil)
			err := c.Append(tt.msg)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok {
				if !errors.Is(err, errors.ErrValidation) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
				if c.Len() != 0 {
					t.Errorf("rejected message was appended")
				}
			}
		})
	}
}

func TestConversationInputContract(t *testing.T) {
	c := NewConversation(rejectingContract{name: "non-empty"})

	if err := c.Append(NewUserMessage("")); !errors.Is(err, errors.ErrValidation) {
		t.Fatalf("expected ValidationError for empty user content, got %v", err)
	}
	if err := c.Append(NewUserMessage("question")); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
	// Engine-produced turns are not subject to the input contract.
	if err := c.Append(Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ToolCallID: "c1", Name: "add"}}}); err != nil {
		t.Fatalf("assistant turn rejected: %v", err)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestConversationEntriesAreImmutable(t *testing.T) {
	c := NewConversation(nil)
	args := map[string]any{"a": 2.0, "nested": map[string]any{"b": 3.0}}
	msg := Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ToolCallID: "c1", Name: "add", Args: args}}}
	if err := c.Append(msg); err != nil {
		t.Fatal(err)
	}

	args["a"] = 99.0
	args["nested"].(map[string]any)["b"] = 99.0
	msg.ToolCalls[0].Name = "mutated"

	got := c.Messages()
	got[0].ToolCalls[0].Args["a"] = 100.0

	stored := c.Messages()[0].ToolCalls[0]
	if stored.Name != "add" {
		t.Errorf("name mutated to %q", stored.Name)
	}
	if stored.Args["a"] != 2.0 {
		t.Errorf("args mutated: %v", stored.Args["a"])
	}
	if stored.Args["nested"].(map[string]any)["b"] != 3.0 {
		t.Errorf("nested args mutated")
	}
}

func TestImageDataURL(t *testing.T) {
	p, err := ImageDataURL("data:image/png;base64,iVBORw==")
	if err != nil {
		t.Fatal(err)
	}
	if p.Type != PartImage || p.MIMEType != "image/png" {
		t.Errorf("unexpected part %+v", p)
	}
	if got := p.DataURL(); got != "data:image/png;base64,iVBORw==" {
		t.Errorf("DataURL() = %q", got)
	}

	for _, bad := range []string{"https://example.com/a.png", "data:image/png,raw", "data:image/png;base64"} {
		if _, err := ImageDataURL(bad); err == nil {
			t.Errorf("ImageDataURL(%q) should fail", bad)
		}
	}
}

func TestPayloadText(t *testing.T) {
	tests := []struct {
		payload any
		want    string
	}{
		{"plain", "plain"},
		{5, "5"},
		{map[string]any{"sum": 5}, `{"sum":5}`},
	}
	for _, tt := range tests {
		got, err := ToolResult{Payload: tt.payload}.PayloadText()
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("PayloadText(%v) = %q, want %q", tt.payload, got, tt.want)
		}
	}
}

func TestSessionSaveLoadRestore(t *testing.T) {
	t.Chdir(t.TempDir())

	conv := NewConversation(nil)
	for _, m := range []Message{
		NewSystemMessage("be brief"),
		NewUserMessage("Add 2 and 3"),
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ToolCallID: "c1", Name: "add", Args: map[string]any{"a": 2.0, "b": 3.0}}}},
		NewToolResultMessage(ToolResult{ToolCallID: "c1", Name: "add", Payload: 5.0}),
		{Role: RoleAssistant, Content: "5"},
	} {
		if err := conv.Append(m); err != nil {
			t.Fatal(err)
		}
	}

	s, err := New("roundtrip")
	if err != nil {
		t.Fatal(err)
	}
	s.Mode = "auto"
	s.Record(conv)
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load("roundtrip")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Mode != "auto" || len(loaded.Messages) != 5 {
		t.Fatalf("unexpected session %+v", loaded)
	}

	restored := NewConversation(nil)
	if err := loaded.Restore(restored); err != nil {
		t.Fatal(err)
	}
	msgs := restored.Messages()
	if msgs[2].ToolCalls[0].Args["b"] != 3.0 {
		t.Errorf("args not restored: %v", msgs[2].ToolCalls[0].Args)
	}
	if msgs[3].ToolResult.ToolCallID != "c1" {
		t.Errorf("tool result not restored: %+v", msgs[3].ToolResult)
	}
	if err := loaded.Restore(restored); err == nil {
		t.Error("restoring into a non-empty conversation should fail")
	}
}

func TestLoadMissingSession(t *testing.T) {
	t.Chdir(t.TempDir())
	if _, err := Load("nope"); err == nil {
		t.Fatal("expected error for missing session")
	}
}
