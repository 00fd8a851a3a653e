package session

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/m4xw311/agentlib/errors"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Part is one piece of multimodal content. Image bytes are kept exactly as
// received; each backend adapter chooses its own encoding.
type Part struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	MIMEType string   `json:"mime_type,omitempty"`
	Data     []byte   `json:"data,omitempty"`
}

func TextPart(text string) Part { return Part{Type: PartText, Text: text} }

func ImagePart(mimeType string, data []byte) Part {
	return Part{Type: PartImage, MIMEType: mimeType, Data: data}
}

// ImageDataURL parses a base64 data URL such as "data:image/png;base64,iVBOR..."
// into an image part.
func ImageDataURL(url string) (Part, error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return Part{}, errors.New("not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return Part{}, errors.New("data URL has no payload")
	}
	mimeType, ok := strings.CutSuffix(meta, ";base64")
	if !ok {
		return Part{}, errors.New("only base64 data URLs are supported")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Part{}, errors.Wrapf(err, "failed to decode data URL payload")
	}
	return ImagePart(mimeType, data), nil
}

// DataURL renders an image part as a base64 data URL.
func (p Part) DataURL() string {
	return "data:" + p.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
}

// ToolCall is a tool invocation requested by the backend. Args is always a
// decoded mapping, never a JSON string.
type ToolCall struct {
	ToolCallID string         `json:"id"`
	Name       string         `json:"name"`
	Args       map[string]any `json:"args"`
}

// ToolResult answers exactly one ToolCall of the same round.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Payload    any    `json:"payload"`
	IsError    bool   `json:"is_error,omitempty"`
}

// PayloadText returns string payloads verbatim and JSON-encodes anything else.
func (r ToolResult) PayloadText() (string, error) {
	if s, ok := r.Payload.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(r.Payload)
	if err != nil {
		return "", errors.Wrapf(err, "failed to encode result of tool %q", r.Name)
	}
	return string(b), nil
}

type Message struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content,omitempty"`
	Parts      []Part      `json:"parts,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

func NewUserMessage(text string, parts ...Part) Message {
	return Message{Role: RoleUser, Content: text, Parts: parts}
}

func NewSystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

func NewToolResultMessage(result ToolResult) Message {
	return Message{Role: RoleTool, ToolResult: &result}
}

// ContentParts returns Content as a leading text part followed by Parts.
func (m Message) ContentParts() []Part {
	var parts []Part
	if m.Content != "" {
		parts = append(parts, TextPart(m.Content))
	}
	return append(parts, m.Parts...)
}

// Text concatenates Content and every text part.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.ContentParts() {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// Validate checks the structural rules every stored message must satisfy.
func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
	default:
		return &errors.ValidationError{Reason: "unknown role " + string(m.Role)}
	}
	if len(m.ToolCalls) > 0 && m.Role != RoleAssistant {
		return &errors.ValidationError{Reason: "tool calls are only allowed on assistant messages"}
	}
	for _, tc := range m.ToolCalls {
		if strings.TrimSpace(tc.Name) == "" {
			return &errors.ValidationError{Reason: "tool call " + tc.ToolCallID + " has no name"}
		}
	}
	if m.Role == RoleTool {
		if m.ToolResult == nil || m.ToolResult.ToolCallID == "" {
			return &errors.ValidationError{Reason: "tool message must carry a result with a call id"}
		}
	} else if m.ToolResult != nil {
		return &errors.ValidationError{Reason: "tool results are only allowed on tool messages"}
	}
	for _, p := range m.Parts {
		switch p.Type {
		case PartText:
		case PartImage:
			if p.MIMEType == "" || len(p.Data) == 0 {
				return &errors.ValidationError{Reason: "image part needs a MIME type and data"}
			}
		default:
			return &errors.ValidationError{Reason: "unknown part type " + string(p.Type)}
		}
	}
	return nil
}

// Clone returns a deep copy so stored entries cannot be mutated through
// slices or maps the caller still holds.
func (m Message) Clone() Message {
	out := m
	if m.Parts != nil {
		out.Parts = make([]Part, len(m.Parts))
		for i, p := range m.Parts {
			if p.Data != nil {
				p.Data = append([]byte(nil), p.Data...)
			}
			out.Parts[i] = p
		}
	}
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			tc.Args = CloneArgs(tc.Args)
			out.ToolCalls[i] = tc
		}
	}
	if m.ToolResult != nil {
		r := *m.ToolResult
		r.Payload = cloneValue(r.Payload)
		out.ToolResult = &r
	}
	return out
}

// CloneArgs deep-copies a decoded argument mapping.
func CloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneArgs(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}
