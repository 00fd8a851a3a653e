package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/m4xw311/agentlib/contract"
	"github.com/m4xw311/agentlib/errors"
	"github.com/m4xw311/agentlib/session"
	"github.com/m4xw311/agentlib/tools"
)

// DefaultMaxTokens is used when Options.MaxTokens is zero.
const DefaultMaxTokens = 4096

// Options are per-call generation settings.
type Options struct {
	MaxTokens   int
	Temperature *float64
}

func (o Options) maxTokens() int64 {
	if o.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return int64(o.MaxTokens)
}

// Response is a backend reply translated into the canonical model.
type Response struct {
	Text      string
	ToolCalls []session.ToolCall
	// Parsed holds the validated value when an output contract was applied.
	Parsed any
	// Raw is the backend's response body.
	Raw json.RawMessage
}

// Message converts the response into the assistant turn to append.
func (r *Response) Message() session.Message {
	return session.Message{Role: session.RoleAssistant, Content: r.Text, ToolCalls: r.ToolCalls}
}

// LLMClient is the interface for interacting with a Large Language Model.
type LLMClient interface {
	// Chat sends history and the available tools to the backend. When output
	// is set and the reply has no tool calls, the reply text must satisfy the
	// contract.
	Chat(ctx context.Context, history []session.Message, availableTools []tools.Tool, output *contract.Schema, opts Options) (*Response, error)
}

// Backend identifies a supported backend family.
type Backend string

const (
	BackendOpenAI    Backend = "openai"
	BackendAnthropic Backend = "anthropic"
	BackendGemini    Backend = "gemini"
	BackendBedrock   Backend = "bedrock"
	BackendMock      Backend = "mock"
)

type constructor func(ctx context.Context, model string) (LLMClient, error)

var constructors = map[Backend]constructor{
	BackendOpenAI:    func(ctx context.Context, m string) (LLMClient, error) { return NewOpenAILLMClient(ctx, m) },
	BackendAnthropic: func(ctx context.Context, m string) (LLMClient, error) { return NewAnthropicLLMClient(ctx, m) },
	BackendGemini:    func(ctx context.Context, m string) (LLMClient, error) { return NewGeminiLLMClient(ctx, m) },
	BackendBedrock:   func(ctx context.Context, m string) (LLMClient, error) { return NewBedrockLLMClient(ctx, m) },
	BackendMock:      func(ctx context.Context, m string) (LLMClient, error) { return &MockLLMClient{}, nil },
}

// Backends lists the supported backends in a stable order.
func Backends() []Backend {
	out := make([]Backend, 0, len(constructors))
	for b := range constructors {
		out = append(out, b)
	}
	slices.Sort(out)
	return out
}

// ParseBackend normalizes name and checks it against the supported set.
func ParseBackend(name string) (Backend, error) {
	b := Backend(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := constructors[b]; !ok {
		return "", errors.New("unsupported backend %q (supported: %v)", name, Backends())
	}
	return b, nil
}

// New creates the client for backend.
func New(ctx context.Context, backend Backend, model string) (LLMClient, error) {
	c, ok := constructors[backend]
	if !ok {
		return nil, errors.New("unsupported backend %q", backend)
	}
	client, err := c(ctx, model)
	if err != nil {
		return nil, errors.Wrapf(err, "error initializing %s client", backend)
	}
	return client, nil
}

func checkHistory(history []session.Message) error {
	if len(history) == 0 {
		return &errors.ValidationError{Reason: "history must not be empty"}
	}
	return nil
}

// finish applies the output contract to a reply without tool calls.
func finish(resp *Response, output *contract.Schema) (*Response, error) {
	if output == nil || len(resp.ToolCalls) > 0 {
		return resp, nil
	}
	parsed, err := output.Parse(resp.Text)
	if err != nil {
		var cv *errors.ContractViolationError
		if errors.As(err, &cv) {
			cv.Raw = resp.Raw
		}
		return nil, err
	}
	resp.Parsed = parsed
	return resp, nil
}

func malformed(backend Backend, raw []byte, err error) error {
	return &errors.MalformedResponseError{Backend: string(backend), Raw: raw, Err: err}
}

// decodeArgs turns a JSON-encoded argument payload into a mapping. An empty
// payload decodes to an empty mapping.
func decodeArgs(raw []byte) (map[string]any, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func argsOrEmpty(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}

// MockLLMClient echoes the last message back. It never calls tools.
type MockLLMClient struct{}

func (m *MockLLMClient) Chat(ctx context.Context, history []session.Message, availableTools []tools.Tool, output *contract.Schema, opts Options) (*Response, error) {
	if err := checkHistory(history); err != nil {
		return nil, err
	}
	last := history[len(history)-1]
	text := fmt.Sprintf("I am a mock LLM. You said: '%s'. I cannot use tools.", last.Text())
	if output != nil {
		text = "{}"
	}
	raw, _ := json.Marshal(map[string]any{"text": text})
	return finish(&Response{Text: text, Raw: raw}, output)
}
