package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/agentlib/contract"
	"github.com/m4xw311/agentlib/errors"
	"github.com/m4xw311/agentlib/session"
	"github.com/m4xw311/agentlib/tools"
)

// structuredOutputTool is the synthetic tool used to carry an output
// contract to the Anthropic message formats, which have no JSON mode.
const structuredOutputTool = "structured_output"

// AnthropicLLMClient is a client for the Anthropic API.
type AnthropicLLMClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicLLMClient creates a new AnthropicLLMClient.
// It requires the ANTHROPIC_API_KEY environment variable to be set.
func NewAnthropicLLMClient(ctx context.Context, modelName string) (*AnthropicLLMClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable not set")
	}

	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := os.Getenv("ANTHROPIC_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	return newAnthropicClient(modelName, options...), nil
}

func newAnthropicClient(modelName string, options ...option.RequestOption) *AnthropicLLMClient {
	client := anthropic.NewClient(options...)
	return &AnthropicLLMClient{client: &client, model: modelName}
}

// Chat sends a chat request to the Anthropic API.
func (a *AnthropicLLMClient) Chat(ctx context.Context, history []session.Message, availableTools []tools.Tool, output *contract.Schema, opts Options) (*Response, error) {
	if err := checkHistory(history); err != nil {
		return nil, err
	}
	anthropicMessages, systemPrompt, err := convertMessagesToAnthropicMessages(history)
	if err != nil {
		return nil, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: opts.maxTokens(),
		Messages:  anthropicMessages,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}

	anthropicTools := convertToolsToAnthropicTools(availableTools)
	if output != nil {
		anthropicTools = append(anthropicTools, anthropicToolParam(structuredOutputTool,
			"Respond by calling this tool with the final answer as its input.", output.Map()))
		if len(availableTools) == 0 {
			params.ToolChoice = anthropic.ToolChoiceParamOfTool(structuredOutputTool)
		} else {
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		}
	}
	for i := range anthropicTools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &anthropicTools[i]})
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send message to Anthropic")
	}

	out, err := processAnthropicResponse(resp, output != nil)
	if err != nil {
		return nil, err
	}
	return finish(out, output)
}

// convertMessagesToAnthropicMessages converts canonical messages to Anthropic's
// format. System text is collected into the separate system prompt and
// consecutive tool results are merged into a single user turn.
func convertMessagesToAnthropicMessages(messages []session.Message) ([]anthropic.MessageParam, string, error) {
	var anthropicMessages []anthropic.MessageParam
	var system []string
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		if msg.Role == session.RoleTool {
			content, err := msg.ToolResult.PayloadText()
			if err != nil {
				return nil, "", err
			}
			pendingResults = append(pendingResults,
				anthropic.NewToolResultBlock(msg.ToolResult.ToolCallID, content, msg.ToolResult.IsError))
			continue
		}
		flushResults()

		switch msg.Role {
		case session.RoleSystem:
			system = append(system, msg.Text())
		case session.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if text := msg.Text(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ToolCallID, argsOrEmpty(tc.Args), tc.Name))
			}
			if len(blocks) > 0 {
				anthropicMessages = append(anthropicMessages, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			var blocks []anthropic.ContentBlockParamUnion
			for _, p := range msg.ContentParts() {
				switch p.Type {
				case session.PartImage:
					blocks = append(blocks, anthropic.NewImageBlockBase64(p.MIMEType, base64.StdEncoding.EncodeToString(p.Data)))
				default:
					blocks = append(blocks, anthropic.NewTextBlock(p.Text))
				}
			}
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(blocks...))
		}
	}
	flushResults()

	return anthropicMessages, strings.Join(system, "\n\n"), nil
}

// convertToolsToAnthropicTools converts tools to Anthropic's tool format.
func convertToolsToAnthropicTools(ts []tools.Tool) []anthropic.ToolParam {
	var anthropicTools []anthropic.ToolParam
	for _, t := range ts {
		anthropicTools = append(anthropicTools, anthropicToolParam(t.Name(), t.Description(), t.Parameters()))
	}
	return anthropicTools
}

func anthropicToolParam(name, description string, schema map[string]any) anthropic.ToolParam {
	input := anthropic.ToolInputSchemaParam{Properties: map[string]any{}}
	for k, v := range schema {
		switch k {
		case "type":
		case "properties":
			input.Properties = v
		case "required":
			input.Required = stringList(v)
		default:
			if input.ExtraFields == nil {
				input.ExtraFields = map[string]any{}
			}
			input.ExtraFields[k] = v
		}
	}
	return anthropic.ToolParam{
		Name:        name,
		Description: anthropic.String(description),
		InputSchema: input,
	}
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		var out []string
		for _, s := range l {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// processAnthropicResponse converts an Anthropic API response into the canonical
// model. When structured is set, the input of the structured output tool
// becomes the reply text.
func processAnthropicResponse(resp *anthropic.Message, structured bool) (*Response, error) {
	raw := json.RawMessage(resp.RawJSON())
	if len(resp.Content) == 0 {
		return nil, malformed(BackendAnthropic, raw, errors.New("response has no content blocks"))
	}
	out := &Response{Raw: raw}

	var text strings.Builder
	for _, content := range resp.Content {
		switch c := content.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(c.Text)
		case anthropic.ToolUseBlock:
			if structured && c.Name == structuredOutputTool {
				text.Reset()
				text.Write(c.Input)
				continue
			}
			args, err := decodeArgs(c.Input)
			if err != nil {
				return nil, malformed(BackendAnthropic, raw, errors.Wrapf(err, "input of tool call %s", c.ID))
			}
			out.ToolCalls = append(out.ToolCalls, session.ToolCall{
				ToolCallID: c.ID,
				Name:       c.Name,
				Args:       args,
			})
		}
	}
	out.Text = text.String()
	return out, nil
}
