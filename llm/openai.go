package llm

import (
	"context"
	"encoding/json"
	"os"
	"regexp"

	"github.com/m4xw311/agentlib/contract"
	"github.com/m4xw311/agentlib/errors"
	"github.com/m4xw311/agentlib/session"
	"github.com/m4xw311/agentlib/tools"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAILLMClient is a client for the OpenAI Chat Completion API.
type OpenAILLMClient struct {
	client *openai.Client
	model  string
}

// NewOpenAILLMClient creates a new OpenAILLMClient. It requires the OPENAI_API_KEY environment variable to be set.
// It also supports OPENAI_BASE_URL for custom API endpoints.
func NewOpenAILLMClient(ctx context.Context, modelName string) (*OpenAILLMClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}

	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	return newOpenAIClient(modelName, options...), nil
}

func newOpenAIClient(modelName string, options ...option.RequestOption) *OpenAILLMClient {
	// The &c is required, do not replace and just use c
	c := openai.NewClient(options...)
	return &OpenAILLMClient{client: &c, model: modelName}
}

// Chat sends a chat request to OpenAI and converts the response into the canonical model.
func (o *OpenAILLMClient) Chat(ctx context.Context, history []session.Message, availableTools []tools.Tool, output *contract.Schema, opts Options) (*Response, error) {
	if err := checkHistory(history); err != nil {
		return nil, err
	}
	chatMessages, err := convertMessagesToOpenaiContent(history)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(o.model),
		Messages:            chatMessages,
		Tools:               convertToolsToOpenAITools(availableTools),
		MaxCompletionTokens: openai.Int(opts.maxTokens()),
	}
	if opts.Temperature != nil {
		params.Temperature = openai.Float(*opts.Temperature)
	}
	if output != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   openAISchemaName(output.Name()),
					Schema: output.Map(),
				},
			},
		}
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send message to OpenAI")
	}

	out, err := processOpenaiResponse(resp)
	if err != nil {
		return nil, err
	}
	return finish(out, output)
}

// processOpenaiResponse converts an OpenAI API response into the canonical model.
func processOpenaiResponse(resp *openai.ChatCompletion) (*Response, error) {
	raw := json.RawMessage(resp.RawJSON())
	if len(resp.Choices) == 0 {
		return nil, malformed(BackendOpenAI, raw, errors.New("response has no choices"))
	}

	choice := resp.Choices[0].Message
	out := &Response{Text: choice.Content, Raw: raw}
	for _, tc := range choice.ToolCalls {
		// Arguments arrive as a JSON string and are decoded exactly once.
		args, err := decodeArgs([]byte(tc.Function.Arguments))
		if err != nil {
			return nil, malformed(BackendOpenAI, raw, errors.Wrapf(err, "arguments of tool call %s", tc.ID))
		}
		out.ToolCalls = append(out.ToolCalls, session.ToolCall{
			ToolCallID: tc.ID,
			Name:       tc.Function.Name,
			Args:       args,
		})
	}
	return out, nil
}

// convertMessagesToOpenaiContent converts canonical messages to OpenAI's.
// System messages stay in place as system-role messages.
func convertMessagesToOpenaiContent(messages []session.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			chatMessages = append(chatMessages, openai.SystemMessage(msg.Text()))
		case session.RoleAssistant:
			assistantMessage := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: msg.Text(),
			}
			for _, tc := range msg.ToolCalls {
				argsBytes, err := json.Marshal(argsOrEmpty(tc.Args))
				if err != nil {
					return nil, errors.Wrapf(err, "could not encode arguments of tool call %s", tc.ToolCallID)
				}
				assistantMessage.ToolCalls = append(assistantMessage.ToolCalls, openai.ChatCompletionMessageToolCallUnion{
					ID:   tc.ToolCallID,
					Type: "function",
					Function: openai.ChatCompletionMessageFunctionToolCallFunction{
						Name:      tc.Name,
						Arguments: string(argsBytes),
					},
				})
			}
			chatMessages = append(chatMessages, assistantMessage.ToParam())
		case session.RoleTool:
			content, err := msg.ToolResult.PayloadText()
			if err != nil {
				return nil, err
			}
			chatMessages = append(chatMessages, openai.ToolMessage(content, msg.ToolResult.ToolCallID))
		default:
			chatMessages = append(chatMessages, openaiUserMessage(msg))
		}
	}
	return chatMessages, nil
}

func openaiUserMessage(msg session.Message) openai.ChatCompletionMessageParamUnion {
	if len(msg.Parts) == 0 {
		return openai.UserMessage(msg.Content)
	}
	var parts []openai.ChatCompletionContentPartUnionParam
	for _, p := range msg.ContentParts() {
		switch p.Type {
		case session.PartImage:
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: p.DataURL(),
			}))
		default:
			parts = append(parts, openai.TextContentPart(p.Text))
		}
	}
	return openai.UserMessage(parts)
}

// convertToolsToOpenAITools converts tools to the OpenAI function tool format.
func convertToolsToOpenAITools(ts []tools.Tool) []openai.ChatCompletionToolUnionParam {
	if len(ts) == 0 {
		return nil
	}
	var openAITools []openai.ChatCompletionToolUnionParam
	for _, t := range ts {
		openAITools = append(openAITools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name(),
			Description: openai.String(t.Description()),
			Parameters:  openai.FunctionParameters(t.Parameters()),
		}))
	}
	return openAITools
}

var invalidSchemaNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// openAISchemaName fits a contract name to the response_format name rules.
func openAISchemaName(name string) string {
	name = invalidSchemaNameChars.ReplaceAllString(name, "_")
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}
