package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/m4xw311/agentlib/contract"
	"github.com/m4xw311/agentlib/errors"
	"github.com/m4xw311/agentlib/session"
	"github.com/m4xw311/agentlib/tools"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// BedrockInvoker is the part of the Bedrock runtime client used here.
type BedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockLLMClient is a client for the Anthropic models on AWS Bedrock.
type BedrockLLMClient struct {
	client  BedrockInvoker
	modelID string
	region  string
}

// NewBedrockLLMClient creates a new BedrockLLMClient.
// It requires AWS credentials to be configured in the environment.
// BEDROCK_ENDPOINT_URL overrides the service endpoint.
func NewBedrockLLMClient(ctx context.Context, modelID string) (*BedrockLLMClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}

	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	cfg.Region = region

	var optFns []func(*bedrockruntime.Options)
	if endpoint := os.Getenv("BEDROCK_ENDPOINT_URL"); endpoint != "" {
		optFns = append(optFns, func(o *bedrockruntime.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}

	return &BedrockLLMClient{
		client:  bedrockruntime.NewFromConfig(cfg, optFns...),
		modelID: modelID,
		region:  region,
	}, nil
}

// NewBedrockLLMClientWithInvoker builds a client around an existing invoker.
func NewBedrockLLMClientWithInvoker(invoker BedrockInvoker, modelID string) *BedrockLLMClient {
	return &BedrockLLMClient{client: invoker, modelID: modelID}
}

// Chat sends a chat request to the Anthropic model via AWS Bedrock.
func (b *BedrockLLMClient) Chat(ctx context.Context, history []session.Message, availableTools []tools.Tool, output *contract.Schema, opts Options) (*Response, error) {
	if err := checkHistory(history); err != nil {
		return nil, err
	}
	anthropicMessages, systemPrompt, err := convertMessagesToAnthropicFormat(history)
	if err != nil {
		return nil, err
	}

	requestBody, err := createAnthropicRequest(anthropicMessages, systemPrompt, availableTools, output, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Anthropic request")
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        requestBody,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to invoke Bedrock model")
	}

	out, err := processBedrockResponse(resp.Body, output != nil)
	if err != nil {
		return nil, err
	}
	return finish(out, output)
}

// convertMessagesToAnthropicFormat converts canonical messages to the
// Anthropic messages format as plain JSON values.
func convertMessagesToAnthropicFormat(messages []session.Message) ([]map[string]any, string, error) {
	var anthropicMessages []map[string]any
	var system []string
	var pendingResults []map[string]any

	flushResults := func() {
		if len(pendingResults) > 0 {
			anthropicMessages = append(anthropicMessages, map[string]any{
				"role":    "user",
				"content": pendingResults,
			})
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		if msg.Role == session.RoleTool {
			content, err := msg.ToolResult.PayloadText()
			if err != nil {
				return nil, "", err
			}
			result := map[string]any{
				"type":        "tool_result",
				"tool_use_id": msg.ToolResult.ToolCallID,
				"content":     content,
			}
			if msg.ToolResult.IsError {
				result["is_error"] = true
			}
			pendingResults = append(pendingResults, result)
			continue
		}
		flushResults()

		switch msg.Role {
		case session.RoleSystem:
			system = append(system, msg.Text())
		case session.RoleAssistant:
			var blocks []map[string]any
			if text := msg.Text(); text != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": text})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ToolCallID,
					"name":  tc.Name,
					"input": argsOrEmpty(tc.Args),
				})
			}
			if len(blocks) > 0 {
				anthropicMessages = append(anthropicMessages, map[string]any{
					"role":    "assistant",
					"content": blocks,
				})
			}
		default:
			var blocks []map[string]any
			for _, p := range msg.ContentParts() {
				switch p.Type {
				case session.PartImage:
					blocks = append(blocks, map[string]any{
						"type": "image",
						"source": map[string]any{
							"type":       "base64",
							"media_type": p.MIMEType,
							"data":       base64.StdEncoding.EncodeToString(p.Data),
						},
					})
				default:
					blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
				}
			}
			anthropicMessages = append(anthropicMessages, map[string]any{
				"role":    "user",
				"content": blocks,
			})
		}
	}
	flushResults()

	return anthropicMessages, strings.Join(system, "\n\n"), nil
}

// createAnthropicRequest creates the request body for Anthropic models on Bedrock.
func createAnthropicRequest(messages []map[string]any, systemPrompt string, availableTools []tools.Tool, output *contract.Schema, opts Options) ([]byte, error) {
	request := map[string]any{
		"anthropic_version": bedrockAnthropicVersion,
		"max_tokens":        opts.maxTokens(),
		"messages":          messages,
	}
	if systemPrompt != "" {
		request["system"] = systemPrompt
	}
	if opts.Temperature != nil {
		request["temperature"] = *opts.Temperature
	}

	var toolDefs []map[string]any
	for _, tool := range availableTools {
		toolDefs = append(toolDefs, map[string]any{
			"name":         tool.Name(),
			"description":  tool.Description(),
			"input_schema": tool.Parameters(),
		})
	}
	if output != nil {
		toolDefs = append(toolDefs, map[string]any{
			"name":         structuredOutputTool,
			"description":  "Respond by calling this tool with the final answer as its input.",
			"input_schema": output.Map(),
		})
		if len(availableTools) == 0 {
			request["tool_choice"] = map[string]any{"type": "tool", "name": structuredOutputTool}
		} else {
			request["tool_choice"] = map[string]any{"type": "any"}
		}
	}
	if len(toolDefs) > 0 {
		request["tools"] = toolDefs
	}

	return json.Marshal(request)
}

type bedrockResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	Error any `json:"error"`
}

// processBedrockResponse converts a Bedrock response body into the canonical model.
func processBedrockResponse(body []byte, structured bool) (*Response, error) {
	raw := json.RawMessage(body)
	var response bedrockResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, malformed(BackendBedrock, raw, errors.Wrapf(err, "failed to unmarshal Bedrock response"))
	}
	if response.Error != nil {
		return nil, malformed(BackendBedrock, raw, errors.New("Bedrock API error: %v", response.Error))
	}
	if len(response.Content) == 0 {
		return nil, malformed(BackendBedrock, raw, errors.New("response has no content blocks"))
	}

	out := &Response{Raw: raw}
	var text strings.Builder
	for _, item := range response.Content {
		switch item.Type {
		case "text":
			text.WriteString(item.Text)
		case "tool_use":
			if structured && item.Name == structuredOutputTool {
				text.Reset()
				text.Write(item.Input)
				continue
			}
			if item.ID == "" || item.Name == "" {
				return nil, malformed(BackendBedrock, raw, errors.New("tool_use block without id or name"))
			}
			args, err := decodeArgs(item.Input)
			if err != nil {
				return nil, malformed(BackendBedrock, raw, errors.Wrapf(err, "input of tool call %s", item.ID))
			}
			out.ToolCalls = append(out.ToolCalls, session.ToolCall{
				ToolCallID: item.ID,
				Name:       item.Name,
				Args:       args,
			})
		}
	}
	out.Text = text.String()
	return out, nil
}
