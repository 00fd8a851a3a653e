package llm

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/m4xw311/agentlib/contract"
	"github.com/m4xw311/agentlib/errors"
	"github.com/m4xw311/agentlib/session"
	"github.com/m4xw311/agentlib/tools"
	"google.golang.org/api/option"
)

// GeminiLLMClient is a client for the Google Gemini API.
type GeminiLLMClient struct {
	client    *genai.Client
	modelName string
}

// NewGeminiLLMClient creates a new GeminiLLMClient.
// It requires the GEMINI_API_KEY environment variable to be set.
func NewGeminiLLMClient(ctx context.Context, modelName string) (*GeminiLLMClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	return &GeminiLLMClient{client: client, modelName: modelName}, nil
}

// Chat sends a chat request to the Gemini API. A new model handle is
// configured for every call so concurrent calls never share settings.
func (g *GeminiLLMClient) Chat(ctx context.Context, history []session.Message, availableTools []tools.Tool, output *contract.Schema, opts Options) (*Response, error) {
	if err := checkHistory(history); err != nil {
		return nil, err
	}
	contents, systemPrompt, err := convertMessagesToGeminiContent(history)
	if err != nil {
		return nil, err
	}
	if len(contents) == 0 {
		return nil, &errors.ValidationError{Reason: "history holds no user or assistant content"}
	}

	model := g.client.GenerativeModel(g.modelName)
	configureGeminiModel(model, systemPrompt, availableTools, output, opts)

	lastMessage := contents[len(contents)-1]
	chatSession := model.StartChat()
	chatSession.History = contents[:len(contents)-1]
	resp, err := chatSession.SendMessage(ctx, lastMessage.Parts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send message to Gemini")
	}

	out, err := processGeminiResponse(resp, output != nil && len(availableTools) > 0)
	if err != nil {
		return nil, err
	}
	return finish(out, output)
}

func configureGeminiModel(model *genai.GenerativeModel, systemPrompt string, availableTools []tools.Tool, output *contract.Schema, opts Options) {
	model.SetMaxOutputTokens(int32(opts.maxTokens()))
	if opts.Temperature != nil {
		model.SetTemperature(float32(*opts.Temperature))
	}
	if systemPrompt != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
	}
	model.Tools = convertToolsToGeminiTools(availableTools)
	if output == nil {
		return
	}
	if len(availableTools) == 0 {
		model.ResponseMIMEType = "application/json"
		model.ResponseSchema = geminiSchema(output.Map())
		return
	}
	// Gemini rejects JSON mode alongside function declarations, so the
	// contract travels as one more function the model must choose from.
	model.Tools[0].FunctionDeclarations = append(model.Tools[0].FunctionDeclarations, &genai.FunctionDeclaration{
		Name:        structuredOutputTool,
		Description: "Respond by calling this function with the final answer as its arguments.",
		Parameters:  geminiSchema(output.Map()),
	})
	model.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingAny}}
}

// convertMessagesToGeminiContent converts canonical messages to Gemini's
// content format. System text is returned separately for the system
// instruction and consecutive tool results share one content entry.
func convertMessagesToGeminiContent(messages []session.Message) ([]*genai.Content, string, error) {
	var contents []*genai.Content
	var system []string
	var pendingResults []genai.Part

	flushResults := func() {
		if len(pendingResults) > 0 {
			contents = append(contents, &genai.Content{Role: "user", Parts: pendingResults})
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		if msg.Role == session.RoleTool {
			pendingResults = append(pendingResults, geminiFunctionResponse(msg.ToolResult))
			continue
		}
		flushResults()

		switch msg.Role {
		case session.RoleSystem:
			system = append(system, msg.Text())
		case session.RoleAssistant:
			var parts []genai.Part
			if text := msg.Text(); text != "" {
				parts = append(parts, genai.Text(text))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: argsOrEmpty(tc.Args)})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "model", Parts: parts})
			}
		default:
			var parts []genai.Part
			for _, p := range msg.ContentParts() {
				switch p.Type {
				case session.PartImage:
					parts = append(parts, genai.Blob{MIMEType: p.MIMEType, Data: p.Data})
				default:
					parts = append(parts, genai.Text(p.Text))
				}
			}
			contents = append(contents, &genai.Content{Role: "user", Parts: parts})
		}
	}
	flushResults()

	return contents, strings.Join(system, "\n\n"), nil
}

// geminiFunctionResponse wraps a tool result. Gemini expects an object, so
// payloads that are not already a mapping are placed under "result".
func geminiFunctionResponse(result *session.ToolResult) genai.FunctionResponse {
	response, ok := result.Payload.(map[string]any)
	if !ok {
		response = map[string]any{"result": jsonCompatible(result.Payload)}
	}
	if result.IsError {
		response = map[string]any{"error": jsonCompatible(result.Payload)}
	}
	return genai.FunctionResponse{Name: result.Name, Response: response}
}

// jsonCompatible round-trips v through JSON so structpb conversion accepts it.
func jsonCompatible(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, map[string]any, []any:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// convertToolsToGeminiTools converts tools to Gemini's FunctionDeclaration format.
func convertToolsToGeminiTools(ts []tools.Tool) []*genai.Tool {
	if len(ts) == 0 {
		return nil
	}
	var funcDecls []*genai.FunctionDeclaration
	for _, tool := range ts {
		funcDecls = append(funcDecls, &genai.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  geminiSchema(tool.Parameters()),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

var geminiTypes = map[string]genai.Type{
	"string":  genai.TypeString,
	"number":  genai.TypeNumber,
	"integer": genai.TypeInteger,
	"boolean": genai.TypeBoolean,
	"array":   genai.TypeArray,
	"object":  genai.TypeObject,
}

// geminiSchema converts the subset of JSON Schema Gemini understands.
// Unsupported keywords are dropped.
func geminiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	switch t := m["type"].(type) {
	case string:
		s.Type = geminiTypes[t]
	case []any:
		for _, v := range t {
			name, _ := v.(string)
			if name == "null" {
				s.Nullable = true
			} else if gt, ok := geminiTypes[name]; ok && s.Type == 0 {
				s.Type = gt
			}
		}
	}
	if _, ok := m["properties"]; ok && s.Type == 0 {
		s.Type = genai.TypeObject
	}
	s.Description, _ = m["description"].(string)
	s.Format, _ = m["format"].(string)
	s.Required = stringList(m["required"])
	for _, e := range asList(m["enum"]) {
		if str, ok := e.(string); ok {
			s.Enum = append(s.Enum, str)
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = geminiSchema(items)
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				s.Properties[name] = geminiSchema(pm)
			}
		}
	}
	return s
}

func asList(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	}
	return nil
}

// processGeminiResponse converts a Gemini API response into the canonical model.
// Gemini does not identify function calls, so each one gets a fresh ID.
// When structured is set, the arguments of the structured output function
// become the reply text.
func processGeminiResponse(resp *genai.GenerateContentResponse, structured bool) (*Response, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		raw = nil
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, malformed(BackendGemini, raw, errors.New("received an empty response from Gemini"))
	}

	out := &Response{Raw: raw}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			text.WriteString(string(v))
		case genai.FunctionCall:
			if v.Name == "" {
				return nil, malformed(BackendGemini, raw, errors.New("function call without a name"))
			}
			if structured && v.Name == structuredOutputTool {
				answer, err := json.Marshal(argsOrEmpty(v.Args))
				if err != nil {
					return nil, malformed(BackendGemini, raw, errors.Wrapf(err, "arguments of %s", structuredOutputTool))
				}
				text.Reset()
				text.Write(answer)
				continue
			}
			out.ToolCalls = append(out.ToolCalls, session.ToolCall{
				ToolCallID: "call_" + uuid.NewString(),
				Name:       v.Name,
				Args:       session.CloneArgs(argsOrEmpty(v.Args)),
			})
		default:
			return nil, malformed(BackendGemini, raw, errors.New("unsupported part type in Gemini response: %T", v))
		}
	}
	out.Text = text.String()
	return out, nil
}
