package acp

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/m4xw311/agentlib/agent"
	"github.com/m4xw311/agentlib/errors"
	"github.com/m4xw311/agentlib/session"
)

// TraceFile receives protocol traces when tracing is enabled.
const TraceFile = "acp.trace"

// Factory builds the Agent for a new or loaded ACP session. Each session
// gets its own Agent and therefore its own conversation.
type Factory func(ctx context.Context) (*agent.Agent, error)

type Option func(*Server)

// WithTrace writes protocol traces to w through a slog text handler.
func WithTrace(w io.Writer) Option {
	return func(s *Server) { s.trace = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})) }
}

// WithMaxRuns bounds the runs made for one session/prompt.
func WithMaxRuns(n int) Option {
	return func(s *Server) { s.maxRuns = n }
}

// Run starts the Agent Client Protocol server over stdio using JSON-RPC.
// It implements a minimal subset of ACP:
// - initialize
// - session/new
// - session/load
// - session/prompt (emits session/update notifications with agent_message_chunk, tool_call, and tool_result)
//
// Nothing but JSON-RPC messages is written to out. Messages are
// newline-delimited JSON objects rather than using Content-Length framing.
// With trace set, protocol traces are appended to TraceFile.
func Run(ctx context.Context, factory Factory, in io.Reader, out io.Writer, trace bool) error {
	var opts []Option
	if trace {
		f, err := os.OpenFile(TraceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrapf(err, "could not open %s", TraceFile)
		}
		defer f.Close()
		opts = append(opts, WithTrace(f))
	}
	return NewServer(factory, opts...).Serve(ctx, in, out)
}

// ---- Minimal ACP handling types ----

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// contentBlock is a content block in ACP prompt requests: text, image or
// resource_link.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// Image fields
	Data string `json:"data,omitempty"`
	// ResourceLink fields
	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`
}

// ---- Server ----

// acpSession pairs a stored session with the Agent serving it.
type acpSession struct {
	store *session.Session
	agent *agent.Agent
}

// Server serves ACP sessions over one connection.
type Server struct {
	factory Factory
	maxRuns int
	trace   *slog.Logger

	sessions     map[string]*acpSession
	sessionsLock sync.Mutex
	sessionIDSeq int64

	out       *bufio.Writer
	writeLock sync.Mutex
}

func NewServer(factory Factory, opts ...Option) *Server {
	s := &Server{
		factory:  factory,
		maxRuns:  agent.DefaultMaxRuns,
		trace:    slog.New(slog.DiscardHandler),
		sessions: make(map[string]*acpSession),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve reads requests from in until EOF and writes responses and
// notifications to out. Requests are handled one at a time.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	s.out = bufio.NewWriter(out)
	s.trace.Debug("starting ACP server")

	for {
		payload, err := readFramedMessage(reader)
		if err != nil {
			if err == io.EOF {
				s.trace.Debug("EOF received, exiting")
				return nil
			}
			// If framing is broken, there isn't a safe way to continue.
			s.trace.Error("read error", "error", err)
			return errors.Wrapf(err, "ACP: read error")
		}
		if len(strings.TrimSpace(string(payload))) == 0 {
			continue
		}

		s.trace.Debug("received payload", "payload", string(payload))
		var req jsonrpcRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			s.trace.Warn("JSON parse error", "error", err)
			_ = s.writeResponseError(nil, -32700, "Parse error", nil)
			continue
		}

		s.trace.Debug("dispatching", "method", req.Method, "id", req.ID)
		switch req.Method {
		case "initialize":
			s.handleInitialize(&req)
		case "session/new":
			s.handleSessionNew(ctx, &req)
		case "session/load":
			s.handleSessionLoad(ctx, &req)
		case "session/prompt":
			s.handleSessionPrompt(ctx, &req)
		default:
			_ = s.writeResponseError(req.ID, -32601, "Method not found", nil)
		}
	}
}

// readFramedMessage reads one newline-delimited JSON-RPC payload. The final
// line may lack its newline.
func readFramedMessage(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err == io.EOF && len(line) > 0 {
		return line, nil
	}
	return line, err
}

// writeFramedJSON serializes obj and writes it followed by a newline.
func (s *Server) writeFramedJSON(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		s.trace.Error("marshal error", "error", err)
		return errors.Wrapf(err, "failed to serialize JSON-RPC message")
	}
	s.trace.Debug("writing", "message", string(data))

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if _, err := s.out.Write(data); err != nil {
		return err
	}
	if err := s.out.WriteByte('\n'); err != nil {
		return err
	}
	return s.out.Flush()
}

func (s *Server) writeResponseOK(id any, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return s.writeResponseError(id, -32603, "Internal error", err.Error())
	}
	return s.writeFramedJSON(jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: raw})
}

func (s *Server) writeResponseError(id any, code int, msg string, data any) error {
	s.trace.Warn("error response", "code", code, "message", msg, "data", data)
	return s.writeFramedJSON(jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpcError{Code: code, Message: msg, Data: data},
	})
}

// writeNotification sends a JSON-RPC notification, which has no id.
func (s *Server) writeNotification(method string, params any) error {
	return s.writeFramedJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}

func decodeParams(req *jsonrpcRequest, v any) error {
	if len(req.Params) == 0 {
		return nil
	}
	return json.Unmarshal(req.Params, v)
}

// ---- Handlers ----

func (s *Server) handleInitialize(req *jsonrpcRequest) {
	var p struct {
		ProtocolVersion int             `json:"protocolVersion"`
		ClientCaps      json.RawMessage `json:"clientCapabilities,omitempty"`
	}
	if err := decodeParams(req, &p); err != nil {
		s.trace.Warn("initialize: bad params", "error", err)
	}

	_ = s.writeResponseOK(req.ID, map[string]any{
		"protocolVersion": 1,
		"agentCapabilities": map[string]any{
			"loadSession": true,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": false,
				"image":           true,
			},
		},
		"authMethods": []any{},
	})
}

func (s *Server) handleSessionNew(ctx context.Context, req *jsonrpcRequest) {
	sid := s.nextSessionID()
	store, err := session.New(sid)
	if err != nil {
		_ = s.writeResponseError(req.ID, -32603, "Internal error", fmt.Sprintf("failed to create session: %v", err))
		return
	}
	a, err := s.factory(ctx)
	if err != nil {
		_ = s.writeResponseError(req.ID, -32603, "Internal error", fmt.Sprintf("failed to create agent: %v", err))
		return
	}
	store.Mode = string(a.Mode)
	store.ToolVerbosity = string(a.Verbosity)

	s.putSession(sid, &acpSession{store: store, agent: a})
	s.trace.Info("session created", "session", sid)
	_ = s.writeResponseOK(req.ID, map[string]any{"sessionId": sid})
}

// handleSessionLoad restores a stored session into a fresh Agent and replays
// its history as session/update notifications before answering null.
func (s *Server) handleSessionLoad(ctx context.Context, req *jsonrpcRequest) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(req, &p); err != nil || p.SessionID == "" {
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", "sessionId is required")
		return
	}

	store, err := session.Load(p.SessionID)
	if err != nil {
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", fmt.Sprintf("session not found: %v", err))
		return
	}
	a, err := s.factory(ctx)
	if err != nil {
		_ = s.writeResponseError(req.ID, -32603, "Internal error", fmt.Sprintf("failed to create agent: %v", err))
		return
	}
	if err := a.Restore(store); err != nil {
		_ = s.writeResponseError(req.ID, -32603, "Internal error", fmt.Sprintf("failed to restore session: %v", err))
		return
	}
	s.putSession(p.SessionID, &acpSession{store: store, agent: a})

	s.trace.Info("replaying session", "session", p.SessionID, "messages", len(store.Messages))
	for _, msg := range store.Messages {
		switch msg.Role {
		case session.RoleUser:
			for _, part := range msg.ContentParts() {
				_ = s.sendUpdate(p.SessionID, "user_message_chunk", "content", partBlock(part))
			}
		case session.RoleAssistant:
			if msg.Content != "" {
				_ = s.sendAgentMessageChunk(p.SessionID, msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				_ = s.sendToolCallNotification(p.SessionID, tc)
			}
		case session.RoleTool:
			if msg.ToolResult != nil {
				_ = s.sendToolResultNotification(p.SessionID, *msg.ToolResult)
			}
		}
	}
	_ = s.writeResponseOK(req.ID, nil)
}

// handleSessionPrompt runs the session's Agent on the prompt, streaming
// agent text, tool calls and tool results as session/update notifications.
// The session is saved after every prompt, successful or not.
func (s *Server) handleSessionPrompt(ctx context.Context, req *jsonrpcRequest) {
	var p struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}
	if err := decodeParams(req, &p); err != nil {
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", err.Error())
		return
	}

	s.sessionsLock.Lock()
	sess, ok := s.sessions[p.SessionID]
	s.sessionsLock.Unlock()
	if !ok {
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", "unknown sessionId")
		return
	}

	for i, block := range p.Prompt {
		s.trace.Debug("prompt block", "index", i, "type", block.Type, "uri", block.URI, "mimeType", block.MimeType)
	}
	msg, err := promptMessage(p.Prompt)
	if err != nil {
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", err.Error())
		return
	}

	sid := p.SessionID
	sess.agent.Callbacks = agent.Callbacks{
		OnAssistantMessage: func(message string) {
			_ = s.sendAgentMessageChunk(sid, message)
		},
		OnToolCall: func(toolCall session.ToolCall) {
			_ = s.sendToolCallNotification(sid, toolCall)
		},
		OnToolResult: func(_ session.ToolCall, result session.ToolResult) {
			_ = s.sendToolResultNotification(sid, result)
		},
		// ACP clients do not confirm tools; every invocation runs.
		ShouldExecuteTool: func(session.ToolCall) bool { return true },
		OnWarning: func(warning string) {
			s.trace.Warn("agent warning", "session", sid, "warning", warning)
		},
	}

	runErr := s.prompt(ctx, sess.agent, msg)
	if err := sess.agent.Record(sess.store); err != nil {
		s.trace.Error("failed to save session", "session", sid, "error", err)
	}
	if runErr != nil {
		_ = s.writeResponseError(req.ID, -32603, "Internal error", fmt.Sprintf("error processing user input: %v", runErr))
		return
	}
	_ = s.writeResponseOK(req.ID, map[string]any{"stopReason": "end_turn"})
}

func (s *Server) prompt(ctx context.Context, a *agent.Agent, msg session.Message) error {
	if len(a.Pending()) > 0 {
		if _, err := a.RunUntilDone(ctx, s.maxRuns); err != nil {
			return err
		}
	}
	if err := a.AddInput(msg); err != nil {
		return err
	}
	_, err := a.RunUntilDone(ctx, s.maxRuns)
	return err
}

func (s *Server) putSession(id string, sess *acpSession) {
	s.sessionsLock.Lock()
	s.sessions[id] = sess
	s.sessionsLock.Unlock()
}

func (s *Server) sendUpdate(sessionID, kind, field string, value any) error {
	return s.writeNotification("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": kind,
			field:           value,
		},
	})
}

func (s *Server) sendToolCallNotification(sessionID string, toolCall session.ToolCall) error {
	return s.sendUpdate(sessionID, "tool_call", "toolCall", map[string]any{
		"id":   toolCall.ToolCallID,
		"name": toolCall.Name,
		"args": toolCall.Args,
	})
}

func (s *Server) sendToolResultNotification(sessionID string, result session.ToolResult) error {
	text, err := result.PayloadText()
	if err != nil {
		text = err.Error()
	}
	return s.sendUpdate(sessionID, "tool_result", "toolResult", map[string]any{
		"toolCallId": result.ToolCallID,
		"result":     text,
		"isError":    result.IsError,
	})
}

func (s *Server) sendAgentMessageChunk(sessionID, text string) error {
	return s.sendUpdate(sessionID, "agent_message_chunk", "content", map[string]any{
		"type": "text",
		"text": text,
	})
}

// nextSessionID generates a unique session ID from a timestamp and sequence number.
func (s *Server) nextSessionID() string {
	s.sessionsLock.Lock()
	defer s.sessionsLock.Unlock()
	s.sessionIDSeq++
	return fmt.Sprintf("sess_%d_%d", time.Now().UnixNano(), s.sessionIDSeq)
}

func partBlock(p session.Part) map[string]any {
	if p.Type == session.PartImage {
		return map[string]any{
			"type":     "image",
			"mimeType": p.MIMEType,
			"data":     base64.StdEncoding.EncodeToString(p.Data),
		}
	}
	return map[string]any{"type": "text", "text": p.Text}
}

// readFileFromURI reads the contents of a file:// URI.
func readFileFromURI(uri string) (string, error) {
	parsedURL, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrapf(err, "invalid URI")
	}
	if parsedURL.Scheme != "file" {
		return "", errors.New("unsupported URI scheme: %s", parsedURL.Scheme)
	}
	content, err := os.ReadFile(parsedURL.Path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file")
	}
	return string(content), nil
}

// promptMessage turns prompt blocks into one user message: text and
// resource links become its text, image blocks its image parts.
func promptMessage(blocks []contentBlock) (session.Message, error) {
	var parts []session.Part
	for _, b := range blocks {
		if b.Type != "image" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(b.Data)
		if err != nil {
			return session.Message{}, errors.Wrapf(err, "invalid image data")
		}
		parts = append(parts, session.ImagePart(b.MimeType, data))
	}
	text := extractUserText(blocks)
	if text == "" && len(parts) == 0 {
		return session.Message{}, errors.New("prompt has no content")
	}
	return session.NewUserMessage(text, parts...), nil
}

// extractUserText creates a single string from all text and resource_link blocks.
func extractUserText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case "resource_link":
			parts = append(parts, resourceText(b))
		}
	}
	return strings.Join(parts, "\n")
}

func resourceText(b contentBlock) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== Resource: %s ===\n", b.Name)
	if b.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", b.Title)
	}
	if b.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", b.Description)
	}
	fmt.Fprintf(&sb, "URI: %s\n", b.URI)
	if b.MimeType != "" {
		fmt.Fprintf(&sb, "Type: %s\n", b.MimeType)
	}
	if b.Size != nil {
		fmt.Fprintf(&sb, "Size: %d bytes\n", *b.Size)
	}

	if strings.HasPrefix(b.URI, "file://") {
		content, err := readFileFromURI(b.URI)
		if err != nil {
			fmt.Fprintf(&sb, "\n[Error reading file: %v]\n", err)
		} else {
			const maxContentSize = 50000 // 50KB limit for inline content
			if len(content) > maxContentSize {
				content = content[:maxContentSize] + "\n\n[... truncated to 50KB ...]"
			}
			fmt.Fprintf(&sb, "\n--- File Contents ---\n%s\n--- End of File ---\n", content)
		}
	} else {
		sb.WriteString("\n[External resource - content not available]\n")
	}
	sb.WriteString("=== End Resource ===\n")
	return sb.String()
}
