// Package a2a exposes an Agent over the Agent2Agent protocol and lets an
// Agent call other A2A agents as tools.
//
// The server speaks JSON-RPC 2.0 over HTTP. It publishes an agent card at
// /.well-known/agent.json and accepts message/send and tasks/get on
// /a2a/jsonrpc.
package a2a

import (
	"encoding/json"
	"time"
)

const (
	ProtocolVersion = "0.3.0"

	CardPath    = "/.well-known/agent.json"
	JSONRPCPath = "/a2a/jsonrpc"
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeTaskNotFound   = -32001
)

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Message
}

type AgentCard struct {
	Name               string       `json:"name"`
	Description        string       `json:"description"`
	ProtocolVersion    string       `json:"protocolVersion"`
	Version            string       `json:"version"`
	URL                string       `json:"url"`
	PreferredTransport string       `json:"preferredTransport"`
	Skills             []Skill      `json:"skills"`
	Capabilities       Capabilities `json:"capabilities"`
	DefaultInputModes  []string     `json:"defaultInputModes"`
	DefaultOutputModes []string     `json:"defaultOutputModes"`
}

// Skill advertises one registry tool.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
}

type Capabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"pushNotifications"`
}

// Message is an A2A message. Role is "user" or "agent".
type Message struct {
	Kind      string `json:"kind"`
	Role      string `json:"role"`
	MessageID string `json:"messageId"`
	ContextID string `json:"contextId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	Parts     []Part `json:"parts"`
}

// Part is a text or file part. File parts carry base64 bytes or a URI.
type Part struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
	File *File  `json:"file,omitempty"`
}

type File struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind != "text" || p.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

type TaskState string

const (
	TaskSubmitted TaskState = "submitted"
	TaskWorking   TaskState = "working"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp string    `json:"timestamp"`
}

// Task is the unit of work created for each message/send.
type Task struct {
	Kind      string     `json:"kind"`
	ID        string     `json:"id"`
	ContextID string     `json:"contextId"`
	Status    TaskStatus `json:"status"`
	History   []Message  `json:"history,omitempty"`
}

type messageSendParams struct {
	Message Message `json:"message"`
}

type taskQueryParams struct {
	ID string `json:"id"`
}

func newStatus(state TaskState, msg *Message) TaskStatus {
	return TaskStatus{State: state, Message: msg, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
}

func textMessage(role, contextID, taskID, messageID, text string) Message {
	return Message{
		Kind:      "message",
		Role:      role,
		MessageID: messageID,
		ContextID: contextID,
		TaskID:    taskID,
		Parts:     []Part{{Kind: "text", Text: text}},
	}
}
