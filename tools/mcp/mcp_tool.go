// Package mcp exposes the tools of a Model Context Protocol server as a
// remote tool source.
package mcp

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/m4xw311/agentlib/config"
	"github.com/m4xw311/agentlib/errors"
	"github.com/m4xw311/agentlib/tools"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

var clientImpl = &mcpsdk.Implementation{Name: "agentlib", Version: "v1.0.0"}

// Source manages the connection to a single MCP server. Its tool list is
// fetched from the server on every ListTools call.
type Source struct {
	name    string
	session *mcpsdk.ClientSession

	mu     sync.Mutex
	closed bool
}

// Connect starts or dials the configured server. A URL selects the
// streamable HTTP transport; otherwise Command is run as a stdio server.
func Connect(ctx context.Context, srv config.MCPServer) (*Source, error) {
	var transport mcpsdk.Transport
	switch {
	case srv.URL != "":
		transport = &mcpsdk.StreamableClientTransport{Endpoint: srv.URL}
	case srv.Command != "":
		cmd := exec.Command(srv.Command, srv.Args...)
		cmd.Stderr = os.Stderr
		transport = &mcpsdk.CommandTransport{Command: cmd}
	default:
		return nil, errors.New("MCP server '%s' needs a command or a url", srv.Name)
	}
	return NewSource(ctx, srv.Name, transport)
}

// NewSource connects a client over an arbitrary transport.
func NewSource(ctx context.Context, name string, transport mcpsdk.Transport) (*Source, error) {
	client := mcpsdk.NewClient(clientImpl, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", name)
	}
	return &Source{name: name, session: session}, nil
}

func (s *Source) Name() string { return s.name }

// ListTools pages through the server's tools.
func (s *Source) ListTools(ctx context.Context) ([]tools.Tool, error) {
	if s.isClosed() {
		return nil, errors.New("MCP server '%s' is disconnected", s.name)
	}
	var out []tools.Tool
	params := &mcpsdk.ListToolsParams{}
	for {
		page, err := s.session.ListTools(ctx, params)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", s.name)
		}
		for _, t := range page.Tools {
			out = append(out, &Tool{
				source:      s,
				name:        t.Name,
				description: t.Description,
				parameters:  schemaMap(t.InputSchema),
			})
		}
		if page.NextCursor == "" {
			return out, nil
		}
		params.Cursor = page.NextCursor
	}
}

// Close disconnects from the server. Later ListTools calls fail, so a
// registry holding this source stops offering its tools.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.session.Close()
}

func (s *Source) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Tool is a tool provided by an MCP server.
type Tool struct {
	source      *Source
	name        string
	description string
	parameters  map[string]any
}

func (t *Tool) Name() string { return t.name }

func (t *Tool) Description() string { return t.description }

func (t *Tool) Parameters() map[string]any { return t.parameters }

// Execute calls the tool on the server. Structured content is returned as
// is; otherwise text content is joined. A result flagged as an error by the
// server becomes a Go error.
func (t *Tool) Execute(ctx context.Context, args map[string]any) (any, error) {
	if t.source.isClosed() {
		return nil, errors.New("MCP server '%s' is disconnected", t.source.name)
	}
	if args == nil {
		args = map[string]any{}
	}
	result, err := t.source.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.name,
		Arguments: args,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to call tool '%s'", t.name)
	}
	var sb strings.Builder
	for _, c := range result.Content {
		if text, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(text.Text)
		}
	}
	if result.IsError {
		return nil, errors.New("tool '%s' failed: %s", t.name, sb.String())
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}
	return sb.String(), nil
}

func schemaMap(schema any) map[string]any {
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	fallback := map[string]any{"type": "object", "properties": map[string]any{}}
	if schema == nil {
		return fallback
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return fallback
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fallback
	}
	return m
}
