package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m4xw311/agentlib/errors"
)

// Tool defines the interface for any action the agent can take.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON schema object describing the arguments.
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// ExecFunc is the executable behind a Func tool.
type ExecFunc func(ctx context.Context, args map[string]any) (any, error)

// Func is a Tool backed by a plain function.
type Func struct {
	name        string
	description string
	parameters  map[string]any
	fn          ExecFunc
}

// New creates a function tool. A nil parameters map means the tool takes an
// object with no declared properties.
func New(name, description string, parameters map[string]any, fn ExecFunc) *Func {
	return &Func{name: name, description: description, parameters: parameters, fn: fn}
}

// NewTyped creates a function tool whose parameter schema is inferred from In.
// Arguments are decoded into In before fn is called.
func NewTyped[In any](name, description string, fn func(ctx context.Context, in In) (any, error)) (*Func, error) {
	s, err := jsonschema.For[In](nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to infer parameters for tool %q", name)
	}
	params, err := schemaMap(s)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode parameters for tool %q", name)
	}
	var exec ExecFunc
	if fn != nil {
		exec = func(ctx context.Context, args map[string]any) (any, error) {
			raw, err := json.Marshal(args)
			if err != nil {
				return nil, errors.Wrapf(err, "tool %q: could not encode arguments", name)
			}
			var in In
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, errors.Wrapf(err, "tool %q: invalid arguments", name)
			}
			return fn(ctx, in)
		}
	}
	return New(name, description, params, exec), nil
}

func (f *Func) Name() string        { return f.name }
func (f *Func) Description() string { return f.description }

func (f *Func) Parameters() map[string]any {
	if f.parameters == nil {
		return emptyObjectSchema()
	}
	return f.parameters
}

func (f *Func) Execute(ctx context.Context, args map[string]any) (any, error) {
	if f.fn == nil {
		return nil, &errors.InvalidToolDescriptorError{Name: f.name, Reason: "missing executable"}
	}
	return f.fn(ctx, args)
}

// Validate reports whether the tool can be registered.
func (f *Func) Validate() error {
	if f.fn == nil {
		return &errors.InvalidToolDescriptorError{Name: f.name, Reason: "missing executable"}
	}
	return nil
}

// Summary renders the textual tool advertisement placed in the system turn
// when redundant tool info is enabled. It returns "" for no tools.
func Summary(ts []Tool) string {
	if len(ts) == 0 {
		return ""
	}
	descs := make([]string, len(ts))
	for i, t := range ts {
		descs[i] = fmt.Sprintf("%s: %s", t.Name(), t.Description())
	}
	return fmt.Sprintf("You are a tool-calling agent. You have access to the following tools: %s. Use these tools to answer the user's questions.",
		strings.Join(descs, "; "))
}

func emptyObjectSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

func schemaMap(s *jsonschema.Schema) (map[string]any, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, errors.Wrapf(err, "invalid glob pattern '%s'", pattern)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// isCommandAllowed checks if a command is in the allowlist (with regex support).
func isCommandAllowed(command string, allowed []string) bool {
	if len(strings.Fields(command)) == 0 {
		return false
	}
	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			slog.Warn("invalid regex in allowed_commands", "pattern", pattern, "error", err)
			// Fallback to simple string comparison if regex is invalid
			if command == pattern {
				return true
			}
			continue
		}
		if re.MatchString(command) {
			return true
		}
	}
	return false
}
