// Package contract provides JSON-schema backed output and input contracts.
//
// A Schema validates parsed values and exposes the schema as a plain map so
// each backend adapter can derive its own constrained-generation format.
package contract

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m4xw311/agentlib/errors"
)

type Schema struct {
	name     string
	schema   *jsonschema.Schema
	resolved *jsonschema.Resolved
	doc      map[string]any
}

// New resolves s so it can be used for validation.
func New(name string, s *jsonschema.Schema) (*Schema, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("contract name must not be blank")
	}
	if s == nil {
		return nil, errors.New("contract %q has no schema", name)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve schema for contract %q", name)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode schema for contract %q", name)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrapf(err, "schema for contract %q is not an object", name)
	}
	return &Schema{name: name, schema: s, resolved: resolved, doc: doc}, nil
}

// For infers the contract schema from the Go type T.
func For[T any](name string) (*Schema, error) {
	s, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to infer schema for contract %q", name)
	}
	return New(name, s)
}

// FromJSON parses a JSON schema document.
func FromJSON(name string, data []byte) (*Schema, error) {
	var s jsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, "invalid JSON schema for contract %q", name)
	}
	return New(name, &s)
}

// Load reads a JSON schema file. The contract is named after the file.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read schema file %s", path)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return FromJSON(name, data)
}

func (s *Schema) Name() string { return s.name }

func (s *Schema) JSONSchema() *jsonschema.Schema { return s.schema }

// Map returns a fresh copy of the schema document.
func (s *Schema) Map() map[string]any {
	return copyMap(s.doc)
}

// Validate checks a decoded JSON value against the schema.
func (s *Schema) Validate(instance any) error {
	if err := s.resolved.Validate(instance); err != nil {
		return errors.Wrapf(err, "contract %q", s.name)
	}
	return nil
}

// Parse decodes text as JSON and validates it. Failures are reported as
// *errors.ContractViolationError carrying the offending text.
func (s *Schema) Parse(text string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &v); err != nil {
		return nil, &errors.ContractViolationError{Contract: s.name, Text: text, Err: err}
	}
	if err := s.resolved.Validate(v); err != nil {
		return nil, &errors.ContractViolationError{Contract: s.name, Text: text, Err: err}
	}
	return v, nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
