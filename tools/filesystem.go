package tools

import (
	"context"
	"fmt"
	"os"

	"github.com/m4xw311/agentlib/config"
	"github.com/m4xw311/agentlib/errors"
)

// ReadFileTool implements the tool for reading a file.
type ReadFileTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Reads the entire content of a file."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Path of the file to read."},
		},
		"required": []any{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	path, ok := args["path"].(string)
	if !ok {
		return nil, errors.New("missing or invalid 'path' argument")
	}

	hidden, err := isPathRestricted(path, t.fsAccess.Hidden)
	if err != nil {
		return nil, err
	}
	if hidden {
		return nil, errors.New("access denied: path '%s' is hidden", path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read file '%s'", path)
	}
	return string(content), nil
}

// WriteFileTool implements the tool for writing to a file.
type WriteFileTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Writes content to a file, replacing it entirely."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Path of the file to write."},
			"content": map[string]any{"type": "string", "description": "Full new content of the file."},
		},
		"required": []any{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	path, pathOk := args["path"].(string)
	content, contentOk := args["content"].(string)
	if !pathOk || !contentOk {
		return nil, errors.New("missing or invalid 'path' or 'content' arguments")
	}

	for _, rule := range []struct {
		patterns []string
		what     string
	}{
		{t.fsAccess.Hidden, "hidden"},
		{t.fsAccess.ReadOnly, "read-only"},
	} {
		restricted, err := isPathRestricted(path, rule.patterns)
		if err != nil {
			return nil, err
		}
		if restricted {
			return nil, errors.New("access denied: path '%s' is %s", path, rule.what)
		}
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return nil, errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}
