package tools

import (
	"context"
	"strings"

	"github.com/m4xw311/agentlib/config"
	"github.com/m4xw311/agentlib/errors"
)

// Builtins returns the filesystem and command tools configured by cfg.
func Builtins(cfg *config.Config) []Tool {
	return []Tool{
		&ReadFileTool{fsAccess: &cfg.FilesystemAccess},
		&WriteFileTool{fsAccess: &cfg.FilesystemAccess},
		&ExecuteCommandTool{allowedCommands: cfg.AllowedCommands},
	}
}

// RegisterToolset registers the built-in tools listed by the named toolset.
// Entries of the form "<server>.<tool>" or "<server>:<tool>" refer to remote
// tools and are left to the attached sources.
func (r *Registry) RegisterToolset(ctx context.Context, cfg *config.Config, toolset string) error {
	ts, err := cfg.GetToolset(toolset)
	if err != nil {
		return err
	}
	builtins := make(map[string]Tool)
	for _, t := range Builtins(cfg) {
		builtins[t.Name()] = t
	}
	for _, name := range ts.Tools {
		if strings.ContainsAny(name, ".:") {
			continue
		}
		t, ok := builtins[name]
		if !ok {
			return errors.New("tool '%s' from toolset '%s' is not a built-in tool", name, ts.Name)
		}
		if err := r.Register(ctx, t); err != nil {
			return errors.Wrapf(err, "toolset '%s'", ts.Name)
		}
	}
	return nil
}
