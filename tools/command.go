package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/m4xw311/agentlib/errors"
)

// ExecuteCommandTool runs allowlisted OS commands without a shell.
type ExecuteCommandTool struct {
	allowedCommands []string
}

func (t *ExecuteCommandTool) Name() string { return "execute_command" }
func (t *ExecuteCommandTool) Description() string {
	if len(t.allowedCommands) == 0 {
		return "Executes a command. No commands are currently allowed."
	}
	return fmt.Sprintf("Executes a command. Allowed command patterns: %s", strings.Join(t.allowedCommands, ", "))
}

func (t *ExecuteCommandTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "Command line to run."},
		},
		"required": []any{"command"},
	}
}

func (t *ExecuteCommandTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	command, ok := args["command"].(string)
	if !ok {
		return nil, errors.New("missing or invalid 'command' argument")
	}
	if !isCommandAllowed(command, t.allowedCommands) {
		return nil, errors.New("command '%s' is not in the list of allowed commands", command)
	}

	parts := strings.Fields(command)
	output, err := exec.CommandContext(ctx, parts[0], parts[1:]...).CombinedOutput()
	if err != nil {
		return nil, errors.Wrapf(err, "command execution failed. Output:\n%s", string(output))
	}
	return fmt.Sprintf("Command executed successfully. Output:\n%s", string(output)), nil
}
