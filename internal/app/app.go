// Package app assembles engines from configuration for the command-line
// programs.
package app

import (
	"context"
	"log/slog"

	"github.com/m4xw311/agentlib/a2a"
	"github.com/m4xw311/agentlib/agent"
	"github.com/m4xw311/agentlib/config"
	"github.com/m4xw311/agentlib/contract"
	"github.com/m4xw311/agentlib/errors"
	"github.com/m4xw311/agentlib/llm"
	"github.com/m4xw311/agentlib/telemetry"
	"github.com/m4xw311/agentlib/tools"
	"github.com/m4xw311/agentlib/tools/mcp"
)

// App holds what every engine built from one configuration shares: the
// backend client, the tool registry, the output contract and telemetry.
type App struct {
	Config    *config.Config
	Client    llm.LLMClient
	Registry  *tools.Registry
	Output    *contract.Schema
	Telemetry *telemetry.Provider

	logger  *slog.Logger
	sources []*mcp.Source
}

// New builds an App for the named toolset. Built-in tools come from the
// toolset, remote tools from every configured MCP server and remote agent.
func New(ctx context.Context, cfg *config.Config, toolset string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, logger: logger}

	backend, err := llm.ParseBackend(cfg.LLMClient)
	if err != nil {
		return nil, err
	}
	if a.Client, err = llm.New(ctx, backend, cfg.Model); err != nil {
		return nil, err
	}

	if cfg.OutputSchema != "" {
		if a.Output, err = contract.Load(cfg.OutputSchema); err != nil {
			return nil, errors.Wrapf(err, "could not load output schema")
		}
	}

	if a.Telemetry, err = telemetry.NewProvider(ctx, cfg.Telemetry, telemetry.WithGlobal()); err != nil {
		return nil, err
	}

	a.Registry = tools.NewRegistry(tools.WithLogger(logger))
	if err := a.registerTools(ctx, toolset); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) registerTools(ctx context.Context, toolset string) error {
	if len(a.Config.Toolsets) > 0 {
		if err := a.Registry.RegisterToolset(ctx, a.Config, toolset); err != nil {
			return err
		}
	}

	for _, ra := range a.Config.RemoteAgents {
		tool, err := a2a.NewRemoteAgentTool(ra.Name, ra.URL, ra.Description)
		if err != nil {
			return errors.Wrapf(err, "remote agent '%s'", ra.Name)
		}
		if err := a.Registry.Register(ctx, tool); err != nil {
			return errors.Wrapf(err, "remote agent '%s'", ra.Name)
		}
	}

	for _, srv := range a.Config.AdditionalMCPServers {
		src, err := mcp.Connect(ctx, srv)
		if err != nil {
			return err
		}
		a.sources = append(a.sources, src)
		if err := a.Registry.AddSource(ctx, src); err != nil {
			return err
		}
	}
	return nil
}

// NewAgent creates an engine with its own conversation over the shared
// client and registry.
func (a *App) NewAgent(mode agent.Mode, verbosity agent.ToolVerbosity) (*agent.Agent, error) {
	opts := []agent.Option{
		agent.WithMode(mode),
		agent.WithToolVerbosity(verbosity),
		agent.WithRedundantToolInfo(a.Config.RedundantToolInfo),
		agent.WithLLMOptions(llm.Options{MaxTokens: a.Config.MaxTokens, Temperature: a.Config.Temperature}),
		agent.WithLogger(a.logger),
		agent.WithEventHandler(a.Telemetry.Handler()),
	}
	if a.Output != nil {
		opts = append(opts, agent.WithOutputContract(a.Output))
	}
	return agent.New(a.Client, a.Registry, opts...)
}

// Close disconnects MCP servers and flushes telemetry.
func (a *App) Close(ctx context.Context) {
	for _, src := range a.sources {
		a.Registry.RemoveSource(src.Name())
		if err := src.Close(); err != nil {
			a.logger.Warn("failed to close MCP source", "source", src.Name(), "error", err)
		}
	}
	if a.Telemetry != nil {
		if err := a.Telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("failed to shut down telemetry", "error", err)
		}
	}
}

// ParseMode validates a mode name.
func ParseMode(s string) (agent.Mode, error) {
	switch agent.Mode(s) {
	case agent.ModeAuto, agent.ModePrompt:
		return agent.Mode(s), nil
	}
	return "", errors.New("invalid mode '%s'. Must be 'auto' or 'prompt'", s)
}

// ParseVerbosity validates a tool verbosity name.
func ParseVerbosity(s string) (agent.ToolVerbosity, error) {
	switch agent.ToolVerbosity(s) {
	case agent.ToolVerbosityNone, agent.ToolVerbosityInfo, agent.ToolVerbosityAll:
		return agent.ToolVerbosity(s), nil
	}
	return "", errors.New("invalid tool verbosity '%s'. Must be 'none', 'info', or 'all'", s)
}
