package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/m4xw311/agentlib/a2a"
	"github.com/m4xw311/agentlib/agent"
	"github.com/m4xw311/agentlib/agent/acp"
	"github.com/m4xw311/agentlib/agent/terminal"
	"github.com/m4xw311/agentlib/config"
	"github.com/m4xw311/agentlib/internal/app"
	"github.com/m4xw311/agentlib/session"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [prompt...]",
		Short: "Start an interactive session in the terminal",
		RunE:  runChat,
	}
	cmd.Flags().StringP("mode", "m", "", "Execution mode: 'auto' or 'prompt'")
	cmd.Flags().StringP("session", "s", "", "Session name to create or use")
	cmd.Flags().StringP("resume", "r", "", "Resume a session by name")
	cmd.Flags().StringP("toolset", "t", "", "Toolset to use (defaults to 'default')")
	cmd.Flags().String("tool-verbosity", "", "Tool verbosity level: 'none', 'info', or 'all'")
	cmd.Flags().Int("max-runs", agent.DefaultMaxRuns, "Maximum runs per prompt")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	mode, _ := cmd.Flags().GetString("mode")
	sessionName, _ := cmd.Flags().GetString("session")
	resume, _ := cmd.Flags().GetString("resume")
	toolset, _ := cmd.Flags().GetString("toolset")
	verbosityName, _ := cmd.Flags().GetString("tool-verbosity")
	maxRuns, _ := cmd.Flags().GetInt("max-runs")
	out := cmd.OutOrStdout()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	var sess *session.Session
	if resume != "" {
		sess, err = session.Load(resume)
		if err != nil {
			return fmt.Errorf("error resuming session '%s': %w", resume, err)
		}
		fmt.Fprintf(out, "Resuming session: %s\n", resume)
		// Session settings apply unless overridden by flags
		if mode == "" {
			mode = sess.Mode
		}
		if toolset == "" {
			toolset = sess.Toolset
		}
		if verbosityName == "" {
			verbosityName = sess.ToolVerbosity
		}
	} else {
		if sessionName == "" {
			sessionName = defaultSessionName()
		}
		sess, err = session.New(sessionName)
		if err != nil {
			return fmt.Errorf("error creating session '%s': %w", sessionName, err)
		}
		fmt.Fprintf(out, "Starting new session: %s\n", sessionName)
	}

	if mode == "" {
		mode = string(agent.ModePrompt)
	}
	if toolset == "" {
		toolset = "default"
	}
	if verbosityName == "" {
		verbosityName = string(agent.ToolVerbosityNone)
	}
	opMode, err := app.ParseMode(mode)
	if err != nil {
		return err
	}
	verbosity, err := app.ParseVerbosity(verbosityName)
	if err != nil {
		return err
	}
	sess.Mode = mode
	sess.Toolset = toolset
	sess.ToolVerbosity = verbosityName

	ctx := cmd.Context()
	application, err := app.New(ctx, cfg, toolset, slog.Default())
	if err != nil {
		return err
	}
	defer application.Close(context.Background())

	a, err := application.NewAgent(opMode, verbosity)
	if err != nil {
		return err
	}
	if resume != "" {
		if err := a.Restore(sess); err != nil {
			return err
		}
	}
	if err := sess.Save(); err != nil {
		return fmt.Errorf("error saving session '%s': %w", sess.Name, err)
	}

	fmt.Fprintln(out, "Agent is ready. Type your prompt.")
	term := terminal.New(a,
		terminal.WithIO(cmd.InOrStdin(), out),
		terminal.WithSession(sess),
		terminal.WithMaxRuns(maxRuns),
	)
	return term.Run(ctx, strings.Join(args, " "))
}

func newACPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acp",
		Short: "Serve the Agent Client Protocol on stdin/stdout",
		Args:  cobra.NoArgs,
		RunE:  runACP,
	}
	cmd.Flags().StringP("toolset", "t", "default", "Toolset to use")
	cmd.Flags().Bool("trace", false, "Write protocol traces to "+acp.TraceFile)
	return cmd
}

func runACP(cmd *cobra.Command, _ []string) error {
	toolset, _ := cmd.Flags().GetString("toolset")
	trace, _ := cmd.Flags().GetBool("trace")

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	application, err := app.New(ctx, cfg, toolset, slog.Default())
	if err != nil {
		return err
	}
	defer application.Close(context.Background())

	// stdout carries only protocol messages
	slog.Info("starting ACP server", "toolset", toolset)
	factory := func(context.Context) (*agent.Agent, error) {
		return application.NewAgent(agent.ModeAuto, agent.ToolVerbosityNone)
	}
	return acp.Run(ctx, factory, cmd.InOrStdin(), cmd.OutOrStdout(), trace)
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the agent over the A2A protocol",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("addr", ":4000", "Listen address")
	cmd.Flags().String("name", "", "Agent name shown in the agent card")
	cmd.Flags().String("description", "", "Agent description shown in the agent card")
	cmd.Flags().String("base-url", "", "Public base URL (default: derived from requests)")
	cmd.Flags().StringP("toolset", "t", "default", "Toolset to use")
	cmd.Flags().Int("max-runs", agent.DefaultMaxRuns, "Maximum runs per message")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	name, _ := cmd.Flags().GetString("name")
	description, _ := cmd.Flags().GetString("description")
	baseURL, _ := cmd.Flags().GetString("base-url")
	toolset, _ := cmd.Flags().GetString("toolset")
	maxRuns, _ := cmd.Flags().GetInt("max-runs")

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, toolset, slog.Default())
	if err != nil {
		return err
	}
	defer application.Close(context.Background())

	a, err := application.NewAgent(agent.ModeAuto, agent.ToolVerbosityNone)
	if err != nil {
		return err
	}

	opts := []a2a.Option{a2a.WithLogger(slog.Default()), a2a.WithMaxRuns(maxRuns)}
	if name != "" {
		opts = append(opts, a2a.WithName(name))
	}
	if description != "" {
		opts = append(opts, a2a.WithDescription(description))
	}
	if baseURL != "" {
		opts = append(opts, a2a.WithBaseURL(baseURL))
	}
	srv := a2a.NewServer(a, opts...)

	fmt.Fprintf(cmd.OutOrStdout(), "A2A server listening on %s (card: %s)\n", addr, a2a.CardPath)
	return srv.ListenAndServe(ctx, addr)
}

func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools available to the agent",
		Args:  cobra.NoArgs,
		RunE:  runTools,
	}
	cmd.Flags().StringP("toolset", "t", "default", "Toolset to use")
	return cmd
}

func runTools(cmd *cobra.Command, _ []string) error {
	toolset, _ := cmd.Flags().GetString("toolset")
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	application, err := app.New(ctx, cfg, toolset, slog.Default())
	if err != nil {
		return err
	}
	defer application.Close(context.Background())

	out := cmd.OutOrStdout()
	descriptors := application.Registry.AllDescriptors(ctx)
	if len(descriptors) == 0 {
		fmt.Fprintln(out, "No tools available.")
		return nil
	}
	for _, t := range descriptors {
		fmt.Fprintf(out, "%s\t%s\n", t.Name(), t.Description())
	}
	return nil
}

func defaultSessionName() string {
	wd, err := os.Getwd()
	if err != nil {
		wd = "agentlib"
	}
	dirName := filepath.Base(wd)
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	return fmt.Sprintf("%s_%s", dirName, timestamp)
}
