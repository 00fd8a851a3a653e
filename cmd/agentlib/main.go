package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentlib",
		Short: "Tool-calling LLM agent",
		Long:  "agentlib drives tool-calling conversations with OpenAI, Anthropic, Gemini and Bedrock models from the terminal, over ACP or over A2A.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("log-level")
			noColor, _ := cmd.Flags().GetBool("no-color")
			var level slog.Level
			if err := level.UnmarshalText([]byte(name)); err != nil {
				return fmt.Errorf("invalid --log-level %q: %w", name, err)
			}
			slog.SetDefault(newLogger(cmd.ErrOrStderr(), level, noColor))
			return nil
		},
	}
	root.PersistentFlags().String("log-level", "warn", "Log level: debug, info, warn or error")
	root.PersistentFlags().Bool("no-color", false, "Disable colored log output")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("agentlib version %s\n", version))

	root.AddCommand(newChatCmd())
	root.AddCommand(newACPCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newToolsCmd())
	return root
}

func newLogger(output io.Writer, level slog.Level, noColor bool) *slog.Logger {
	handler := tint.NewHandler(output, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindAny {
				if _, ok := a.Value.Any().(error); ok {
					return tint.Attr(9, a)
				}
			}
			return a
		},
	})
	return slog.New(handler)
}
