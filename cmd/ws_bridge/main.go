// Command ws_bridge serves the Agent Client Protocol over WebSocket. Each
// connection gets its own ACP server; every text message carries one
// JSON-RPC message in each direction.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/m4xw311/agentlib/agent"
	"github.com/m4xw311/agentlib/agent/acp"
	"github.com/m4xw311/agentlib/config"
	"github.com/m4xw311/agentlib/internal/app"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "ws_bridge",
		Short:        "Serve the Agent Client Protocol over WebSocket",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         run,
	}
	cmd.Flags().String("addr", ":8080", "Listen address")
	cmd.Flags().StringP("toolset", "t", "default", "Toolset to use")
	cmd.Flags().Bool("trace", false, "Write protocol traces to "+acp.TraceFile)
	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	toolset, _ := cmd.Flags().GetString("toolset")
	trace, _ := cmd.Flags().GetBool("trace")

	logger := slog.New(tint.NewHandler(cmd.ErrOrStderr(), &tint.Options{Level: slog.LevelInfo, TimeFormat: time.Kitchen}))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, toolset, logger)
	if err != nil {
		return err
	}
	defer application.Close(context.Background())

	var opts []acp.Option
	if trace {
		f, err := os.OpenFile(acp.TraceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		opts = append(opts, acp.WithTrace(f))
	}
	factory := func(context.Context) (*agent.Agent, error) {
		return application.NewAgent(agent.ModeAuto, agent.ToolVerbosityNone)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", handleWS(factory, logger, opts...))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "WebSocket server running on ws://localhost%s/ws\n", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func handleWS(factory acp.Factory, logger *slog.Logger, opts ...acp.Option) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("upgrade error", "error", err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		inR, inW := io.Pipe()
		outR, outW := io.Pipe()
		served := make(chan error, 1)
		go func() {
			err := acp.NewServer(factory, opts...).Serve(ctx, inR, outW)
			outW.Close()
			served <- err
		}()

		// ACP server output → WebSocket
		forwarded := make(chan struct{})
		go func() {
			defer close(forwarded)
			scanner := bufio.NewScanner(outR)
			scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
			writeFailed := false
			for scanner.Scan() {
				if writeFailed {
					// keep draining so the server never blocks on a dead connection
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, scanner.Bytes()); err != nil {
					logger.Warn("WS write error", "error", err)
					writeFailed = true
				}
			}
		}()

		// WebSocket messages → ACP server input
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Warn("WS read error", "error", err)
				}
				break
			}
			if _, err := inW.Write(append(msg, '\n')); err != nil {
				logger.Warn("ACP input error", "error", err)
				break
			}
		}
		inW.Close()
		if err := <-served; err != nil {
			logger.Error("ACP server stopped", "error", err)
		}
		<-forwarded
	}
}
