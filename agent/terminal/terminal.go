package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/m4xw311/agentlib/agent"
	"github.com/m4xw311/agentlib/errors"
	"github.com/m4xw311/agentlib/session"
)

// Terminal handles the terminal/CLI interaction mode for the agent
type Terminal struct {
	agent   *agent.Agent
	in      *bufio.Reader
	out     io.Writer
	store   *session.Session
	maxRuns int

	// images attached with /image, sent with the next prompt
	images []session.Part
}

type Option func(*Terminal)

// WithIO replaces stdin and stdout.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(t *Terminal) {
		t.in = bufio.NewReader(in)
		t.out = out
	}
}

// WithSession saves the conversation to store after every turn.
func WithSession(store *session.Session) Option {
	return func(t *Terminal) { t.store = store }
}

func WithMaxRuns(n int) Option {
	return func(t *Terminal) { t.maxRuns = n }
}

// New creates a new Terminal instance
func New(a *agent.Agent, opts ...Option) *Terminal {
	t := &Terminal{
		agent:   a,
		in:      bufio.NewReader(os.Stdin),
		out:     os.Stdout,
		maxRuns: agent.DefaultMaxRuns,
	}
	for _, opt := range opts {
		opt(t)
	}
	a.Callbacks = t.callbacks()
	return t
}

// Run starts the interactive terminal session
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	// If there's an initial prompt from the command line, use it first
	if initialPrompt != "" {
		if err := t.processTurn(ctx, initialPrompt); err != nil {
			return err
		}
	}

	for {
		fmt.Fprint(t.out, "You: ")
		line, err := t.in.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF {
				return nil
			}
			return err
		}

		userInput := strings.TrimSpace(line)
		switch {
		case userInput == "":
			continue
		case userInput == "/quit" || userInput == "/exit":
			return nil
		case strings.HasPrefix(userInput, "/image "):
			if err := t.attachImage(strings.TrimSpace(strings.TrimPrefix(userInput, "/image "))); err != nil {
				fmt.Fprintf(t.out, "Error: %v\n", err)
			}
			continue
		}

		if err := t.processTurn(ctx, userInput); err != nil {
			fmt.Fprintf(t.out, "Error: %v\n", err)
		}
	}
}

// attachImage queues the image at path for the next prompt.
func (t *Terminal) attachImage(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "could not read image")
	}
	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		return errors.New("%s is not an image (%s)", path, mimeType)
	}
	t.images = append(t.images, session.ImagePart(mimeType, data))
	fmt.Fprintf(t.out, "Attached %s (%s)\n", path, mimeType)
	return nil
}

// processTurn handles a single user input turn
func (t *Terminal) processTurn(ctx context.Context, userInput string) error {
	images := t.images
	t.images = nil

	var runErr error
	if len(t.agent.Pending()) > 0 {
		_, runErr = t.agent.RunUntilDone(ctx, t.maxRuns)
	}
	if runErr == nil {
		_, runErr = t.agent.Prompt(ctx, userInput, t.maxRuns, images...)
	}

	if t.store != nil {
		if err := t.agent.Record(t.store); err != nil {
			return errors.Join(runErr, err)
		}
	}
	return runErr
}

func (t *Terminal) callbacks() agent.Callbacks {
	return agent.Callbacks{
		OnAssistantMessage: func(message string) {
			fmt.Fprintf(t.out, "Agent: %s\n", message)
		},
		OnToolCall: func(toolCall session.ToolCall) {
			// Display tool call information based on verbosity
			switch t.agent.Verbosity {
			case agent.ToolVerbosityAll:
				fmt.Fprintf(t.out, "Agent wants to call tool `%s` with args: %v\n", toolCall.Name, toolCall.Args)
			case agent.ToolVerbosityInfo:
				fmt.Fprintf(t.out, "Agent wants to call tool `%s`\n", toolCall.Name)
			}
		},
		OnToolResult: func(toolCall session.ToolCall, result session.ToolResult) {
			if t.agent.Verbosity != agent.ToolVerbosityAll {
				return
			}
			text, err := result.PayloadText()
			if err != nil {
				text = err.Error()
			}
			fmt.Fprintf(t.out, "Tool `%s` output: %s\n", toolCall.Name, text)
		},
		ShouldExecuteTool: func(toolCall session.ToolCall) bool {
			if t.agent.Mode != agent.ModePrompt {
				return true
			}
			if t.agent.Verbosity == agent.ToolVerbosityNone {
				fmt.Fprintf(t.out, "Agent wants to call tool `%s`\n", toolCall.Name)
			}
			fmt.Fprint(t.out, "Do you want to allow this? (y/n): ")
			answer, _ := t.in.ReadString('\n')
			return strings.TrimSpace(strings.ToLower(answer)) == "y"
		},
		OnWarning: func(warning string) {
			fmt.Fprintf(t.out, "Warning: %s\n", warning)
		},
	}
}
