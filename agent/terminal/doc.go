// Package terminal drives an Agent from an interactive terminal.
//
// Each line typed by the user becomes one prompt, run until the backend
// gives a final answer. Agent text is printed as it arrives.
//
// # Usage
//
//	a, err := agent.New(client, registry, agent.WithMode(agent.ModePrompt))
//	if err != nil {
//	    // handle error
//	}
//
//	term := terminal.New(a, terminal.WithSession(store))
//	err = term.Run(ctx, initialPrompt)
//
// # Commands
//
//   - /image <path> attaches an image to the next prompt
//   - /quit and /exit end the session
//
// # Modes
//
// In ModePrompt the user confirms each tool invocation; a declined
// invocation is reported to the backend as an error result. ModeAuto runs
// tools without asking.
//
// # Verbosity Levels
//
//   - None: No tool execution information is displayed
//   - Info: Tool names are displayed when called
//   - All: Tool names, arguments, and results are displayed
package terminal
