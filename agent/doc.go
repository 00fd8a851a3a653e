// Package agent provides the orchestration engine.
//
// An Agent owns one conversation, a backend client and a shared tool
// registry. Each Run makes one backend call and, when the backend requests
// tools, executes them in order, appends their results and makes exactly one
// follow-up call:
//
//	Idle -> AwaitingBackend -> (ToolInvocationsPending -> ExecutingTools -> AwaitingBackend) -> Done
//
// Invocations returned by the follow-up are left pending and executed at the
// start of the next Run. RunUntilDone repeats Run up to a limit.
//
// # Usage
//
//	registry := tools.NewRegistry()
//	_ = registry.Register(ctx, tools.New("add", "Adds two numbers", schema, add))
//
//	a, err := agent.New(client, registry,
//	    agent.WithRedundantToolInfo(true),
//	    agent.WithCallbacks(agent.Callbacks{
//	        OnAssistantMessage: func(message string) { fmt.Println(message) },
//	    }),
//	)
//	if err != nil {
//	    // handle error
//	}
//	res, err := a.Prompt(ctx, "Add 2 and 3", agent.DefaultMaxRuns)
//
// # Modes
//
// ModeAuto executes tools without confirmation. ModePrompt is honoured by the
// interaction modes, which answer ShouldExecuteTool. A declined invocation is
// recorded as an error result so every invocation keeps exactly one result.
//
// # Subpackages
//
// agent/terminal drives an Agent from an interactive terminal. agent/acp
// serves Agents over the Agent Client Protocol, one per ACP session.
package agent
