package llm

import (
	"context"
	"sync"

	"github.com/m4xw311/agentlib/contract"
	"github.com/m4xw311/agentlib/errors"
	"github.com/m4xw311/agentlib/session"
	"github.com/m4xw311/agentlib/tools"
)

// Step configures one backend reply in a scripted sequence.
type Step struct {
	Response Response
	Err      error
}

// Request records what a ScriptedClient was asked.
type Request struct {
	History []session.Message
	Tools   []string
	Output  *contract.Schema
	Options Options
}

// ScriptedClient is a deterministic LLMClient that replays steps in order.
// The output contract is applied the same way the real adapters do.
type ScriptedClient struct {
	mu       sync.Mutex
	index    int
	steps    []Step
	requests []Request
}

func NewScriptedClient(steps ...Step) *ScriptedClient {
	return &ScriptedClient{steps: append([]Step(nil), steps...)}
}

func (c *ScriptedClient) Chat(ctx context.Context, history []session.Message, availableTools []tools.Tool, output *contract.Schema, opts Options) (*Response, error) {
	if err := checkHistory(history); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	req := Request{Output: output, Options: opts}
	for _, m := range history {
		req.History = append(req.History, m.Clone())
	}
	for _, t := range availableTools {
		req.Tools = append(req.Tools, t.Name())
	}
	c.requests = append(c.requests, req)

	if c.index >= len(c.steps) {
		return nil, errors.New("script exhausted at step %d", c.index+1)
	}
	step := c.steps[c.index]
	c.index++
	if step.Err != nil {
		return nil, step.Err
	}
	resp := step.Response
	resp.ToolCalls = nil
	for _, tc := range step.Response.ToolCalls {
		tc.Args = session.CloneArgs(argsOrEmpty(tc.Args))
		resp.ToolCalls = append(resp.ToolCalls, tc)
	}
	return finish(&resp, output)
}

// Requests returns the calls made so far.
func (c *ScriptedClient) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Request(nil), c.requests...)
}

// Remaining reports how many steps have not been consumed.
func (c *ScriptedClient) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.steps) - c.index
}
