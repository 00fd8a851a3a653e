package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/m4xw311/agentlib/errors"
	"github.com/m4xw311/agentlib/tools"
)

// Client talks to a remote A2A agent. The JSON-RPC endpoint is taken from
// the agent card on first use.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu       sync.Mutex
	endpoint string
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Card fetches the remote agent card.
func (c *Client) Card(ctx context.Context) (*AgentCard, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+CardPath, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build agent card request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch agent card from %s", c.baseURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("agent card request to %s returned %s", c.baseURL, resp.Status)
	}
	var card AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, errors.Wrapf(err, "invalid agent card from %s", c.baseURL)
	}
	return &card, nil
}

func (c *Client) rpcEndpoint(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endpoint != "" {
		return c.endpoint, nil
	}
	card, err := c.Card(ctx)
	if err != nil {
		return "", err
	}
	c.endpoint = card.URL
	if c.endpoint == "" {
		c.endpoint = c.baseURL + JSONRPCPath
	}
	return c.endpoint, nil
}

// SendMessage sends text as a user message and returns the resulting task.
func (c *Client) SendMessage(ctx context.Context, text string) (*Task, error) {
	msg := textMessage("user", "", "", uuid.NewString(), text)
	var task Task
	if err := c.call(ctx, "message/send", messageSendParams{Message: msg}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask looks up a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var task Task
	if err := c.call(ctx, "tasks/get", taskQueryParams{ID: id}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	endpoint, err := c.rpcEndpoint(ctx)
	if err != nil {
		return err
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s params", method)
	}
	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage(fmt.Sprintf("%q", uuid.NewString())),
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s request", method)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "failed to build %s request", method)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s to %s failed", method, endpoint)
	}
	defer resp.Body.Close()

	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return errors.Wrapf(err, "invalid %s response from %s", method, endpoint)
	}
	if rpcResp.Error != nil {
		return errors.Wrapf(rpcResp.Error, "%s rejected by %s", method, endpoint)
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return errors.Wrapf(err, "invalid %s result from %s", method, endpoint)
	}
	return nil
}

type remoteRequest struct {
	Request string `json:"request" jsonschema:"The natural language request to send to the remote agent."`
}

// NewRemoteAgentTool wraps the A2A agent at url as a tool taking a single
// request string. A failed remote task is reported to the model as the tool
// result text; transport failures are returned as errors.
func NewRemoteAgentTool(name, url, description string) (tools.Tool, error) {
	return newRemoteAgentTool(name, description, NewClient(url, nil))
}

func newRemoteAgentTool(name, description string, client *Client) (tools.Tool, error) {
	if name == "" {
		name = "remote_agent"
	}
	if description == "" {
		description = "Ask a remote agent for help."
	}
	tool, err := tools.NewTyped(name, description, func(ctx context.Context, in remoteRequest) (any, error) {
		if in.Request == "" {
			return nil, errors.New("tool %q: request is required", name)
		}
		task, err := client.SendMessage(ctx, in.Request)
		if err != nil {
			return nil, err
		}
		return taskResultText(task), nil
	})
	if err != nil {
		return nil, err
	}
	return tool, nil
}

func taskResultText(t *Task) string {
	var reply string
	if t.Status.Message != nil {
		reply = t.Status.Message.Text()
	}
	switch t.Status.State {
	case TaskCompleted:
		return reply
	case TaskFailed:
		return fmt.Sprintf("Remote agent failed: %s", reply)
	default:
		return fmt.Sprintf("Remote task %s is %s", t.ID, t.Status.State)
	}
}
