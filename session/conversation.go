package session

import (
	"encoding/json"

	"github.com/m4xw311/agentlib/errors"
)

// InputContract validates the JSON form of caller-authored messages.
type InputContract interface {
	Name() string
	Validate(instance any) error
}

// Conversation is an ordered, append-only history owned by a single engine.
// It performs no locking.
type Conversation struct {
	entries []Message
	input   InputContract
}

// NewConversation creates an empty conversation. input may be nil.
func NewConversation(input InputContract) *Conversation {
	return &Conversation{input: input}
}

// Append validates msg and stores a private copy of it. System and user
// messages are also checked against the input contract, if any.
func (c *Conversation) Append(msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if c.input != nil && (msg.Role == RoleUser || msg.Role == RoleSystem) {
		instance, err := jsonForm(msg)
		if err != nil {
			return &errors.ValidationError{Reason: "message is not JSON encodable", Err: err}
		}
		if err := c.input.Validate(instance); err != nil {
			return &errors.ValidationError{Reason: "input contract " + c.input.Name(), Err: err}
		}
	}
	c.entries = append(c.entries, msg.Clone())
	return nil
}

// Messages returns a copy of the history in append order.
func (c *Conversation) Messages() []Message {
	out := make([]Message, len(c.entries))
	for i, m := range c.entries {
		out[i] = m.Clone()
	}
	return out
}

func (c *Conversation) Len() int { return len(c.entries) }

// Last returns the most recent entry.
func (c *Conversation) Last() (Message, bool) {
	if len(c.entries) == 0 {
		return Message{}, false
	}
	return c.entries[len(c.entries)-1].Clone(), true
}

func jsonForm(msg Message) (any, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}
