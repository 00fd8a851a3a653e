package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/m4xw311/agentlib/errors"
)

// Dir is where sessions are stored, relative to the working directory.
var Dir = filepath.Join(".agentlib", "sessions")

// Session is the on-disk record of a conversation plus the settings it was
// started with.
type Session struct {
	Name          string    `json:"name"`
	Mode          string    `json:"mode,omitempty"`
	Toolset       string    `json:"toolset,omitempty"`
	ToolVerbosity string    `json:"tool_verbosity,omitempty"`
	Messages      []Message `json:"messages"`
	path          string
}

// New creates a new session.
func New(name string) (*Session, error) {
	path, err := getSessionPath(name)
	if err != nil {
		return nil, err
	}
	return &Session{
		Name:     name,
		Messages: []Message{},
		path:     path,
	}, nil
}

// Load loads an existing session from disk.
func Load(name string) (*Session, error) {
	path, err := getSessionPath(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read session file %s", path)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, "could not parse session file %s", path)
	}
	s.path = path
	return &s, nil
}

// Record replaces the stored messages with the conversation's history.
func (s *Session) Record(conv *Conversation) {
	s.Messages = conv.Messages()
}

// Restore appends the stored messages to an empty conversation.
func (s *Session) Restore(conv *Conversation) error {
	if conv.Len() != 0 {
		return errors.New("cannot restore session %s into a non-empty conversation", s.Name)
	}
	for i, msg := range s.Messages {
		if err := conv.Append(msg); err != nil {
			return errors.Wrapf(err, "session %s: message %d", s.Name, i)
		}
	}
	return nil
}

// Save writes the current session state to disk.
func (s *Session) Save() error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize session")
	}
	return os.WriteFile(s.path, data, 0644)
}

func getSessionPath(name string) (string, error) {
	if err := os.MkdirAll(Dir, 0755); err != nil {
		return "", errors.Wrapf(err, "could not create session directory")
	}
	return filepath.Join(Dir, fmt.Sprintf("%s.json", name)), nil
}
