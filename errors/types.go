package errors

import (
	stderrors "errors"
	"fmt"
)

// Sentinels matched by the typed errors below through errors.Is.
var (
	ErrValidation            = stderrors.New("validation failed")
	ErrMalformedResponse     = stderrors.New("malformed backend response")
	ErrContractViolation     = stderrors.New("output contract violated")
	ErrDuplicateToolName     = stderrors.New("duplicate tool name")
	ErrInvalidToolDescriptor = stderrors.New("invalid tool descriptor")
	ErrToolNotFound          = stderrors.New("tool not found")
	ErrMaxRunsExceeded       = stderrors.New("maximum number of runs exceeded")
)

// ValidationError reports a message that failed structural checks or the
// input contract. Nothing was appended when it is returned.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation: %s: %v", e.Reason, e.Err)
	}
	return "validation: " + e.Reason
}

func (e *ValidationError) Unwrap() []error { return nonNil(ErrValidation, e.Err) }

// MalformedResponseError carries the raw payload of a backend response that
// could not be decoded.
type MalformedResponseError struct {
	Backend string
	Raw     []byte
	Err     error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s: malformed response: %v", e.Backend, e.Err)
}

func (e *MalformedResponseError) Unwrap() []error { return nonNil(ErrMalformedResponse, e.Err) }

// ContractViolationError is returned when a final answer does not parse as
// JSON or does not match the output contract.
type ContractViolationError struct {
	Contract string
	Text     string
	Raw      []byte
	Err      error
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("output contract %q violated: %v", e.Contract, e.Err)
}

func (e *ContractViolationError) Unwrap() []error { return nonNil(ErrContractViolation, e.Err) }

// DuplicateToolNameError names the tool that already exists and the source
// that tried to add it again.
type DuplicateToolNameError struct {
	Name   string
	Source string
}

func (e *DuplicateToolNameError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("tool %q from source %q is already registered", e.Name, e.Source)
	}
	return fmt.Sprintf("tool %q is already registered", e.Name)
}

func (e *DuplicateToolNameError) Unwrap() error { return ErrDuplicateToolName }

type InvalidToolDescriptorError struct {
	Name   string
	Reason string
}

func (e *InvalidToolDescriptorError) Error() string {
	return fmt.Sprintf("invalid tool %q: %s", e.Name, e.Reason)
}

func (e *InvalidToolDescriptorError) Unwrap() error { return ErrInvalidToolDescriptor }

// ToolNotFoundError is fatal for the round. The invocation that caused it
// stays in the conversation.
type ToolNotFoundError struct {
	Name   string
	CallID string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q requested by call %q is not registered", e.Name, e.CallID)
}

func (e *ToolNotFoundError) Unwrap() error { return ErrToolNotFound }

func nonNil(errs ...error) []error {
	out := errs[:0:0]
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}
