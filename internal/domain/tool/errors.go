package tool

import (
	"errors"
	"fmt"
)

// ErrorKind classifies tool invocation failures.
type ErrorKind string

const (
	// KindNotFound means no tool is registered under the name.
	KindNotFound ErrorKind = "not_found"
	// KindInvalidArguments means the arguments failed schema validation.
	KindInvalidArguments ErrorKind = "invalid_arguments"
	// KindExecutionFailed means the handler returned an error or panicked.
	KindExecutionFailed ErrorKind = "execution_failed"
	// KindTimeout means the handler exceeded its deadline.
	KindTimeout ErrorKind = "timeout"
)

// Error is returned by Registry.Invoke. Message is safe to show to clients;
// Cause is for server-side logs only.
type Error struct {
	Kind    ErrorKind
	Tool    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Kind, e.Cause)
	}
	return fmt.Sprintf("tool %s: %s: %s", e.Tool, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf returns the kind of a tool error, or "" if err is not one.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// InvalidArguments lets a handler reject semantically invalid input that
// the schema cannot express. msg is shown to the client.
func InvalidArguments(msg string) error {
	return &Error{Kind: KindInvalidArguments, Message: msg}
}

// SafeMessage returns the client-facing text for a tool error.
func SafeMessage(err error) string {
	var te *Error
	if !errors.As(err, &te) {
		return "Tool execution failed"
	}
	switch te.Kind {
	case KindNotFound:
		return "Unknown tool: " + te.Tool
	case KindInvalidArguments:
		if te.Message != "" {
			return "Invalid arguments: " + te.Message
		}
		return "Invalid arguments"
	case KindTimeout:
		return "Tool execution timed out"
	default:
		return "Tool execution failed"
	}
}
