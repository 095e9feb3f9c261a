package remote

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failed cycle so callers can pick a retry strategy.
type Kind string

// Error kinds reported by the session manager.
const (
	KindConfig     Kind = "config"
	KindConnection Kind = "connection"
	KindCommand    Kind = "command"
)

// Error is a typed session failure. Error() returns Message unchanged so
// remote stderr reaches the user verbatim.
type Error struct {
	Kind     Kind
	Message  string
	ExitCode int
	Missing  []string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the wrapped error for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf reports the kind of err. Untyped errors count as connection failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return remoteErr.Kind
	}
	return KindConnection
}

func missingConfigError(missing []string) *Error {
	return &Error{
		Kind:    KindConfig,
		Message: "Missing config: " + strings.Join(missing, ", "),
		Missing: missing,
	}
}

func keyNotFoundError(path string, err error) *Error {
	return &Error{
		Kind:    KindConfig,
		Message: "SSH key not found: " + path,
		Err:     err,
	}
}

func connectionError(err error) *Error {
	return &Error{
		Kind:    KindConnection,
		Message: err.Error(),
		Err:     err,
	}
}

func commandError(exitCode int, stderr string) *Error {
	message := strings.TrimSpace(stderr)
	if message == "" {
		message = fmt.Sprintf("Command failed with exit code %d", exitCode)
	}
	return &Error{
		Kind:     KindCommand,
		Message:  message,
		ExitCode: exitCode,
	}
}
