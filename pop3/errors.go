package pop3

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned synchronously when an operation is
	// attempted in a session state that does not permit it, for example
	// executing a command before the greeting arrived or while another
	// command is still in flight.
	ErrInvalidState = errors.New("invalid session state")

	// ErrInternalFailure marks a response that completed while the
	// session bookkeeping did not match an in-flight command. It always
	// indicates a defect in the session itself, never a server problem.
	ErrInternalFailure = errors.New("internal session failure")

	// ErrTimeout is the resolution of a command whose response did not
	// arrive within the inactivity window.
	ErrTimeout = errors.New("inactivity timeout")

	// ErrSessionClosed is the resolution of a command aborted because
	// the session was disconnected while the command was in flight.
	ErrSessionClosed = errors.New("session closed")

	// ErrLineTooLong is reported by the transport when a response line
	// exceeds the configured maximum length.
	ErrLineTooLong = errors.New("response line too long")
)

// ConnectError wraps the transport-level cause of a failed or lost
// connection: dial errors, TLS handshake errors, unexpected closure.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("connection failed: %v", e.Err)
	}
	return fmt.Sprintf("connection to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ServerError is an -ERR reply converted into an error by the typed
// command helpers. Raw Execute calls never produce it; they resolve
// with the -ERR response as a value.
type ServerError struct {
	Verb    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s rejected by server", e.Verb)
	}
	return fmt.Sprintf("%s rejected by server: %s", e.Verb, e.Message)
}

// ParseError reports a response line that does not match the +OK, -ERR
// or + continuation grammar.
type ParseError struct {
	Line string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed response line: %q", e.Line)
}
