package errors

import (
	stderr "errors"
	"fmt"
)

// New returns an error that formats as the given text.
// Each call to New returns a distinct error value even if the text is identical.
func New(msg string) error {
	return stderr.New(msg)
}

var (
	// ErrNoSession reports that a command was issued without an active session.
	ErrNoSession = New("no active session")
	// ErrCompletionTimeout reports that no completion response arrived in time.
	ErrCompletionTimeout = New("completion timed out")
	// ErrBackendBusy reports that the backend is already serving another front-end.
	ErrBackendBusy = New("backend busy: already serving a client")
	// ErrProtocolMismatch reports that the two sides speak different protocol versions.
	ErrProtocolMismatch = New("protocol version mismatch")
	// ErrServerStopped reports that the execution server has been stopped.
	ErrServerStopped = New("server stopped")
)

// ConnectionError reports that an endpoint was unreachable or refused the handshake.
type ConnectionError struct {
	Address string
	Err     error
}

// Error is an implementation of the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to %q: %v", e.Address, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed frame.
type ProtocolError struct {
	Reason string
}

// Error is an implementation of the error interface.
func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// ExecutionError wraps an error raised by code under EXECUTE.
type ExecutionError struct {
	Err error
}

// Error is an implementation of the error interface.
func (e *ExecutionError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *ExecutionError) Unwrap() error { return e.Err }

// DisplayConstructionError reports a failure to resolve or call a display constructor.
type DisplayConstructionError struct {
	Module string
	Attr   string
	Err    error
}

// Error is an implementation of the error interface.
func (e *DisplayConstructionError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Module, e.Attr, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DisplayConstructionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether a ConnectionError is part of the error chain.
func IsConnectionError(e error) bool {
	var ce *ConnectionError
	return stderr.As(e, &ce)
}

// IsProtocolError reports whether a ProtocolError is part of the error chain.
func IsProtocolError(e error) bool {
	var pe *ProtocolError
	return stderr.As(e, &pe)
}

// IsDisplayConstructionError reports whether a DisplayConstructionError is part of the error chain.
func IsDisplayConstructionError(e error) bool {
	var de *DisplayConstructionError
	return stderr.As(e, &de)
}

// IsCommandLocal reports whether the error only affects the command that produced it,
// leaving the session usable.
func IsCommandLocal(e error) bool {
	var ee *ExecutionError
	return stderr.As(e, &ee) || IsProtocolError(e) || IsDisplayConstructionError(e) || stderr.Is(e, ErrCompletionTimeout)
}
