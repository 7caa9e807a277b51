package errors

import (
	stderr "errors"
	"fmt"

	"github.com/gofrs/uuid"
)

// ErrNoSessionInContext reports that a command reached the controller without a session UUID attached.
var ErrNoSessionInContext = New("no session UUID in context")

// StaleSessionError reports a command tagged with a session that is no longer attached to the backend.
// It matches ErrNoSession under errors.Is.
type StaleSessionError struct {
	UUID uuid.UUID
}

// Error is an implementation of the error interface.
func (e *StaleSessionError) Error() string {
	return fmt.Sprintf("session %s is not attached", e.UUID)
}

func (e *StaleSessionError) Is(target error) bool {
	return target == ErrNoSession
}

// StaleSession returns the UUID of the first StaleSessionError in the chain.
func StaleSession(e error) (uuid.UUID, bool) {
	var se *StaleSessionError
	if !stderr.As(e, &se) {
		return uuid.Nil, false
	}
	return se.UUID, true
}
