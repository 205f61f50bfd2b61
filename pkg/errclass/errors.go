package errclass

import (
	"errors"
	"fmt"
)

// CollabError is a stable, machine-readable error class.
type CollabError struct {
	Code    string
	Message string
}

func (e *CollabError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CollabError) Is(target error) bool {
	t, ok := target.(*CollabError)
	return ok && e.Code == t.Code
}

// WithMessage returns a new CollabError with the same Code but a specific message.
func (e *CollabError) WithMessage(msg string) *CollabError {
	return &CollabError{Code: e.Code, Message: msg}
}

// WithMessagef returns a new CollabError with a formatted message.
func (e *CollabError) WithMessagef(format string, args ...any) *CollabError {
	return &CollabError{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// Code extracts the class code from err, or "" if err carries no class.
func Code(err error) string {
	var ce *CollabError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// Message returns the class message of err, or err.Error() if err carries
// no class.
func Message(err error) string {
	var ce *CollabError
	if errors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}

// Caller-correctable classes are surfaced immediately and never retried
// internally. ErrPersistenceFailure is recovered by retaining buffered changes.
var (
	ErrInvalidSession     = &CollabError{Code: "E_INVALID_SESSION"}
	ErrVersionConflict    = &CollabError{Code: "E_VERSION_CONFLICT"}
	ErrLockConflict       = &CollabError{Code: "E_LOCK_CONFLICT"}
	ErrInvalidChange      = &CollabError{Code: "E_INVALID_CHANGE"}
	ErrPersistenceFailure = &CollabError{Code: "E_PERSISTENCE_FAILURE"}
	ErrNameInvalid        = &CollabError{Code: "E_NAME_INVALID"}
	ErrClosed             = &CollabError{Code: "E_CLOSED"}
	ErrLogChainBroken     = &CollabError{Code: "E_LOG_CHAIN_BROKEN"}
)
