package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthExpired is returned when the system of record answers an
	// authenticated request with 401. The stored credential has already
	// been cleared when a caller sees it.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrInvalidTransition matches every *TransitionError.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrTransport marks duplex channel failures: drops, decode failures
	// and malformed frames. These never leave the transport layer as
	// operator-facing errors.
	ErrTransport = errors.New("transport error")
)

// ValidationError reports malformed or incomplete command input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// TransitionError reports a state machine transition that was refused,
// either locally against the adjacency table or by the system of record
// (Remote set).
type TransitionError struct {
	Machine string
	From    string
	To      string
	Reason  string
	Remote  bool
}

func (e *TransitionError) Error() string {
	origin := "rejected"
	if e.Remote {
		origin = "rejected by server"
	}
	msg := fmt.Sprintf("%s transition %s -> %s %s", e.Machine, e.From, e.To, origin)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// WrapTransport wraps a lower level failure as ErrTransport.
func WrapTransport(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}
