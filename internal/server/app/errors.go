package app

import (
	"errors"
	"fmt"
)

// Sentinel errors for the task registry. HTTP handlers map these onto status
// codes with errors.Is, so wrap rather than replace them.
var (
	// ErrTaskNotFound reports an unknown task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrChannelClosed reports an append or live subscription against a
	// channel that already delivered its terminal event.
	ErrChannelClosed = errors.New("event channel closed")
)

// ValidationError reports rejected task input. It maps to HTTP 400.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
