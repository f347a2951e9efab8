package policy

import (
	"errors"
	"fmt"
)

// ErrInvalidInput matches every client-input error produced while resolving
// an envelope. Such errors are raised before any queue I/O and are never
// retried.
var ErrInvalidInput = errors.New("invalid input")

// BoundError reports a queue, timeout or expires value outside its bounds.
type BoundError struct {
	Field string
	Value int
	Min   int
	Max   int
}

func (e *BoundError) Error() string {
	if e.Value < e.Min {
		return fmt.Sprintf("%s=%d is below minimum %d", e.Field, e.Value, e.Min)
	}
	return fmt.Sprintf("%s=%d exceeds maximum %d", e.Field, e.Value, e.Max)
}

func (e *BoundError) Is(target error) bool { return target == ErrInvalidInput }

// ArgConflictError is returned when a caller supplies an argument that the
// function configuration pins to a fixed value.
type ArgConflictError struct {
	Arg string
}

func (e *ArgConflictError) Error() string {
	return fmt.Sprintf("argument %q is fixed and cannot be supplied by the caller", e.Arg)
}

func (e *ArgConflictError) Is(target error) bool { return target == ErrInvalidInput }

// OptionError reports a malformed call option.
type OptionError struct {
	Option string
	Reason string
}

func (e *OptionError) Error() string { return fmt.Sprintf("option %s: %s", e.Option, e.Reason) }

func (e *OptionError) Is(target error) bool { return target == ErrInvalidInput }
