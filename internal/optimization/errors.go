package optimization

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Every *Error produced by the optimization packages
// wraps one of these so callers can branch with errors.Is.
var (
	// ErrDimensionMismatch is returned when a query or sample disagrees with
	// the dimension of the data it is combined with.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrInsufficientData is returned when a surrogate is built or queried
	// without any samples.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrConfiguration is returned for invalid options, missing evaluators,
	// or design variables whose shapes do not agree.
	ErrConfiguration = errors.New("configuration error")

	// ErrNonFinite is returned for a query with a NaN or infinite coordinate.
	ErrNonFinite = errors.New("non-finite value")
)

// Error represents an optimization error with context
// that can be wrapped with additional information.
type Error struct {
	// Message describes the error that occurred.
	Message string
	// Op is the operation that caused the error.
	Op string
	// Component is the component where the error occurred.
	Component string
	// Err is the underlying error that triggered this one, if any.
	Err error
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var prefix string
	if e.Component != "" && e.Op != "" {
		prefix = fmt.Sprintf("%s: %s", e.Component, e.Op)
	} else if e.Component != "" {
		prefix = e.Component
	} else if e.Op != "" {
		prefix = e.Op
	}

	if e.Err != nil {
		if prefix != "" {
			return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}

	if prefix != "" {
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithComponent adds component context to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// NewError creates a new optimization error with the given message.
func NewError(message string) *Error {
	return &Error{
		Message: message,
	}
}

// NewErrorf creates a new optimization error with formatted message.
func NewErrorf(format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError wraps an existing error with additional context.
// If err is nil, WrapError returns nil.
func WrapError(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: message,
		Err:     err,
	}
}

// WrapErrorf wraps an existing error with additional formatted context.
// If err is nil, WrapErrorf returns nil.
func WrapErrorf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// DimensionMismatch builds an ErrDimensionMismatch for component/op.
func DimensionMismatch(component, op string, got, want int) *Error {
	return &Error{
		Message:   fmt.Sprintf("got dimension %d, want %d", got, want),
		Op:        op,
		Component: component,
		Err:       ErrDimensionMismatch,
	}
}

// InsufficientData builds an ErrInsufficientData for component/op.
func InsufficientData(component, op string) *Error {
	return &Error{
		Message:   "no samples available",
		Op:        op,
		Component: component,
		Err:       ErrInsufficientData,
	}
}

// NonFinite builds an ErrNonFinite naming the offending coordinate.
func NonFinite(component, op string, index int, v float64) *Error {
	return &Error{
		Message:   fmt.Sprintf("coordinate %d is %g", index, v),
		Op:        op,
		Component: component,
		Err:       ErrNonFinite,
	}
}

// ConfigurationErrorf builds an ErrConfiguration with a formatted message.
func ConfigurationErrorf(component, op, format string, args ...interface{}) *Error {
	return &Error{
		Message:   fmt.Sprintf(format, args...),
		Op:        op,
		Component: component,
		Err:       ErrConfiguration,
	}
}

// IsOptimizationError checks if an error is of type Error.
// If the error is an optimization error, it returns the error and true.
// Otherwise, it returns nil and false.
func IsOptimizationError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
