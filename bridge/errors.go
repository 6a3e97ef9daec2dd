package bridge

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures reported back to the host.
type ErrorKind int

const (
	// KindOperationFailure is any fault while carrying out a known method
	KindOperationFailure ErrorKind = iota + 1
	// KindUnsupportedOperation is a request for a method the worker does not implement
	KindUnsupportedOperation
)

func (k ErrorKind) String() string {
	switch k {
	case KindOperationFailure:
		return "OperationFailure"
	case KindUnsupportedOperation:
		return "UnsupportedOperation"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is a failure with a kind, so callers can branch on it
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewOperationFailure creates an OperationFailure error
func NewOperationFailure(message string, cause error) *Error {
	return &Error{
		Kind:    KindOperationFailure,
		Message: message,
		Cause:   cause,
	}
}

// NewUnsupportedOperation creates an UnsupportedOperation error for method
func NewUnsupportedOperation(method string) *Error {
	return &Error{
		Kind:    KindUnsupportedOperation,
		Message: fmt.Sprintf("unsupported operation: %q", method),
	}
}

// IsOperationFailure checks if err is, or wraps, an OperationFailure
func IsOperationFailure(err error) bool {
	return hasKind(err, KindOperationFailure)
}

// IsUnsupportedOperation checks if err is, or wraps, an UnsupportedOperation
func IsUnsupportedOperation(err error) bool {
	return hasKind(err, KindUnsupportedOperation)
}

func hasKind(err error, kind ErrorKind) bool {
	var bErr *Error
	if errors.As(err, &bErr) {
		return bErr.Kind == kind
	}
	return false
}
