// Package serviceerror carries the coded errors returned by the storage services.
// Codes take the form "<package>.<operation>.<reason>" and are surfaced to
// clients for unexpected failures so that logs and responses can be matched.
package serviceerror

import (
	"errors"
	"fmt"
)

// Error pairs a stable code with the underlying cause.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the "<operation>.<reason>" code.
func (e *Error) Code() string {
	return e.code
}

// New builds a coded error for operation and reason wrapping cause.
func New(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// CodeOf returns the code of the outermost coded error in the chain.
func CodeOf(err error) (string, bool) {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.code, true
	}
	return "", false
}
