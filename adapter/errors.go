package adapter

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies adapter failures for retry and reporting decisions.
type ErrorKind string

// Adapter error kinds.
const (
	KindConnection ErrorKind = "connection"
	KindSyntax     ErrorKind = "syntax"
	KindPermission ErrorKind = "permission"
	KindTimeout    ErrorKind = "timeout"
	KindBackend    ErrorKind = "backend"
)

// Error wraps a backend failure with its kind. Connection errors and backend
// errors flagged retryable may be retried; syntax and permission errors are
// permanent.
type Error struct {
	kind      ErrorKind
	retryable bool
	err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %v", e.kind, e.err)
}

// Unwrap supports errors.Is/As chains.
func (e *Error) Unwrap() error { return e.err }

// Kind returns the error classification.
func (e *Error) Kind() ErrorKind { return e.kind }

// NewConnectionError wraps a network or auth-handshake failure (retryable).
func NewConnectionError(err error) error {
	return &Error{kind: KindConnection, retryable: true, err: err}
}

// NewSyntaxError wraps a malformed-query failure (never retried).
func NewSyntaxError(err error) error {
	return &Error{kind: KindSyntax, err: err}
}

// NewPermissionError wraps an authorization failure (never retried).
func NewPermissionError(err error) error {
	return &Error{kind: KindPermission, err: err}
}

// NewTimeoutError wraps a backend-side timeout (retryable).
func NewTimeoutError(err error) error {
	return &Error{kind: KindTimeout, retryable: true, err: err}
}

// NewBackendError wraps any other backend failure; retryable marks transient
// conditions such as 5xx responses.
func NewBackendError(err error, retryable bool) error {
	return &Error{kind: KindBackend, retryable: retryable, err: err}
}

// KindOf returns the classification of an adapter error, or "" when the
// error carries none.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.kind
	}
	return ""
}

// Retryable reports whether the executor may retry the operation. Context
// cancellation and deadline expiry are never retryable.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.retryable
	}
	return false
}
