package task

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a handler failure for retry decisions.
type ErrorKind string

const (
	KindNetwork    ErrorKind = "network"
	KindTimeout    ErrorKind = "timeout"
	KindResource   ErrorKind = "resource"
	KindBadInput   ErrorKind = "bad_input"
	KindPermission ErrorKind = "permission"
	KindInternal   ErrorKind = "internal"
)

// Error is a classified execution error returned by task handlers. Handlers
// that return a plain error get KindInternal, which is never in the default
// retryable set.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a classified execution error.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the classification of err. context deadline and
// cancellation errors map to KindTimeout so hard-timeout expiry runs through
// the same retry policy as any other failure; everything unclassified is
// KindInternal.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}
