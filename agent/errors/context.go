package errors

import (
	"context"
	"errors"
)

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// FromContext wraps a context error as KindCancelled, passing other errors through as kind
func FromContext(kind Kind, op string, err error) *Error {
	if isContextErr(err) {
		return New(KindCancelled, op, err)
	}
	return New(kind, op, err)
}
