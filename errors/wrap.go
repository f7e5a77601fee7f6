package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap adds context to err while preserving its code.
// Context deadline and cancellation map to TIMEOUT and CANCELED; any other
// foreign error becomes INTERNAL. Wrap(nil) returns nil.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var te *Error
	if errors.As(err, &te) {
		wrapped := &Error{
			code:      te.code,
			category:  te.category,
			message:   message,
			cause:     err,
			metadata:  te.Metadata(),
			retryable: te.retryable,
			timestamp: te.timestamp,
			taskID:    te.taskID,
			stepID:    te.stepID,
			tool:      te.tool,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}
	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error under a specific code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// As extracts the outermost *Error from err's chain.
func As(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// Is reports whether the outermost *Error in err's chain has code.
func Is(err error, code ErrorCode) bool {
	te, ok := As(err)
	return ok && te.code == code
}

// IsRetryable reports whether err should consume a task retry.
// Errors outside the taxonomy are treated as retryable: infrastructure faults
// go through the retry path.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if te, ok := As(err); ok {
		return te.Retryable()
	}
	return true
}

// Code extracts the error code, or "" for foreign errors.
func Code(err error) ErrorCode {
	if te, ok := As(err); ok {
		return te.code
	}
	return ""
}

// Cause returns the root cause of the error chain.
func Cause(err error) error {
	for {
		inner := errors.Unwrap(err)
		if inner == nil {
			return err
		}
		err = inner
	}
}

// RecoverPanic converts a recovered panic value into a PANIC error.
// Use as: defer func() { if r := recover(); r != nil { err = errors.RecoverPanic(r) } }()
func RecoverPanic(r interface{}) *Error {
	if err, ok := r.(error); ok {
		return New(ErrCodePanic, "recovered from panic", WithCause(err))
	}
	return New(ErrCodePanic, fmt.Sprintf("recovered from panic: %v", r))
}
