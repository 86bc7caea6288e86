package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already a presence Error, the code and device are preserved.
// Context errors map to TIMEOUT / CANCELED; anything else becomes UNAVAILABLE,
// since the wrapped failures come from the store and bus adapters.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var pe *Error
	if errors.As(err, &pe) {
		wrapped := &Error{
			code:      pe.code,
			category:  pe.category,
			message:   message,
			cause:     err,
			metadata:  pe.Metadata(),
			retryable: pe.retryable,
			timestamp: pe.timestamp,
			deviceID:  pe.deviceID,
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

	return New(ErrCodeUnavailable, message, append(opts, WithCause(err))...)
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsPresenceError extracts a PresenceError from an error chain.
// Returns nil if none is found.
func AsPresenceError(err error) PresenceError {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.code == code
	}
	return false
}

// IsRetryable checks if the error is retryable.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// Code extracts the error code from an error, if available.
// Returns empty string if err is not a presence Error.
func Code(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.code
	}
	return ""
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}, deviceID string) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message,
		WithDeviceID(deviceID),
		WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
