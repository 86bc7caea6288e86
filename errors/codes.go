package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: store unreachable, bus reconnecting.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: empty device id, device never seen.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion.
	// Examples: notification queue full.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or corrupted state.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for presence tracking failures.
const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Operation timed out while queued
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Store, bus or dispatcher unavailable

	// Permanent errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"     // Device has never been seen
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // Malformed device id or payload
	ErrCodeUnsupported  ErrorCode = "UNSUPPORTED"   // Unknown event kind or backend
	ErrCodeCanceled     ErrorCode = "CANCELED"      // Caller canceled the operation

	// Resource errors
	ErrCodeQueueFull ErrorCode = "QUEUE_FULL" // Bounded queue rejected work

	// Internal errors
	ErrCodeInternal   ErrorCode = "INTERNAL"   // Unexpected internal error
	ErrCodeCorruption ErrorCode = "CORRUPTION" // Stored device state cannot be decoded
	ErrCodePanic      ErrorCode = "PANIC"      // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable:
		return CategoryTransient
	case ErrCodeNotFound, ErrCodeInvalidInput, ErrCodeUnsupported, ErrCodeCanceled:
		return CategoryPermanent
	case ErrCodeQueueFull:
		return CategoryResource
	default:
		return CategoryInternal
	}
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:      "operation timed out",
	ErrCodeUnavailable:  "service temporarily unavailable",
	ErrCodeNotFound:     "device not found",
	ErrCodeInvalidInput: "invalid input provided",
	ErrCodeUnsupported:  "operation not supported",
	ErrCodeCanceled:     "operation canceled",
	ErrCodeQueueFull:    "queue is full",
	ErrCodeInternal:     "internal error",
	ErrCodeCorruption:   "stored state corrupted",
	ErrCodePanic:        "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
