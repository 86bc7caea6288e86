// Package errors provides the structured error taxonomy used across
// presencekit. Every failure that crosses a package boundary (dispatcher,
// store, bus adapters, HTTP API) is expressed as an *Error carrying a code,
// a category and, where known, the device it concerns.
//
// # Error Categories
//
//   - Transient: Temporary failures where retry may succeed (store or bus unreachable)
//   - Permanent: Failures where retry will not help (invalid device id, unknown device)
//   - Resource: Resource exhaustion (mailbox or queue full)
//   - Internal: Unexpected errors indicating bugs or corrupted state
//
// # Usage
//
// Create a new error:
//
//	err := errors.New(errors.ErrCodeInvalidInput, "device id is empty")
//
// Wrap a store failure for a single dispatch:
//
//	return errors.Wrap(err, "persist device state", errors.WithDeviceID(id))
//
// Treat an unknown device as a defined absent result:
//
//	if errors.Is(err, errors.ErrCodeNotFound) {
//	    // never seen
//	}
//
// # JSON Serialization
//
// Errors marshal to JSON so the HTTP API can return them verbatim:
//
//	data, _ := json.Marshal(presenceErr)
package errors
