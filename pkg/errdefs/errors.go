// Package errdefs defines the error kinds shared across the EdgeSync SDK.
//
// Components wrap these sentinels with context using fmt.Errorf("...: %w", ...),
// so callers can classify failures with errors.Is regardless of where in the
// stack they originated.
package errdefs

import "errors"

var (
	// ErrBadParam indicates an invalid argument supplied by the caller.
	ErrBadParam = errors.New("bad parameter")

	// ErrNoMem indicates an allocation failure (buffer allocator returned nil).
	ErrNoMem = errors.New("out of memory")

	// ErrNotFound indicates a missing channel, extension, topic or file.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a duplicate registration or a second write
	// to a write-once field.
	ErrAlreadyExists = errors.New("already exists")

	// ErrBadFormat indicates a truncated or malformed wire frame.
	ErrBadFormat = errors.New("bad wire format")

	// ErrBadProtocolID indicates a frame header carrying a foreign protocol id.
	ErrBadProtocolID = errors.New("bad protocol id")

	// ErrBadProtocolVersion indicates a frame header carrying an unsupported
	// protocol version.
	ErrBadProtocolVersion = errors.New("bad protocol version")

	// ErrBadOrder indicates a sequence number or state-machine violation,
	// such as a decreasing per-service counter.
	ErrBadOrder = errors.New("bad order")

	// ErrReadFailed indicates a persistence read failure.
	ErrReadFailed = errors.New("read failed")

	// ErrWriteFailed indicates a persistence or buffer write failure.
	ErrWriteFailed = errors.New("write failed")

	// ErrInvalidState indicates an operation attempted in the wrong lifecycle
	// state, such as syncing before a profile is set.
	ErrInvalidState = errors.New("invalid state")

	// ErrTimeout indicates an outbound request that elapsed without a response.
	ErrTimeout = errors.New("timeout")

	// ErrUnrecoverable indicates a terminal failure; the failover strategy has
	// been exhausted and the host must intervene.
	ErrUnrecoverable = errors.New("unrecoverable")
)

// IsFatalProtocol reports whether err breaks the sync session for good.
// A session hit by a protocol id or version mismatch refuses further syncs
// until reconfigured.
func IsFatalProtocol(err error) bool {
	return errors.Is(err, ErrBadProtocolID) || errors.Is(err, ErrBadProtocolVersion)
}
