// Package extension defines the contract every sync service implements and
// the registry the platform protocol engine dispatches through.
//
// An extension owns one service's slice of the sync frame and its state
// machine. The engine asks it whether it wants to sync, how many bytes it
// needs, serializes it into the shared request buffer and routes the matching
// slice of the server response back to it.
package extension

import "github.com/edgewire/edgesync/pkg/wire"

// Type is the 8-bit extension type code carried in every extension record
// header. All codes are reserved even when the matching feature is compiled
// out, so frames from a full build still parse.
type Type uint8

const (
	TypeBootstrap     Type = 0
	TypeMetadata      Type = 1
	TypeProfile       Type = 2
	TypeUser          Type = 3
	TypeLogging       Type = 4
	TypeConfiguration Type = 5
	TypeNotification  Type = 6
	TypeEvent         Type = 7
)

// String returns the extension name used in logs.
func (t Type) String() string {
	switch t {
	case TypeBootstrap:
		return "bootstrap"
	case TypeMetadata:
		return "metadata"
	case TypeProfile:
		return "profile"
	case TypeUser:
		return "user"
	case TypeLogging:
		return "logging"
	case TypeConfiguration:
		return "configuration"
	case TypeNotification:
		return "notification"
	case TypeEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Extension is the shared service contract.
//
// SerializeRequest and HandleServerSync receive the engine's request id so
// that services correlating responses to requests (events) can do so without
// reaching into the engine.
type Extension interface {
	// Type returns the extension's wire code.
	Type() Type

	// NeedsSync reports whether the extension has pending state to report.
	// An extension returning false contributes nothing to the request.
	NeedsSync() bool

	// RequestSize returns the total number of bytes the extension will
	// write, including its record header and padding.
	RequestSize() (int, error)

	// SerializeRequest writes the extension record into the request buffer.
	SerializeRequest(w *wire.Writer, requestID uint32) error

	// HandleServerSync consumes exactly length payload bytes (plus padding)
	// from the response. Unknown option bits must be ignored.
	HandleServerSync(r *wire.Reader, options uint32, length int, requestID uint32) error

	// Close releases the extension's resources. Called once at teardown.
	Close() error
}

// Abandoner is implemented by extensions that snapshot pending state per
// request and need to reinject it when the request is abandoned (transport
// teardown or timeout).
type Abandoner interface {
	OnRequestAbandoned(requestID uint32)
}
