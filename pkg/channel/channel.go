// Package channel defines the transport channel interface the sync core
// consumes and the manager that routes extensions to channels.
//
// A channel owns one transport connection to either a bootstrap or an
// operations server. The core never touches sockets: it hands a channel the
// list of extension types to include in a sync, and the channel drives the
// request builder to produce the frame, ships it, and feeds the response
// back through the builder.
package channel

import (
	"fmt"

	"github.com/edgewire/edgesync/pkg/extension"
)

// ServerKind distinguishes the two server pools an endpoint talks to.
type ServerKind int

const (
	// ServerBootstrap is a directory server returning the operations list.
	ServerBootstrap ServerKind = iota

	// ServerOperations terminates sync traffic.
	ServerOperations
)

func (k ServerKind) String() string {
	if k == ServerBootstrap {
		return "bootstrap"
	}
	return "operations"
}

// AccessPoint identifies one reachable server.
type AccessPoint struct {
	ID         uint32
	ProtocolID uint32 // transport protocol the server speaks
	Kind       ServerKind
	Host       string
	Port       uint16
}

// Addr returns the host:port form used in logs and dial calls.
func (ap AccessPoint) Addr() string {
	return fmt.Sprintf("%s:%d", ap.Host, ap.Port)
}

// RequestBuilder is the slice of the platform protocol engine a channel
// needs: build the outbound frame, process the inbound one, and abandon a
// request whose transport failed so a late response is dropped.
type RequestBuilder interface {
	SerializeClientSync(services []extension.Type) (buf []byte, requestID uint32, err error)
	ProcessServerSync(buf []byte) error
	AbandonRequest(requestID uint32)
}

// Channel is a pluggable transport.
//
// Implementations must tolerate Sync being called concurrently with
// SetServer; a sync in flight when the server changes may fail and will be
// retried by the failover path.
type Channel interface {
	// ID names the channel in logs and manager lookups.
	ID() string

	// TransportProtocolID returns the wire transport this channel speaks,
	// used to pick matching access points from the server list.
	TransportProtocolID() uint32

	// SupportedTypes lists the extension types this channel can carry.
	SupportedTypes() []extension.Type

	// SetServer points the channel at a new access point.
	SetServer(ap AccessPoint) error

	// SetRequestBuilder wires the platform protocol engine in. Called by the
	// manager when the channel is added.
	SetRequestBuilder(b RequestBuilder)

	// Sync performs one request/response round trip that must include the
	// given extension types.
	Sync(types []extension.Type) error

	// Close releases the channel's resources. The manager calls it when the
	// channel is removed.
	Close() error
}

// TypeDisplacer is implemented by channels that want to free per-type
// resources when a newer channel takes over one of their extension types.
type TypeDisplacer interface {
	TypeDisplaced(t extension.Type)
}

// ServerListObserver is implemented by channels interested in operations
// server list updates delivered by the bootstrap extension.
type ServerListObserver interface {
	OnServerListUpdated(list []AccessPoint)
}
