// Package profile implements the profile extension: it reports the
// user-supplied profile blob to the server and tracks endpoint registration.
package profile

import (
	"fmt"
	"sync"

	"github.com/edgewire/edgesync/internal/logger"
	"github.com/edgewire/edgesync/pkg/channel"
	"github.com/edgewire/edgesync/pkg/errdefs"
	"github.com/edgewire/edgesync/pkg/extension"
	"github.com/edgewire/edgesync/pkg/keys"
	"github.com/edgewire/edgesync/pkg/status"
	"github.com/edgewire/edgesync/pkg/wire"
)

// optRegister is set on the request when the endpoint is not yet registered.
const optRegister = 0x1

// resultSuccess is the server's registration acknowledgement.
const resultSuccess = 0

// Extension holds the latest profile blob and its SHA-1. A sync is needed
// whenever the hash differs from the last server-confirmed one, or the
// endpoint has not registered yet.
type Extension struct {
	mu       sync.Mutex
	st       *status.Status
	channels *channel.Manager

	body []byte
	hash keys.Digest
	set  bool

	// hash captured at serialize time; committed to Status when the server
	// acknowledges, so a concurrent SetProfile cannot be confirmed early.
	inflightHash keys.Digest
}

// New returns the profile extension.
func New(st *status.Status, channels *channel.Manager) *Extension {
	return &Extension{st: st, channels: channels}
}

// Type implements extension.Extension.
func (e *Extension) Type() extension.Type { return extension.TypeProfile }

// SetProfile stores a new profile blob and schedules a profile sync.
func (e *Extension) SetProfile(body []byte) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: empty profile", errdefs.ErrBadParam)
	}

	e.mu.Lock()
	e.body = append([]byte(nil), body...)
	e.hash = keys.SHA1(body)
	e.set = true
	e.mu.Unlock()

	if err := e.channels.Sync(extension.TypeProfile); err != nil {
		logger.Warn("profile sync postponed", logger.KeyError, err)
	}
	return nil
}

// IsSet reports whether the host has supplied a profile. Syncing before the
// profile is set is refused by the readiness check.
func (e *Extension) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// NeedsSync implements extension.Extension.
func (e *Extension) NeedsSync() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		return false
	}
	if !e.st.IsRegistered() {
		return true
	}
	confirmed, ok := e.st.ProfileHash()
	return !ok || confirmed != e.hash
}

// RequestSize implements extension.Extension.
func (e *Extension) RequestSize() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return wire.ExtensionHeaderSize + 4 + wire.AlignedSize(len(e.body)), nil
}

// SerializeRequest implements extension.Extension.
func (e *Extension) SerializeRequest(w *wire.Writer, requestID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var options uint32
	if !e.st.IsRegistered() {
		options |= optRegister
	}
	payload := 4 + wire.AlignedSize(len(e.body))
	if err := w.WriteExtensionHeader(uint8(extension.TypeProfile), options, uint32(payload)); err != nil {
		return err
	}
	if err := w.WriteUint32(uint32(len(e.body))); err != nil {
		return err
	}
	if err := w.WriteAligned(e.body); err != nil {
		return err
	}
	e.inflightHash = e.hash
	return nil
}

// HandleServerSync interprets the response as a registration and profile
// delivery acknowledgement.
func (e *Extension) HandleServerSync(r *wire.Reader, options uint32, length int, requestID uint32) error {
	result, err := r.ReadUint32()
	if err != nil {
		return err
	}

	e.mu.Lock()
	confirmed := e.inflightHash
	e.mu.Unlock()

	if result != resultSuccess {
		logger.Warn("profile rejected by server, resync pending", "result", result)
		return nil
	}

	if !e.st.IsRegistered() {
		e.st.SetRegistered(true)
		logger.Info("endpoint registered")
	}
	e.st.SetProfileHash(confirmed)
	return nil
}

// Close implements extension.Extension.
func (e *Extension) Close() error { return nil }
