// Package configuration implements the configuration extension: the endpoint
// reports the SHA-1 of its current configuration body and applies full-body
// deltas pushed by the server.
package configuration

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/edgewire/edgesync/internal/logger"
	"github.com/edgewire/edgesync/pkg/channel"
	"github.com/edgewire/edgesync/pkg/errdefs"
	"github.com/edgewire/edgesync/pkg/extension"
	"github.com/edgewire/edgesync/pkg/keys"
	"github.com/edgewire/edgesync/pkg/status"
	"github.com/edgewire/edgesync/pkg/wire"
)

// Response status values.
const (
	statusNoDelta = 0
	statusDelta   = 1
)

// Listener fires after a new configuration body has been persisted.
type Listener func(body []byte)

// Persistence stores the configuration body outside the status blob. Nil
// persistence keeps the body in memory only.
type Persistence interface {
	Load() ([]byte, error)
	Save(body []byte) error
}

// Extension stores the configuration body and its SHA-1.
type Extension struct {
	mu       sync.Mutex
	st       *status.Status
	channels *channel.Manager
	persist  Persistence

	body      []byte
	hash      keys.Digest
	listeners map[string]Listener
}

// New returns the configuration extension. A persisted body, if any, is
// loaded eagerly so the first sync reports the correct hash.
func New(st *status.Status, channels *channel.Manager, persist Persistence) *Extension {
	e := &Extension{
		st:        st,
		channels:  channels,
		persist:   persist,
		listeners: make(map[string]Listener),
	}
	if persist != nil {
		if body, err := persist.Load(); err == nil && len(body) > 0 {
			e.body = body
			e.hash = keys.SHA1(body)
		}
	}
	return e
}

// Type implements extension.Extension.
func (e *Extension) Type() extension.Type { return extension.TypeConfiguration }

// UpdateConfiguration replaces the local configuration body, e.g. with a
// compiled-in default. The change is reported to the server on the next
// sync; listeners do not fire for local updates.
func (e *Extension) UpdateConfiguration(body []byte) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: empty configuration", errdefs.ErrBadParam)
	}

	e.mu.Lock()
	e.body = append([]byte(nil), body...)
	e.hash = keys.SHA1(body)
	persist := e.persist
	e.mu.Unlock()

	if persist != nil {
		if err := persist.Save(body); err != nil {
			return fmt.Errorf("%w: %v", errdefs.ErrWriteFailed, err)
		}
	}
	if err := e.channels.Sync(extension.TypeConfiguration); err != nil {
		logger.Warn("configuration sync postponed", logger.KeyError, err)
	}
	return nil
}

// Configuration returns a copy of the current configuration body.
func (e *Extension) Configuration() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.body...)
}

// AddListener registers a configuration-updated listener.
func (e *Extension) AddListener(l Listener) (string, error) {
	if l == nil {
		return "", fmt.Errorf("%w: nil listener", errdefs.ErrBadParam)
	}
	id := uuid.NewString()
	e.mu.Lock()
	e.listeners[id] = l
	e.mu.Unlock()
	return id, nil
}

// RemoveListener drops a configuration listener.
func (e *Extension) RemoveListener(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.listeners[id]; !ok {
		return fmt.Errorf("%w: configuration listener %s", errdefs.ErrNotFound, id)
	}
	delete(e.listeners, id)
	return nil
}

// NeedsSync implements extension.Extension. The configuration extension
// always reports its hash so the server can compute the delta.
func (e *Extension) NeedsSync() bool { return true }

// RequestSize implements extension.Extension.
func (e *Extension) RequestSize() (int, error) {
	return wire.ExtensionHeaderSize + 4 + keys.DigestLength, nil
}

// SerializeRequest implements extension.Extension.
func (e *Extension) SerializeRequest(w *wire.Writer, requestID uint32) error {
	e.mu.Lock()
	hash := e.hash
	e.mu.Unlock()

	seq := e.st.SequenceNumber(uint8(extension.TypeConfiguration))
	if err := w.WriteExtensionHeader(uint8(extension.TypeConfiguration), 0, 4+keys.DigestLength); err != nil {
		return err
	}
	if err := w.WriteUint32(seq); err != nil {
		return err
	}
	return w.WriteAligned(hash[:])
}

// HandleServerSync applies a configuration delta: the body is persisted, the
// stored hash and sequence updated, and listeners fired once. Replaying the
// same body is a no-op.
func (e *Extension) HandleServerSync(r *wire.Reader, options uint32, length int, requestID uint32) error {
	respStatus, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if respStatus == statusNoDelta {
		return nil
	}

	seq, err := r.ReadUint32()
	if err != nil {
		return err
	}
	bodyLen, err := r.ReadUint32()
	if err != nil {
		return err
	}
	body, err := r.ReadAligned(int(bodyLen))
	if err != nil {
		return err
	}

	newHash := keys.SHA1(body)

	e.mu.Lock()
	if newHash == e.hash {
		e.mu.Unlock()
		return e.st.SetSequenceNumber(uint8(extension.TypeConfiguration), seq)
	}
	e.body = body
	e.hash = newHash
	persist := e.persist
	listeners := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		listeners = append(listeners, l)
	}
	e.mu.Unlock()

	if persist != nil {
		if err := persist.Save(body); err != nil {
			return fmt.Errorf("%w: %v", errdefs.ErrWriteFailed, err)
		}
	}
	if err := e.st.SetSequenceNumber(uint8(extension.TypeConfiguration), seq); err != nil {
		return err
	}

	logger.Info("configuration updated", logger.KeySeq, seq, logger.KeySize, len(body))
	for _, l := range listeners {
		listener := l
		safeCall(func() { listener(append([]byte(nil), body...)) })
	}
	return nil
}

// Close implements extension.Extension.
func (e *Extension) Close() error { return nil }

func safeCall(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("configuration callback panicked", logger.KeyError, fmt.Sprint(rec))
		}
	}()
	fn()
}
