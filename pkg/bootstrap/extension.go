package bootstrap

import (
	"fmt"
	"sync"

	"github.com/edgewire/edgesync/internal/logger"
	"github.com/edgewire/edgesync/pkg/channel"
	"github.com/edgewire/edgesync/pkg/errdefs"
	"github.com/edgewire/edgesync/pkg/extension"
	"github.com/edgewire/edgesync/pkg/wire"
)

// AppTokenLength is the fixed application token length, shared with the
// metadata extension.
const AppTokenLength = 20

// Extension is the bootstrap extension: it asks a bootstrap server for the
// current operations server list, keyed by the compiled application token.
type Extension struct {
	mu       sync.Mutex
	mgr      *Manager
	appToken [AppTokenLength]byte
	refresh  bool
}

// NewExtension returns the bootstrap extension. The first sync always
// requests the list; later refreshes are explicit.
func NewExtension(mgr *Manager, appToken string) (*Extension, error) {
	if mgr == nil {
		return nil, fmt.Errorf("%w: bootstrap manager is required", errdefs.ErrBadParam)
	}
	if len(appToken) != AppTokenLength {
		return nil, fmt.Errorf("%w: application token must be %d bytes, got %d",
			errdefs.ErrBadParam, AppTokenLength, len(appToken))
	}
	e := &Extension{mgr: mgr, refresh: true}
	copy(e.appToken[:], appToken)
	return e, nil
}

// Type implements extension.Extension.
func (e *Extension) Type() extension.Type { return extension.TypeBootstrap }

// RequestRefresh marks the operations list stale so the next bootstrap sync
// fetches a fresh one.
func (e *Extension) RequestRefresh() {
	e.mu.Lock()
	e.refresh = true
	e.mu.Unlock()
}

// NeedsSync implements extension.Extension.
func (e *Extension) NeedsSync() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refresh
}

// RequestSize implements extension.Extension.
func (e *Extension) RequestSize() (int, error) {
	return wire.ExtensionHeaderSize + wire.AlignedSize(AppTokenLength), nil
}

// SerializeRequest implements extension.Extension.
func (e *Extension) SerializeRequest(w *wire.Writer, requestID uint32) error {
	if err := w.WriteExtensionHeader(uint8(extension.TypeBootstrap), 0, uint32(wire.AlignedSize(AppTokenLength))); err != nil {
		return err
	}
	return w.WriteAligned(e.appToken[:])
}

// HandleServerSync parses the operations server list and hands it to the
// manager.
//
// Per server: {access_point_id:u32, transport_protocol_id:u32, port:u16,
// host_len:u16, host aligned}.
func (e *Extension) HandleServerSync(r *wire.Reader, options uint32, length int, requestID uint32) error {
	count, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: bootstrap returned an empty operations list", errdefs.ErrBadFormat)
	}

	list := make([]channel.AccessPoint, 0, count)
	for i := uint32(0); i < count; i++ {
		id, err := r.ReadUint32()
		if err != nil {
			return err
		}
		protocolID, err := r.ReadUint32()
		if err != nil {
			return err
		}
		port, err := r.ReadUint16()
		if err != nil {
			return err
		}
		hostLen, err := r.ReadUint16()
		if err != nil {
			return err
		}
		host, err := r.ReadAligned(int(hostLen))
		if err != nil {
			return err
		}
		list = append(list, channel.AccessPoint{
			ID:         id,
			ProtocolID: protocolID,
			Kind:       channel.ServerOperations,
			Host:       string(host),
			Port:       port,
		})
	}

	e.mu.Lock()
	e.refresh = false
	e.mu.Unlock()

	logger.Info("bootstrap sync complete", logger.KeyCount, len(list))
	e.mgr.OnServerListUpdated(list)
	return nil
}

// Close implements extension.Extension.
func (e *Extension) Close() error { return nil }
