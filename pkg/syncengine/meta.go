package syncengine

import (
	"fmt"

	"github.com/edgewire/edgesync/pkg/errdefs"
	"github.com/edgewire/edgesync/pkg/extension"
	"github.com/edgewire/edgesync/pkg/keys"
	"github.com/edgewire/edgesync/pkg/wire"
)

// AppTokenLength is the fixed length of the application token carried in the
// metadata extension.
const AppTokenLength = 20

// Metadata extension option bits. Every request sets all four; they exist so
// a future revision can omit fields.
const (
	metaOptionTimeout     = 0x1
	metaOptionKeyHash     = 0x2
	metaOptionProfileHash = 0x4
	metaOptionAppToken    = 0x8
)

const metaPayloadSize = 4 + 4 + keys.DigestLength + keys.DigestLength + AppTokenLength

// metaRequestSize is the metadata extension's constant contribution to a
// client sync, record header included.
const metaRequestSize = wire.ExtensionHeaderSize + metaPayloadSize

// writeMeta emits the metadata extension. It is always the first extension
// of a client sync.
func (e *Engine) writeMeta(w *wire.Writer, requestID uint32) error {
	keyHash, ok := e.status.EndpointKeyHash()
	if !ok {
		return fmt.Errorf("%w: endpoint key hash not initialized", errdefs.ErrInvalidState)
	}
	profileHash, _ := e.status.ProfileHash()

	options := uint32(metaOptionTimeout | metaOptionKeyHash | metaOptionProfileHash | metaOptionAppToken)
	if err := w.WriteExtensionHeader(uint8(extension.TypeMetadata), options, metaPayloadSize); err != nil {
		return err
	}
	if err := w.WriteUint32(requestID); err != nil {
		return err
	}
	if err := w.WriteUint32(uint32(e.timeout.Milliseconds())); err != nil {
		return err
	}
	if err := w.WriteAligned(keyHash[:]); err != nil {
		return err
	}
	if err := w.WriteAligned(profileHash[:]); err != nil {
		return err
	}
	return w.WriteAligned(e.appToken[:])
}
