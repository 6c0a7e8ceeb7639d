package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/edgewire/edgesync/pkg/errdefs"
)

// Writer serializes a sync frame into a caller-supplied buffer.
//
// The buffer must be pre-sized: every write checks the remaining capacity and
// fails with errdefs.ErrWriteFailed instead of growing the buffer. The
// extension count in the frame header is back-patched once all extensions
// have been serialized.
type Writer struct {
	buf      []byte
	off      int
	countOff int
}

// NewWriter returns a Writer over buf. The writer never allocates.
func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf, countOff: -1}
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return w.off }

// Bytes returns the written portion of the buffer.
func (w *Writer) Bytes() []byte { return w.buf[:w.off] }

func (w *Writer) ensure(n int) error {
	if w.off+n > len(w.buf) {
		return fmt.Errorf("%w: need %d bytes, %d left", errdefs.ErrWriteFailed, n, len(w.buf)-w.off)
	}
	return nil
}

// WriteHeader writes the frame header with a placeholder extension count.
// Call PatchExtensionCount once the real count is known.
func (w *Writer) WriteHeader(protocolID uint32, version uint16) error {
	if err := w.ensure(HeaderSize); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(w.buf[w.off:], protocolID)
	binary.BigEndian.PutUint16(w.buf[w.off+4:], version)
	w.countOff = w.off + 6
	binary.BigEndian.PutUint16(w.buf[w.countOff:], 0)
	w.off += HeaderSize
	return nil
}

// PatchExtensionCount back-patches the extension count written as a
// placeholder by WriteHeader.
func (w *Writer) PatchExtensionCount(count uint16) error {
	if w.countOff < 0 {
		return fmt.Errorf("%w: no frame header written", errdefs.ErrBadParam)
	}
	binary.BigEndian.PutUint16(w.buf[w.countOff:], count)
	return nil
}

// WriteExtensionHeader writes one extension record header. The options value
// must fit in 24 bits.
func (w *Writer) WriteExtensionHeader(extType uint8, options uint32, payloadLen uint32) error {
	if options > MaxOptions {
		return fmt.Errorf("%w: options %#x exceed 24 bits", errdefs.ErrBadParam, options)
	}
	if err := w.ensure(ExtensionHeaderSize); err != nil {
		return err
	}
	w.buf[w.off] = extType
	w.buf[w.off+1] = byte(options >> 16)
	w.buf[w.off+2] = byte(options >> 8)
	w.buf[w.off+3] = byte(options)
	binary.BigEndian.PutUint32(w.buf[w.off+4:], payloadLen)
	w.off += ExtensionHeaderSize
	return nil
}

// WriteUint32 writes v in network byte order.
func (w *Writer) WriteUint32(v uint32) error {
	if err := w.ensure(4); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(w.buf[w.off:], v)
	w.off += 4
	return nil
}

// WriteUint64 writes v in network byte order.
func (w *Writer) WriteUint64(v uint64) error {
	if err := w.ensure(8); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(w.buf[w.off:], v)
	w.off += 8
	return nil
}

// WriteUint16 writes v in network byte order.
func (w *Writer) WriteUint16(v uint16) error {
	if err := w.ensure(2); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(w.buf[w.off:], v)
	w.off += 2
	return nil
}

// WriteByte writes a single byte.
func (w *Writer) WriteByte(v byte) error {
	if err := w.ensure(1); err != nil {
		return err
	}
	w.buf[w.off] = v
	w.off++
	return nil
}

// Write writes b verbatim, without padding.
func (w *Writer) Write(b []byte) error {
	if err := w.ensure(len(b)); err != nil {
		return err
	}
	copy(w.buf[w.off:], b)
	w.off += len(b)
	return nil
}

// WriteAligned writes b and pads with zeros to the next 4-byte boundary.
func (w *Writer) WriteAligned(b []byte) error {
	n := AlignedSize(len(b))
	if err := w.ensure(n); err != nil {
		return err
	}
	copy(w.buf[w.off:], b)
	for i := w.off + len(b); i < w.off+n; i++ {
		w.buf[i] = 0
	}
	w.off += n
	return nil
}
