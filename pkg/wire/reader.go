package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/edgewire/edgesync/pkg/errdefs"
)

// Reader parses a sync frame from a server-supplied buffer.
//
// Truncated input fails with errdefs.ErrBadFormat. Header validation fails
// with errdefs.ErrBadProtocolID or errdefs.ErrBadProtocolVersion; both are
// fatal for the sync session.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader over buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Has reports whether at least n unread bytes remain.
func (r *Reader) Has(n int) bool { return r.Remaining() >= n }

func (r *Reader) need(n int) error {
	if !r.Has(n) {
		return fmt.Errorf("%w: need %d bytes, %d left", errdefs.ErrBadFormat, n, r.Remaining())
	}
	return nil
}

// ReadHeader reads and validates the frame header against the compiled
// protocol constants.
func (r *Reader) ReadHeader() (extensionCount uint16, err error) {
	if err := r.need(HeaderSize); err != nil {
		return 0, err
	}
	id := binary.BigEndian.Uint32(r.buf[r.off:])
	version := binary.BigEndian.Uint16(r.buf[r.off+4:])
	count := binary.BigEndian.Uint16(r.buf[r.off+6:])
	if id != ProtocolID {
		return 0, fmt.Errorf("%w: %#x", errdefs.ErrBadProtocolID, id)
	}
	if version != ProtocolVersion {
		return 0, fmt.Errorf("%w: %d", errdefs.ErrBadProtocolVersion, version)
	}
	r.off += HeaderSize
	return count, nil
}

// ReadExtensionHeader reads one extension record header.
func (r *Reader) ReadExtensionHeader() (extType uint8, options uint32, payloadLen uint32, err error) {
	if err := r.need(ExtensionHeaderSize); err != nil {
		return 0, 0, 0, err
	}
	extType = r.buf[r.off]
	options = uint32(r.buf[r.off+1])<<16 | uint32(r.buf[r.off+2])<<8 | uint32(r.buf[r.off+3])
	payloadLen = binary.BigEndian.Uint32(r.buf[r.off+4:])
	r.off += ExtensionHeaderSize
	return extType, options, payloadLen, nil
}

// ReadUint32 reads a network-order u32.
func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

// ReadUint64 reads a network-order u64.
func (r *Reader) ReadUint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

// ReadUint16 reads a network-order u16.
func (r *Reader) ReadUint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

// ReadAligned reads n payload bytes and consumes the trailing padding up to
// the next 4-byte boundary. The returned slice is a copy.
func (r *Reader) ReadAligned(n int) ([]byte, error) {
	total := AlignedSize(n)
	if err := r.need(total); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:])
	r.off += total
	return out, nil
}

// Skip consumes n bytes without interpreting them.
func (r *Reader) Skip(n int) error {
	if err := r.need(n); err != nil {
		return err
	}
	r.off += n
	return nil
}

// SkipAligned consumes n payload bytes plus padding.
func (r *Reader) SkipAligned(n int) error {
	return r.Skip(AlignedSize(n))
}
