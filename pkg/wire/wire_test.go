package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewire/edgesync/pkg/errdefs"
)

func TestAlignedSize(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{0, 0},
		{1, 4},
		{3, 4},
		{4, 4},
		{5, 8},
		{20, 20},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AlignedSize(tt.in), "AlignedSize(%d)", tt.in)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, HeaderSize)
	w := NewWriter(buf)
	require.NoError(t, w.WriteHeader(ProtocolID, ProtocolVersion))
	require.NoError(t, w.PatchExtensionCount(3))

	r := NewReader(w.Bytes())
	count, err := r.ReadHeader()
	require.NoError(t, err)
	assert.Equal(t, uint16(3), count)
	assert.Equal(t, 0, r.Remaining())
}

func TestReadHeaderRejectsForeignProtocol(t *testing.T) {
	buf := make([]byte, HeaderSize)
	w := NewWriter(buf)
	require.NoError(t, w.WriteHeader(0xDEADBEEF, ProtocolVersion))

	_, err := NewReader(w.Bytes()).ReadHeader()
	assert.ErrorIs(t, err, errdefs.ErrBadProtocolID)
}

func TestReadHeaderRejectsForeignVersion(t *testing.T) {
	buf := make([]byte, HeaderSize)
	w := NewWriter(buf)
	require.NoError(t, w.WriteHeader(ProtocolID, ProtocolVersion+1))

	_, err := NewReader(w.Bytes()).ReadHeader()
	assert.ErrorIs(t, err, errdefs.ErrBadProtocolVersion)
}

func TestReadHeaderTruncated(t *testing.T) {
	_, err := NewReader([]byte{0x45, 0x64}).ReadHeader()
	assert.ErrorIs(t, err, errdefs.ErrBadFormat)
}

func TestExtensionHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, ExtensionHeaderSize)
	w := NewWriter(buf)
	require.NoError(t, w.WriteExtensionHeader(7, 0x010203, 42))

	typ, options, length, err := NewReader(w.Bytes()).ReadExtensionHeader()
	require.NoError(t, err)
	assert.Equal(t, uint8(7), typ)
	assert.Equal(t, uint32(0x010203), options)
	assert.Equal(t, uint32(42), length)
}

func TestExtensionHeaderRejectsWideOptions(t *testing.T) {
	w := NewWriter(make([]byte, ExtensionHeaderSize))
	err := w.WriteExtensionHeader(1, 1<<24, 0)
	assert.ErrorIs(t, err, errdefs.ErrBadParam)
}

func TestWriteAlignedPadsWithZeros(t *testing.T) {
	buf := make([]byte, 8)
	w := NewWriter(buf)
	require.NoError(t, w.WriteAligned([]byte("abcde")))

	assert.Equal(t, 8, w.Len())
	assert.Equal(t, []byte{'a', 'b', 'c', 'd', 'e', 0, 0, 0}, w.Bytes())

	r := NewReader(w.Bytes())
	data, err := r.ReadAligned(5)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcde"), data)
	assert.Equal(t, 0, r.Remaining())
}

func TestWriterOverflow(t *testing.T) {
	w := NewWriter(make([]byte, 2))
	assert.ErrorIs(t, w.WriteUint32(1), errdefs.ErrWriteFailed)
}

func TestReaderTruncatedAligned(t *testing.T) {
	r := NewReader([]byte{1, 2, 3})
	_, err := r.ReadAligned(3) // needs 4 bytes with padding
	assert.ErrorIs(t, err, errdefs.ErrBadFormat)
}

func TestIntegerRoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	w := NewWriter(buf)
	require.NoError(t, w.WriteUint32(0xCAFEBABE))
	require.NoError(t, w.WriteUint16(0xBEEF))
	require.NoError(t, w.WriteByte(0x7F))
	require.NoError(t, w.WriteUint64(0x1122334455667788))

	r := NewReader(w.Bytes())
	v32, err := r.ReadUint32()
	require.NoError(t, err)
	v16, err := r.ReadUint16()
	require.NoError(t, err)
	v8, err := r.ReadByte()
	require.NoError(t, err)
	v64, err := r.ReadUint64()
	require.NoError(t, err)

	assert.Equal(t, uint32(0xCAFEBABE), v32)
	assert.Equal(t, uint16(0xBEEF), v16)
	assert.Equal(t, byte(0x7F), v8)
	assert.Equal(t, uint64(0x1122334455667788), v64)
}
