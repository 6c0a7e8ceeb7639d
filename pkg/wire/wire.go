// Package wire implements the aligned big-endian frame codec used by the
// EdgeSync platform protocol.
//
// A client or server sync frame starts with an 8-byte header
// {protocol_id:u32, version:u16, extension_count:u16} followed by
// extension_count extension records. Each record is
// {type:u8, options:u24, payload_length:u32} and a payload padded with zeros
// to a 4-byte boundary. Every multi-byte integer is network byte order.
package wire

const (
	// ProtocolID identifies the EdgeSync platform protocol. A frame carrying a
	// different id is rejected as a whole.
	ProtocolID uint32 = 0x45645379

	// ProtocolVersion is the protocol revision this codec speaks.
	ProtocolVersion uint16 = 1

	// HeaderSize is the size of the frame header in bytes.
	HeaderSize = 8

	// ExtensionHeaderSize is the size of one extension record header in bytes.
	ExtensionHeaderSize = 8

	// MaxOptions is the largest value representable in the 24-bit options
	// field of an extension record header.
	MaxOptions = 1<<24 - 1
)

// AlignedSize returns n rounded up to the next 4-byte boundary.
func AlignedSize(n int) int {
	return (n + 3) &^ 3
}

// Padding returns the number of zero bytes needed after n payload bytes.
func Padding(n int) int {
	return (4 - n%4) % 4
}
