package status

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/edgewire/edgesync/pkg/errdefs"
	"github.com/edgewire/edgesync/pkg/keys"
)

// On-disk format: a fixed header {magic:u32, version:u16, field_count:u16}
// followed by field_count tagged fields {tag:u16, len:u32, value}. Unknown
// tags are carried through load/save untouched. Integers are big-endian like
// the wire protocol.
const (
	statusMagic   uint32 = 0x45535431 // "EST1"
	statusVersion uint16 = 1
)

const (
	tagEndpointKeyHash uint16 = 1
	tagProfileHash     uint16 = 2
	tagFlags           uint16 = 3
	tagAttachedUserID  uint16 = 4
	tagAccessToken     uint16 = 5
	tagSequences       uint16 = 6
	tagTopics          uint16 = 7
	tagAcceptedUIDs    uint16 = 8
)

const (
	flagRegistered byte = 1 << 0
	flagAttached   byte = 1 << 1
)

type rawField struct {
	tag   uint16
	value []byte
}

// marshal serializes the in-memory state. Caller holds s.mu.
func (s *Status) marshal() []byte {
	var fields []rawField

	if s.hasKeyHash {
		fields = append(fields, rawField{tagEndpointKeyHash, append([]byte(nil), s.endpointKeyHash[:]...)})
	}
	if s.hasProfileHash {
		fields = append(fields, rawField{tagProfileHash, append([]byte(nil), s.profileHash[:]...)})
	}

	var flags byte
	if s.registered {
		flags |= flagRegistered
	}
	if s.attached {
		flags |= flagAttached
	}
	fields = append(fields, rawField{tagFlags, []byte{flags}})

	if s.attachedUserID != "" {
		fields = append(fields, rawField{tagAttachedUserID, []byte(s.attachedUserID)})
	}
	if s.accessToken != "" {
		fields = append(fields, rawField{tagAccessToken, []byte(s.accessToken)})
	}
	if len(s.seqs) > 0 {
		fields = append(fields, rawField{tagSequences, marshalSequences(s.seqs)})
	}
	if len(s.topics) > 0 {
		fields = append(fields, rawField{tagTopics, marshalTopics(s.topics)})
	}
	if len(s.acceptedUIDs) > 0 {
		fields = append(fields, rawField{tagAcceptedUIDs, marshalUIDs(s.acceptedUIDs)})
	}
	fields = append(fields, s.unknown...)

	var buf bytes.Buffer
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:], statusMagic)
	binary.BigEndian.PutUint16(hdr[4:], statusVersion)
	binary.BigEndian.PutUint16(hdr[6:], uint16(len(fields)))
	buf.Write(hdr[:])

	for _, f := range fields {
		var fh [6]byte
		binary.BigEndian.PutUint16(fh[0:], f.tag)
		binary.BigEndian.PutUint32(fh[2:], uint32(len(f.value)))
		buf.Write(fh[:])
		buf.Write(f.value)
	}
	return buf.Bytes()
}

// unmarshal replaces the in-memory state with the decoded blob. Caller holds
// s.mu. On error the receiver is left untouched.
func (s *Status) unmarshal(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("%w: status blob truncated", errdefs.ErrBadFormat)
	}
	if magic := binary.BigEndian.Uint32(data[0:]); magic != statusMagic {
		return fmt.Errorf("%w: status magic %#x", errdefs.ErrBadFormat, magic)
	}
	if version := binary.BigEndian.Uint16(data[4:]); version != statusVersion {
		return fmt.Errorf("%w: status version %d", errdefs.ErrBadFormat, version)
	}
	count := int(binary.BigEndian.Uint16(data[6:]))

	next := New(s.path, s.store)
	off := 8
	for i := 0; i < count; i++ {
		if off+6 > len(data) {
			return fmt.Errorf("%w: field header truncated", errdefs.ErrBadFormat)
		}
		tag := binary.BigEndian.Uint16(data[off:])
		n := int(binary.BigEndian.Uint32(data[off+2:]))
		off += 6
		if off+n > len(data) {
			return fmt.Errorf("%w: field %d truncated", errdefs.ErrBadFormat, tag)
		}
		value := data[off : off+n]
		off += n

		if err := next.applyField(tag, value); err != nil {
			return err
		}
	}

	s.endpointKeyHash = next.endpointKeyHash
	s.hasKeyHash = next.hasKeyHash
	s.profileHash = next.profileHash
	s.hasProfileHash = next.hasProfileHash
	s.registered = next.registered
	s.attached = next.attached
	s.attachedUserID = next.attachedUserID
	s.accessToken = next.accessToken
	s.seqs = next.seqs
	s.topics = next.topics
	s.acceptedUIDs = next.acceptedUIDs
	s.unknown = next.unknown
	return nil
}

func (s *Status) applyField(tag uint16, value []byte) error {
	switch tag {
	case tagEndpointKeyHash:
		if len(value) != keys.DigestLength {
			return fmt.Errorf("%w: key hash length %d", errdefs.ErrBadFormat, len(value))
		}
		copy(s.endpointKeyHash[:], value)
		s.hasKeyHash = true
	case tagProfileHash:
		if len(value) != keys.DigestLength {
			return fmt.Errorf("%w: profile hash length %d", errdefs.ErrBadFormat, len(value))
		}
		copy(s.profileHash[:], value)
		s.hasProfileHash = true
	case tagFlags:
		if len(value) != 1 {
			return fmt.Errorf("%w: flags length %d", errdefs.ErrBadFormat, len(value))
		}
		s.registered = value[0]&flagRegistered != 0
		s.attached = value[0]&flagAttached != 0
	case tagAttachedUserID:
		s.attachedUserID = string(value)
	case tagAccessToken:
		s.accessToken = string(value)
	case tagSequences:
		seqs, err := unmarshalSequences(value)
		if err != nil {
			return err
		}
		s.seqs = seqs
	case tagTopics:
		topics, err := unmarshalTopics(value)
		if err != nil {
			return err
		}
		s.topics = topics
	case tagAcceptedUIDs:
		uids, err := unmarshalUIDs(value)
		if err != nil {
			return err
		}
		s.acceptedUIDs = uids
	default:
		s.unknown = append(s.unknown, rawField{tag, append([]byte(nil), value...)})
	}
	return nil
}

func marshalSequences(seqs map[uint8]uint32) []byte {
	out := make([]byte, 0, len(seqs)*5)
	for service, seq := range seqs {
		var e [5]byte
		e[0] = service
		binary.BigEndian.PutUint32(e[1:], seq)
		out = append(out, e[:]...)
	}
	return out
}

func unmarshalSequences(value []byte) (map[uint8]uint32, error) {
	if len(value)%5 != 0 {
		return nil, fmt.Errorf("%w: sequence table length %d", errdefs.ErrBadFormat, len(value))
	}
	seqs := make(map[uint8]uint32, len(value)/5)
	for off := 0; off < len(value); off += 5 {
		seqs[value[off]] = binary.BigEndian.Uint32(value[off+1:])
	}
	return seqs, nil
}

func marshalTopics(topics map[uint64]TopicState) []byte {
	var buf bytes.Buffer
	var cnt [4]byte
	binary.BigEndian.PutUint32(cnt[:], uint32(len(topics)))
	buf.Write(cnt[:])
	for _, t := range topics {
		var e [15]byte
		binary.BigEndian.PutUint64(e[0:], t.ID)
		binary.BigEndian.PutUint32(e[8:], t.Seq)
		e[12] = byte(t.Kind)
		binary.BigEndian.PutUint16(e[13:], uint16(len(t.Name)))
		buf.Write(e[:])
		buf.WriteString(t.Name)
	}
	return buf.Bytes()
}

func unmarshalTopics(value []byte) (map[uint64]TopicState, error) {
	if len(value) < 4 {
		return nil, fmt.Errorf("%w: topic table truncated", errdefs.ErrBadFormat)
	}
	count := int(binary.BigEndian.Uint32(value))
	topics := make(map[uint64]TopicState, count)
	off := 4
	for i := 0; i < count; i++ {
		if off+15 > len(value) {
			return nil, fmt.Errorf("%w: topic entry truncated", errdefs.ErrBadFormat)
		}
		t := TopicState{
			ID:   binary.BigEndian.Uint64(value[off:]),
			Seq:  binary.BigEndian.Uint32(value[off+8:]),
			Kind: SubscriptionKind(value[off+12]),
		}
		nameLen := int(binary.BigEndian.Uint16(value[off+13:]))
		off += 15
		if off+nameLen > len(value) {
			return nil, fmt.Errorf("%w: topic name truncated", errdefs.ErrBadFormat)
		}
		t.Name = string(value[off : off+nameLen])
		off += nameLen
		topics[t.ID] = t
	}
	return topics, nil
}

func marshalUIDs(uids map[string]struct{}) []byte {
	var buf bytes.Buffer
	var cnt [4]byte
	binary.BigEndian.PutUint32(cnt[:], uint32(len(uids)))
	buf.Write(cnt[:])
	for uid := range uids {
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(uid)))
		buf.Write(l[:])
		buf.WriteString(uid)
	}
	return buf.Bytes()
}

func unmarshalUIDs(value []byte) (map[string]struct{}, error) {
	if len(value) < 4 {
		return nil, fmt.Errorf("%w: uid set truncated", errdefs.ErrBadFormat)
	}
	count := int(binary.BigEndian.Uint32(value))
	uids := make(map[string]struct{}, count)
	off := 4
	for i := 0; i < count; i++ {
		if off+2 > len(value) {
			return nil, fmt.Errorf("%w: uid entry truncated", errdefs.ErrBadFormat)
		}
		n := int(binary.BigEndian.Uint16(value[off:]))
		off += 2
		if off+n > len(value) {
			return nil, fmt.Errorf("%w: uid truncated", errdefs.ErrBadFormat)
		}
		uids[string(value[off:off+n])] = struct{}{}
		off += n
	}
	return uids, nil
}
