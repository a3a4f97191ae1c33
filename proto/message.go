package proto

import (
	"encoding/binary"
	"errors"

	lz4 "github.com/pierrec/lz4/v3"

	"github.com/inc-run/inc/cmn/cos"
)

// compressThreshold is the minimum inline payload size worth paying
// lz4's framing overhead for; SHM_DATA payloads are tiny TagStructs
// and are never compressed regardless of size.
const compressThreshold = 256

var (
	errShortHeader = errors.New("proto: short header")

	// ErrBadMagic is returned by ParseHeader on a magic mismatch; the
	// caller must emit PROTOCOL_ERROR and close the connection.
	ErrBadMagic = cos.NewErrINC(cos.ProtocolError, "bad magic")

	// ErrTooLarge is returned when Header.Length exceeds MaxMessageSize
	// and FlagSHMData is not set.
	ErrTooLarge = cos.NewErrINC(cos.MessageTooLarge, "payload exceeds %d bytes", MaxMessageSize)
)

// ShmDescriptor is the TagStruct-encoded payload of a FlagSHMData
// message: enough for the peer to attach the segment and alias the
// referenced block.
type ShmDescriptor struct {
	ShmID       uint32
	BlockID     uint32
	SegName     string
	SegLen      uint32
	Offset      uint32
	Size        uint32
	Writable    bool
	Fingerprint uint64 // cos.Fingerprint64 of the referenced bytes, checked by the importer
}

// Message is a parsed/to-be-serialized header + payload pair.
type Message struct {
	Header  Header
	Payload []byte // inline payload, or TagStruct-encoded ShmDescriptor when FlagSHMData is set
}

// Encode renders m as header-then-payload into a single buffer ready
// for the writer.
func (m Message) Encode() []byte {
	buf := make([]byte, HeaderSize+len(m.Payload))
	h := m.Header
	h.Length = uint32(len(m.Payload))
	h.Marshal(buf[:HeaderSize])
	copy(buf[HeaderSize:], m.Payload)
	return buf
}

// Validate enforces the payload size limit on inline (non-SHM_DATA)
// messages.
func (m Message) Validate() error {
	if m.Header.Flags&FlagSHMData == 0 && len(m.Payload) > MaxMessageSize {
		return ErrTooLarge
	}
	return nil
}

// compress replaces m.Payload with its lz4-compressed form, prefixed
// by the uncompressed length, and sets FlagCompressed; a no-op for
// SHM_DATA frames, payloads under compressThreshold, or payloads lz4
// can't actually shrink.
func (m *Message) compress() {
	if m.Header.Flags&FlagSHMData != 0 || len(m.Payload) < compressThreshold {
		return
	}
	buf := make([]byte, 4+lz4.CompressBlockBound(len(m.Payload)))
	n, err := lz4.CompressBlock(m.Payload, buf[4:], nil)
	if err != nil || n == 0 || n+4 >= len(m.Payload) {
		return
	}
	binary.LittleEndian.PutUint32(buf, uint32(len(m.Payload)))
	m.Header.Flags |= FlagCompressed
	m.Payload = buf[:n+4]
}

// Decompress restores m.Payload in place and clears FlagCompressed; a
// no-op if the flag isn't set.
func (m *Message) Decompress() error {
	if m.Header.Flags&FlagCompressed == 0 {
		return nil
	}
	if len(m.Payload) < 4 {
		return cos.NewErrINC(cos.InvalidMessage, "compressed payload too short")
	}
	size := binary.LittleEndian.Uint32(m.Payload[:4])
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(m.Payload[4:], dst)
	if err != nil {
		return cos.WrapINC(cos.InvalidMessage, err)
	}
	m.Payload = dst[:n]
	m.Header.Flags &^= FlagCompressed
	return nil
}
