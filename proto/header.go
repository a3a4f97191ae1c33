// Package proto implements the wire framing (Component E): a fixed
// 32-byte MessageHeader, the Message envelope, a parser state machine
// tolerant of arbitrary read fragmentation, and a writer with partial
// I/O and a capped send queue.
package proto

import "encoding/binary"

// Magic identifies a valid header: "INC\0".
const Magic uint32 = 0x494E4300

// HeaderSize is the fixed on-wire header length in bytes.
const HeaderSize = 32

// MaxMessageSize bounds an inline (non-SHM) payload.
const MaxMessageSize = 1024

// DeadlineForever marks a message with no deadline.
const DeadlineForever = int64(1<<63 - 1)

// Type enumerates Message.Type.
type Type uint16

const (
	TypeInvalid Type = iota
	TypeHandshake
	TypeHandshakeAck
	TypeAuth
	TypeAuthAck
	TypeMethodCall
	TypeMethodReply
	TypeEvent
	TypeSubscribe
	TypeUnsubscribe
	TypeStreamOpen
	TypeStreamClose
	TypeBinaryData
	TypePing
	TypePong
)

func (t Type) String() string {
	switch t {
	case TypeInvalid:
		return "INVALID"
	case TypeHandshake:
		return "HANDSHAKE"
	case TypeHandshakeAck:
		return "HANDSHAKE_ACK"
	case TypeAuth:
		return "AUTH"
	case TypeAuthAck:
		return "AUTH_ACK"
	case TypeMethodCall:
		return "METHOD_CALL"
	case TypeMethodReply:
		return "METHOD_REPLY"
	case TypeEvent:
		return "EVENT"
	case TypeSubscribe:
		return "SUBSCRIBE"
	case TypeUnsubscribe:
		return "UNSUBSCRIBE"
	case TypeStreamOpen:
		return "STREAM_OPEN"
	case TypeStreamClose:
		return "STREAM_CLOSE"
	case TypeBinaryData:
		return "BINARY_DATA"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	default:
		return "UNKNOWN"
	}
}

// Flags is a bitset carried in the header.
type Flags uint32

const (
	FlagNone       Flags = 0
	FlagSHMData    Flags = 1 << 0
	FlagCompressed Flags = 1 << 1
)

// Header is the fixed 32-byte, little-endian message header.
type Header struct {
	ProtocolVersion uint8
	PayloadVersion  uint8
	Type            Type
	ChannelID       uint32
	SeqNum          uint32
	Length          uint32
	Flags           Flags
	DTS             int64
}

// Marshal writes h into the first HeaderSize bytes of dst.
func (h Header) Marshal(dst []byte) {
	_ = dst[:HeaderSize]
	binary.LittleEndian.PutUint32(dst[0:4], Magic)
	dst[4] = h.ProtocolVersion
	dst[5] = h.PayloadVersion
	binary.LittleEndian.PutUint16(dst[6:8], uint16(h.Type))
	binary.LittleEndian.PutUint32(dst[8:12], h.ChannelID)
	binary.LittleEndian.PutUint32(dst[12:16], h.SeqNum)
	binary.LittleEndian.PutUint32(dst[16:20], h.Length)
	binary.LittleEndian.PutUint32(dst[20:24], uint32(h.Flags))
	binary.LittleEndian.PutUint64(dst[24:32], uint64(h.DTS))
}

// ParseHeader decodes exactly HeaderSize bytes of src, which the
// caller must have fully accumulated.
func ParseHeader(src []byte) (Header, error) {
	var h Header
	if len(src) < HeaderSize {
		return h, errShortHeader
	}
	if magic := binary.LittleEndian.Uint32(src[0:4]); magic != Magic {
		return h, ErrBadMagic
	}
	h.ProtocolVersion = src[4]
	h.PayloadVersion = src[5]
	h.Type = Type(binary.LittleEndian.Uint16(src[6:8]))
	h.ChannelID = binary.LittleEndian.Uint32(src[8:12])
	h.SeqNum = binary.LittleEndian.Uint32(src[12:16])
	h.Length = binary.LittleEndian.Uint32(src[16:20])
	h.Flags = Flags(binary.LittleEndian.Uint32(src[20:24]))
	h.DTS = int64(binary.LittleEndian.Uint64(src[24:32]))
	return h, nil
}
