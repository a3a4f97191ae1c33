// Package wire implements TagStruct (Component D): an append-only,
// typed, length-prefixed byte buffer with a read cursor, used as the
// payload encoding for structured proto.Message payloads (handshake,
// events, SHM descriptors); some payloads are carried as raw bytes.
package wire

import (
	"encoding/binary"
	"math"

	"github.com/inc-run/inc/cmn/cos"
)

// Tag identifies the type of the value that follows it on the wire.
type Tag byte

const (
	TagInvalid Tag = iota
	TagUint8
	TagUint16
	TagUint32
	TagUint64
	TagInt32
	TagInt64
	TagBool
	TagString
	TagBytes
	TagDouble
)

// TagStruct is an append-only buffer (Put*) with an independent read
// cursor (Get*); it is not safe for concurrent use.
type TagStruct struct {
	data      []byte
	readIndex int
}

// New returns an empty, write-ready TagStruct.
func New() *TagStruct { return &TagStruct{} }

// FromBytes wraps an existing encoded buffer for reading; the slice is
// aliased, not copied.
func FromBytes(b []byte) *TagStruct { return &TagStruct{data: b} }

// Bytes returns the underlying encoded buffer, aliasing storage.
func (t *TagStruct) Bytes() []byte { return t.data }

// Clear resets both the write buffer and the read cursor.
func (t *TagStruct) Clear() {
	t.data = t.data[:0]
	t.readIndex = 0
}

// Rewind resets only the read cursor, for round-trip testing.
func (t *TagStruct) Rewind() { t.readIndex = 0 }

//
// writers
//

func (t *TagStruct) PutUint8(v uint8) {
	t.data = append(t.data, byte(TagUint8), v)
}

func (t *TagStruct) PutUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	t.data = append(t.data, byte(TagUint16))
	t.data = append(t.data, b[:]...)
}

func (t *TagStruct) PutUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	t.data = append(t.data, byte(TagUint32))
	t.data = append(t.data, b[:]...)
}

func (t *TagStruct) PutUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	t.data = append(t.data, byte(TagUint64))
	t.data = append(t.data, b[:]...)
}

func (t *TagStruct) PutInt32(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	t.data = append(t.data, byte(TagInt32))
	t.data = append(t.data, b[:]...)
}

func (t *TagStruct) PutInt64(v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	t.data = append(t.data, byte(TagInt64))
	t.data = append(t.data, b[:]...)
}

func (t *TagStruct) PutBool(v bool) {
	var b byte
	if v {
		b = 1
	}
	t.data = append(t.data, byte(TagBool), b)
}

func (t *TagStruct) PutString(s string) {
	t.data = append(t.data, byte(TagString))
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(s)))
	t.data = append(t.data, lb[:]...)
	t.data = append(t.data, s...)
}

func (t *TagStruct) PutBytes(b []byte) {
	t.data = append(t.data, byte(TagBytes))
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(b)))
	t.data = append(t.data, lb[:]...)
	t.data = append(t.data, b...)
}

func (t *TagStruct) PutDouble(v float64) {
	t.data = append(t.data, byte(TagDouble))
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	t.data = append(t.data, b[:]...)
}

//
// readers. Each advances readIndex only on success; on mismatch or
// truncation the cursor is left at the last valid position and ok=false.
//

func (t *TagStruct) PeekTag() (Tag, bool) {
	if t.readIndex >= len(t.data) {
		return TagInvalid, false
	}
	return Tag(t.data[t.readIndex]), true
}

func (t *TagStruct) expect(want Tag) bool {
	got, ok := t.PeekTag()
	return ok && got == want
}

func (t *TagStruct) GetUint8() (uint8, bool) {
	if !t.expect(TagUint8) || t.readIndex+2 > len(t.data) {
		return 0, false
	}
	v := t.data[t.readIndex+1]
	t.readIndex += 2
	return v, true
}

func (t *TagStruct) GetUint16() (uint16, bool) {
	if !t.expect(TagUint16) || t.readIndex+3 > len(t.data) {
		return 0, false
	}
	v := binary.BigEndian.Uint16(t.data[t.readIndex+1:])
	t.readIndex += 3
	return v, true
}

func (t *TagStruct) GetUint32() (uint32, bool) {
	if !t.expect(TagUint32) || t.readIndex+5 > len(t.data) {
		return 0, false
	}
	v := binary.BigEndian.Uint32(t.data[t.readIndex+1:])
	t.readIndex += 5
	return v, true
}

func (t *TagStruct) GetUint64() (uint64, bool) {
	if !t.expect(TagUint64) || t.readIndex+9 > len(t.data) {
		return 0, false
	}
	v := binary.BigEndian.Uint64(t.data[t.readIndex+1:])
	t.readIndex += 9
	return v, true
}

func (t *TagStruct) GetInt32() (int32, bool) {
	if !t.expect(TagInt32) || t.readIndex+5 > len(t.data) {
		return 0, false
	}
	v := int32(binary.BigEndian.Uint32(t.data[t.readIndex+1:]))
	t.readIndex += 5
	return v, true
}

func (t *TagStruct) GetInt64() (int64, bool) {
	if !t.expect(TagInt64) || t.readIndex+9 > len(t.data) {
		return 0, false
	}
	v := int64(binary.BigEndian.Uint64(t.data[t.readIndex+1:]))
	t.readIndex += 9
	return v, true
}

func (t *TagStruct) GetBool() (bool, bool) {
	if !t.expect(TagBool) || t.readIndex+2 > len(t.data) {
		return false, false
	}
	v := t.data[t.readIndex+1] != 0
	t.readIndex += 2
	return v, true
}

func (t *TagStruct) GetString() (string, bool) {
	if !t.expect(TagString) || t.readIndex+5 > len(t.data) {
		return "", false
	}
	n := binary.BigEndian.Uint32(t.data[t.readIndex+1:])
	start := t.readIndex + 5
	end := start + int(n)
	if end > len(t.data) || end < start {
		return "", false
	}
	s := string(t.data[start:end])
	t.readIndex = end
	return s, true
}

// GetBytes returns a zero-copy view aliasing the TagStruct's own
// storage; the caller must keep the TagStruct (or the slice it
// returned) alive for as long as the view is used.
func (t *TagStruct) GetBytes() ([]byte, bool) {
	if !t.expect(TagBytes) || t.readIndex+5 > len(t.data) {
		return nil, false
	}
	n := binary.BigEndian.Uint32(t.data[t.readIndex+1:])
	start := t.readIndex + 5
	end := start + int(n)
	if end > len(t.data) || end < start {
		return nil, false
	}
	v := t.data[start:end]
	t.readIndex = end
	return v, true
}

func (t *TagStruct) GetDouble() (float64, bool) {
	if !t.expect(TagDouble) || t.readIndex+9 > len(t.data) {
		return 0, false
	}
	v := math.Float64frombits(binary.BigEndian.Uint64(t.data[t.readIndex+1:]))
	t.readIndex += 9
	return v, true
}

// ErrTagMismatch describes a type mismatch or truncated read; the Get*
// accessors report that case with a false ok instead of returning it.
var ErrTagMismatch = cos.NewErrINC(cos.InvalidMessage, "tag struct: type mismatch or truncated read")
